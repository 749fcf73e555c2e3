package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

const fixture = `
agents:
  - id: client-1
    display_name: Eve
    role: client
    wallet_address: "0x1111111111111111111111111111111111111111"
  - id: merchant-1
    display_name: Lamp Shop
    role: merchant
    wallet_address: "0x2222222222222222222222222222222222222222"
items:
  - id: lamp
    seller_id: merchant-1
    name: Desk lamp
    list_price: "100.00"
    max_discount_percent: 20
    stock: 3
    currency: USDC
keys:
  client-1: "%s"
`

func TestParse(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	hexKey := fmt.Sprintf("%x", crypto.FromECDSA(priv))

	dir, err := Parse([]byte(fmt.Sprintf(fixture, hexKey)), "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	ctx := context.Background()

	buyer, err := dir.GetAgent(ctx, "client-1")
	if err != nil || buyer == nil {
		t.Fatalf("GetAgent(client-1) = %v, %v", buyer, err)
	}
	if buyer.Role != domain.RoleBuyer {
		t.Errorf("client role = %q, want buyer", buyer.Role)
	}
	seller, _ := dir.GetAgent(ctx, "merchant-1")
	if seller.Role != domain.RoleSeller {
		t.Errorf("merchant role = %q, want seller", seller.Role)
	}

	item, _ := dir.GetItem(ctx, "lamp")
	if item == nil {
		t.Fatal("GetItem(lamp) = nil")
	}
	if !item.ListPrice.Equal(decimal.NewFromInt(100)) {
		t.Errorf("list price = %s, want 100", item.ListPrice)
	}
	if item.MaxDiscountPercent.IntPart() != 20 || item.Stock != 3 || item.SellerRef != "merchant-1" {
		t.Errorf("item = %+v", item)
	}

	if a, err := dir.GetAgent(ctx, "nobody"); a != nil || err != nil {
		t.Errorf("GetAgent(nobody) = %v, %v, want nil, nil", a, err)
	}
	if it, err := dir.GetItem(ctx, "nothing"); it != nil || err != nil {
		t.Errorf("GetItem(nothing) = %v, %v, want nil, nil", it, err)
	}

	key, err := dir.GetSigningKey(ctx, "client-1")
	if err != nil {
		t.Fatalf("GetSigningKey() error = %v", err)
	}
	if key.Address() != crypto.PubkeyToAddress(priv.PublicKey) {
		t.Errorf("key address = %s", key.Address().Hex())
	}
	if _, err := dir.GetSigningKey(ctx, "merchant-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("GetSigningKey(merchant-1) error = %v, want ErrNotFound", err)
	}

	agents := dir.Agents()
	if len(agents) != 2 || agents[0].Ref != "client-1" || agents[1].Ref != "merchant-1" {
		t.Errorf("Agents() = %+v", agents)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown role", "agents:\n  - id: a\n    role: auditor\n"},
		{"duplicate agent", "agents:\n  - id: a\n    role: buyer\n  - id: a\n    role: seller\n"},
		{"agent without id", "agents:\n  - role: buyer\n"},
		{"negative price", "items:\n  - id: x\n    list_price: -1\n"},
		{"bad yaml", "agents: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc), ""); err == nil {
				t.Error("Parse() error = nil, want error")
			}
		})
	}
}

func TestSealedKeyRoundTrip(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	sealed, err := SealKey(priv, "s3cret")
	if err != nil {
		t.Fatalf("SealKey() error = %v", err)
	}
	if !strings.HasPrefix(sealed, sealedPrefix) {
		t.Fatalf("sealed key %q lacks prefix", sealed)
	}

	got, err := OpenKey(sealed, "s3cret")
	if err != nil {
		t.Fatalf("OpenKey() error = %v", err)
	}
	if crypto.PubkeyToAddress(got.PublicKey) != crypto.PubkeyToAddress(priv.PublicKey) {
		t.Error("opened key differs from sealed key")
	}

	if _, err := OpenKey(sealed, "wrong"); err == nil {
		t.Error("OpenKey(wrong secret) error = nil")
	}
	if _, err := OpenKey(sealed, ""); !errors.Is(err, errSealedWithoutSecret) {
		t.Errorf("OpenKey(no secret) error = %v", err)
	}
}

func TestSigningKeyDoesNotPrintSecret(t *testing.T) {
	priv, _ := crypto.GenerateKey()
	k := newSigningKey(priv)
	secretHex := fmt.Sprintf("%x", crypto.FromECDSA(priv))

	for _, s := range []string{fmt.Sprint(k), fmt.Sprintf("%v", k), fmt.Sprintf("%#v", k), k.LogValue().String()} {
		if strings.Contains(s, secretHex) {
			t.Fatalf("formatted key leaks secret: %s", s)
		}
		if !strings.Contains(s, k.Address().Hex()) {
			t.Errorf("formatted key %q should name its address", s)
		}
	}

	digest := crypto.Keccak256([]byte("payload"))
	sig, err := k.Sign(digest)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		t.Fatalf("SigToPub() error = %v", err)
	}
	if crypto.PubkeyToAddress(*pub) != k.Address() {
		t.Error("recovered signer differs from key address")
	}
}

func TestLoadFileAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	write := func(wallet string) {
		doc := "agents:\n  - id: m\n    role: seller\n    wallet_address: \"" + wallet + "\"\n"
		if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}

	write("0x2222222222222222222222222222222222222222")
	dir, err := LoadFile(path, "", nil)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	write("0x3333333333333333333333333333333333333333")
	if err := dir.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	a, _ := dir.GetAgent(context.Background(), "m")
	if a.WalletAddress != "0x3333333333333333333333333333333333333333" {
		t.Errorf("wallet after reload = %s", a.WalletAddress)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), "", nil); err == nil {
		t.Error("LoadFile(missing) error = nil")
	}
}

func TestExampleDirectoryIsConsistent(t *testing.T) {
	dir, err := LoadFile(filepath.Join("..", "..", "directory.example.yaml"), "", nil)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	ctx := context.Background()
	for _, a := range dir.Agents() {
		if a.Role != domain.RoleBuyer {
			continue
		}
		key, err := dir.GetSigningKey(ctx, a.Ref)
		if err != nil {
			t.Fatalf("GetSigningKey(%s) error = %v", a.Ref, err)
		}
		if !strings.EqualFold(key.Address().Hex(), a.WalletAddress) {
			t.Errorf("%s key address %s does not match wallet %s", a.Ref, key.Address().Hex(), a.WalletAddress)
		}
	}
}
