package directory

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "secretbox:"

var errSealedWithoutSecret = errors.New("sealed key requires KEY_SECRET")

// signingKey is a payment.KeyHandle over a decrypted secp256k1 key.
type signingKey struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

func newSigningKey(priv *ecdsa.PrivateKey) *signingKey {
	return &signingKey{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}
}

func (k *signingKey) Address() common.Address { return k.addr }

func (k *signingKey) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.priv)
}

func (k *signingKey) String() string { return "signingKey(" + k.addr.Hex() + ")" }

func (k *signingKey) GoString() string { return k.String() }

func (k *signingKey) LogValue() slog.Value { return slog.StringValue(k.addr.Hex()) }

func boxKey(secret string) *[32]byte {
	sum := sha256.Sum256([]byte(secret))
	return &sum
}

// OpenKey decodes a stored key. Plain hex keys are accepted as is; keys
// prefixed with "secretbox:" are base64 nonce||box sealed under
// sha256(secret).
func OpenKey(stored, secret string) (*ecdsa.PrivateKey, error) {
	stored = strings.TrimSpace(stored)
	if !strings.HasPrefix(stored, sealedPrefix) {
		priv, err := crypto.HexToECDSA(strings.TrimPrefix(stored, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decode hex key: %w", err)
		}
		return priv, nil
	}
	if secret == "" {
		return nil, errSealedWithoutSecret
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode sealed key: %w", err)
	}
	if len(raw) < 24+secretbox.Overhead {
		return nil, fmt.Errorf("sealed key too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, boxKey(secret))
	if !ok {
		return nil, fmt.Errorf("open sealed key: authentication failed")
	}
	priv, err := crypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("parse sealed key: %w", err)
	}
	return priv, nil
}

// SealKey encrypts priv for storage in a directory file.
func SealKey(priv *ecdsa.PrivateKey, secret string) (string, error) {
	if secret == "" {
		return "", errSealedWithoutSecret
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], crypto.FromECDSA(priv), &nonce, boxKey(secret))
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}
