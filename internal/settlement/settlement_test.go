package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/payment"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLedger struct {
	mu      sync.Mutex
	records map[string]domain.Settlement
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[string]domain.Settlement)}
}

func (m *memLedger) CreateSettlement(_ context.Context, st *domain.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[st.SessionID]; ok {
		return domain.ErrDuplicate
	}
	m.records[st.SessionID] = *st
	return nil
}

func (m *memLedger) GetSettlementBySession(_ context.Context, id string) (*domain.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (m *memLedger) CompleteSettlement(_ context.Context, st *domain.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.records[st.SessionID]
	if !ok || cur.Status != domain.SettlementPending {
		return domain.ErrAlreadyTerminal
	}
	m.records[st.SessionID] = *st
	return nil
}

type agentMap map[string]*domain.Agent

func (a agentMap) GetAgent(_ context.Context, ref string) (*domain.Agent, error) {
	return a[ref], nil
}

type testKey struct{ priv *ecdsa.PrivateKey }

func (k testKey) Address() common.Address { return crypto.PubkeyToAddress(k.priv.PublicKey) }

func (k testKey) Sign(digest []byte) ([]byte, error) { return crypto.Sign(digest, k.priv) }

type keyMap map[string]payment.KeyHandle

func (k keyMap) GetSigningKey(_ context.Context, ref string) (payment.KeyHandle, error) {
	return k[ref], nil
}

type stubVerifier struct {
	ev  payment.TransferEvent
	err error
}

func (s stubVerifier) GetTransferEvent(context.Context, string) (payment.TransferEvent, error) {
	return s.ev, s.err
}

type fixture struct {
	ledger   *memLedger
	agents   agentMap
	keys     keyMap
	sandbox  *payment.Sandbox
	buyer    testKey
	seller   testKey
	sess     *domain.Session
	cfg      Config
	verifier payment.Verifier
	gateway  payment.Gateway
}

func newFixture(t *testing.T, opts ...payment.SandboxOption) *fixture {
	t.Helper()
	bk, err := crypto.GenerateKey()
	require.NoError(t, err)
	sk, err := crypto.GenerateKey()
	require.NoError(t, err)
	f := &fixture{
		ledger:  newMemLedger(),
		sandbox: payment.NewSandbox(opts...),
		buyer:   testKey{priv: bk},
		seller:  testKey{priv: sk},
		cfg:     Config{Timeout: time.Second, LockTTL: time.Second},
	}
	f.agents = agentMap{
		"buyer-1":  {Ref: "buyer-1", Role: domain.RoleBuyer, WalletAddress: f.buyer.Address().Hex()},
		"seller-1": {Ref: "seller-1", Role: domain.RoleSeller, WalletAddress: f.seller.Address().Hex()},
	}
	f.keys = keyMap{"buyer-1": f.buyer}
	f.sandbox.Fund(f.buyer.Address(), decimal.NewFromInt(1000))

	price := decimal.RequireFromString("82.50")
	f.sess = &domain.Session{
		ID:         "sess-1",
		BuyerRef:   "buyer-1",
		SellerRef:  "seller-1",
		Currency:   "USDC",
		Status:     domain.SessionAgreed,
		FinalPrice: &price,
	}
	return f
}

func (f *fixture) engine() *Engine {
	var gw payment.Gateway = f.sandbox
	if f.gateway != nil {
		gw = f.gateway
	}
	var v payment.Verifier = f.sandbox
	if f.verifier != nil {
		v = f.verifier
	}
	return NewEngine(f.ledger, f.agents, f.keys, gw, v, nil, f.cfg, nil)
}

func TestSettle_Success(t *testing.T) {
	f := newFixture(t)

	st, err := f.engine().Settle(context.Background(), f.sess)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSuccess, st.Status)
	assert.True(t, st.VerifiedOnChain)
	assert.NotEmpty(t, st.TxRef)
	assert.Empty(t, st.Error)
	assert.NotNil(t, st.CompletedAt)
	assert.Equal(t, f.seller.Address().Hex(), st.PayeeWallet)
	assert.Equal(t, f.buyer.Address().Hex(), st.PayerWallet)
	assert.True(t, f.sandbox.Balance(f.seller.Address()).Equal(decimal.RequireFromString("82.50")))

	stored, _ := f.ledger.GetSettlementBySession(context.Background(), f.sess.ID)
	assert.Equal(t, domain.SettlementSuccess, stored.Status)
}

func TestSettle_OverridesCallerResolvedRecipient(t *testing.T) {
	f := newFixture(t, payment.WithCallerResolvedRecipient())

	st, err := f.engine().Settle(context.Background(), f.sess)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSuccess, st.Status)
	assert.True(t, f.sandbox.Balance(f.seller.Address()).Equal(decimal.RequireFromString("82.50")))
}

func TestSettle_RecipientMismatch(t *testing.T) {
	// Gateway reports success but the chain shows the buyer paid itself.
	f := newFixture(t)
	f.sandbox = payment.NewSandbox(payment.WithMisroute(f.buyer.Address()))
	f.sandbox.Fund(f.buyer.Address(), decimal.NewFromInt(1000))

	st, err := f.engine().Settle(context.Background(), f.sess)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFailed, st.Status)
	assert.Equal(t, domain.ErrCodeRecipientMismatch, st.Error)
	assert.False(t, st.VerifiedOnChain)
	assert.NotEmpty(t, st.TxRef)
	assert.True(t, f.sandbox.Balance(f.seller.Address()).IsZero())
}

func TestSettle_Idempotent(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	first, err := e.Settle(context.Background(), f.sess)
	require.NoError(t, err)
	second, err := e.Settle(context.Background(), f.sess)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.TxRef, second.TxRef)
	assert.Equal(t, 1, f.sandbox.Executed())
}

func TestSettle_ConcurrentCallsTransferOnce(t *testing.T) {
	f := newFixture(t)
	e := f.engine()

	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := e.Settle(context.Background(), f.sess)
			if err == nil {
				ids[i] = st.ID
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.sandbox.Executed())
	stored, _ := f.ledger.GetSettlementBySession(context.Background(), f.sess.ID)
	for _, id := range ids {
		assert.Equal(t, stored.ID, id)
	}
}

func TestSettle_NotSettleable(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(s *domain.Session)
	}{
		{"failed", func(s *domain.Session) { s.Status = domain.SessionFailed }},
		{"over budget", func(s *domain.Session) { s.OverBudget = true }},
		{"no price", func(s *domain.Session) { s.FinalPrice = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.mutate(f.sess)
			_, err := f.engine().Settle(context.Background(), f.sess)
			assert.ErrorIs(t, err, domain.ErrNotSettleable)
			assert.Equal(t, 0, f.sandbox.Executed())
		})
	}
}

func TestSettle_FailureCodes(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		code  string
	}{
		{"payee wallet missing", func(f *fixture) { f.agents["seller-1"].WalletAddress = "" }, domain.ErrCodeInvalidPayeeWallet},
		{"payee unknown", func(f *fixture) { delete(f.agents, "seller-1") }, domain.ErrCodeInvalidPayeeWallet},
		{"payer wallet malformed", func(f *fixture) { f.agents["buyer-1"].WalletAddress = "0x1234" }, domain.ErrCodeInvalidPayerWallet},
		{"payer key missing", func(f *fixture) { delete(f.keys, "buyer-1") }, domain.ErrCodePayerKeyUnavailable},
		{"payer key mismatch", func(f *fixture) { f.keys["buyer-1"] = f.seller }, domain.ErrCodePayerKeyMismatch},
		{"self payment", func(f *fixture) {
			f.agents["seller-1"].WalletAddress = f.buyer.Address().Hex()
		}, domain.ErrCodeSelfPayment},
		{"insufficient funds", func(f *fixture) {
			f.sandbox = payment.NewSandbox()
		}, domain.ErrCodeInsufficientFunds},
		{"gateway error", func(f *fixture) {
			f.sandbox = payment.NewSandbox(payment.WithExecuteError(errors.New("facilitator unreachable")))
		}, domain.ErrCodePaymentFailed},
		{"verifier down", func(f *fixture) {
			f.verifier = stubVerifier{err: errors.New("rpc unavailable")}
		}, domain.ErrCodeVerificationUnavailable},
		{"payer mismatch", func(f *fixture) {
			f.verifier = stubVerifier{ev: payment.TransferEvent{
				From: common.HexToAddress("0x00000000000000000000000000000000000000aa"), To: f.seller.Address(), Amount: decimal.RequireFromString("82.50"),
			}}
		}, domain.ErrCodePayerMismatch},
		{"amount mismatch", func(f *fixture) {
			f.verifier = stubVerifier{ev: payment.TransferEvent{
				From: f.buyer.Address(), To: f.seller.Address(), Amount: decimal.RequireFromString("8.25"),
			}}
		}, domain.ErrCodeAmountMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f)
			st, err := f.engine().Settle(context.Background(), f.sess)
			require.NoError(t, err)
			assert.Equal(t, domain.SettlementFailed, st.Status)
			assert.Equal(t, tt.code, st.Error)
			assert.NotEmpty(t, st.ErrorDetail)
			assert.False(t, st.VerifiedOnChain)

			stored, _ := f.ledger.GetSettlementBySession(context.Background(), f.sess.ID)
			assert.Equal(t, domain.SettlementFailed, stored.Status)
		})
	}
}

// blockingGateway cancels the caller's context and then waits for its own
// context to expire.
type blockingGateway struct {
	*payment.Sandbox
	cancelCaller context.CancelFunc
	sawCancel    bool
}

func (g *blockingGateway) ExecutePayment(ctx context.Context, req *payment.Request, payer payment.Payer) (payment.Receipt, error) {
	g.cancelCaller()
	select {
	case <-time.After(20 * time.Millisecond):
		g.sawCancel = ctx.Err() != nil
	case <-ctx.Done():
		return payment.Receipt{}, ctx.Err()
	}
	<-ctx.Done()
	return payment.Receipt{}, ctx.Err()
}

func TestSettle_CriticalSectionIgnoresCallerCancel(t *testing.T) {
	f := newFixture(t)
	f.cfg.Timeout = 100 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &blockingGateway{Sandbox: f.sandbox, cancelCaller: cancel}
	f.gateway = gw

	st, err := f.engine().Settle(ctx, f.sess)
	require.NoError(t, err)
	assert.False(t, gw.sawCancel, "caller cancel leaked into the critical section")
	assert.Equal(t, domain.SettlementFailed, st.Status)
	assert.Equal(t, domain.ErrCodeTimeout, st.Error)

	stored, _ := f.ledger.GetSettlementBySession(context.Background(), f.sess.ID)
	assert.Equal(t, domain.SettlementFailed, stored.Status)
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, nil
}

func TestSettle_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	e := NewEngine(f.ledger, f.agents, f.keys, f.sandbox, f.sandbox, busyLocker{}, f.cfg, nil)

	// Another replica inserts its record shortly after.
	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = f.ledger.CreateSettlement(context.Background(), &domain.Settlement{ID: "other", SessionID: f.sess.ID, Status: domain.SettlementPending})
	}()

	st, err := e.Settle(context.Background(), f.sess)
	require.NoError(t, err)
	assert.Equal(t, "other", st.ID)
	assert.Equal(t, 0, f.sandbox.Executed())
}
