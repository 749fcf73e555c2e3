package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sandbox is an in-memory chain with balances. It implements both Gateway
// and Verifier and is used for development and tests.
type Sandbox struct {
	mu        sync.Mutex
	balances  map[common.Address]decimal.Decimal
	transfers map[string]TransferEvent
	feeRate   decimal.Decimal
	executed  int

	callerResolvesRecipient bool
	misrouteTo              *common.Address
	failWith                error
}

// SandboxOption configures a Sandbox.
type SandboxOption func(*Sandbox)

// WithFeeRate charges rate × amount to the payer on top of each payment.
func WithFeeRate(rate decimal.Decimal) SandboxOption {
	return func(s *Sandbox) { s.feeRate = rate }
}

// WithCallerResolvedRecipient reproduces payment libraries that resolve
// the recipient from the caller's own identity. Only a Payer carrying a
// ResolveRecipient override reaches the declared payee.
func WithCallerResolvedRecipient() SandboxOption {
	return func(s *Sandbox) { s.callerResolvesRecipient = true }
}

// WithMisroute sends every transfer to addr while still reporting success.
func WithMisroute(addr common.Address) SandboxOption {
	return func(s *Sandbox) { s.misrouteTo = &addr }
}

// WithExecuteError makes ExecutePayment fail with err.
func WithExecuteError(err error) SandboxOption {
	return func(s *Sandbox) { s.failWith = err }
}

// NewSandbox creates an empty sandbox chain.
func NewSandbox(opts ...SandboxOption) *Sandbox {
	s := &Sandbox{
		balances:  make(map[common.Address]decimal.Decimal),
		transfers: make(map[string]TransferEvent),
		feeRate:   decimal.Zero,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fund credits addr with amount.
func (s *Sandbox) Fund(addr common.Address, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[addr] = s.balances[addr].Add(amount)
}

// Balance returns the balance of addr.
func (s *Sandbox) Balance(addr common.Address) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[addr]
}

// Executed returns the number of ExecutePayment calls.
func (s *Sandbox) Executed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executed
}

// CreatePaymentRequest implements Gateway.
func (s *Sandbox) CreatePaymentRequest(_ context.Context, payee common.Address, amount decimal.Decimal, currency string) (*Request, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", amount)
	}
	return &Request{ID: uuid.NewString(), PayTo: payee, Amount: amount, Currency: currency}, nil
}

// ExecutePayment implements Gateway.
func (s *Sandbox) ExecutePayment(ctx context.Context, req *Request, payer Payer) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed++

	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if s.failWith != nil {
		return Receipt{}, s.failWith
	}
	if payer.Key == nil {
		return Receipt{}, fmt.Errorf("payer has no signing key")
	}

	from := payer.Key.Address()
	to := req.PayTo
	if s.callerResolvesRecipient {
		to = payer.Recipient(req, from)
	}
	if s.misrouteTo != nil {
		to = *s.misrouteTo
	}

	fee := domain.Cents(req.Amount.Mul(s.feeRate))
	total := req.Amount.Add(fee)
	if s.balances[from].LessThan(total) {
		return Receipt{}, domain.PaymentFailure(domain.ErrCodeInsufficientFunds,
			fmt.Errorf("%w: balance %s, need %s", ErrInsufficientFunds, s.balances[from], total))
	}

	digest := crypto.Keccak256([]byte(req.ID))
	sig, err := payer.Key.Sign(digest)
	if err != nil {
		return Receipt{}, fmt.Errorf("sign payment: %w", err)
	}

	s.balances[from] = s.balances[from].Sub(total)
	s.balances[to] = s.balances[to].Add(req.Amount)

	txRef := common.BytesToHash(crypto.Keccak256(digest, sig)).Hex()
	s.transfers[txRef] = TransferEvent{From: from, To: to, Amount: req.Amount}
	return Receipt{TxRef: txRef, AmountPaid: req.Amount, Fee: fee}, nil
}

// GetTransferEvent implements Verifier.
func (s *Sandbox) GetTransferEvent(_ context.Context, txRef string) (TransferEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.transfers[txRef]
	if !ok {
		return TransferEvent{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, txRef)
	}
	return ev, nil
}
