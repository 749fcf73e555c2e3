// Package settlement pays for agreed negotiations and verifies the transfer
// on chain before recording success.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/metrics"
	"github.com/ashureev/dealbroker/internal/payment"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Ledger is the part of the store settlement reads and writes.
type Ledger interface {
	CreateSettlement(ctx context.Context, st *domain.Settlement) error
	GetSettlementBySession(ctx context.Context, sessionID string) (*domain.Settlement, error)
	CompleteSettlement(ctx context.Context, st *domain.Settlement) error
}

// Agents resolves agent wallets. Lookups are made on every attempt.
type Agents interface {
	GetAgent(ctx context.Context, ref string) (*domain.Agent, error)
}

// Keys resolves the signing key for an agent.
type Keys interface {
	GetSigningKey(ctx context.Context, ref string) (payment.KeyHandle, error)
}

// Config holds settlement timeouts.
type Config struct {
	// Timeout bounds the whole critical section, from wallet lookup to the
	// terminal write.
	Timeout time.Duration
	// LockTTL bounds how long the in-flight lock is held.
	LockTTL time.Duration
}

// DefaultConfig returns default settlement timeouts.
func DefaultConfig() Config {
	return Config{Timeout: 60 * time.Second, LockTTL: 2 * time.Minute}
}

// Engine settles agreed sessions.
type Engine struct {
	ledger   Ledger
	agents   Agents
	keys     Keys
	gateway  payment.Gateway
	verifier payment.Verifier
	locker   Locker
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a settlement engine. locker may be nil.
func NewEngine(ledger Ledger, agents Agents, keys Keys, gateway payment.Gateway, verifier payment.Verifier, locker Locker, cfg Config, logger *slog.Logger) *Engine {
	if locker == nil {
		locker = NopLocker{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:   ledger,
		agents:   agents,
		keys:     keys,
		gateway:  gateway,
		verifier: verifier,
		locker:   locker,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Settle pays the seller of sess the agreed price and returns the settlement
// record. Payment failures are reported in the record, not as errors. A
// session that already has a record gets that record back unchanged.
func (e *Engine) Settle(ctx context.Context, sess *domain.Session) (*domain.Settlement, error) {
	if !sess.Settleable() {
		return nil, fmt.Errorf("settle session %s: %w", sess.ID, domain.ErrNotSettleable)
	}

	existing, err := e.ledger.GetSettlementBySession(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	release, ok, err := e.locker.Acquire(ctx, sess.ID, e.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}
	if !ok {
		return e.awaitOther(ctx, sess.ID)
	}
	defer release()

	st := &domain.Settlement{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Amount:    *sess.FinalPrice,
		Currency:  sess.Currency,
		PayerRef:  sess.BuyerRef,
		PayeeRef:  sess.SellerRef,
		Status:    domain.SettlementPending,
		CreatedAt: e.now(),
	}
	if err := e.ledger.CreateSettlement(ctx, st); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			return e.existing(ctx, sess.ID)
		}
		return nil, fmt.Errorf("create settlement: %w", err)
	}

	// Once the pending record exists the attempt runs to completion.
	cctx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if e.cfg.Timeout > 0 {
		cctx, cancel = context.WithTimeout(cctx, e.cfg.Timeout)
	}
	defer cancel()

	start := time.Now()
	err = e.execute(cctx, st)
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	completed := e.now()
	st.CompletedAt = &completed
	if err != nil {
		st.Status = domain.SettlementFailed
		st.Error = failureCode(cctx, err)
		st.ErrorDetail = err.Error()
	} else {
		st.Status = domain.SettlementSuccess
		st.VerifiedOnChain = true
	}

	// The terminal write gets its own budget so a timed out transfer is
	// still recorded as failed.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer wcancel()
	if err := e.ledger.CompleteSettlement(wctx, st); err != nil {
		return nil, fmt.Errorf("complete settlement %s: %w", st.ID, err)
	}

	metrics.SettlementsTotal.WithLabelValues(string(st.Status), st.Error).Inc()
	if st.Status == domain.SettlementSuccess {
		e.logger.Info("Settlement succeeded",
			"session_id", sess.ID,
			"settlement_id", st.ID,
			"tx_ref", st.TxRef,
			"amount", st.Amount.String())
	} else {
		e.logger.Warn("Settlement failed",
			"session_id", sess.ID,
			"settlement_id", st.ID,
			"code", st.Error,
			"tx_ref", st.TxRef,
			"error", st.ErrorDetail)
	}
	return st, nil
}

// execute performs the transfer and fills st. Returned errors carry a
// settlement failure code.
func (e *Engine) execute(ctx context.Context, st *domain.Settlement) error {
	payee, err := e.wallet(ctx, st.PayeeRef, domain.ErrCodeInvalidPayeeWallet)
	if err != nil {
		return err
	}
	st.PayeeWallet = payee.Hex()

	payerAddr, err := e.wallet(ctx, st.PayerRef, domain.ErrCodeInvalidPayerWallet)
	if err != nil {
		return err
	}
	st.PayerWallet = payerAddr.Hex()

	key, err := e.keys.GetSigningKey(ctx, st.PayerRef)
	if err != nil || key == nil {
		return domain.PaymentFailure(domain.ErrCodePayerKeyUnavailable, fmt.Errorf("signing key for %s: %w", st.PayerRef, orNotFound(err)))
	}
	if key.Address() != payerAddr {
		return domain.PaymentFailure(domain.ErrCodePayerKeyMismatch,
			fmt.Errorf("key address %s does not match wallet %s", key.Address().Hex(), payerAddr.Hex()))
	}
	if payerAddr == payee {
		return domain.PaymentFailure(domain.ErrCodeSelfPayment, fmt.Errorf("payer and payee share wallet %s", payee.Hex()))
	}

	req, err := e.gateway.CreatePaymentRequest(ctx, payee, st.Amount, st.Currency)
	if err != nil {
		return domain.PaymentFailure(domain.ErrCodePaymentRequestFailed, err)
	}

	// Gateways may resolve the recipient from the caller's identity, so the
	// payee is pinned on the request and on the payer.
	req.PayTo = payee
	payer := payment.Payer{
		Key:              key,
		ResolveRecipient: func(*payment.Request) common.Address { return payee },
	}

	receipt, err := e.gateway.ExecutePayment(ctx, req, payer)
	if err != nil {
		var pe *domain.PaymentError
		if errors.As(err, &pe) {
			return err
		}
		return domain.PaymentFailure(domain.ErrCodePaymentFailed, err)
	}
	st.TxRef = receipt.TxRef
	fee := receipt.Fee
	st.Fee = &fee

	ev, err := e.verifier.GetTransferEvent(ctx, receipt.TxRef)
	if err != nil {
		return domain.PaymentFailure(domain.ErrCodeVerificationUnavailable, err)
	}
	return verify(ev, payerAddr, payee, st)
}

func verify(ev payment.TransferEvent, payer, payee common.Address, st *domain.Settlement) error {
	switch {
	case ev.To != payee:
		return domain.PaymentFailure(domain.ErrCodeRecipientMismatch,
			fmt.Errorf("%w: funds went to %s, expected %s", domain.ErrVerificationMismatch, ev.To.Hex(), payee.Hex()))
	case ev.From != payer:
		return domain.PaymentFailure(domain.ErrCodePayerMismatch,
			fmt.Errorf("%w: funds came from %s, expected %s", domain.ErrVerificationMismatch, ev.From.Hex(), payer.Hex()))
	case !ev.Amount.Equal(st.Amount):
		return domain.PaymentFailure(domain.ErrCodeAmountMismatch,
			fmt.Errorf("%w: transferred %s, expected %s", domain.ErrVerificationMismatch, ev.Amount, st.Amount))
	}
	return nil
}

func (e *Engine) wallet(ctx context.Context, ref, code string) (common.Address, error) {
	agent, err := e.agents.GetAgent(ctx, ref)
	if err != nil {
		return common.Address{}, domain.PaymentFailure(code, fmt.Errorf("resolve agent %s: %w", ref, err))
	}
	if agent == nil {
		return common.Address{}, domain.PaymentFailure(code, fmt.Errorf("resolve agent %s: %w", ref, domain.ErrNotFound))
	}
	if !common.IsHexAddress(agent.WalletAddress) {
		return common.Address{}, domain.PaymentFailure(code, fmt.Errorf("agent %s has invalid wallet %q", ref, agent.WalletAddress))
	}
	addr := common.HexToAddress(agent.WalletAddress)
	if addr == (common.Address{}) {
		return common.Address{}, domain.PaymentFailure(code, fmt.Errorf("agent %s has zero wallet", ref))
	}
	return addr, nil
}

func (e *Engine) existing(ctx context.Context, sessionID string) (*domain.Settlement, error) {
	st, err := e.ledger.GetSettlementBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	if st == nil {
		return nil, fmt.Errorf("settlement for session %s vanished after duplicate insert", sessionID)
	}
	return st, nil
}

// awaitOther waits briefly for another replica holding the lock to insert
// its record.
func (e *Engine) awaitOther(ctx context.Context, sessionID string) (*domain.Settlement, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(2 * time.Second)
	for {
		st, err := e.ledger.GetSettlementBySession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("get settlement: %w", err)
		}
		if st != nil {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("settle session %s: %w", sessionID, domain.ErrInProgress)
		case <-ticker.C:
		}
	}
}

func failureCode(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrCodeTimeout
	}
	code := domain.PaymentCode(err, domain.ErrCodePaymentFailed)
	// Gateways do not always wrap the context error they gave up on.
	if ctx.Err() != nil && (code == domain.ErrCodePaymentFailed || code == domain.ErrCodeVerificationUnavailable) {
		return domain.ErrCodeTimeout
	}
	return code
}

func orNotFound(err error) error {
	if err == nil {
		return domain.ErrNotFound
	}
	return err
}
