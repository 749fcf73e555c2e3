package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/metrics"
	"github.com/ashureev/dealbroker/internal/strategy"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

var (
	errNonFinite    = errors.New("proposed price is not finite")
	errNegative     = errors.New("proposed price is negative")
	errBelowFloor   = errors.New("seller counter-offer below floor")
	errAboveCeiling = errors.New("buyer counter-offer above ceiling")
	errNoOffer      = errors.New("accept without a counter-offer")
)

// Recorder is the part of the ledger the engine writes to.
type Recorder interface {
	AppendRound(ctx context.Context, r *domain.Round) error
	CompleteSession(ctx context.Context, s *domain.Session) error
}

// Observer is notified of every persisted round and of termination.
type Observer interface {
	RoundAppended(s *domain.Session, r domain.Round)
	SessionClosed(s *domain.Session)
}

// Config holds engine timeouts.
type Config struct {
	PersistTimeout  time.Duration
	StrategyTimeout time.Duration
}

// DefaultConfig returns default engine timeouts.
func DefaultConfig() Config {
	return Config{PersistTimeout: 5 * time.Second, StrategyTimeout: 30 * time.Second}
}

// Engine runs negotiation sessions. It is safe for concurrent use; each
// Run call owns one session.
type Engine struct {
	rec      Recorder
	observer Observer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates an engine writing to rec. observer may be nil.
func NewEngine(rec Recorder, observer Observer, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rec: rec, observer: observer, cfg: cfg, logger: logger, now: time.Now}
}

// Run drives sess from in_progress to a terminal state and returns the
// transcript. sess must already be persisted; it is updated in place.
// Business terminations are reported through sess, not as errors. An error
// is returned only when the ledger could not record progress.
func (e *Engine) Run(ctx context.Context, sess *domain.Session, pair strategy.Pair, itemName string) (domain.Transcript, error) {
	terms := TermsOf(sess)
	var transcript domain.Transcript

	for round := 1; round <= sess.RoundLimit; round++ {
		if ctx.Err() != nil {
			return transcript, e.finish(sess, transcript, failed(domain.ReasonCancelled))
		}

		for _, role := range []domain.Role{domain.RoleSeller, domain.RoleBuyer} {
			state := strategy.State{
				SessionID:  sess.ID,
				Role:       role,
				Round:      round,
				RoundLimit: sess.RoundLimit,
				Limit:      limitFor(terms, role),
				Opening:    sess.OpeningPrice,
				ItemName:   itemName,
				Currency:   sess.Currency,
				History:    append(domain.Transcript(nil), transcript...),
			}

			p, err := e.propose(ctx, pair.For(role), state)
			if err == nil {
				err = validate(terms, role, p, transcript)
			}
			if err != nil {
				if ctx.Err() != nil {
					return transcript, e.finish(sess, transcript, failed(domain.ReasonCancelled))
				}
				metrics.StrategyErrors.WithLabelValues(string(role)).Inc()
				e.logger.Warn("Invalid proposal, failing session",
					"session_id", sess.ID,
					"round", round,
					"role", role,
					"error", &domain.StrategyError{Role: role, Round: round, Err: err})
				return transcript, e.finish(sess, transcript, failed(domain.ReasonInvalidProposal))
			}

			r := e.toRound(sess, role, round, len(transcript)+1, p)
			if err := e.append(ctx, &r); err != nil {
				return transcript, err
			}
			transcript = append(transcript, r)
			if e.observer != nil {
				e.observer.RoundAppended(sess, r)
			}

			if out := Detect(terms, transcript); out.Done {
				return transcript, e.finish(sess, transcript, out)
			}
		}
	}

	// Detect terminates on the final buyer message; reaching here means
	// the round limit was zero.
	return transcript, e.finish(sess, transcript, failed(domain.ReasonNoAgreement))
}

func (e *Engine) propose(ctx context.Context, s strategy.Strategy, state strategy.State) (strategy.Proposal, error) {
	if s == nil {
		return strategy.Proposal{}, fmt.Errorf("no %s strategy configured", state.Role)
	}
	if e.cfg.StrategyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StrategyTimeout)
		defer cancel()
	}
	return s.Propose(ctx, state)
}

// validate rejects non-finite or negative prices, accepts with no
// counterpart offer in history, and counter-offers that break the
// proposer's own limit. Accepts and rejects are not limit checked.
func validate(terms Terms, role domain.Role, p strategy.Proposal, history domain.Transcript) error {
	if math.IsNaN(p.Price) || math.IsInf(p.Price, 0) {
		return errNonFinite
	}
	if p.Price < 0 {
		return errNegative
	}
	if p.Accept && !p.Reject && history.Last(role.Counterpart()) == nil {
		return errNoOffer
	}
	if p.Accept || p.Reject {
		return nil
	}
	price := domain.Cents(decimal.NewFromFloat(p.Price))
	if role == domain.RoleSeller && price.LessThan(terms.Floor) {
		return fmt.Errorf("%w: %s < %s", errBelowFloor, price, terms.Floor)
	}
	if role == domain.RoleBuyer && price.GreaterThan(terms.Ceiling) {
		return fmt.Errorf("%w: %s > %s", errAboveCeiling, price, terms.Ceiling)
	}
	return nil
}

func limitFor(terms Terms, role domain.Role) decimal.Decimal {
	if role == domain.RoleSeller {
		return terms.Floor
	}
	return terms.Ceiling
}

func (e *Engine) toRound(sess *domain.Session, role domain.Role, number, seq int, p strategy.Proposal) domain.Round {
	sender, receiver := sess.SellerRef, sess.BuyerRef
	if role == domain.RoleBuyer {
		sender, receiver = sess.BuyerRef, sess.SellerRef
	}
	return domain.Round{
		ID:          ulid.Make().String(),
		SessionID:   sess.ID,
		Seq:         seq,
		Number:      number,
		Role:        role,
		SenderRef:   sender,
		ReceiverRef: receiver,
		Price:       domain.Cents(decimal.NewFromFloat(p.Price)),
		Message:     p.Message,
		Accept:      p.Accept,
		Reject:      p.Reject,
		Reason:      p.Reason,
		CreatedAt:   e.now(),
	}
}

// persistCtx detaches ledger writes from request cancellation so that a
// started write always completes within PersistTimeout.
func (e *Engine) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if e.cfg.PersistTimeout > 0 {
		return context.WithTimeout(ctx, e.cfg.PersistTimeout)
	}
	return context.WithCancel(ctx)
}

func (e *Engine) append(ctx context.Context, r *domain.Round) error {
	pctx, cancel := e.persistCtx(ctx)
	defer cancel()
	if err := e.rec.AppendRound(pctx, r); err != nil {
		return fmt.Errorf("persist round %d of session %s: %w", r.Seq, r.SessionID, err)
	}
	return nil
}

func (e *Engine) finish(sess *domain.Session, t domain.Transcript, out Outcome) error {
	sess.Status = out.Status
	sess.FinalPrice = out.FinalPrice
	sess.OverBudget = out.OverBudget
	sess.Reason = out.Reason
	sess.RoundsCompleted = t.RoundsCompleted()
	sess.UpdatedAt = e.now()

	pctx, cancel := e.persistCtx(context.Background())
	defer cancel()
	if err := e.rec.CompleteSession(pctx, sess); err != nil {
		return fmt.Errorf("complete session %s: %w", sess.ID, err)
	}

	metrics.NegotiationRounds.Observe(float64(sess.RoundsCompleted))
	e.logger.Info("Negotiation finished",
		"session_id", sess.ID,
		"status", sess.Status,
		"reason", sess.Reason,
		"rounds", sess.RoundsCompleted,
		"final_price", sess.FinalPrice,
		"over_budget", sess.OverBudget)

	if e.observer != nil {
		e.observer.SessionClosed(sess)
	}
	return nil
}
