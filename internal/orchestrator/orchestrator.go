// Package orchestrator runs a negotiation end to end: it validates the
// request, opens a session, negotiates and, when agreed within budget,
// settles.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/metrics"
	"github.com/ashureev/dealbroker/internal/pricing"
	"github.com/ashureev/dealbroker/internal/strategy"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome summarizes a negotiate-and-settle call.
type Outcome string

const (
	OutcomeNoAgreement      Outcome = "NO_AGREEMENT"
	OutcomeOverBudget       Outcome = "AGREED_OVER_BUDGET"
	OutcomeDryRun           Outcome = "AGREED_DRY_RUN"
	OutcomeSettled          Outcome = "AGREED_SETTLED"
	OutcomeSettlementFailed Outcome = "AGREED_SETTLEMENT_FAILED"
)

const (
	defaultAgentListLimit = 50
	maxAgentListLimit     = 200
)

// Ledger is the part of the store the orchestrator uses.
type Ledger interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	GetSessionByIdempotencyKey(ctx context.Context, key string) (*domain.Session, error)
	ListSessionsByGroup(ctx context.Context, groupID string) ([]*domain.Session, error)
	ListSessionsByAgent(ctx context.Context, agentRef string, limit int) ([]*domain.Session, error)
	ListRounds(ctx context.Context, sessionID string) (domain.Transcript, error)
	GetSettlementBySession(ctx context.Context, sessionID string) (*domain.Settlement, error)
}

// Agents resolves agents.
type Agents interface {
	GetAgent(ctx context.Context, ref string) (*domain.Agent, error)
}

// Catalog resolves items.
type Catalog interface {
	GetItem(ctx context.Context, ref string) (*domain.Item, error)
}

// Negotiator runs one session to termination.
type Negotiator interface {
	Run(ctx context.Context, sess *domain.Session, pair strategy.Pair, itemName string) (domain.Transcript, error)
}

// Settler pays for an agreed session.
type Settler interface {
	Settle(ctx context.Context, sess *domain.Session) (*domain.Settlement, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Ledger     Ledger
	Agents     Agents
	Catalog    Catalog
	Strategies strategy.Provider
	Negotiator Negotiator
	Settler    Settler
}

// Config holds request defaults and bounds.
type Config struct {
	DefaultRoundLimit int
	MaxRoundLimit     int
	// Currency is used when an item does not name one.
	Currency string
}

// Request asks for one negotiation between a buyer and a seller.
type Request struct {
	BuyerRef       string
	SellerRef      string
	ItemRef        string
	Budget         float64
	RoundLimit     int
	DryRun         bool
	SessionGroupID string
	IdempotencyKey string
}

// Result is the outcome of a negotiation with its audit trail.
type Result struct {
	Outcome          Outcome
	Session          *domain.Session
	Transcript       domain.Transcript
	Settlement       *domain.Settlement
	WouldPay         *decimal.Decimal
	TranscriptSHA256 string
	// Replayed is set when the result was served from a previous request
	// with the same idempotency key.
	Replayed bool
}

// Orchestrator wires pricing, negotiation and settlement together.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an orchestrator.
func New(deps Deps, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.DefaultRoundLimit <= 0 {
		cfg.DefaultRoundLimit = domain.DefaultRoundLimit
	}
	if cfg.MaxRoundLimit < cfg.DefaultRoundLimit {
		cfg.MaxRoundLimit = cfg.DefaultRoundLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger, now: time.Now}
}

// NegotiateAndSettle validates req, negotiates and settles when possible.
// Business outcomes are reported in the Result; errors are returned only
// for invalid requests and infrastructure failures.
func (o *Orchestrator) NegotiateAndSettle(ctx context.Context, req Request) (*Result, error) {
	if err := o.normalize(&req); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := o.deps.Ledger.GetSessionByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("get session by idempotency key: %w", err)
		}
		if existing != nil {
			return o.resume(ctx, existing, req)
		}
	}

	item, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	window, err := pricing.NewWindow(item.ListPrice, item.MaxDiscountPercent, decimal.NewFromFloat(req.Budget))
	if err != nil {
		return nil, err
	}

	currency := item.Currency
	if currency == "" {
		currency = o.cfg.Currency
	}
	now := o.now()
	sess := &domain.Session{
		ID:             uuid.NewString(),
		GroupID:        req.SessionGroupID,
		BuyerRef:       req.BuyerRef,
		SellerRef:      req.SellerRef,
		ItemRef:        req.ItemRef,
		Currency:       currency,
		OpeningPrice:   window.Opening,
		FloorPrice:     window.Floor,
		CeilingPrice:   window.Ceiling,
		RoundLimit:     req.RoundLimit,
		Status:         domain.SessionInProgress,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	pair, err := o.deps.Strategies.PairFor(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("select strategies: %w", err)
	}

	if err := o.deps.Ledger.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, domain.ErrDuplicate) && req.IdempotencyKey != "" {
			existing, gerr := o.deps.Ledger.GetSessionByIdempotencyKey(ctx, req.IdempotencyKey)
			if gerr != nil {
				return nil, fmt.Errorf("get session by idempotency key: %w", gerr)
			}
			if existing != nil {
				return o.resume(ctx, existing, req)
			}
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	o.logger.Info("Negotiation started",
		"session_id", sess.ID,
		"group_id", sess.GroupID,
		"buyer", sess.BuyerRef,
		"seller", sess.SellerRef,
		"item", sess.ItemRef,
		"floor", sess.FloorPrice.String(),
		"ceiling", sess.CeilingPrice.String(),
		"overlaps", window.Overlaps())

	transcript, err := o.deps.Negotiator.Run(ctx, sess, pair, item.Name)
	if err != nil {
		return nil, fmt.Errorf("negotiate session %s: %w", sess.ID, err)
	}

	res, err := o.conclude(ctx, sess, transcript, req.DryRun)
	if err != nil {
		return nil, err
	}
	metrics.NegotiationsTotal.WithLabelValues(string(res.Outcome)).Inc()
	o.logger.Info("Negotiate and settle finished",
		"session_id", sess.ID,
		"outcome", res.Outcome,
		"rounds", sess.RoundsCompleted)
	return res, nil
}

// SettleSession settles a session that was agreed in a dry run. Calling it
// again returns the existing settlement.
func (o *Orchestrator) SettleSession(ctx context.Context, sessionID string) (*Result, error) {
	sess, err := o.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Settleable() {
		return nil, fmt.Errorf("settle session %s: %w", sessionID, domain.ErrNotSettleable)
	}
	transcript, err := o.deps.Ledger.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	return o.conclude(ctx, sess, transcript, false)
}

// GetSession returns a stored session with its transcript and settlement.
// Outcome is empty while the session or its settlement is still running.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*Result, error) {
	sess, err := o.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	transcript, err := o.deps.Ledger.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	st, err := o.deps.Ledger.GetSettlementBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return o.result(sess, transcript, st), nil
}

// ListByGroup returns the sessions of a shopping flow, oldest first.
func (o *Orchestrator) ListByGroup(ctx context.Context, groupID string) ([]*domain.Session, error) {
	if strings.TrimSpace(groupID) == "" {
		return nil, domain.Invalid("session_group_id", "is required")
	}
	sessions, err := o.deps.Ledger.ListSessionsByGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by group: %w", err)
	}
	return sessions, nil
}

// ListByAgent returns recent sessions where agentRef is buyer or seller.
func (o *Orchestrator) ListByAgent(ctx context.Context, agentRef string, limit int) ([]*domain.Session, error) {
	if strings.TrimSpace(agentRef) == "" {
		return nil, domain.Invalid("agent_id", "is required")
	}
	if limit <= 0 {
		limit = defaultAgentListLimit
	}
	if limit > maxAgentListLimit {
		limit = maxAgentListLimit
	}
	sessions, err := o.deps.Ledger.ListSessionsByAgent(ctx, agentRef, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions by agent: %w", err)
	}
	return sessions, nil
}

func (o *Orchestrator) normalize(req *Request) error {
	req.BuyerRef = strings.TrimSpace(req.BuyerRef)
	req.SellerRef = strings.TrimSpace(req.SellerRef)
	req.ItemRef = strings.TrimSpace(req.ItemRef)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	switch {
	case req.BuyerRef == "":
		return domain.Invalid("buyer_agent_id", "is required")
	case req.SellerRef == "":
		return domain.Invalid("seller_agent_id", "is required")
	case req.ItemRef == "":
		return domain.Invalid("item_id", "is required")
	case math.IsNaN(req.Budget) || math.IsInf(req.Budget, 0):
		return domain.Invalid("budget", "must be a finite number")
	case req.Budget <= 0:
		return domain.Invalid("budget", "must be positive")
	case req.BuyerRef == req.SellerRef:
		return domain.Invalid("seller_agent_id", "must differ from buyer_agent_id")
	}

	if req.RoundLimit == 0 {
		req.RoundLimit = o.cfg.DefaultRoundLimit
	}
	if req.RoundLimit < 1 || req.RoundLimit > o.cfg.MaxRoundLimit {
		return domain.Invalid("round_limit", "must be within [1, %d]", o.cfg.MaxRoundLimit)
	}
	return nil
}

// resolve checks the parties and the item against the directory.
func (o *Orchestrator) resolve(ctx context.Context, req Request) (*domain.Item, error) {
	buyer, err := o.deps.Agents.GetAgent(ctx, req.BuyerRef)
	if err != nil {
		return nil, fmt.Errorf("get buyer agent: %w", err)
	}
	if buyer == nil {
		return nil, fmt.Errorf("buyer agent %s: %w", req.BuyerRef, domain.ErrNotFound)
	}
	if buyer.Role != domain.RoleBuyer {
		return nil, domain.Invalid("buyer_agent_id", "agent %s is not a buyer", req.BuyerRef)
	}

	seller, err := o.deps.Agents.GetAgent(ctx, req.SellerRef)
	if err != nil {
		return nil, fmt.Errorf("get seller agent: %w", err)
	}
	if seller == nil {
		return nil, fmt.Errorf("seller agent %s: %w", req.SellerRef, domain.ErrNotFound)
	}
	if seller.Role != domain.RoleSeller {
		return nil, domain.Invalid("seller_agent_id", "agent %s is not a seller", req.SellerRef)
	}

	item, err := o.deps.Catalog.GetItem(ctx, req.ItemRef)
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if item == nil {
		return nil, fmt.Errorf("item %s: %w", req.ItemRef, domain.ErrNotFound)
	}
	if item.SellerRef != "" && item.SellerRef != req.SellerRef {
		return nil, domain.Invalid("item_id", "item %s is not offered by %s", req.ItemRef, req.SellerRef)
	}
	if item.Stock <= 0 {
		return nil, domain.Invalid("item_id", "item %s is out of stock", req.ItemRef)
	}
	return item, nil
}

func (o *Orchestrator) session(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := o.deps.Ledger.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return sess, nil
}

// resume answers a repeated idempotency key from stored state.
func (o *Orchestrator) resume(ctx context.Context, sess *domain.Session, req Request) (*Result, error) {
	if !sameTerms(sess, req) {
		o.logger.Warn("Idempotency key reused with different terms",
			"session_id", sess.ID,
			"key", req.IdempotencyKey,
			"buyer", req.BuyerRef,
			"stored_buyer", sess.BuyerRef)
		return nil, fmt.Errorf("idempotency key %s: %w", req.IdempotencyKey, domain.ErrIdempotencyConflict)
	}
	if !sess.Status.IsTerminal() {
		return nil, fmt.Errorf("session %s: %w", sess.ID, domain.ErrInProgress)
	}
	transcript, err := o.deps.Ledger.ListRounds(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	res, err := o.conclude(ctx, sess, transcript, req.DryRun)
	if err != nil {
		return nil, err
	}
	res.Replayed = true
	o.logger.Info("Replayed negotiation", "session_id", sess.ID, "outcome", res.Outcome)
	return res, nil
}

// sameTerms reports whether req asks for the negotiation stored in sess.
// DryRun may differ: replaying a dry run without it settles the session.
func sameTerms(sess *domain.Session, req Request) bool {
	ceiling, err := pricing.Ceiling(decimal.NewFromFloat(req.Budget))
	if err != nil {
		return false
	}
	return sess.BuyerRef == req.BuyerRef &&
		sess.SellerRef == req.SellerRef &&
		sess.ItemRef == req.ItemRef &&
		sess.GroupID == req.SessionGroupID &&
		sess.RoundLimit == req.RoundLimit &&
		sess.CeilingPrice.Equal(ceiling)
}

// conclude settles a settleable session unless dryRun is set or a
// settlement already exists.
func (o *Orchestrator) conclude(ctx context.Context, sess *domain.Session, t domain.Transcript, dryRun bool) (*Result, error) {
	var st *domain.Settlement
	if sess.Settleable() {
		var err error
		st, err = o.deps.Ledger.GetSettlementBySession(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("get settlement: %w", err)
		}
		if st == nil && !dryRun {
			st, err = o.deps.Settler.Settle(ctx, sess)
			if err != nil {
				return nil, fmt.Errorf("settle session %s: %w", sess.ID, err)
			}
		}
	}
	res := o.result(sess, t, st)
	if res.Outcome == "" {
		return nil, fmt.Errorf("session %s: %w", sess.ID, domain.ErrInProgress)
	}
	return res, nil
}

func (o *Orchestrator) result(sess *domain.Session, t domain.Transcript, st *domain.Settlement) *Result {
	res := &Result{
		Outcome:          outcomeOf(sess, st),
		Session:          sess,
		Transcript:       t,
		Settlement:       st,
		TranscriptSHA256: Digest(t),
	}
	if res.Outcome == OutcomeDryRun {
		wp := *sess.FinalPrice
		res.WouldPay = &wp
	}
	return res
}

func outcomeOf(sess *domain.Session, st *domain.Settlement) Outcome {
	switch {
	case !sess.Status.IsTerminal():
		return ""
	case sess.Status != domain.SessionAgreed:
		return OutcomeNoAgreement
	case sess.OverBudget:
		return OutcomeOverBudget
	case st == nil:
		return OutcomeDryRun
	case st.Status == domain.SettlementSuccess:
		return OutcomeSettled
	case st.Status == domain.SettlementFailed:
		return OutcomeSettlementFailed
	default:
		return ""
	}
}

type digestEntry struct {
	Seq      int    `json:"seq"`
	Round    int    `json:"round"`
	Role     string `json:"role"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Price    string `json:"proposed_price"`
	Message  string `json:"message"`
	Accept   bool   `json:"accept"`
	Reject   bool   `json:"reject"`
	Reason   string `json:"reason"`
}

// Digest returns the hex sha256 of the canonical JSON encoding of t.
// Prices are encoded with exactly two decimals.
func Digest(t domain.Transcript) string {
	entries := make([]digestEntry, len(t))
	for i, r := range t {
		entries[i] = digestEntry{
			Seq:      r.Seq,
			Round:    r.Number,
			Role:     string(r.Role),
			Sender:   r.SenderRef,
			Receiver: r.ReceiverRef,
			Price:    r.Price.StringFixed(2),
			Message:  r.Message,
			Accept:   r.Accept,
			Reject:   r.Reject,
			Reason:   r.Reason,
		}
	}
	b, _ := json.Marshal(entries)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
