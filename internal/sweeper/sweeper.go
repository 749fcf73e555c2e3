// Package sweeper closes negotiation sessions left in progress by a crashed
// or interrupted process and reports settlements stuck in pending.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/metrics"
)

// Ledger is the part of the store the sweeper uses.
type Ledger interface {
	ListStaleSessions(ctx context.Context, before time.Time) ([]*domain.Session, error)
	CompleteSession(ctx context.Context, s *domain.Session) error
	ListPendingSettlements(ctx context.Context, before time.Time) ([]*domain.Settlement, error)
}

// Closer is notified of sessions the sweeper fails.
type Closer interface {
	SessionClosed(s *domain.Session)
}

// Config controls the sweep cadence. A session is stale once it has not
// been updated for StaleTTL; a settlement once it has been pending that long.
type Config struct {
	Interval time.Duration
	StaleTTL time.Duration
}

// Stats summarizes one sweep.
type Stats struct {
	Abandoned       int
	PendingReported int
}

// Sweeper periodically marks stale sessions failed with reason abandoned.
// Pending settlements are only reported: whether their transfer went out is
// unknown, so they are left for an operator to reconcile against the chain.
type Sweeper struct {
	ledger Ledger
	closer Closer
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a sweeper. closer may be nil.
func New(ledger Ledger, closer Closer, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{ledger: ledger, closer: closer, cfg: cfg, logger: logger, now: time.Now}
}

// Start runs the sweeper in a goroutine until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Sweeper started", "interval", s.cfg.Interval, "stale_ttl", s.cfg.StaleTTL)

		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-ctx.Done():
				s.logger.Info("Sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) Stats {
	var stats Stats
	cutoff := s.now().Add(-s.cfg.StaleTTL)

	stale, err := s.ledger.ListStaleSessions(ctx, cutoff)
	if err != nil {
		s.logger.Error("Sweeper failed to list stale sessions", "error", err)
	}
	for _, sess := range stale {
		if ctx.Err() != nil {
			return stats
		}
		if s.abandon(ctx, sess) {
			stats.Abandoned++
		}
	}

	pending, err := s.ledger.ListPendingSettlements(ctx, cutoff)
	if err != nil {
		s.logger.Error("Sweeper failed to list pending settlements", "error", err)
	}
	for _, st := range pending {
		s.logger.Warn("Settlement still pending, reconcile manually",
			"session_id", st.SessionID,
			"settlement_id", st.ID,
			"amount", st.Amount.String(),
			"created_at", st.CreatedAt)
		stats.PendingReported++
	}

	if stats.Abandoned > 0 || stats.PendingReported > 0 {
		s.logger.Info("Sweep completed", "abandoned", stats.Abandoned, "pending_settlements", stats.PendingReported)
	}
	return stats
}

func (s *Sweeper) abandon(ctx context.Context, sess *domain.Session) bool {
	lastUpdate := sess.UpdatedAt
	sess.Status = domain.SessionFailed
	sess.Reason = domain.ReasonAbandoned
	sess.FinalPrice = nil
	sess.OverBudget = false
	sess.UpdatedAt = s.now()

	if err := s.ledger.CompleteSession(ctx, sess); err != nil {
		if errors.Is(err, domain.ErrAlreadyTerminal) {
			s.logger.Debug("Stale session finished before sweep", "session_id", sess.ID)
			return false
		}
		s.logger.Error("Sweeper failed to close session", "error", err, "session_id", sess.ID)
		return false
	}

	metrics.SessionsAbandoned.Inc()
	s.logger.Warn("Abandoned stale session",
		"session_id", sess.ID,
		"rounds", sess.RoundsCompleted,
		"last_update", lastUpdate)
	if s.closer != nil {
		s.closer.SessionClosed(sess)
	}
	return true
}
