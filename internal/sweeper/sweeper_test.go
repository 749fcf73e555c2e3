package sweeper

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/store"
	"github.com/shopspring/decimal"
)

type closeRecorder struct {
	mu     sync.Mutex
	closed []string
}

func (c *closeRecorder) SessionClosed(s *domain.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, s.ID)
}

func newLedger(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func session(id string, updated time.Time) *domain.Session {
	return &domain.Session{
		ID:           id,
		BuyerRef:     "buyer-1",
		SellerRef:    "seller-1",
		ItemRef:      "item-1",
		Currency:     "USDC",
		OpeningPrice: decimal.NewFromInt(100),
		FloorPrice:   decimal.NewFromInt(80),
		CeilingPrice: decimal.NewFromInt(90),
		RoundLimit:   5,
		Status:       domain.SessionInProgress,
		CreatedAt:    updated,
		UpdatedAt:    updated,
	}
}

func TestSweepAbandonsStaleSessions(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	now := time.UnixMilli(time.Now().UnixMilli())

	if err := ledger.CreateSession(ctx, session("stale", now.Add(-time.Hour))); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := ledger.CreateSession(ctx, session("fresh", now.Add(-time.Minute))); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rec := &closeRecorder{}
	sw := New(ledger, rec, Config{Interval: time.Minute, StaleTTL: 10 * time.Minute}, nil)
	sw.now = func() time.Time { return now }

	stats := sw.Sweep(ctx)
	if stats.Abandoned != 1 {
		t.Fatalf("Abandoned = %d, want 1", stats.Abandoned)
	}

	got, err := ledger.GetSession(ctx, "stale")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != domain.SessionFailed || got.Reason != domain.ReasonAbandoned {
		t.Errorf("stale session = %s/%s, want failed/abandoned", got.Status, got.Reason)
	}
	fresh, err := ledger.GetSession(ctx, "fresh")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if fresh.Status != domain.SessionInProgress {
		t.Errorf("fresh session status = %s, want in_progress", fresh.Status)
	}
	if len(rec.closed) != 1 || rec.closed[0] != "stale" {
		t.Errorf("closed = %v, want [stale]", rec.closed)
	}

	if again := sw.Sweep(ctx); again.Abandoned != 0 {
		t.Errorf("second sweep abandoned %d sessions", again.Abandoned)
	}
}

func TestSweepReportsPendingSettlements(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(t)
	now := time.UnixMilli(time.Now().UnixMilli())

	sess := session("agreed", now.Add(-time.Hour))
	if err := ledger.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	price := decimal.NewFromInt(85)
	sess.Status, sess.FinalPrice, sess.UpdatedAt = domain.SessionAgreed, &price, now.Add(-time.Hour)
	if err := ledger.CompleteSession(ctx, sess); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	st := &domain.Settlement{
		ID:        "st-1",
		SessionID: "agreed",
		Amount:    price,
		Currency:  "USDC",
		PayerRef:  "buyer-1",
		PayeeRef:  "seller-1",
		Status:    domain.SettlementPending,
		CreatedAt: now.Add(-time.Hour),
	}
	if err := ledger.CreateSettlement(ctx, st); err != nil {
		t.Fatalf("CreateSettlement: %v", err)
	}

	sw := New(ledger, nil, Config{StaleTTL: 10 * time.Minute}, nil)
	sw.now = func() time.Time { return now }

	stats := sw.Sweep(ctx)
	if stats.Abandoned != 0 || stats.PendingReported != 1 {
		t.Fatalf("stats = %+v, want 0 abandoned and 1 pending", stats)
	}

	got, err := ledger.GetSettlementBySession(ctx, "agreed")
	if err != nil {
		t.Fatalf("GetSettlementBySession: %v", err)
	}
	if got.Status != domain.SettlementPending {
		t.Errorf("settlement status = %s, want pending", got.Status)
	}
}

func TestStartStopsWithContext(t *testing.T) {
	ledger := newLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	sw := New(ledger, nil, Config{Interval: 10 * time.Millisecond, StaleTTL: time.Hour}, nil)
	sw.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
}
