// Package store provides the negotiation ledger and its implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
)

// Ledger persists negotiation sessions, their rounds and settlement records.
// Lookups return (nil, nil) when the record does not exist. Writes rejected
// by a unique constraint return an error wrapping domain.ErrDuplicate.
type Ledger interface {
	// CreateSession inserts a new in-progress session.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// GetSessionByIdempotencyKey retrieves the session created for a client key.
	GetSessionByIdempotencyKey(ctx context.Context, key string) (*domain.Session, error)

	// ListSessionsByGroup returns all sessions of a shopping flow, oldest first.
	ListSessionsByGroup(ctx context.Context, groupID string) ([]*domain.Session, error)

	// ListSessionsByAgent returns sessions where the agent is buyer or seller, newest first.
	ListSessionsByAgent(ctx context.Context, agentRef string, limit int) ([]*domain.Session, error)

	// ListStaleSessions returns in-progress sessions not updated since before.
	ListStaleSessions(ctx context.Context, before time.Time) ([]*domain.Session, error)

	// AppendRound stores one round and advances the session's round counter.
	// It fails if the session is no longer in progress.
	AppendRound(ctx context.Context, r *domain.Round) error

	// ListRounds returns the transcript of a session in sequence order.
	ListRounds(ctx context.Context, sessionID string) (domain.Transcript, error)

	// CompleteSession writes the terminal state of an in-progress session.
	CompleteSession(ctx context.Context, s *domain.Session) error

	// CreateSettlement inserts a pending settlement. One per session.
	CreateSettlement(ctx context.Context, st *domain.Settlement) error

	// GetSettlementBySession retrieves the settlement of a session.
	GetSettlementBySession(ctx context.Context, sessionID string) (*domain.Settlement, error)

	// CompleteSettlement writes the terminal state of a pending settlement.
	CompleteSettlement(ctx context.Context, st *domain.Settlement) error

	// ListPendingSettlements returns settlements still pending since before.
	ListPendingSettlements(ctx context.Context, before time.Time) ([]*domain.Settlement, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

var (
	_ Ledger = (*SQLiteStore)(nil)
	_ Ledger = (*PostgresStore)(nil)
)
