package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/shared"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NUMERIC columns are read back as text so that scanning into
// decimal.Decimal is lossless.
const pgSessionColumns = `id, group_id, buyer_ref, seller_ref, item_ref, currency,
	opening_price::text, floor_price::text, ceiling_price::text, round_limit,
	status, final_price::text, over_budget, reason, rounds_completed,
	idempotency_key, created_at, updated_at`

const pgRoundColumns = `id, session_id, seq, round_number, role, sender_ref, receiver_ref,
	price::text, message, accept, reject, reason, created_at`

const pgSettlementColumns = `id, session_id, amount::text, currency, payer_ref, payee_ref,
	payer_wallet, payee_wallet, status, tx_ref, fee::text, verified_on_chain,
	error, error_detail, created_at, completed_at`

const pgSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	group_id TEXT,
	buyer_ref TEXT NOT NULL,
	seller_ref TEXT NOT NULL,
	item_ref TEXT NOT NULL,
	currency TEXT NOT NULL,
	opening_price NUMERIC NOT NULL,
	floor_price NUMERIC NOT NULL,
	ceiling_price NUMERIC NOT NULL,
	round_limit INTEGER NOT NULL,
	status TEXT NOT NULL,
	final_price NUMERIC,
	over_budget BOOLEAN NOT NULL DEFAULT FALSE,
	reason TEXT,
	rounds_completed INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT UNIQUE,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_group ON sessions(group_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_buyer ON sessions(buyer_ref, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_seller ON sessions(seller_ref, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_open ON sessions(updated_at) WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS rounds (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq INTEGER NOT NULL,
	round_number INTEGER NOT NULL,
	role TEXT NOT NULL,
	sender_ref TEXT NOT NULL,
	receiver_ref TEXT NOT NULL,
	price NUMERIC NOT NULL,
	message TEXT NOT NULL,
	accept BOOLEAN NOT NULL DEFAULT FALSE,
	reject BOOLEAN NOT NULL DEFAULT FALSE,
	reason TEXT,
	created_at BIGINT NOT NULL,
	UNIQUE(session_id, seq),
	UNIQUE(session_id, round_number, role)
);

CREATE TABLE IF NOT EXISTS settlements (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id),
	amount NUMERIC NOT NULL,
	currency TEXT NOT NULL,
	payer_ref TEXT NOT NULL,
	payee_ref TEXT NOT NULL,
	payer_wallet TEXT,
	payee_wallet TEXT,
	status TEXT NOT NULL,
	tx_ref TEXT,
	fee NUMERIC,
	verified_on_chain BOOLEAN NOT NULL DEFAULT FALSE,
	error TEXT,
	error_detail TEXT,
	created_at BIGINT NOT NULL,
	completed_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_settlements_pending ON settlements(created_at) WHERE status = 'pending';
`

// PostgresStore implements Ledger using PostgreSQL. Concurrent sessions
// contend on rows, never on tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects a pool to databaseURL and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) exec(ctx context.Context, op, query string, args ...any) (pgconn.CommandTag, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if shared.IsUniqueViolation(err) {
		return tag, fmt.Errorf("%s: %w", op, domain.ErrDuplicate)
	}
	if err != nil {
		return tag, fmt.Errorf("%s: %w", op, err)
	}
	return tag, nil
}

// CreateSession inserts a new in-progress session.
func (s *PostgresStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.exec(ctx, "insert session", `
		INSERT INTO sessions (id, group_id, buyer_ref, seller_ref, item_ref, currency,
			opening_price, floor_price, ceiling_price, round_limit,
			status, final_price, over_budget, reason, rounds_completed,
			idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::numeric, $8::text::numeric, $9::text::numeric, $10,
			$11, $12::text::numeric, $13, $14, $15, $16, $17, $18)`,
		sess.ID, nullString(sess.GroupID), sess.BuyerRef, sess.SellerRef, sess.ItemRef, sess.Currency,
		sess.OpeningPrice.String(), sess.FloorPrice.String(), sess.CeilingPrice.String(), sess.RoundLimit,
		string(sess.Status), nullDecimal(sess.FinalPrice), sess.OverBudget, nullString(sess.Reason), sess.RoundsCompleted,
		nullString(sess.IdempotencyKey), sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// GetSessionByIdempotencyKey retrieves the session created for a client key.
func (s *PostgresStore) GetSessionByIdempotencyKey(ctx context.Context, key string) (*domain.Session, error) {
	sess, err := scanSession(s.pool.QueryRow(ctx, `SELECT `+pgSessionColumns+` FROM sessions WHERE idempotency_key = $1`, key))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessionsByGroup returns all sessions of a shopping flow, oldest first.
func (s *PostgresStore) ListSessionsByGroup(ctx context.Context, groupID string) ([]*domain.Session, error) {
	return s.querySessions(ctx, "query sessions by group",
		`SELECT `+pgSessionColumns+` FROM sessions WHERE group_id = $1 ORDER BY created_at ASC, id ASC`, groupID)
}

// ListSessionsByAgent returns sessions where the agent is buyer or seller, newest first.
func (s *PostgresStore) ListSessionsByAgent(ctx context.Context, agentRef string, limit int) ([]*domain.Session, error) {
	return s.querySessions(ctx, "query sessions by agent",
		`SELECT `+pgSessionColumns+` FROM sessions WHERE buyer_ref = $1 OR seller_ref = $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, agentRef, limit)
}

// ListStaleSessions returns in-progress sessions not updated since before.
func (s *PostgresStore) ListStaleSessions(ctx context.Context, before time.Time) ([]*domain.Session, error) {
	return s.querySessions(ctx, "query stale sessions",
		`SELECT `+pgSessionColumns+` FROM sessions WHERE status = 'in_progress' AND updated_at < $1`, before.UnixMilli())
}

func (s *PostgresStore) querySessions(ctx context.Context, op, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// AppendRound stores one round and advances the session's round counter in
// one transaction. The session row lock serialises appends per session.
func (s *PostgresStore) AppendRound(ctx context.Context, r *domain.Round) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE sessions SET rounds_completed = $1, updated_at = $2 WHERE id = $3 AND status = 'in_progress'`,
			r.Number, r.CreatedAt.UnixMilli(), r.SessionID)
		if err != nil {
			return fmt.Errorf("advance session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("append round to %s: %w", r.SessionID, domain.ErrAlreadyTerminal)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO rounds (id, session_id, seq, round_number, role, sender_ref, receiver_ref,
				price, message, accept, reject, reason, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9, $10, $11, $12, $13)`,
			r.ID, r.SessionID, r.Seq, r.Number, string(r.Role), r.SenderRef, r.ReceiverRef,
			r.Price.String(), r.Message, r.Accept, r.Reject, nullString(r.Reason), r.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert round: %w", err)
		}
		return nil
	})
	if shared.IsUniqueViolation(err) {
		return fmt.Errorf("append round: %w", domain.ErrDuplicate)
	}
	return err
}

// ListRounds returns the transcript of a session in sequence order.
func (s *PostgresStore) ListRounds(ctx context.Context, sessionID string) (domain.Transcript, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgRoundColumns+` FROM rounds WHERE session_id = $1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()

	var transcript domain.Transcript
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round row: %w", err)
		}
		transcript = append(transcript, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return transcript, nil
}

// CompleteSession writes the terminal state of an in-progress session.
func (s *PostgresStore) CompleteSession(ctx context.Context, sess *domain.Session) error {
	tag, err := s.exec(ctx, "complete session", `
		UPDATE sessions SET status = $1, final_price = $2::text::numeric, over_budget = $3, reason = $4,
			rounds_completed = $5, updated_at = $6
		WHERE id = $7 AND status = 'in_progress'`,
		string(sess.Status), nullDecimal(sess.FinalPrice), sess.OverBudget, nullString(sess.Reason),
		sess.RoundsCompleted, sess.UpdatedAt.UnixMilli(), sess.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete session %s: %w", sess.ID, domain.ErrAlreadyTerminal)
	}
	return nil
}

// CreateSettlement inserts a pending settlement. One per session.
func (s *PostgresStore) CreateSettlement(ctx context.Context, st *domain.Settlement) error {
	_, err := s.exec(ctx, "insert settlement", `
		INSERT INTO settlements (id, session_id, amount, currency, payer_ref, payee_ref,
			payer_wallet, payee_wallet, status, tx_ref, fee, verified_on_chain,
			error, error_detail, created_at, completed_at)
		VALUES ($1, $2, $3::text::numeric, $4, $5, $6, $7, $8, $9, $10, $11::text::numeric, $12, $13, $14, $15, $16)`,
		st.ID, st.SessionID, st.Amount.String(), st.Currency, st.PayerRef, st.PayeeRef,
		nullString(st.PayerWallet), nullString(st.PayeeWallet), string(st.Status), nullString(st.TxRef),
		nullDecimal(st.Fee), st.VerifiedOnChain, nullString(st.Error), nullString(st.ErrorDetail),
		st.CreatedAt.UnixMilli(), nullTime(st.CompletedAt),
	)
	return err
}

// GetSettlementBySession retrieves the settlement of a session.
func (s *PostgresStore) GetSettlementBySession(ctx context.Context, sessionID string) (*domain.Settlement, error) {
	st, err := scanSettlement(s.pool.QueryRow(ctx,
		`SELECT `+pgSettlementColumns+` FROM settlements WHERE session_id = $1`, sessionID))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan settlement row: %w", err)
	}
	return st, nil
}

// CompleteSettlement writes the terminal state of a pending settlement.
func (s *PostgresStore) CompleteSettlement(ctx context.Context, st *domain.Settlement) error {
	tag, err := s.exec(ctx, "complete settlement", `
		UPDATE settlements SET status = $1, payer_wallet = $2, payee_wallet = $3, tx_ref = $4,
			fee = $5::text::numeric, verified_on_chain = $6, error = $7, error_detail = $8, completed_at = $9
		WHERE session_id = $10 AND status = 'pending'`,
		string(st.Status), nullString(st.PayerWallet), nullString(st.PayeeWallet), nullString(st.TxRef),
		nullDecimal(st.Fee), st.VerifiedOnChain, nullString(st.Error), nullString(st.ErrorDetail),
		nullTime(st.CompletedAt), st.SessionID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete settlement %s: %w", st.SessionID, domain.ErrAlreadyTerminal)
	}
	return nil
}

// ListPendingSettlements returns settlements still pending since before.
func (s *PostgresStore) ListPendingSettlements(ctx context.Context, before time.Time) ([]*domain.Settlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgSettlementColumns+` FROM settlements WHERE status = 'pending' AND created_at < $1`, before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query pending settlements: %w", err)
	}
	defer rows.Close()

	var out []*domain.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement row: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settlements: %w", err)
	}
	return out, nil
}
