package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/shared"
	_ "modernc.org/sqlite"
)

const sessionColumns = `id, group_id, buyer_ref, seller_ref, item_ref, currency,
	opening_price, floor_price, ceiling_price, round_limit,
	status, final_price, over_budget, reason, rounds_completed,
	idempotency_key, created_at, updated_at`

const roundColumns = `id, session_id, seq, round_number, role, sender_ref, receiver_ref,
	price, message, accept, reject, reason, created_at`

const settlementColumns = `id, session_id, amount, currency, payer_ref, payee_ref,
	payer_wallet, payee_wallet, status, tx_ref, fee, verified_on_chain,
	error, error_detail, created_at, completed_at`

// SQLiteStore implements Ledger using SQLite.
type SQLiteStore struct {
	db    *sql.DB
	retry shared.RetryConfig
}

// NewSQLite creates a new SQLite-backed ledger.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency. The _pragma entries
	// apply to every pooled connection, not only the one running initSchema.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000" +
		"&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetry}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

// WithRetry overrides the retry policy used for writes.
func (s *SQLiteStore) WithRetry(cfg shared.RetryConfig) *SQLiteStore {
	s.retry = cfg
	return s
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA journal_mode = WAL;
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		group_id TEXT,
		buyer_ref TEXT NOT NULL,
		seller_ref TEXT NOT NULL,
		item_ref TEXT NOT NULL,
		currency TEXT NOT NULL,
		opening_price TEXT NOT NULL,
		floor_price TEXT NOT NULL,
		ceiling_price TEXT NOT NULL,
		round_limit INTEGER NOT NULL,
		status TEXT NOT NULL,
		final_price TEXT,
		over_budget INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		rounds_completed INTEGER NOT NULL DEFAULT 0,
		idempotency_key TEXT UNIQUE,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
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
		price TEXT NOT NULL,
		message TEXT NOT NULL,
		accept INTEGER NOT NULL DEFAULT 0,
		reject INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(session_id, seq),
		UNIQUE(session_id, round_number, role)
	);

	CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id),
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		payer_ref TEXT NOT NULL,
		payee_ref TEXT NOT NULL,
		payer_wallet TEXT,
		payee_wallet TEXT,
		status TEXT NOT NULL,
		tx_ref TEXT,
		fee TEXT,
		verified_on_chain INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		error_detail TEXT,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_settlements_pending ON settlements(created_at) WHERE status = 'pending';
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := shared.RetryOnConflict(ctx, s.retry, op, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if shared.IsUniqueViolation(err) {
		return nil, fmt.Errorf("%s: %w", op, domain.ErrDuplicate)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// CreateSession inserts a new in-progress session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, "insert session", query,
		sess.ID, nullString(sess.GroupID), sess.BuyerRef, sess.SellerRef, sess.ItemRef, sess.Currency,
		sess.OpeningPrice.String(), sess.FloorPrice.String(), sess.CeilingPrice.String(), sess.RoundLimit,
		string(sess.Status), nullDecimal(sess.FinalPrice), sess.OverBudget, nullString(sess.Reason), sess.RoundsCompleted,
		nullString(sess.IdempotencyKey), sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// GetSessionByIdempotencyKey retrieves the session created for a client key.
func (s *SQLiteStore) GetSessionByIdempotencyKey(ctx context.Context, key string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE idempotency_key = ?`, key)
	sess, err := scanSession(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessionsByGroup returns all sessions of a shopping flow, oldest first.
func (s *SQLiteStore) ListSessionsByGroup(ctx context.Context, groupID string) ([]*domain.Session, error) {
	return s.querySessions(ctx, "query sessions by group",
		`SELECT `+sessionColumns+` FROM sessions WHERE group_id = ? ORDER BY created_at ASC, id ASC`, groupID)
}

// ListSessionsByAgent returns sessions where the agent is buyer or seller, newest first.
func (s *SQLiteStore) ListSessionsByAgent(ctx context.Context, agentRef string, limit int) ([]*domain.Session, error) {
	return s.querySessions(ctx, "query sessions by agent",
		`SELECT `+sessionColumns+` FROM sessions WHERE buyer_ref = ? OR seller_ref = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, agentRef, agentRef, limit)
}

// ListStaleSessions returns in-progress sessions not updated since before.
func (s *SQLiteStore) ListStaleSessions(ctx context.Context, before time.Time) ([]*domain.Session, error) {
	return s.querySessions(ctx, "query stale sessions",
		`SELECT `+sessionColumns+` FROM sessions WHERE status = 'in_progress' AND updated_at < ?`, before.UnixMilli())
}

func (s *SQLiteStore) querySessions(ctx context.Context, op, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

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

// AppendRound stores one round and advances the session's round counter.
func (s *SQLiteStore) AppendRound(ctx context.Context, r *domain.Round) error {
	err := shared.RetryOnConflict(ctx, s.retry, "append round", func() error {
		return s.appendRound(ctx, r)
	})
	if shared.IsUniqueViolation(err) {
		return fmt.Errorf("append round: %w", domain.ErrDuplicate)
	}
	return err
}

func (s *SQLiteStore) appendRound(ctx context.Context, r *domain.Round) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append round: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `INSERT INTO rounds (`+roundColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, r.Seq, r.Number, string(r.Role), r.SenderRef, r.ReceiverRef,
		r.Price.String(), r.Message, r.Accept, r.Reject, nullString(r.Reason), r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET rounds_completed = ?, updated_at = ? WHERE id = ? AND status = 'in_progress'`,
		r.Number, r.CreatedAt.UnixMilli(), r.SessionID)
	if err != nil {
		return fmt.Errorf("advance session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("append round to %s: %w", r.SessionID, domain.ErrAlreadyTerminal)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append round: %w", err)
	}
	return nil
}

// ListRounds returns the transcript of a session in sequence order.
func (s *SQLiteStore) ListRounds(ctx context.Context, sessionID string) (domain.Transcript, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close round rows", "error", closeErr)
		}
	}()

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
func (s *SQLiteStore) CompleteSession(ctx context.Context, sess *domain.Session) error {
	result, err := s.exec(ctx, "complete session",
		`UPDATE sessions SET status = ?, final_price = ?, over_budget = ?, reason = ?,
		rounds_completed = ?, updated_at = ?
		WHERE id = ? AND status = 'in_progress'`,
		string(sess.Status), nullDecimal(sess.FinalPrice), sess.OverBudget, nullString(sess.Reason),
		sess.RoundsCompleted, sess.UpdatedAt.UnixMilli(), sess.ID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(result, "complete session "+sess.ID)
}

// CreateSettlement inserts a pending settlement. One per session.
func (s *SQLiteStore) CreateSettlement(ctx context.Context, st *domain.Settlement) error {
	_, err := s.exec(ctx, "insert settlement",
		`INSERT INTO settlements (`+settlementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.SessionID, st.Amount.String(), st.Currency, st.PayerRef, st.PayeeRef,
		nullString(st.PayerWallet), nullString(st.PayeeWallet), string(st.Status), nullString(st.TxRef),
		nullDecimal(st.Fee), st.VerifiedOnChain, nullString(st.Error), nullString(st.ErrorDetail),
		st.CreatedAt.UnixMilli(), nullTime(st.CompletedAt),
	)
	return err
}

// GetSettlementBySession retrieves the settlement of a session.
func (s *SQLiteStore) GetSettlementBySession(ctx context.Context, sessionID string) (*domain.Settlement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE session_id = ?`, sessionID)
	st, err := scanSettlement(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan settlement row: %w", err)
	}
	return st, nil
}

// CompleteSettlement writes the terminal state of a pending settlement.
func (s *SQLiteStore) CompleteSettlement(ctx context.Context, st *domain.Settlement) error {
	result, err := s.exec(ctx, "complete settlement",
		`UPDATE settlements SET status = ?, payer_wallet = ?, payee_wallet = ?, tx_ref = ?, fee = ?,
		verified_on_chain = ?, error = ?, error_detail = ?, completed_at = ?
		WHERE session_id = ? AND status = 'pending'`,
		string(st.Status), nullString(st.PayerWallet), nullString(st.PayeeWallet), nullString(st.TxRef),
		nullDecimal(st.Fee), st.VerifiedOnChain, nullString(st.Error), nullString(st.ErrorDetail),
		nullTime(st.CompletedAt), st.SessionID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(result, "complete settlement "+st.SessionID)
}

// ListPendingSettlements returns settlements still pending since before.
func (s *SQLiteStore) ListPendingSettlements(ctx context.Context, before time.Time) ([]*domain.Settlement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE status = 'pending' AND created_at < ?`, before.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query pending settlements: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close settlement rows", "error", closeErr)
		}
	}()

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

func expectOneRow(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, domain.ErrAlreadyTerminal)
	}
	return nil
}
