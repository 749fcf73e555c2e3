package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var status string
	var groupID, finalPrice, reason, idemKey sql.NullString
	var createdAt, updatedAt int64

	err := row.Scan(
		&s.ID, &groupID, &s.BuyerRef, &s.SellerRef, &s.ItemRef, &s.Currency,
		&s.OpeningPrice, &s.FloorPrice, &s.CeilingPrice, &s.RoundLimit,
		&status, &finalPrice, &s.OverBudget, &reason, &s.RoundsCompleted,
		&idemKey, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.GroupID = groupID.String
	s.Status = domain.SessionStatus(status)
	s.Reason = reason.String
	s.IdempotencyKey = idemKey.String
	if finalPrice.Valid {
		fp, err := decimal.NewFromString(finalPrice.String)
		if err != nil {
			return nil, fmt.Errorf("parse final_price: %w", err)
		}
		s.FinalPrice = &fp
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.UpdatedAt = time.UnixMilli(updatedAt)
	return &s, nil
}

func scanRound(row rowScanner) (domain.Round, error) {
	var r domain.Round
	var role string
	var reason sql.NullString
	var createdAt int64

	err := row.Scan(
		&r.ID, &r.SessionID, &r.Seq, &r.Number, &role, &r.SenderRef, &r.ReceiverRef,
		&r.Price, &r.Message, &r.Accept, &r.Reject, &reason, &createdAt,
	)
	if err != nil {
		return r, err
	}
	r.Role = domain.Role(role)
	r.Reason = reason.String
	r.CreatedAt = time.UnixMilli(createdAt)
	return r, nil
}

func scanSettlement(row rowScanner) (*domain.Settlement, error) {
	var st domain.Settlement
	var status string
	var payerWallet, payeeWallet, txRef, fee, errCode, errDetail sql.NullString
	var createdAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&st.ID, &st.SessionID, &st.Amount, &st.Currency, &st.PayerRef, &st.PayeeRef,
		&payerWallet, &payeeWallet, &status, &txRef, &fee, &st.VerifiedOnChain,
		&errCode, &errDetail, &createdAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	st.Status = domain.SettlementStatus(status)
	st.PayerWallet = payerWallet.String
	st.PayeeWallet = payeeWallet.String
	st.TxRef = txRef.String
	st.Error = errCode.String
	st.ErrorDetail = errDetail.String
	if fee.Valid {
		f, err := decimal.NewFromString(fee.String)
		if err != nil {
			return nil, fmt.Errorf("parse protocol_fee: %w", err)
		}
		st.Fee = &f
	}
	st.CreatedAt = time.UnixMilli(createdAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		st.CompletedAt = &t
	}
	return &st, nil
}
