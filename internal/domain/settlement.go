package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementStatus is the lifecycle state of a settlement record.
type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSuccess SettlementStatus = "success"
	SettlementFailed  SettlementStatus = "failed"
)

// IsTerminal reports whether the record has reached its final state.
func (s SettlementStatus) IsTerminal() bool {
	return s == SettlementSuccess || s == SettlementFailed
}

// Settlement failure codes persisted in SettlementRecord.Error.
const (
	ErrCodeInvalidPayeeWallet      = "invalid_payee_wallet"
	ErrCodeInvalidPayerWallet      = "invalid_payer_wallet"
	ErrCodePayerKeyUnavailable     = "payer_key_unavailable"
	ErrCodePayerKeyMismatch        = "payer_key_mismatch"
	ErrCodeSelfPayment             = "self_payment"
	ErrCodePaymentRequestFailed    = "payment_request_failed"
	ErrCodeInsufficientFunds       = "insufficient_funds"
	ErrCodePaymentFailed           = "payment_failed"
	ErrCodeTimeout                 = "timeout"
	ErrCodeVerificationUnavailable = "verification_unavailable"
	ErrCodeRecipientMismatch       = "recipient_mismatch"
	ErrCodePayerMismatch           = "payer_mismatch"
	ErrCodeAmountMismatch          = "amount_mismatch"
)

// Settlement records the single transfer attempt for an agreed session.
type Settlement struct {
	ID              string           `json:"id"`
	SessionID       string           `json:"session_id"`
	Amount          decimal.Decimal  `json:"amount"`
	Currency        string           `json:"currency"`
	PayerRef        string           `json:"payer_ref"`
	PayeeRef        string           `json:"payee_ref"`
	PayerWallet     string           `json:"payer_wallet,omitempty"`
	PayeeWallet     string           `json:"payee_wallet,omitempty"`
	Status          SettlementStatus `json:"status"`
	TxRef           string           `json:"transaction_reference,omitempty"`
	Fee             *decimal.Decimal `json:"protocol_fee,omitempty"`
	VerifiedOnChain bool             `json:"verified_on_chain"`
	Error           string           `json:"error,omitempty"`
	ErrorDetail     string           `json:"error_detail,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}
