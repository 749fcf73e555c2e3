// Package domain contains core domain types for the dealbroker service.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultRoundLimit is used when a request does not name a round limit.
const DefaultRoundLimit = 5

// SessionStatus is the lifecycle state of a negotiation session.
type SessionStatus string

const (
	// SessionInProgress is the state while rounds are still being exchanged.
	SessionInProgress SessionStatus = "in_progress"
	// SessionAgreed means both sides converged on a final price.
	SessionAgreed SessionStatus = "agreed"
	// SessionRejected means one side explicitly walked away.
	SessionRejected SessionStatus = "rejected"
	// SessionFailed covers no agreement, invalid proposals and cancellation.
	SessionFailed SessionStatus = "failed"
)

// IsTerminal reports whether no further rounds may be appended.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionAgreed || s == SessionRejected || s == SessionFailed
}

// Termination reasons recorded on a session.
const (
	ReasonNoAgreement      = "no_agreement"
	ReasonInvalidProposal  = "invalid_proposal"
	ReasonCancelled        = "cancelled"
	ReasonRejectedBySeller = "rejected_by_seller"
	ReasonRejectedByBuyer  = "rejected_by_buyer"
	ReasonAbandoned        = "abandoned"
)

// Role identifies which side of a negotiation an agent plays.
type Role string

const (
	RoleSeller Role = "seller"
	RoleBuyer  Role = "buyer"
)

// Counterpart returns the opposite role.
func (r Role) Counterpart() Role {
	if r == RoleSeller {
		return RoleBuyer
	}
	return RoleSeller
}

// Session is a bounded price negotiation between one buyer and one seller
// over a single catalog item. Floor and ceiling are fixed at creation.
type Session struct {
	ID              string           `json:"id"`
	GroupID         string           `json:"session_group_id,omitempty"`
	BuyerRef        string           `json:"buyer_agent_id"`
	SellerRef       string           `json:"seller_agent_id"`
	ItemRef         string           `json:"item_id"`
	Currency        string           `json:"currency"`
	OpeningPrice    decimal.Decimal  `json:"opening_price"`
	FloorPrice      decimal.Decimal  `json:"floor_price"`
	CeilingPrice    decimal.Decimal  `json:"ceiling_price"`
	RoundLimit      int              `json:"round_limit"`
	Status          SessionStatus    `json:"status"`
	FinalPrice      *decimal.Decimal `json:"final_price,omitempty"`
	OverBudget      bool             `json:"over_budget"`
	Reason          string           `json:"reason,omitempty"`
	RoundsCompleted int              `json:"rounds_completed"`
	IdempotencyKey  string           `json:"-"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Settleable reports whether the session may be handed to settlement.
func (s *Session) Settleable() bool {
	return s.Status == SessionAgreed && !s.OverBudget && s.FinalPrice != nil
}

// Round is one persisted proposal. Two rounds (seller then buyer) make up
// one negotiation round number; Seq orders every message in the session.
type Round struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Seq         int             `json:"seq"`
	Number      int             `json:"round"`
	Role        Role            `json:"role"`
	SenderRef   string          `json:"sender"`
	ReceiverRef string          `json:"receiver"`
	Price       decimal.Decimal `json:"proposed_price"`
	Message     string          `json:"message"`
	Accept      bool            `json:"accept"`
	Reject      bool            `json:"reject,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Transcript is the ordered list of rounds of a session.
type Transcript []Round

// Last returns the most recent round sent by role, or nil.
func (t Transcript) Last(role Role) *Round {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == role {
			return &t[i]
		}
	}
	return nil
}

// RoundsCompleted returns the highest round number present.
func (t Transcript) RoundsCompleted() int {
	if len(t) == 0 {
		return 0
	}
	return t[len(t)-1].Number
}

// Cents rounds an amount to two decimal places, half away from zero.
func Cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
