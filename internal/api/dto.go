package api

import (
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/orchestrator"
	"github.com/shopspring/decimal"
)

// NegotiateRequest is the body of POST /negotiate.
type NegotiateRequest struct {
	BuyerAgentID   string  `json:"buyer_agent_id"`
	SellerAgentID  string  `json:"seller_agent_id"`
	ItemID         string  `json:"item_id"`
	Budget         float64 `json:"budget"`
	RoundLimit     *int    `json:"round_limit,omitempty"`
	DryRun         bool    `json:"dry_run,omitempty"`
	SessionGroupID string  `json:"session_group_id,omitempty"`
}

// TranscriptEntry is one round on the wire.
type TranscriptEntry struct {
	Round         int     `json:"round"`
	Sender        string  `json:"sender"`
	Receiver      string  `json:"receiver"`
	Role          string  `json:"role"`
	Message       string  `json:"message"`
	ProposedPrice float64 `json:"proposed_price"`
	Accept        bool    `json:"accept"`
	Reject        bool    `json:"reject,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// SettlementResponse describes the transfer of an agreed session.
type SettlementResponse struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	Amount          float64    `json:"amount"`
	Currency        string     `json:"currency"`
	Payer           string     `json:"payer"`
	Payee           string     `json:"payee"`
	PayerWallet     string     `json:"payer_wallet,omitempty"`
	PayeeWallet     string     `json:"payee_wallet,omitempty"`
	TxRef           string     `json:"transaction_reference,omitempty"`
	ProtocolFee     *float64   `json:"protocol_fee,omitempty"`
	VerifiedOnChain bool       `json:"verified_on_chain"`
	Error           string     `json:"error,omitempty"`
	ErrorDetail     string     `json:"error_detail,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// SessionSummary is a session without its transcript.
type SessionSummary struct {
	SessionID       string    `json:"session_id"`
	SessionGroupID  string    `json:"session_group_id,omitempty"`
	BuyerAgentID    string    `json:"buyer_agent_id"`
	SellerAgentID   string    `json:"seller_agent_id"`
	ItemID          string    `json:"item_id"`
	Currency        string    `json:"currency"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	FinalPrice      *float64  `json:"final_price,omitempty"`
	OverBudget      bool      `json:"over_budget"`
	RoundLimit      int       `json:"round_limit"`
	RoundsCompleted int       `json:"rounds_completed"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NegotiationResponse is the result of a negotiation with its audit trail.
type NegotiationResponse struct {
	SessionSummary
	Outcome          string              `json:"outcome,omitempty"`
	WouldPay         *float64            `json:"would_pay,omitempty"`
	Transcript       []TranscriptEntry   `json:"transcript"`
	TranscriptSHA256 string              `json:"transcript_sha256"`
	Settlement       *SettlementResponse `json:"settlement"`
	Replayed         bool                `json:"replayed,omitempty"`
}

func money(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

func optionalMoney(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := money(*d)
	return &f
}

func summaryOf(s *domain.Session) SessionSummary {
	return SessionSummary{
		SessionID:       s.ID,
		SessionGroupID:  s.GroupID,
		BuyerAgentID:    s.BuyerRef,
		SellerAgentID:   s.SellerRef,
		ItemID:          s.ItemRef,
		Currency:        s.Currency,
		Status:          string(s.Status),
		Reason:          s.Reason,
		FinalPrice:      optionalMoney(s.FinalPrice),
		OverBudget:      s.OverBudget,
		RoundLimit:      s.RoundLimit,
		RoundsCompleted: s.RoundsCompleted,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func summariesOf(sessions []*domain.Session) []SessionSummary {
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, summaryOf(s))
	}
	return out
}

func transcriptOf(t domain.Transcript) []TranscriptEntry {
	out := make([]TranscriptEntry, 0, len(t))
	for _, r := range t {
		out = append(out, TranscriptEntry{
			Round:         r.Number,
			Sender:        r.SenderRef,
			Receiver:      r.ReceiverRef,
			Role:          string(r.Role),
			Message:       r.Message,
			ProposedPrice: money(r.Price),
			Accept:        r.Accept,
			Reject:        r.Reject,
			Reason:        r.Reason,
		})
	}
	return out
}

func settlementOf(st *domain.Settlement) *SettlementResponse {
	if st == nil {
		return nil
	}
	return &SettlementResponse{
		ID:              st.ID,
		Status:          string(st.Status),
		Amount:          money(st.Amount),
		Currency:        st.Currency,
		Payer:           st.PayerRef,
		Payee:           st.PayeeRef,
		PayerWallet:     st.PayerWallet,
		PayeeWallet:     st.PayeeWallet,
		TxRef:           st.TxRef,
		ProtocolFee:     optionalMoney(st.Fee),
		VerifiedOnChain: st.VerifiedOnChain,
		Error:           st.Error,
		ErrorDetail:     st.ErrorDetail,
		CreatedAt:       st.CreatedAt,
		CompletedAt:     st.CompletedAt,
	}
}

func responseOf(res *orchestrator.Result) NegotiationResponse {
	return NegotiationResponse{
		SessionSummary:   summaryOf(res.Session),
		Outcome:          string(res.Outcome),
		WouldPay:         optionalMoney(res.WouldPay),
		Transcript:       transcriptOf(res.Transcript),
		TranscriptSHA256: res.TranscriptSHA256,
		Settlement:       settlementOf(res.Settlement),
		Replayed:         res.Replayed,
	}
}
