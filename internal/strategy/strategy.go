// Package strategy defines the decision capability used by each side of a
// negotiation and ships a deterministic reference implementation.
package strategy

import (
	"context"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/shopspring/decimal"
)

// State is the view of a negotiation handed to a strategy.
type State struct {
	SessionID  string
	Role       domain.Role
	Round      int
	RoundLimit int
	// Limit is the floor for a seller and the ceiling for a buyer.
	Limit    decimal.Decimal
	Opening  decimal.Decimal
	ItemName string
	Currency string
	History  domain.Transcript
}

// Counterpart returns the counterpart's latest round, or nil.
func (s State) Counterpart() *domain.Round {
	return s.History.Last(s.Role.Counterpart())
}

// Own returns this side's latest round, or nil.
func (s State) Own() *domain.Round {
	return s.History.Last(s.Role)
}

// Proposal is one side's move. Price is a float so that non-finite values
// produced by a misbehaving implementation can be detected and rejected.
type Proposal struct {
	Price   float64
	Message string
	Accept  bool
	Reject  bool
	Reason  string
}

// Strategy produces the next proposal for one side.
// A seller must not counter below its floor and a buyer must not counter
// above its ceiling.
type Strategy interface {
	Propose(ctx context.Context, state State) (Proposal, error)
}

// Func adapts a function to Strategy.
type Func func(ctx context.Context, state State) (Proposal, error)

// Propose calls f.
func (f Func) Propose(ctx context.Context, state State) (Proposal, error) {
	return f(ctx, state)
}

// Pair holds the strategies for both sides of a session.
type Pair struct {
	Seller Strategy
	Buyer  Strategy
}

// For returns the strategy for role.
func (p Pair) For(role domain.Role) Strategy {
	if role == domain.RoleSeller {
		return p.Seller
	}
	return p.Buyer
}
