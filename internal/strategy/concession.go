package strategy

import (
	"context"
	"fmt"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultBuyerOpeningRatio is the share of its ceiling a buyer opens at.
const DefaultBuyerOpeningRatio = 0.6

// Concession is the alternating concession strategy. On round k each side
// moves its last offer k/round_limit of the way toward the counterpart's
// last offer, clamped to its own limit.
type Concession struct {
	// BuyerOpeningRatio is applied to the ceiling for the buyer's first offer.
	BuyerOpeningRatio float64
}

// NewConcession returns a Concession with the default opening ratio.
func NewConcession() Concession {
	return Concession{BuyerOpeningRatio: DefaultBuyerOpeningRatio}
}

// Propose implements Strategy.
func (c Concession) Propose(_ context.Context, s State) (Proposal, error) {
	if s.RoundLimit <= 0 || s.Round <= 0 {
		return Proposal{}, fmt.Errorf("invalid round %d of %d", s.Round, s.RoundLimit)
	}
	if s.Role == domain.RoleSeller {
		return c.seller(s), nil
	}
	return c.buyer(s), nil
}

func (c Concession) seller(s State) Proposal {
	own, other := s.Own(), s.Counterpart()
	if own == nil || other == nil {
		open := decimal.Max(s.Opening, s.Limit)
		return offer(open, fmt.Sprintf("Asking %s %s.", open.StringFixed(2), s.Currency))
	}

	next := decimal.Max(step(own.Price, other.Price, s.Round, s.RoundLimit), s.Limit)
	if s.Round > 1 && other.Price.GreaterThanOrEqual(s.Limit) && other.Price.GreaterThanOrEqual(next) {
		return Proposal{
			Price:   other.Price.InexactFloat64(),
			Message: fmt.Sprintf("Deal at %s %s.", other.Price.StringFixed(2), s.Currency),
			Accept:  true,
			Reason:  "counter-offer meets floor",
		}
	}
	return offer(next, fmt.Sprintf("I can do %s %s.", next.StringFixed(2), s.Currency))
}

func (c Concession) buyer(s State) Proposal {
	own, other := s.Own(), s.Counterpart()

	var next decimal.Decimal
	if own == nil {
		ratio := c.BuyerOpeningRatio
		if ratio <= 0 || ratio > 1 {
			ratio = DefaultBuyerOpeningRatio
		}
		next = domain.Cents(s.Limit.Mul(decimal.NewFromFloat(ratio)))
	} else {
		target := own.Price
		if other != nil {
			target = other.Price
		}
		next = step(own.Price, target, s.Round, s.RoundLimit)
	}
	next = decimal.Min(next, s.Limit)

	if other != nil && other.Price.LessThanOrEqual(s.Limit) && other.Price.LessThanOrEqual(next) {
		return Proposal{
			Price:   other.Price.InexactFloat64(),
			Message: fmt.Sprintf("Accepted at %s %s.", other.Price.StringFixed(2), s.Currency),
			Accept:  true,
			Reason:  "offer within budget",
		}
	}
	return offer(next, fmt.Sprintf("Would you take %s %s?", next.StringFixed(2), s.Currency))
}

// step moves from toward to by round/limit, rounded to cents.
func step(from, to decimal.Decimal, round, limit int) decimal.Decimal {
	frac := decimal.NewFromInt(int64(round)).Div(decimal.NewFromInt(int64(limit)))
	return domain.Cents(from.Add(to.Sub(from).Mul(frac)))
}

func offer(price decimal.Decimal, msg string) Proposal {
	return Proposal{Price: domain.Cents(price).InexactFloat64(), Message: msg}
}
