// Package negotiation drives the bounded seller/buyer round loop and decides
// when a session terminates.
package negotiation

import (
	"fmt"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Terms are the fixed parameters a transcript is judged against.
type Terms struct {
	Floor      decimal.Decimal
	Ceiling    decimal.Decimal
	RoundLimit int
}

// TermsOf extracts the terms of a persisted session.
func TermsOf(s *domain.Session) Terms {
	return Terms{Floor: s.FloorPrice, Ceiling: s.CeilingPrice, RoundLimit: s.RoundLimit}
}

// Outcome is the verdict after the latest round. Done is false while the
// negotiation should continue.
type Outcome struct {
	Done       bool
	Status     domain.SessionStatus
	FinalPrice *decimal.Decimal
	OverBudget bool
	Reason     string
}

// Detect applies the termination rules to the latest round of t.
func Detect(terms Terms, t domain.Transcript) Outcome {
	if len(t) == 0 {
		return Outcome{}
	}
	last := t[len(t)-1]

	if last.Reject {
		reason := domain.ReasonRejectedByBuyer
		if last.Role == domain.RoleSeller {
			reason = domain.ReasonRejectedBySeller
		}
		return Outcome{Done: true, Status: domain.SessionRejected, Reason: reason}
	}

	if last.Role == domain.RoleSeller {
		if !last.Accept {
			return Outcome{}
		}
		buyer := t.Last(domain.RoleBuyer)
		if last.Number <= 1 || buyer == nil {
			return failed(domain.ReasonInvalidProposal)
		}
		return agreed(terms, buyer.Price)
	}

	seller := t.Last(domain.RoleSeller)
	if seller == nil || seller.Number != last.Number {
		return failed(domain.ReasonInvalidProposal)
	}
	if last.Accept {
		return agreed(terms, seller.Price)
	}
	if last.Price.GreaterThanOrEqual(seller.Price) {
		return agreed(terms, Midpoint(seller.Price, last.Price))
	}
	if last.Number >= terms.RoundLimit {
		return failed(domain.ReasonNoAgreement)
	}
	return Outcome{}
}

// Midpoint returns the settlement price for crossing offers: the mean of
// both figures rounded to cents, half-cent ties rounded up. Identical
// figures yield the seller's figure.
func Midpoint(seller, buyer decimal.Decimal) decimal.Decimal {
	if seller.Equal(buyer) {
		return seller
	}
	return domain.Cents(seller.Add(buyer).Div(two))
}

func agreed(terms Terms, price decimal.Decimal) Outcome {
	final := domain.Cents(price)
	return Outcome{
		Done:       true,
		Status:     domain.SessionAgreed,
		FinalPrice: &final,
		OverBudget: final.GreaterThan(terms.Ceiling),
	}
}

func failed(reason string) Outcome {
	return Outcome{Done: true, Status: domain.SessionFailed, Reason: reason}
}

// Replay walks a persisted transcript message by message and returns the
// first terminal outcome. It verifies the transcript's shape along the way:
// contiguous sequence numbers, seller before buyer within each round, and
// no messages after termination.
func Replay(terms Terms, t domain.Transcript) (Outcome, error) {
	for i, r := range t {
		if r.Seq != i+1 {
			return Outcome{}, fmt.Errorf("round %d: seq %d out of order", i, r.Seq)
		}
		wantRole := domain.RoleSeller
		if i%2 == 1 {
			wantRole = domain.RoleBuyer
		}
		if r.Role != wantRole || r.Number != i/2+1 {
			return Outcome{}, fmt.Errorf("seq %d: expected %s in round %d, got %s in round %d",
				r.Seq, wantRole, i/2+1, r.Role, r.Number)
		}
		if r.Number > terms.RoundLimit {
			return Outcome{}, fmt.Errorf("seq %d: round %d exceeds limit %d", r.Seq, r.Number, terms.RoundLimit)
		}

		out := Detect(terms, t[:i+1])
		if out.Done {
			if i != len(t)-1 {
				return Outcome{}, fmt.Errorf("seq %d: transcript continues after termination", r.Seq)
			}
			return out, nil
		}
	}
	return Outcome{}, nil
}
