package strategy

import (
	"context"
	"math/rand"
	"testing"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// play runs the concession strategy for both sides without an engine,
// stopping on accept or crossing offers.
func play(t *testing.T, c Concession, opening, floor, ceiling decimal.Decimal, limit int) domain.Transcript {
	t.Helper()
	var history domain.Transcript
	ctx := context.Background()
	for r := 1; r <= limit; r++ {
		for _, role := range []domain.Role{domain.RoleSeller, domain.RoleBuyer} {
			lim := floor
			if role == domain.RoleBuyer {
				lim = ceiling
			}
			p, err := c.Propose(ctx, State{
				Role: role, Round: r, RoundLimit: limit,
				Limit: lim, Opening: opening, History: history,
			})
			require.NoError(t, err)
			history = append(history, domain.Round{
				Seq: len(history) + 1, Number: r, Role: role,
				Price: decimal.NewFromFloat(p.Price), Accept: p.Accept,
			})
			if p.Accept {
				return history
			}
		}
		s, b := history.Last(domain.RoleSeller), history.Last(domain.RoleBuyer)
		if b.Price.GreaterThanOrEqual(s.Price) {
			return history
		}
	}
	return history
}

func TestConcessionConvergesInsideWindow(t *testing.T) {
	h := play(t, NewConcession(), decimal.NewFromInt(100), decimal.NewFromInt(80), decimal.NewFromInt(90), 5)
	last := h[len(h)-1]
	require.True(t, last.Accept, "expected an accept, got %+v", last)
	assert.Equal(t, domain.RoleBuyer, last.Role)
	assert.True(t, last.Price.GreaterThanOrEqual(decimal.NewFromInt(80)))
	assert.True(t, last.Price.LessThanOrEqual(decimal.NewFromInt(90)))
}

func TestConcessionNeverCrossesDisjointWindow(t *testing.T) {
	h := play(t, NewConcession(), decimal.NewFromInt(100), decimal.NewFromInt(95), decimal.NewFromInt(70), 5)
	assert.Len(t, h, 10)
	for _, r := range h {
		assert.False(t, r.Accept)
	}
}

func TestConcessionSellerNeverAcceptsFirstRound(t *testing.T) {
	p, err := NewConcession().Propose(context.Background(), State{
		Role: domain.RoleSeller, Round: 1, RoundLimit: 5,
		Limit: decimal.NewFromInt(10), Opening: decimal.NewFromInt(20),
	})
	require.NoError(t, err)
	assert.False(t, p.Accept)
	assert.InDelta(t, 20.0, p.Price, 1e-9)
}

func TestConcessionRespectsLimits(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		opening := decimal.NewFromInt(int64(10 + rng.Intn(990)))
		discount := decimal.NewFromInt(int64(rng.Intn(60)))
		floor := domain.Cents(opening.Mul(decimal.NewFromInt(1).Sub(discount.Div(decimal.NewFromInt(100)))))
		ceiling := decimal.NewFromInt(int64(1 + rng.Intn(1200)))
		limit := 1 + rng.Intn(10)
		c := Concession{BuyerOpeningRatio: 0.1 + rng.Float64()*0.9}

		for _, r := range play(t, c, opening, floor, ceiling, limit) {
			switch r.Role {
			case domain.RoleSeller:
				assert.True(t, r.Price.GreaterThanOrEqual(floor), "seller %s below floor %s", r.Price, floor)
			case domain.RoleBuyer:
				assert.True(t, r.Price.LessThanOrEqual(ceiling), "buyer %s above ceiling %s", r.Price, ceiling)
			}
		}
	}
}

func TestScripted(t *testing.T) {
	s := Scripted{{Price: 10}, {Price: 12, Accept: true}}
	p, err := s.Propose(context.Background(), State{Round: 2})
	require.NoError(t, err)
	assert.True(t, p.Accept)

	_, err = s.Propose(context.Background(), State{Round: 3})
	assert.Error(t, err)
}
