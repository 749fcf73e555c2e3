package strategy

import (
	"context"

	"github.com/ashureev/dealbroker/internal/domain"
)

// Provider selects the strategies that negotiate a session.
type Provider interface {
	PairFor(ctx context.Context, sess *domain.Session) (Pair, error)
}

// Static returns the same pair for every session.
type Static Pair

// PairFor implements Provider.
func (s Static) PairFor(context.Context, *domain.Session) (Pair, error) {
	return Pair(s), nil
}
