package strategy

import (
	"context"
	"fmt"
)

// Scripted replays a fixed sequence of proposals, one per round.
// It is used for fixtures and for reproducing recorded negotiations.
type Scripted []Proposal

// Propose implements Strategy.
func (s Scripted) Propose(_ context.Context, state State) (Proposal, error) {
	if state.Round < 1 || state.Round > len(s) {
		return Proposal{}, fmt.Errorf("no scripted proposal for round %d", state.Round)
	}
	return s[state.Round-1], nil
}
