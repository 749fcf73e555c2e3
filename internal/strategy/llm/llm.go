// Package llm implements a model-driven negotiation strategy. The model is
// asked for a JSON decision which is parsed into a strategy.Proposal.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/ashureev/dealbroker/internal/strategy"
)

var errNoJSON = errors.New("model response contains no JSON object")

// Completer sends one system+user prompt pair to a chat model.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// Strategy asks a Completer for each move.
type Strategy struct {
	completer Completer
	persona   string
	logger    *slog.Logger
}

// New creates a model-driven strategy. persona is prepended to the system
// prompt and may be empty.
func New(c Completer, persona string, logger *slog.Logger) *Strategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Strategy{completer: c, persona: persona, logger: logger}
}

type decision struct {
	Message       string   `json:"message"`
	ProposedPrice *float64 `json:"proposed_price"`
	Accept        bool     `json:"accept"`
	Reject        bool     `json:"reject"`
	Reason        string   `json:"reason"`
}

// Propose implements strategy.Strategy.
func (s *Strategy) Propose(ctx context.Context, state strategy.State) (strategy.Proposal, error) {
	raw, err := s.completer.Complete(ctx, s.systemPrompt(state), userPrompt(state))
	if err != nil {
		return strategy.Proposal{}, fmt.Errorf("complete: %w", err)
	}

	d, err := parseDecision(raw)
	if err != nil {
		s.logger.Warn("Unparsable model decision",
			"session_id", state.SessionID,
			"role", state.Role,
			"round", state.Round,
			"error", err)
		return strategy.Proposal{}, err
	}

	p := strategy.Proposal{
		Message: d.Message,
		Accept:  d.Accept,
		Reject:  d.Reject,
		Reason:  d.Reason,
	}
	switch {
	case d.ProposedPrice != nil:
		p.Price = *d.ProposedPrice
	case d.Accept:
		if other := state.Counterpart(); other != nil {
			p.Price = other.Price.InexactFloat64()
		}
	case !d.Reject:
		return strategy.Proposal{}, errors.New("model decision has no proposed_price")
	}
	return p, nil
}

func (s *Strategy) systemPrompt(state strategy.State) string {
	var b strings.Builder
	if s.persona != "" {
		b.WriteString(s.persona)
		b.WriteString("\n\n")
	}
	if state.Role == domain.RoleSeller {
		fmt.Fprintf(&b, "You are the seller of %q listed at %s %s. Never offer below %s. ",
			state.ItemName, state.Opening.StringFixed(2), state.Currency, state.Limit.StringFixed(2))
		b.WriteString("Only accept an offer the buyer has already made. ")
	} else {
		fmt.Fprintf(&b, "You are buying %q listed at %s %s. Your budget is %s; never offer above it. ",
			state.ItemName, state.Opening.StringFixed(2), state.Currency, state.Limit.StringFixed(2))
	}
	fmt.Fprintf(&b, "This is round %d of %d. ", state.Round, state.RoundLimit)
	b.WriteString(`Reply with a single JSON object: {"message": string, "proposed_price": number, "accept": bool, "reject": bool, "reason": string}.`)
	return b.String()
}

func userPrompt(state strategy.State) string {
	if len(state.History) == 0 {
		return "No offers yet. Make your opening offer."
	}
	var b strings.Builder
	b.WriteString("Negotiation so far:\n")
	for _, r := range state.History {
		fmt.Fprintf(&b, "round %d %s: %s (price %s", r.Number, r.Role, r.Message, r.Price.StringFixed(2))
		if r.Accept {
			b.WriteString(", accepted")
		}
		b.WriteString(")\n")
	}
	b.WriteString("Your move.")
	return b.String()
}

// parseDecision extracts the first JSON object from raw, tolerating code
// fences and surrounding prose.
func parseDecision(raw string) (decision, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return decision{}, errNoJSON
	}
	var d decision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &d); err != nil {
		return decision{}, fmt.Errorf("decode model decision: %w", err)
	}
	return d, nil
}
