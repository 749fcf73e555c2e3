package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/dealbroker/internal/orchestrator"
	"github.com/go-chi/chi/v5"
)

// IdempotencyHeader carries the client key that makes POST /negotiate safe
// to retry.
const IdempotencyHeader = "Idempotency-Key"

// ReplayedHeader is set on responses served from a previous request.
const ReplayedHeader = "Idempotent-Replayed"

// RegisterRoutes registers negotiation routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/negotiate", h.Negotiate)
	r.Route("/api", func(r chi.Router) {
		r.Get("/negotiations/{id}", h.GetNegotiation)
		r.Post("/negotiations/{id}/settle", h.SettleNegotiation)
		r.Get("/groups/{group}/negotiations", h.ListGroup)
		r.Get("/agents/{id}/negotiations", h.ListAgent)
	})
}

// Negotiate runs a negotiation and settles it unless dry_run is set.
func (h *Handler) Negotiate(w http.ResponseWriter, r *http.Request) {
	var body NegotiateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := orchestrator.Request{
		BuyerRef:       body.BuyerAgentID,
		SellerRef:      body.SellerAgentID,
		ItemRef:        body.ItemID,
		Budget:         body.Budget,
		DryRun:         body.DryRun,
		SessionGroupID: strings.TrimSpace(body.SessionGroupID),
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	}
	if body.RoundLimit != nil {
		if *body.RoundLimit < 1 {
			JSON(w, http.StatusBadRequest, map[string]string{
				"error": "round_limit: must be at least 1",
				"field": "round_limit",
			})
			return
		}
		req.RoundLimit = *body.RoundLimit
	}

	if buyer := strings.TrimSpace(req.BuyerRef); buyer != "" && !h.limiter.Allow(buyer) {
		retry := int(math.Ceil(h.limiter.RetryAfter(buyer).Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		h.logger.Warn("Rate limit exceeded", "buyer", buyer)
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	res, err := h.orch.NegotiateAndSettle(r.Context(), req)
	if err != nil {
		h.fail(w, r, "negotiate", err)
		return
	}
	if res.Replayed {
		w.Header().Set(ReplayedHeader, "true")
	}
	JSON(w, http.StatusOK, responseOf(res))
}

// GetNegotiation returns a session with its transcript and settlement.
func (h *Handler) GetNegotiation(w http.ResponseWriter, r *http.Request) {
	res, err := h.orch.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "get negotiation", err)
		return
	}
	JSON(w, http.StatusOK, responseOf(res))
}

// SettleNegotiation settles a session previously agreed in a dry run.
func (h *Handler) SettleNegotiation(w http.ResponseWriter, r *http.Request) {
	res, err := h.orch.SettleSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "settle negotiation", err)
		return
	}
	JSON(w, http.StatusOK, responseOf(res))
}

// ListGroup lists the sessions of a shopping flow.
func (h *Handler) ListGroup(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.orch.ListByGroup(r.Context(), chi.URLParam(r, "group"))
	if err != nil {
		h.fail(w, r, "list group", err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"negotiations": summariesOf(sessions)})
}

// ListAgent lists recent sessions of an agent.
func (h *Handler) ListAgent(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			JSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit: must be a non-negative integer",
				"field": "limit",
			})
			return
		}
		limit = n
	}
	sessions, err := h.orch.ListByAgent(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.fail(w, r, "list agent", err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"negotiations": summariesOf(sessions)})
}
