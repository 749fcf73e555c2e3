// Package stream broadcasts negotiation progress to WebSocket clients
// watching a session group.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/dealbroker/internal/domain"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

// Event is one message sent to watchers.
type Event struct {
	Type       string   `json:"type"`
	SessionID  string   `json:"session_id"`
	GroupID    string   `json:"session_group_id"`
	Round      *Round   `json:"round,omitempty"`
	Status     string   `json:"status,omitempty"`
	Reason     string   `json:"reason,omitempty"`
	FinalPrice *float64 `json:"final_price,omitempty"`
	OverBudget bool     `json:"over_budget,omitempty"`
}

// Round is the wire shape of a transcript entry.
type Round struct {
	Number        int     `json:"round"`
	Sender        string  `json:"sender"`
	Receiver      string  `json:"receiver"`
	Role          string  `json:"role"`
	Message       string  `json:"message"`
	ProposedPrice float64 `json:"proposed_price"`
	Accept        bool    `json:"accept"`
	Reject        bool    `json:"reject,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

type subscriber struct {
	ch   chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub fans session events out to subscribers of the session's group.
// It satisfies negotiation.Observer.
type Hub struct {
	mu            sync.RWMutex
	groups        map[string]map[*subscriber]struct{}
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewHub creates a hub. allowedOrigin restricts WebSocket upgrades unless
// isDev is set.
func NewHub(allowedOrigin string, isDev bool, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		groups:        make(map[string]map[*subscriber]struct{}),
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// Subscribe registers for events of group. The returned channel is closed
// by cancel or when the subscriber falls too far behind.
func (h *Hub) Subscribe(group string) (<-chan []byte, func()) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	if h.groups[group] == nil {
		h.groups[group] = make(map[*subscriber]struct{})
	}
	h.groups[group][sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() { h.remove(group, sub) }
}

func (h *Hub) remove(group string, sub *subscriber) {
	h.mu.Lock()
	if subs, ok := h.groups[group]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.groups, group)
		}
	}
	h.mu.Unlock()
	sub.close()
}

// Subscribers returns the number of subscribers of group.
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// RoundAppended publishes a persisted round.
func (h *Hub) RoundAppended(s *domain.Session, r domain.Round) {
	h.publish(s.GroupID, Event{
		Type:      "round",
		SessionID: s.ID,
		GroupID:   s.GroupID,
		Round: &Round{
			Number:        r.Number,
			Sender:        r.SenderRef,
			Receiver:      r.ReceiverRef,
			Role:          string(r.Role),
			Message:       r.Message,
			ProposedPrice: r.Price.InexactFloat64(),
			Accept:        r.Accept,
			Reject:        r.Reject,
			Reason:        r.Reason,
		},
	})
}

// SessionClosed publishes a session's terminal state.
func (h *Hub) SessionClosed(s *domain.Session) {
	ev := Event{
		Type:       "closed",
		SessionID:  s.ID,
		GroupID:    s.GroupID,
		Status:     string(s.Status),
		Reason:     s.Reason,
		OverBudget: s.OverBudget,
	}
	if s.FinalPrice != nil {
		f := s.FinalPrice.InexactFloat64()
		ev.FinalPrice = &f
	}
	h.publish(s.GroupID, ev)
}

func (h *Hub) publish(group string, ev Event) {
	if group == "" {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("Failed to encode stream event", "error", err, "session_id", ev.SessionID)
		return
	}

	var slow []*subscriber
	h.mu.RLock()
	for sub := range h.groups[group] {
		select {
		case sub.ch <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("Dropping slow stream subscriber", "group", group)
		h.remove(group, sub)
	}
}

type clientMessage struct {
	Type string `json:"type"`
}

// ServeHTTP upgrades to a WebSocket streaming events of {group}.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	if group == "" {
		http.Error(w, "group is required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "group", group)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "group", group)
		}
	}()

	events, cancelSub := h.Subscribe(group)
	defer cancelSub()
	h.logger.Info("Stream subscriber connected", "group", group, "ip", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		h.readLoop(ctx, ws, group)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-events:
			if !ok {
				return
			}
			if err := h.write(ctx, ws, data); err != nil {
				h.logger.Debug("Stream write error", "error", err, "group", group)
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, ws *websocket.Conn, group string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("Stream closed by client", "group", group)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := h.write(ctx, ws, []byte(`{"type":"pong"}`)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, ws *websocket.Conn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
