package realtime

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

// Hub indexes live sessions by user ID. A user may hold several sessions at
// once, one per device; fan-out addresses the user and reaches all of them.
type Hub struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
}

// NewHub creates an empty session index.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:   logger.With().Str("component", "Hub").Logger(),
		sessions: make(map[string]map[*session]struct{}),
	}
}

// SendToUser delivers the envelope to every live session of the user and
// returns how many accepted it. A session whose outbound buffer is full is a
// slow consumer: it is dropped with a policy-violation close rather than
// allowed to stall the broadcast.
func (h *Hub) SendToUser(userID string, env *wire.Envelope) int {
	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions[userID]))
	for s := range h.sessions[userID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Deliver(env) {
			delivered++
			continue
		}
		h.logger.Warn().Str("user", userID).Str("connection", s.ConnectionID()).Msg("Dropping slow consumer session")
		s.closeSlow()
	}
	return delivered
}

// register adds a session to the user's set.
func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.userID] == nil {
		h.sessions[s.userID] = make(map[*session]struct{})
	}
	h.sessions[s.userID][s] = struct{}{}
}

// unregister removes the session and reports how many sessions the user has
// left, so the caller knows when the user has fully gone offline.
func (h *Hub) unregister(s *session) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[s.userID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, s.userID)
		return 0
	}
	return len(set)
}

// SessionCount returns the user's live session count.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}
