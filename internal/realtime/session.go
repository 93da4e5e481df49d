package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
	// pongWait is how long a session may go silent before its socket is
	// considered dead; pings go out at pingPeriod to keep honest clients
	// inside the window.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize caps an inbound frame.
	maxMessageSize = 64 * 1024
	// sendBufferSize is the per-session outbound buffer. A full buffer
	// marks the session as a slow consumer.
	sendBufferSize = 64
)

// session is one authenticated WebSocket connection. The read pump feeds the
// router; the write pump drains the outbound buffer. All writes to the socket
// happen on the write pump goroutine.
type session struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan *wire.Envelope
	logger zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id, userID string, ws *websocket.Conn, logger zerolog.Logger) *session {
	return &session{
		id:     id,
		userID: userID,
		ws:     ws,
		send:   make(chan *wire.Envelope, sendBufferSize),
		logger: logger.With().Str("connection", id).Str("user", userID).Logger(),
		done:   make(chan struct{}),
	}
}

// UserID returns the authenticated identity bound to this session.
func (s *session) UserID() string { return s.userID }

// ConnectionID returns the session's server-assigned connection ID.
func (s *session) ConnectionID() string { return s.id }

// Deliver queues an envelope for the write pump without blocking. It returns
// false when the buffer is full or the session is closing.
func (s *session) Deliver(env *wire.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

// closeSlow tears the session down with a policy-violation close code. The
// read pump observes the closed socket and runs the normal disconnect path.
func (s *session) closeSlow() {
	s.shutdown(websocket.ClosePolicyViolation, "outbound buffer overflow")
}

func (s *session) shutdown(closeCode int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		msg := websocket.FormatCloseMessage(closeCode, reason)
		if err := s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
			s.logger.Debug().Err(err).Msg("Failed to write close frame")
		}
		_ = s.ws.Close()
	})
}

// writePump serializes all socket writes and keeps the connection alive with
// periodic pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-s.send:
			data, err := wire.Encode(env)
			if err != nil {
				s.logger.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to encode outbound envelope")
				continue
			}
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.shutdown(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.shutdown(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump decodes inbound frames and hands them to the router. It returns
// when the socket dies or the client closes, which drives the disconnect
// cleanup in the connection manager.
func (s *session) readPump(ctx context.Context, route func(ctx context.Context, s *session, env *wire.Envelope)) {
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("Session read failed")
			}
			s.shutdown(websocket.CloseNormalClosure, "")
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))

		env, err := wire.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Dropping malformed envelope")
			s.Deliver(&wire.Envelope{
				Type:      wire.TypeError,
				Error:     err.Error(),
				Timestamp: time.Now().UnixMilli(),
			})
			continue
		}
		route(ctx, s, env)
	}
}
