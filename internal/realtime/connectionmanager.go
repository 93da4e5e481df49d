// Package realtime owns the WebSocket surface of the service: the HTTP
// server, the per-socket authenticate handshake, the session pumps and the
// hub that fans envelopes out to a user's live sessions.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/internal/router"
	"github.com/azimoto99/go-messaging-service/pkg/messaging"
	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

// handshakeWait bounds how long a freshly upgraded socket may take to send
// its authenticate envelope.
const handshakeWait = 10 * time.Second

// PresenceTracker is the registry surface the connection manager drives on
// connect and disconnect.
type PresenceTracker interface {
	Connected(ctx context.Context, userID string, info messaging.ConnectionInfo)
	Disconnected(ctx context.Context, userID string)
}

// EnvelopeRouter dispatches one inbound envelope from a session.
type EnvelopeRouter interface {
	Route(ctx context.Context, sess router.Session, env *wire.Envelope)
}

// ConnectionManager manages all active WebSocket connections. It runs its own
// dedicated HTTP server.
type ConnectionManager struct {
	server   *http.Server
	upgrader websocket.Upgrader
	hub      *Hub
	registry PresenceTracker
	router   EnvelopeRouter
	logger   zerolog.Logger

	instanceID string
	listener   net.Listener
	ready      chan struct{}
}

// NewConnectionManager creates and wires up a new WebSocket connection
// manager listening on the given port.
func NewConnectionManager(
	port string,
	authMiddleware func(http.Handler) http.Handler,
	hub *Hub,
	registry PresenceTracker,
	envRouter EnvelopeRouter,
	logger zerolog.Logger,
) *ConnectionManager {
	instanceID := uuid.NewString()
	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict to the marketplace web origins.
				return true
			},
		},
		hub:        hub,
		registry:   registry,
		router:     envRouter,
		logger:     logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger(),
		instanceID: instanceID,
		ready:      make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", authMiddleware(http.HandlerFunc(cm.connectHandler)))
	cm.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}
	return cm
}

// Start binds the listener and serves until Shutdown. Ready() closes once the
// listener is accepting.
func (cm *ConnectionManager) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", cm.server.Addr)
	if err != nil {
		return fmt.Errorf("websocket server failed to listen on %s: %w", cm.server.Addr, err)
	}
	cm.listener = listener
	close(cm.ready)

	cm.logger.Info().Str("addr", listener.Addr().String()).Msg("WebSocket server starting...")
	if err := cm.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// Ready is closed once the listener is bound; Addr is valid after that.
func (cm *ConnectionManager) Ready() <-chan struct{} { return cm.ready }

// Addr returns the bound listener address.
func (cm *ConnectionManager) Addr() net.Addr {
	if cm.listener == nil {
		return nil
	}
	return cm.listener.Addr()
}

// Shutdown gracefully stops the HTTP server. Open sessions are closed by the
// server teardown; their read pumps run the usual disconnect cleanup.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")
	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		return err
	}
	cm.logger.Info().Msg("WebSocket service shut down.")
	return nil
}

// connectHandler upgrades a new HTTP request to a WebSocket, runs the
// authenticate handshake and owns the session's lifecycle.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	authedUserID, ok := UserIDFromContext(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		return
	}

	sess, err := cm.handshake(ws, authedUserID)
	if err != nil {
		cm.logger.Warn().Err(err).Str("user", authedUserID).Msg("Handshake failed.")
		_ = ws.Close()
		return
	}

	cm.hub.register(sess)
	cm.registry.Connected(r.Context(), sess.userID, messaging.ConnectionInfo{
		ConnectionID:     sess.id,
		ServerInstanceID: cm.instanceID,
		ConnectedAt:      time.Now().Unix(),
	})
	cm.logger.Info().Str("user", sess.userID).Str("connection", sess.id).Msg("User connected via WebSocket.")

	go sess.writePump()
	sess.readPump(context.Background(), func(ctx context.Context, s *session, env *wire.Envelope) {
		cm.router.Route(ctx, s, env)
	})

	// Read pump returned: the socket is gone.
	remaining := cm.hub.unregister(sess)
	if remaining == 0 {
		cm.registry.Disconnected(context.Background(), sess.userID)
	}
	cm.logger.Info().Str("user", sess.userID).Str("connection", sess.id).Int("remaining_sessions", remaining).Msg("User disconnected.")
}

// handshake reads the authenticate envelope, checks it against the identity
// the middleware established, and acknowledges with authenticated plus
// connection_ack.
func (cm *ConnectionManager) handshake(ws *websocket.Conn, authedUserID string) (*session, error) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeWait))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("failed to read authenticate envelope: %w", err)
	}
	env, err := wire.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("malformed authenticate envelope: %w", err)
	}
	if env.Type != wire.TypeAuthenticate {
		cm.rejectHandshake(ws, "expected an authenticate envelope")
		return nil, fmt.Errorf("first envelope was %q, not authenticate", env.Type)
	}
	if env.UserID != authedUserID {
		cm.rejectHandshake(ws, "authenticate userId does not match the presented credentials")
		return nil, fmt.Errorf("authenticate claimed %q but credentials are for %q", env.UserID, authedUserID)
	}
	_ = ws.SetReadDeadline(time.Time{})

	connectionID := uuid.NewString()
	for _, ack := range []*wire.Envelope{
		{Type: wire.TypeAuthenticated, UserID: authedUserID, ConnectionID: connectionID},
		{Type: wire.TypeConnectionAck, ConnectionID: connectionID},
	} {
		frame, err := wire.Encode(ack)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s envelope: %w", ack.Type, err)
		}
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return nil, fmt.Errorf("failed to write %s envelope: %w", ack.Type, err)
		}
	}

	return newSession(connectionID, authedUserID, ws, cm.logger), nil
}

func (cm *ConnectionManager) rejectHandshake(ws *websocket.Conn, reason string) {
	frame, err := wire.Encode(&wire.Envelope{Type: wire.TypeError, Error: reason})
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

// Handler exposes the full HTTP handler, mainly so tests can mount the
// manager on an httptest server instead of a real port.
func (cm *ConnectionManager) Handler() http.Handler {
	return cm.server.Handler
}
