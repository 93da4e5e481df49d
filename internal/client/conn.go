// Package client implements the managed, self-healing client connection: a
// single state machine composing the circuit breaker, the reconnection
// scheduler, the outbound queue and the heartbeat monitor around one
// websocket session.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected   State = "disconnected"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateCircuitOpen    State = "circuit_open"
)

// SendResult tells the caller what happened to an envelope handed to Send.
type SendResult int

const (
	// SendFailed means the envelope was neither written nor buffered.
	SendFailed SendResult = iota
	// SendSent means the envelope was written to the open transport.
	SendSent
	// SendQueued means the envelope was buffered for the next flush. This
	// is a success, not a failure.
	SendQueued
)

// Options configures a Conn. Zero values take the defaults below.
type Options struct {
	DialTimeout          time.Duration
	HeartbeatInterval    time.Duration
	HeartbeatAckWait     time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	MaxReconnectAttempts int
	QueueCapacity        int
	BreakerThreshold     int
	BreakerCooldown      time.Duration
}

func (o *Options) defaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.HeartbeatAckWait == 0 {
		o.HeartbeatAckWait = 10 * time.Second
	}
	if o.BackoffBase == 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap == 0 {
		o.BackoffCap = 30 * time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.QueueCapacity == 0 {
		o.QueueCapacity = 512
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = 3
	}
	if o.BreakerCooldown == 0 {
		o.BreakerCooldown = 60 * time.Second
	}
}

// EnvelopeHandler receives every decoded, recognized inbound envelope.
type EnvelopeHandler func(*wire.Envelope)

// StateHandler observes lifecycle transitions.
type StateHandler func(State)

// ErrorHandler receives non-fatal errors: protocol error envelopes, heartbeat
// timeouts, retry exhaustion.
type ErrorHandler func(error)

// Conn is one logical client session. All state transitions, sends and timer
// firings are serialized under a single mutex, so no two operations ever race
// on the connection's mutable state.
type Conn struct {
	url    string
	userID string
	opts   Options
	dialer *websocket.Dialer
	logger zerolog.Logger

	breaker *CircuitBreaker
	backoff *reconnector
	queue   *sendQueue
	hb      *heartbeatMonitor

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	connectionID   string
	intentional    bool
	foreground     bool
	reconnectTimer *time.Timer

	// writeMu serializes frame writes; gorilla connections allow one
	// concurrent writer.
	writeMu sync.Mutex

	// flushMu orders direct sends against queue flushes: a flush owns the
	// transport until the queue is drained, so a fresh send can never
	// overtake envelopes queued before it.
	flushMu sync.Mutex

	handlerMu  sync.RWMutex
	onEnvelope []EnvelopeHandler
	onState    []StateHandler
	onError    []ErrorHandler
}

// New creates a connection for an already-authenticated user identity.
// Identity issuance happens elsewhere; the connection only presents it.
func New(url, userID string, opts Options, logger zerolog.Logger) *Conn {
	opts.defaults()
	c := &Conn{
		url:        url,
		userID:     userID,
		opts:       opts,
		dialer:     &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		logger:     logger.With().Str("component", "Conn").Str("user", userID).Logger(),
		breaker:    NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
		backoff:    newReconnector(opts.BackoffBase, opts.BackoffCap, opts.MaxReconnectAttempts),
		queue:      newSendQueue(opts.QueueCapacity),
		state:      StateDisconnected,
		foreground: true,
	}
	c.hb = newHeartbeatMonitor(opts.HeartbeatInterval, opts.HeartbeatAckWait, c.sendHeartbeat, c.heartbeatTimedOut)
	return c
}

// OnEnvelope registers a handler for inbound envelopes. Handlers run on the
// read loop, one envelope at a time.
func (c *Conn) OnEnvelope(h EnvelopeHandler) {
	c.handlerMu.Lock()
	c.onEnvelope = append(c.onEnvelope, h)
	c.handlerMu.Unlock()
}

// OnStateChange registers a handler for lifecycle transitions.
func (c *Conn) OnStateChange(h StateHandler) {
	c.handlerMu.Lock()
	c.onState = append(c.onState, h)
	c.handlerMu.Unlock()
}

// OnError registers a handler for non-fatal errors.
func (c *Conn) OnError(h ErrorHandler) {
	c.handlerMu.Lock()
	c.onError = append(c.onError, h)
	c.handlerMu.Unlock()
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID returns the server-assigned session ID, empty until the first
// successful authentication.
func (c *Conn) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// QueuedCount returns the number of envelopes waiting for the next flush.
func (c *Conn) QueuedCount() int {
	return c.queue.len()
}

// ReconnectAttempts returns the retries consumed since the last
// authenticated success.
func (c *Conn) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backoff.attempts()
}

// SetForeground tells the connection whether the host process is in an
// active state. While backgrounded, due retries re-arm instead of dialing;
// regaining the foreground lets the next timer fire proceed.
func (c *Conn) SetForeground(active bool) {
	c.mu.Lock()
	c.foreground = active
	c.mu.Unlock()
}

// Connect opens the transport and suspends the caller until the session is
// authenticated, the attempt times out, or the circuit breaker refuses it.
// A no-op when already connecting or connected.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateConnecting, StateAuthenticating, StateConnected:
		c.mu.Unlock()
		return nil
	}
	if !c.breaker.Allow() {
		c.mu.Unlock()
		return ErrCircuitOpen
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.intentional = false
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	return c.dial(ctx)
}

// dial opens the socket and runs the authenticate handshake. The caller has
// already moved the state to Connecting.
func (c *Conn) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	ws, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Dial failed")
		c.attemptFailed()
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		_ = ws.Close()
		c.breaker.releaseProbe()
		return nil
	}
	c.ws = ws
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	if err = c.writeEnvelope(ws, &wire.Envelope{Type: wire.TypeAuthenticate, UserID: c.userID}); err != nil {
		c.teardownSocket(ws)
		c.attemptFailed()
		return fmt.Errorf("send authenticate: %w", err)
	}

	// The handshake reads inline so Connect can report the outcome; the
	// read loop takes over afterwards.
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.DialTimeout))
	for {
		_, data, readErr := ws.ReadMessage()
		if readErr != nil {
			c.teardownSocket(ws)
			c.attemptFailed()
			return fmt.Errorf("await authenticated: %w", readErr)
		}
		env, decErr := wire.Decode(data)
		if decErr != nil {
			c.logger.Debug().Err(decErr).Msg("Dropping malformed envelope during handshake")
			continue
		}

		switch env.Type {
		case wire.TypeAuthenticated:
			c.becomeConnected(ws, env)
			return nil
		case wire.TypeError:
			// The server refused the identity. Terminal: no retry
			// reuses a rejected identity, and the attempt is not a
			// transport fault, so the probe is handed back unresolved.
			c.teardownSocket(ws)
			c.breaker.releaseProbe()
			c.mu.Lock()
			c.setStateLocked(StateDisconnected)
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAuthRejected, env.Error)
		default:
			continue
		}
	}
}

// becomeConnected finalizes a successful handshake: counters reset, the
// heartbeat starts and the queue flushes in FIFO order.
func (c *Conn) becomeConnected(ws *websocket.Conn, env *wire.Envelope) {
	_ = ws.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.setStateLocked(StateConnected)
	if env.ConnectionID != "" {
		c.connectionID = env.ConnectionID
	}
	c.backoff.reset()
	c.mu.Unlock()
	c.breaker.Reset()

	c.logger.Info().Str("connection_id", env.ConnectionID).Msg("Session authenticated")

	c.hb.start()
	c.flushQueue(ws)
	go c.readLoop(ws)
}

// Disconnect tears the session down for good: pending timers are cancelled
// atomically with the transition so no stale timer can revive the
// connection, and the outbound queue is discarded.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.hb.stop()
	c.queue.clear()

	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
	}
	c.logger.Info().Msg("Session closed by caller")
}

// Send writes the envelope immediately when connected and nothing queued is
// owed ahead of it, otherwise buffers it. It never blocks on the network
// state; ErrQueueFull is the only failure.
func (c *Conn) Send(env *wire.Envelope) (SendResult, error) {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected && ws != nil
	c.mu.Unlock()

	if connected && c.trySendInOrder(ws, env) {
		return SendSent, nil
	}
	// Either disconnected, queued traffic still pending, or the write
	// failed; the loss of a failed write surfaces through the read loop,
	// so the envelope is kept for the next flush either way.
	if err := c.queue.enqueue(env); err != nil {
		return SendFailed, err
	}
	return SendQueued, nil
}

// trySendInOrder writes the envelope directly only when the queue is empty.
// Holding flushMu means a running flush cannot be overtaken: the check and
// the write are atomic with respect to the drain loop.
func (c *Conn) trySendInOrder(ws *websocket.Conn, env *wire.Envelope) bool {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if c.queue.len() > 0 {
		return false
	}
	return c.writeEnvelope(ws, env) == nil
}

// Thin protocol helpers over Send. Room, typing and read-receipt traffic is
// ordinary envelope traffic; there is exactly one send path.

func (c *Conn) JoinRoom(roomID string) (SendResult, error) {
	return c.Send(&wire.Envelope{Type: wire.TypeJoinRoom, UserID: c.userID, RoomID: roomID})
}

func (c *Conn) LeaveRoom(roomID string) (SendResult, error) {
	return c.Send(&wire.Envelope{Type: wire.TypeLeaveRoom, UserID: c.userID, RoomID: roomID})
}

func (c *Conn) SendMessage(env *wire.Envelope) (SendResult, error) {
	env.Type = wire.TypeSendMessage
	env.SenderID = c.userID
	return c.Send(env)
}

func (c *Conn) MarkRead(messageID, senderID string) (SendResult, error) {
	return c.Send(&wire.Envelope{
		Type:      wire.TypeMarkRead,
		UserID:    c.userID,
		MessageID: messageID,
		SenderID:  senderID,
	})
}

func (c *Conn) Typing(roomID string) (SendResult, error) {
	return c.Send(&wire.Envelope{Type: wire.TypeTyping, UserID: c.userID, RoomID: roomID})
}

func (c *Conn) StopTyping(roomID string) (SendResult, error) {
	return c.Send(&wire.Envelope{Type: wire.TypeStopTyping, UserID: c.userID, RoomID: roomID})
}

// teardownSocket closes a socket whose handshake never completed.
func (c *Conn) teardownSocket(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
}

// flushQueue drains the queue one envelope at a time. A failed write puts
// the envelope back at the front and aborts, preserving order across a
// partial flush.
func (c *Conn) flushQueue(ws *websocket.Conn) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	for {
		env, ok := c.queue.dequeue()
		if !ok {
			return
		}
		if err := c.writeEnvelope(ws, env); err != nil {
			c.queue.requeueFront(env)
			c.logger.Debug().Err(err).Msg("Flush aborted mid-queue")
			return
		}
	}
}

func (c *Conn) writeEnvelope(ws *websocket.Conn, env *wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(ws, err)
			return
		}

		env, decErr := wire.Decode(data)
		if decErr != nil {
			c.logger.Debug().Err(decErr).Msg("Dropping malformed inbound envelope")
			continue
		}
		if !env.Known() {
			// Forward compatibility: unrecognized types produce no
			// state change.
			c.logger.Debug().Str("type", string(env.Type)).Msg("Ignoring unrecognized envelope type")
			continue
		}

		switch env.Type {
		case wire.TypeHeartbeatAck:
			c.hb.ack()
			continue
		case wire.TypeError:
			// Non-fatal protocol error; the connection stays open.
			c.emitError(fmt.Errorf("server error: %s", env.Error))
		}

		c.dispatch(env)
	}
}

// handleReadError classifies a broken read. Normal and going-away closures
// end the session quietly; anything else is an abnormal closure that feeds
// the breaker and the retry schedule.
func (c *Conn) handleReadError(ws *websocket.Conn, err error) {
	c.hb.stop()

	c.mu.Lock()
	if c.ws != ws {
		// A newer session already replaced this socket.
		c.mu.Unlock()
		return
	}
	c.ws = nil
	intentional := c.intentional
	c.mu.Unlock()
	_ = ws.Close()

	if intentional {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return
	}

	c.logger.Warn().Err(err).Msg("Abnormal closure")
	c.attemptFailed()
}

// attemptFailed records a connection failure and decides what happens next:
// circuit-open, retries exhausted, or a scheduled reconnect.
func (c *Conn) attemptFailed() {
	c.breaker.RecordFailure()

	c.mu.Lock()
	c.ws = nil
	if c.intentional {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return
	}
	if c.breaker.Open() {
		c.setStateLocked(StateCircuitOpen)
		c.mu.Unlock()
		c.emitError(ErrCircuitOpen)
		return
	}
	if !c.backoff.shouldRetry() {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		c.emitError(ErrRetriesExhausted)
		return
	}
	delay := c.backoff.next()
	attempt := c.backoff.attempts()
	c.setStateLocked(StateReconnecting)
	c.scheduleRetryLocked(delay)
	c.mu.Unlock()

	c.logger.Info().Dur("delay", delay).Int("attempt", attempt).Msg("Reconnect scheduled")
}

// scheduleRetryLocked arms the reconnect timer. Caller holds c.mu.
func (c *Conn) scheduleRetryLocked(delay time.Duration) {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, c.retryNow)
}

// retryNow fires when the reconnect timer elapses.
func (c *Conn) retryNow() {
	c.mu.Lock()
	if c.intentional || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	if !c.foreground {
		// Backgrounded hosts skip the dial but keep the retry armed, so
		// no attempt is wasted on a suspended process.
		c.scheduleRetryLocked(c.opts.BackoffBase)
		c.mu.Unlock()
		return
	}
	if !c.breaker.Allow() {
		c.setStateLocked(StateCircuitOpen)
		c.mu.Unlock()
		c.emitError(ErrCircuitOpen)
		return
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	_ = c.dial(context.Background())
}

func (c *Conn) sendHeartbeat() error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected || ws == nil {
		return fmt.Errorf("not connected")
	}
	return c.writeEnvelope(ws, &wire.Envelope{Type: wire.TypeHeartbeat, UserID: c.userID})
}

// heartbeatTimedOut closes the socket so the read loop observes an abnormal
// closure and the normal reconnect path takes over.
func (c *Conn) heartbeatTimedOut() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	c.emitError(ErrHeartbeatTimeout)
	if ws != nil {
		_ = ws.Close()
	}
}

func (c *Conn) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.handlerMu.RLock()
	handlers := append([]StateHandler(nil), c.onState...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (c *Conn) dispatch(env *wire.Envelope) {
	c.handlerMu.RLock()
	handlers := append([]EnvelopeHandler(nil), c.onEnvelope...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(env)
	}
}

func (c *Conn) emitError(err error) {
	c.handlerMu.RLock()
	handlers := append([]ErrorHandler(nil), c.onError...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}
