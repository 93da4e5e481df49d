// Package messagingservice wires the realtime messaging stack together: the
// room registry, the message router and the WebSocket connection manager,
// over whatever storage the caller supplies.
package messagingservice

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/internal/realtime"
	"github.com/azimoto99/go-messaging-service/internal/rooms"
	"github.com/azimoto99/go-messaging-service/internal/router"
	"github.com/azimoto99/go-messaging-service/messagingservice/config"
	"github.com/azimoto99/go-messaging-service/pkg/messaging"
)

// Wrapper owns the assembled service and its WebSocket server.
type Wrapper struct {
	connectionManager *realtime.ConnectionManager
	registry          *rooms.Registry
	hub               *realtime.Hub
	logger            zerolog.Logger
}

// New creates and wires up the entire messaging service.
func New(
	cfg *config.AppConfig,
	dependencies *messaging.ServiceDependencies,
	authMiddleware func(http.Handler) http.Handler,
	logger zerolog.Logger,
) (*Wrapper, error) {
	if dependencies == nil || dependencies.MessageStore == nil || dependencies.PresenceStore == nil {
		return nil, fmt.Errorf("message and presence stores are required")
	}

	hub := realtime.NewHub(logger)
	registry := rooms.NewRegistry(dependencies.PresenceStore, hub, cfg.TypingTTL, logger)
	envRouter := router.New(registry, hub, dependencies.MessageStore, logger)
	connectionManager := realtime.NewConnectionManager(
		cfg.WebSocketPort,
		authMiddleware,
		hub,
		registry,
		envRouter,
		logger,
	)

	return &Wrapper{
		connectionManager: connectionManager,
		registry:          registry,
		hub:               hub,
		logger:            logger,
	}, nil
}

// Start runs the WebSocket server and blocks until it stops. It returns an
// error if the listener cannot bind; once Ready() fires the service is
// accepting connections.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info().Msg("Messaging service starting...")

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- w.connectionManager.Start(ctx)
	}()

	select {
	case <-w.connectionManager.Ready():
		w.logger.Info().Str("addr", w.connectionManager.Addr().String()).Msg("Service is now ready.")
	case err := <-serverErrChan:
		return fmt.Errorf("websocket server failed to start: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := <-serverErrChan; err != nil {
		return err
	}
	return nil
}

// Ready is closed once the listener is accepting connections.
func (w *Wrapper) Ready() <-chan struct{} { return w.connectionManager.Ready() }

// Addr returns the bound listener address, valid after Ready.
func (w *Wrapper) Addr() net.Addr { return w.connectionManager.Addr() }

// Registry exposes room and presence state, mainly for tests and admin
// surfaces.
func (w *Wrapper) Registry() *rooms.Registry { return w.registry }

// Shutdown gracefully stops all service components.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	if err := w.connectionManager.Shutdown(ctx); err != nil {
		return err
	}
	w.logger.Info().Msg("All components shut down.")
	return nil
}
