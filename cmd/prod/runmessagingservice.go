package main

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/firestore"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/azimoto99/go-messaging-service/cmd"
	"github.com/azimoto99/go-messaging-service/internal/app"
	"github.com/azimoto99/go-messaging-service/internal/platform/persistence"
	"github.com/azimoto99/go-messaging-service/internal/platform/presence"
	"github.com/azimoto99/go-messaging-service/internal/realtime"
	"github.com/azimoto99/go-messaging-service/messagingservice"
	"github.com/azimoto99/go-messaging-service/messagingservice/config"
	"github.com/azimoto99/go-messaging-service/pkg/messaging"
)

func main() {
	// 1. Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.With().Str("service", "go-messaging-service").Logger()

	// 2. Load the embedded config.yaml and apply env overrides
	baseCfg, err := cmd.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration")
	}

	// 3. Create dependencies
	ctx := context.Background()
	deps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}

	// 4. Create the authentication middleware
	authMiddleware := newAuthMiddleware(cfg, logger)

	// 5. Create the service
	service, err := messagingservice.New(
		cfg,
		deps,
		authMiddleware,
		logger.With().Str("component", "MessagingService").Logger(),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create messaging service")
	}

	// 6. Run the application
	app.Run(ctx, logger, service)
}

// newAuthMiddleware builds the request authenticator. Identity issuance is
// external; tokens from the config are the pluggable stand-in.
func newAuthMiddleware(cfg *config.AppConfig, logger zerolog.Logger) func(http.Handler) http.Handler {
	if cfg.RunMode == config.RunModeLocal {
		logger.Warn().Msg("Running with no-op auth. Local mode only.")
		return realtime.NoopAuthMiddleware()
	}
	return realtime.AuthMiddleware(realtime.NewStaticTokenValidator(cfg.Auth.Tokens))
}

// newDependencies builds the service dependency container.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*messaging.ServiceDependencies, error) {
	if cfg.RunMode == config.RunModeLocal {
		logger.Warn().Msg("Running in 'local' mode. All external dependencies will be faked.")
		return cmd.NewFakeDependencies(logger), nil
	}
	return newProdDependencies(ctx, cfg, logger)
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*messaging.ServiceDependencies, error) {
	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to firestore: %w", err)
	}

	messageStore, err := persistence.NewFirestoreMessageStore(fsClient, cfg.MessagesCollection, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create message store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Presence.Redis.Addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Presence.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Presence.Redis.Addr).Msg("Connected to Redis")

	presenceStore, err := presence.NewRedisPresenceStore(rdb, cfg.PresenceOnlineTTL, cfg.PresenceOfflineTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence store: %w", err)
	}

	return &messaging.ServiceDependencies{
		MessageStore:  messageStore,
		PresenceStore: presenceStore,
	}, nil
}
