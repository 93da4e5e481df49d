package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Run modes the service understands.
const (
	RunModeLocal = "local"
	RunModeProd  = "prod"
)

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and finalized
// by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID          string
	RunMode            string
	WebSocketPort      string
	MessagesCollection string
	TypingTTL          time.Duration
	Presence           YamlPresenceConfig
	PresenceOnlineTTL  time.Duration
	PresenceOfflineTTL time.Duration
	Auth               YamlAuthConfig
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from
// YAML) and completes it by applying environment variables and final
// validation. This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		logger.Debug().Str("key", "GCP_PROJECT_ID").Str("source", "env").Msg("Overriding config value")
		cfg.ProjectID = projectID
	}
	if port := os.Getenv("WEBSOCKET_PORT"); port != "" {
		logger.Debug().Str("key", "WEBSOCKET_PORT").Str("source", "env").Msg("Overriding config value")
		cfg.WebSocketPort = port
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Debug().Str("key", "REDIS_ADDR").Str("source", "env").Msg("Overriding config value")
		cfg.Presence.Redis.Addr = redisAddr
	}
	if runMode := os.Getenv("RUN_MODE"); runMode != "" {
		logger.Debug().Str("key", "RUN_MODE").Str("source", "env").Msg("Overriding config value")
		cfg.RunMode = runMode
	}

	if cfg.WebSocketPort == "" {
		logger.Error().Str("error", "WEBSOCKET_PORT is not set").Msg("Final config validation failed")
		return nil, fmt.Errorf("WEBSOCKET_PORT is not set in config or env var")
	}
	if cfg.RunMode != RunModeLocal && cfg.RunMode != RunModeProd {
		return nil, fmt.Errorf("run_mode must be %q or %q, got %q", RunModeLocal, RunModeProd, cfg.RunMode)
	}
	if cfg.RunMode == RunModeProd {
		if cfg.ProjectID == "" {
			logger.Error().Str("error", "GCP_PROJECT_ID is not set").Msg("Final config validation failed")
			return nil, fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
		}
		if cfg.Presence.Redis.Addr == "" {
			logger.Error().Str("error", "REDIS_ADDR is not set").Msg("Final config validation failed")
			return nil, fmt.Errorf("REDIS_ADDR is not set in config or env var")
		}
		if cfg.MessagesCollection == "" {
			return nil, fmt.Errorf("messages_collection is not set")
		}
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

func parseOptionalDuration(raw, key string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration %q: %w", key, raw, err)
	}
	return d, nil
}
