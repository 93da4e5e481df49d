// Local development entrypoint: in-memory stores, no-op auth.
package main

import (
	"context"
	_ "embed"
	"os"

	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/cmd"
	"github.com/azimoto99/go-messaging-service/internal/app"
	"github.com/azimoto99/go-messaging-service/internal/realtime"
	"github.com/azimoto99/go-messaging-service/messagingservice"
	"github.com/azimoto99/go-messaging-service/messagingservice/config"
	"gopkg.in/yaml.v3"
)

//go:embed config.yaml
var configFile []byte

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && parsed != zerolog.NoLevel {
		level = parsed
	}
	logger := zerolog.New(os.Stdout).Level(level).With().
		Timestamp().
		Str("service", "go-messaging-service").
		Logger()

	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to unmarshal embedded yaml config")
	}
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build base configuration from YAML")
	}
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration")
	}

	logger.Warn().Msg("Running in 'local' mode. All external dependencies are faked.")
	deps := cmd.NewFakeDependencies(logger)

	service, err := messagingservice.New(
		cfg,
		deps,
		realtime.NoopAuthMiddleware(),
		logger.With().Str("component", "MessagingService").Logger(),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create messaging service")
	}

	app.Run(context.Background(), logger, service)
}
