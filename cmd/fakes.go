package cmd

import (
	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/internal/test/fakes"
	"github.com/azimoto99/go-messaging-service/pkg/messaging"
)

// NewFakeDependencies creates in-memory fakes for local development.
func NewFakeDependencies(logger zerolog.Logger) *messaging.ServiceDependencies {
	return &messaging.ServiceDependencies{
		MessageStore:  fakes.NewMessageStore(logger),
		PresenceStore: fakes.NewPresenceStore(logger),
	}
}
