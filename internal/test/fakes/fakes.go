// Package fakes provides in-memory test doubles (fakes) for the service's
// storage dependencies. These are used in the cmd local entrypoint and in
// integration tests.
package fakes

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/pkg/messaging"
	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

// --- Message store ---

// MessageStore keeps saved messages in a map keyed by messageId.
type MessageStore struct {
	logger zerolog.Logger

	mu       sync.Mutex
	messages map[string]*wire.Envelope
	readBy   map[string]string
}

func NewMessageStore(logger zerolog.Logger) *MessageStore {
	return &MessageStore{
		logger:   logger.With().Str("component", "FakeMessageStore").Logger(),
		messages: make(map[string]*wire.Envelope),
		readBy:   make(map[string]string),
	}
}

func (m *MessageStore) SaveMessage(_ context.Context, env *wire.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[env.MessageID] = env
	m.logger.Debug().Str("message_id", env.MessageID).Msg("Saved message.")
	return nil
}

func (m *MessageStore) MarkRead(_ context.Context, messageID, readerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBy[messageID] = readerID
	return nil
}

// Saved returns a copy of everything stored so far.
func (m *MessageStore) Saved() []*wire.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*wire.Envelope, 0, len(m.messages))
	for _, env := range m.messages {
		out = append(out, env)
	}
	return out
}

// ReadBy returns who marked the message read, if anyone.
func (m *MessageStore) ReadBy(messageID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reader, ok := m.readBy[messageID]
	return reader, ok
}

// --- Presence store ---

// PresenceStore keeps presence in a map.
type PresenceStore struct {
	logger zerolog.Logger

	mu    sync.Mutex
	state map[string]messaging.Presence
}

func NewPresenceStore(logger zerolog.Logger) *PresenceStore {
	return &PresenceStore{
		logger: logger.With().Str("component", "FakePresenceStore").Logger(),
		state:  make(map[string]messaging.Presence),
	}
}

func (p *PresenceStore) SetOnline(_ context.Context, userID string, _ messaging.ConnectionInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[userID] = messaging.Presence{Status: messaging.StatusOnline, LastSeen: time.Now()}
	return nil
}

func (p *PresenceStore) SetOffline(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[userID] = messaging.Presence{Status: messaging.StatusOffline, LastSeen: time.Now()}
	return nil
}

func (p *PresenceStore) Get(_ context.Context, userID string) (messaging.Presence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.state[userID]
	if !ok {
		return messaging.Presence{Status: messaging.StatusOffline}, nil
	}
	return pr, nil
}
