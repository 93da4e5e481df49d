package messaging

import (
	"context"

	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

// MessageStore persists chat messages and read receipts. The router calls it
// fire-and-forget: a store failure is logged, never surfaced to the sender,
// and never blocks delivery.
type MessageStore interface {
	// SaveMessage persists a chat message envelope keyed by its messageId.
	SaveMessage(ctx context.Context, env *wire.Envelope) error

	// MarkRead records that readerID has read the message.
	MarkRead(ctx context.Context, messageID, readerID string) error
}

// PresenceStore tracks which users currently hold a live connection. It is
// mutated only by connect/disconnect events.
type PresenceStore interface {
	// SetOnline marks the user online and records the owning session.
	SetOnline(ctx context.Context, userID string, info ConnectionInfo) error

	// SetOffline flips the user to offline, stamping lastSeen.
	SetOffline(ctx context.Context, userID string) error

	// Get returns the user's presence. Users never seen before report
	// offline with a zero lastSeen.
	Get(ctx context.Context, userID string) (Presence, error)
}

// ServiceDependencies is the container of external collaborators handed to
// the service wrapper at startup.
type ServiceDependencies struct {
	MessageStore  MessageStore
	PresenceStore PresenceStore
}
