// Package persistence contains components for interacting with data stores.
package persistence

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/pkg/messaging"
	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

// storedMessage is the document shape we keep per chat message.
type storedMessage struct {
	MessageID   string     `firestore:"messageId"`
	SenderID    string     `firestore:"senderId"`
	RecipientID string     `firestore:"recipientId,omitempty"`
	RoomID      string     `firestore:"roomId,omitempty"`
	Content     string     `firestore:"content"`
	SentAt      time.Time  `firestore:"sentAt"`
	Read        bool       `firestore:"read"`
	ReadBy      string     `firestore:"readBy,omitempty"`
	ReadAt      *time.Time `firestore:"readAt,omitempty"`
}

// FirestoreMessageStore implements messaging.MessageStore using Google Cloud
// Firestore. Documents are keyed by messageId so a redelivered save is an
// idempotent overwrite.
type FirestoreMessageStore struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreMessageStore is the constructor for the FirestoreMessageStore.
func NewFirestoreMessageStore(client *firestore.Client, collectionName string, logger zerolog.Logger) (*FirestoreMessageStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if collectionName == "" {
		return nil, fmt.Errorf("collectionName cannot be empty")
	}
	return &FirestoreMessageStore{
		client:         client,
		collectionName: collectionName,
		logger:         logger.With().Str("component", "FirestoreMessageStore").Str("collection", collectionName).Logger(),
	}, nil
}

var _ messaging.MessageStore = (*FirestoreMessageStore)(nil)

// SaveMessage persists one chat message envelope.
func (s *FirestoreMessageStore) SaveMessage(ctx context.Context, env *wire.Envelope) error {
	if env.MessageID == "" {
		return fmt.Errorf("cannot save a message without a messageId")
	}
	doc := &storedMessage{
		MessageID:   env.MessageID,
		SenderID:    env.SenderID,
		RecipientID: env.RecipientID,
		RoomID:      env.RoomID,
		Content:     env.Content,
		SentAt:      time.UnixMilli(env.Timestamp).UTC(),
	}
	if env.Timestamp == 0 {
		doc.SentAt = time.Now().UTC()
	}

	_, err := s.client.Collection(s.collectionName).Doc(env.MessageID).Set(ctx, doc)
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", env.MessageID).Msg("Failed to save message")
		return fmt.Errorf("failed to save message: %w", err)
	}
	s.logger.Debug().Str("message_id", env.MessageID).Msg("Saved message")
	return nil
}

// MarkRead flips the read status on an existing message document.
func (s *FirestoreMessageStore) MarkRead(ctx context.Context, messageID, readerID string) error {
	if messageID == "" {
		return fmt.Errorf("cannot mark read without a messageId")
	}
	_, err := s.client.Collection(s.collectionName).Doc(messageID).Update(ctx, []firestore.Update{
		{Path: "read", Value: true},
		{Path: "readBy", Value: readerID},
		{Path: "readAt", Value: firestore.ServerTimestamp},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("message_id", messageID).Str("reader", readerID).Msg("Failed to mark message read")
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	s.logger.Debug().Str("message_id", messageID).Str("reader", readerID).Msg("Marked message read")
	return nil
}
