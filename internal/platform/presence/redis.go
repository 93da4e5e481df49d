// Package presence stores user online state in Redis.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/pkg/messaging"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// presenceDoc is the JSON value stored per user.
type presenceDoc struct {
	Status           string    `json:"status"`
	LastSeen         time.Time `json:"lastSeen"`
	ConnectionID     string    `json:"connectionId,omitempty"`
	ServerInstanceID string    `json:"serverInstanceId,omitempty"`
}

// RedisPresenceStore implements messaging.PresenceStore over Redis. Online
// records carry a TTL so a crashed server's users read as offline once the
// record lapses; offline records keep lastSeen around longer for "last seen"
// display.
type RedisPresenceStore struct {
	client     redisClient
	onlineTTL  time.Duration
	offlineTTL time.Duration
	logger     zerolog.Logger
}

// NewRedisPresenceStore is the constructor for the RedisPresenceStore.
func NewRedisPresenceStore(client redisClient, onlineTTL, offlineTTL time.Duration, logger zerolog.Logger) (*RedisPresenceStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if onlineTTL <= 0 {
		onlineTTL = 5 * time.Minute
	}
	if offlineTTL <= 0 {
		offlineTTL = 24 * time.Hour
	}
	return &RedisPresenceStore{
		client:     client,
		onlineTTL:  onlineTTL,
		offlineTTL: offlineTTL,
		logger:     logger.With().Str("component", "RedisPresenceStore").Logger(),
	}, nil
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

// SetOnline writes an online record for the user.
func (s *RedisPresenceStore) SetOnline(ctx context.Context, userID string, info messaging.ConnectionInfo) error {
	doc := presenceDoc{
		Status:           string(messaging.StatusOnline),
		LastSeen:         time.Now().UTC(),
		ConnectionID:     info.ConnectionID,
		ServerInstanceID: info.ServerInstanceID,
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, presenceKey(userID), payload, s.onlineTTL).Err(); err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to set presence online")
		return fmt.Errorf("failed to set presence online: %w", err)
	}
	return nil
}

// SetOffline overwrites the record with an offline marker, preserving a
// lastSeen timestamp.
func (s *RedisPresenceStore) SetOffline(ctx context.Context, userID string) error {
	doc := presenceDoc{
		Status:   string(messaging.StatusOffline),
		LastSeen: time.Now().UTC(),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}
	if err := s.client.Set(ctx, presenceKey(userID), payload, s.offlineTTL).Err(); err != nil {
		s.logger.Error().Err(err).Str("user", userID).Msg("Failed to set presence offline")
		return fmt.Errorf("failed to set presence offline: %w", err)
	}
	return nil
}

// Get reads the user's presence. A missing record reads as offline with no
// lastSeen.
func (s *RedisPresenceStore) Get(ctx context.Context, userID string) (messaging.Presence, error) {
	payload, err := s.client.Get(ctx, presenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return messaging.Presence{Status: messaging.StatusOffline}, nil
	}
	if err != nil {
		return messaging.Presence{}, fmt.Errorf("failed to get presence: %w", err)
	}

	var doc presenceDoc
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return messaging.Presence{}, fmt.Errorf("failed to unmarshal presence: %w", err)
	}
	return messaging.Presence{
		Status:   messaging.PresenceStatus(doc.Status),
		LastSeen: doc.LastSeen,
	}, nil
}
