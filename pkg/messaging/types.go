// Package messaging contains the public domain models and interfaces for the
// messaging service. It defines the contract between the transport core and
// its external collaborators (storage, presence backing, identity).
package messaging

import "time"

// PresenceStatus is a user's coarse online state, derived from connection
// lifecycle events.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// Presence holds a user's current status and the time it last changed.
type Presence struct {
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"lastSeen"`
}

// ConnectionInfo holds details about a user's real-time session, stored
// alongside presence so operators can tell which server instance owns it.
type ConnectionInfo struct {
	ConnectionID     string `json:"connectionId"`
	ServerInstanceID string `json:"serverInstanceId"`
	ConnectedAt      int64  `json:"connectedAt"`
}
