// Package wire defines the envelope protocol spoken over a messaging
// connection. Every frame carries exactly one Envelope, discriminated by its
// Type field. Decode enforces the per-type required fields so the rest of the
// system never sees a half-formed envelope.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates the payload of an Envelope.
type Type string

const (
	// Client -> server.
	TypeAuthenticate Type = "authenticate"
	TypeHeartbeat    Type = "heartbeat"
	TypeJoinRoom     Type = "join_room"
	TypeLeaveRoom    Type = "leave_room"
	TypeSendMessage  Type = "send_message"
	TypeMarkRead     Type = "mark_read"
	TypeTyping       Type = "typing"
	TypeStopTyping   Type = "stop_typing"

	// Server -> client.
	TypeAuthenticated     Type = "authenticated"
	TypeConnectionAck     Type = "connection_ack"
	TypeHeartbeatAck      Type = "heartbeat_ack"
	TypeRoomJoined        Type = "room_joined"
	TypeUserJoinedRoom    Type = "user_joined_room"
	TypeUserLeftRoom      Type = "user_left_room"
	TypeNewMessage        Type = "new_message"
	TypeMessageSent       Type = "message_sent"
	TypeMessageDelivered  Type = "message_delivered"
	TypeMessageRead       Type = "message_read"
	TypeUserTyping        Type = "user_typing"
	TypeUserStoppedTyping Type = "user_stopped_typing"
	TypeUserStatusChange  Type = "user_status_change"
	TypeError             Type = "error"
)

// Older clients say "ping"/"pong" for the liveness probe. Decode folds them
// into the canonical heartbeat types.
const (
	aliasPing Type = "ping"
	aliasPong Type = "pong"
)

// knownTypes is the set of envelope types this protocol version understands.
// Envelopes outside this set still decode; consumers check Known() and drop
// them without error, so newer peers can add types freely.
var knownTypes = map[Type]struct{}{
	TypeAuthenticate: {}, TypeAuthenticated: {}, TypeConnectionAck: {},
	TypeHeartbeat: {}, TypeHeartbeatAck: {},
	TypeJoinRoom: {}, TypeRoomJoined: {}, TypeLeaveRoom: {},
	TypeUserJoinedRoom: {}, TypeUserLeftRoom: {},
	TypeSendMessage: {}, TypeNewMessage: {}, TypeMessageSent: {},
	TypeMessageDelivered: {}, TypeMarkRead: {}, TypeMessageRead: {},
	TypeTyping: {}, TypeUserTyping: {}, TypeStopTyping: {}, TypeUserStoppedTyping: {},
	TypeUserStatusChange: {}, TypeError: {},
}

// Envelope is the single wire unit. Fields beyond Type are contextual; each
// recognized type uses the subset validated in Decode.
type Envelope struct {
	Type         Type   `json:"type"`
	UserID       string `json:"userId,omitempty"`
	RoomID       string `json:"roomId,omitempty"`
	RecipientID  string `json:"recipientId,omitempty"`
	SenderID     string `json:"senderId,omitempty"`
	Content      string `json:"content,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"` // unix milliseconds
	ConnectionID string `json:"connectionId,omitempty"`

	// Populated on room_joined so the joiner learns current membership, and
	// on user_status_change to carry the new presence status.
	Members []string `json:"members,omitempty"`
	Status  string   `json:"status,omitempty"`

	// Human-readable detail on error envelopes only.
	Error string `json:"error,omitempty"`
}

// Known reports whether the envelope's type belongs to this protocol version.
func (e *Envelope) Known() bool {
	_, ok := knownTypes[e.Type]
	return ok
}

// Encode serializes the envelope, stamping the send time if the caller has
// not set one.
func Encode(e *Envelope) ([]byte, error) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire frame into an Envelope. It normalizes the ping/pong
// aliases and validates the required fields of every recognized type.
// Unrecognized types pass through untouched; the caller decides whether to
// drop them.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("envelope is missing a type")
	}

	switch e.Type {
	case aliasPing:
		e.Type = TypeHeartbeat
	case aliasPong:
		e.Type = TypeHeartbeatAck
	}

	if err := validate(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func validate(e *Envelope) error {
	switch e.Type {
	case TypeAuthenticate:
		if e.UserID == "" {
			return fmt.Errorf("authenticate envelope requires userId")
		}
	case TypeJoinRoom, TypeLeaveRoom, TypeTyping, TypeStopTyping:
		if e.RoomID == "" {
			return fmt.Errorf("%s envelope requires roomId", e.Type)
		}
	case TypeSendMessage:
		if e.Content == "" {
			return fmt.Errorf("send_message envelope requires content")
		}
		if e.RecipientID == "" && e.RoomID == "" {
			return fmt.Errorf("send_message envelope requires a recipientId or roomId")
		}
	case TypeMarkRead:
		if e.MessageID == "" {
			return fmt.Errorf("mark_read envelope requires messageId")
		}
	}
	return nil
}
