// Package router dispatches inbound envelopes on behalf of an authenticated
// session. It owns sender validation and the per-type fan-out rules; room and
// presence state lives in the rooms registry, delivery in the broadcaster,
// and persistence behind MessageStore. Persistence is fire-and-forget: the
// router never blocks delivery on a storage write.
package router

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/pkg/messaging"
	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

// Session is the originating connection of an inbound envelope. Deliver must
// not block; it reports whether the session accepted the envelope.
type Session interface {
	UserID() string
	ConnectionID() string
	Deliver(env *wire.Envelope) bool
}

// Broadcaster fans an envelope out to every live session of a user and
// reports how many sessions took delivery.
type Broadcaster interface {
	SendToUser(userID string, env *wire.Envelope) int
}

// Registry is the room-state surface the router drives.
type Registry interface {
	JoinRoom(userID, roomID string) []string
	LeaveRoom(userID, roomID string)
	Typing(userID, roomID string)
	StopTyping(userID, roomID string)
	Members(roomID string) []string
}

// Router validates and dispatches envelopes read off client sessions.
type Router struct {
	registry  Registry
	broadcast Broadcaster
	store     messaging.MessageStore
	logger    zerolog.Logger
}

// New creates a Router over the given collaborators.
func New(registry Registry, broadcast Broadcaster, store messaging.MessageStore, logger zerolog.Logger) *Router {
	return &Router{
		registry:  registry,
		broadcast: broadcast,
		store:     store,
		logger:    logger.With().Str("component", "Router").Logger(),
	}
}

// Route handles one decoded inbound envelope from sess. Unknown types are
// logged and dropped so newer clients can speak ahead of this server.
func (r *Router) Route(ctx context.Context, sess Session, env *wire.Envelope) {
	if !env.Known() {
		r.logger.Debug().Str("type", string(env.Type)).Str("user", sess.UserID()).Msg("Dropping envelope of unknown type")
		return
	}
	if !r.senderIsAuthentic(sess, env) {
		r.logger.Warn().
			Str("type", string(env.Type)).
			Str("session_user", sess.UserID()).
			Str("claimed_sender", env.SenderID).
			Msg("Rejected envelope with spoofed sender identity")
		sess.Deliver(&wire.Envelope{
			Type:      wire.TypeError,
			Error:     "sender identity does not match the authenticated connection",
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}

	switch env.Type {
	case wire.TypeHeartbeat:
		sess.Deliver(&wire.Envelope{
			Type:         wire.TypeHeartbeatAck,
			ConnectionID: sess.ConnectionID(),
			Timestamp:    time.Now().UnixMilli(),
		})
	case wire.TypeJoinRoom:
		members := r.registry.JoinRoom(sess.UserID(), env.RoomID)
		sess.Deliver(&wire.Envelope{
			Type:      wire.TypeRoomJoined,
			RoomID:    env.RoomID,
			Members:   members,
			Timestamp: time.Now().UnixMilli(),
		})
	case wire.TypeLeaveRoom:
		r.registry.LeaveRoom(sess.UserID(), env.RoomID)
	case wire.TypeTyping:
		r.registry.Typing(sess.UserID(), env.RoomID)
	case wire.TypeStopTyping:
		r.registry.StopTyping(sess.UserID(), env.RoomID)
	case wire.TypeSendMessage:
		r.handleSendMessage(ctx, sess, env)
	case wire.TypeMarkRead:
		r.handleMarkRead(ctx, sess, env)
	default:
		// Server-to-client types arriving inbound carry no meaning here.
		r.logger.Debug().Str("type", string(env.Type)).Msg("Ignoring non-client envelope type")
	}
}

// senderIsAuthentic checks the acting identity fields against the session's
// authenticated user. On mark_read the senderId names the original message
// author, not the actor, so it is exempt there.
func (r *Router) senderIsAuthentic(sess Session, env *wire.Envelope) bool {
	identity := sess.UserID()
	if env.UserID != "" && env.UserID != identity {
		return false
	}
	if env.Type != wire.TypeMarkRead && env.SenderID != "" && env.SenderID != identity {
		return false
	}
	return true
}

// handleSendMessage persists the message and fans out new_message to the
// room's other members or to the direct recipient. Delivery to offline
// recipients is best-effort; the router does not queue on their behalf.
func (r *Router) handleSendMessage(ctx context.Context, sess Session, env *wire.Envelope) {
	sender := sess.UserID()
	messageID := env.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	outbound := &wire.Envelope{
		Type:        wire.TypeNewMessage,
		SenderID:    sender,
		RecipientID: env.RecipientID,
		RoomID:      env.RoomID,
		Content:     env.Content,
		MessageID:   messageID,
		Timestamp:   time.Now().UnixMilli(),
	}

	r.persist(ctx, func(ctx context.Context) error {
		return r.store.SaveMessage(ctx, outbound)
	}, messageID, "save message")

	delivered := 0
	if env.RoomID != "" {
		for _, member := range r.registry.Members(env.RoomID) {
			if member == sender {
				continue
			}
			delivered += r.broadcast.SendToUser(member, outbound)
		}
	} else {
		delivered = r.broadcast.SendToUser(env.RecipientID, outbound)
	}

	sess.Deliver(&wire.Envelope{
		Type:      wire.TypeMessageSent,
		MessageID: messageID,
		Status:    "sent",
		Timestamp: time.Now().UnixMilli(),
	})
	if delivered > 0 {
		sess.Deliver(&wire.Envelope{
			Type:      wire.TypeMessageDelivered,
			MessageID: messageID,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

// handleMarkRead records the read receipt and notifies the original sender's
// sessions only.
func (r *Router) handleMarkRead(ctx context.Context, sess Session, env *wire.Envelope) {
	reader := sess.UserID()

	r.persist(ctx, func(ctx context.Context) error {
		return r.store.MarkRead(ctx, env.MessageID, reader)
	}, env.MessageID, "mark message read")

	if env.SenderID == "" || env.SenderID == reader {
		return
	}
	r.broadcast.SendToUser(env.SenderID, &wire.Envelope{
		Type:      wire.TypeMessageRead,
		MessageID: env.MessageID,
		UserID:    reader,
		RoomID:    env.RoomID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// persist runs a storage write off the routing path. Failures are logged and
// otherwise swallowed; delivery already happened or is about to.
func (r *Router) persist(ctx context.Context, fn func(context.Context) error, messageID, op string) {
	go func() {
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := fn(writeCtx); err != nil {
			r.logger.Error().Err(err).Str("message_id", messageID).Msgf("Failed to %s", op)
		}
	}()
}
