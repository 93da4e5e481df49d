// Package rooms tracks room membership, user presence and ephemeral typing
// state on the server. Every mutation is applied atomically with the
// broadcast it triggers, so a membership snapshot handed to the broadcaster
// is never stale relative to a concurrent join or leave on the same room.
package rooms

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/azimoto99/go-messaging-service/pkg/messaging"
	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

// DefaultTypingTTL is how long a typing indicator lives without a refresh or
// an explicit stop.
const DefaultTypingTTL = 5 * time.Second

// Broadcaster delivers an envelope to every live session of a user. It must
// not block; slow consumers are the broadcaster's problem, not the
// registry's.
type Broadcaster interface {
	SendToUser(userID string, env *wire.Envelope) int
}

type typingKey struct {
	userID string
	roomID string
}

// room is one job-scoped member set with its own critical section, so
// cross-room operations never contend.
type room struct {
	mu      sync.Mutex
	members map[string]struct{}
}

// Registry is the server-side room, presence and typing state. Rooms are
// created implicitly on first join and removed when their last member leaves.
type Registry struct {
	presence  messaging.PresenceStore
	broadcast Broadcaster
	typingTTL time.Duration
	logger    zerolog.Logger

	mu          sync.RWMutex
	rooms       map[string]*room
	memberships map[string]map[string]struct{} // userID -> joined roomIDs

	typingMu sync.Mutex
	typing   map[typingKey]*time.Timer
}

// NewRegistry creates an empty registry. A zero typingTTL takes the default.
func NewRegistry(presence messaging.PresenceStore, broadcast Broadcaster, typingTTL time.Duration, logger zerolog.Logger) *Registry {
	if typingTTL == 0 {
		typingTTL = DefaultTypingTTL
	}
	return &Registry{
		presence:    presence,
		broadcast:   broadcast,
		typingTTL:   typingTTL,
		logger:      logger.With().Str("component", "Registry").Logger(),
		rooms:       make(map[string]*room),
		memberships: make(map[string]map[string]struct{}),
		typing:      make(map[typingKey]*time.Timer),
	}
}

// Connected flips the user's presence to online.
func (r *Registry) Connected(ctx context.Context, userID string, info messaging.ConnectionInfo) {
	if err := r.presence.SetOnline(ctx, userID, info); err != nil {
		r.logger.Error().Err(err).Str("user", userID).Msg("Failed to set user presence online")
	}
	r.broadcastStatus(userID, messaging.StatusOnline)
}

// JoinRoom adds the user to the room, creating it on first join. Re-joining
// is a no-op and triggers no broadcast. Returns the membership after the
// join, sorted, so the joiner learns who is already there.
func (r *Registry) JoinRoom(userID, roomID string) []string {
	// The whole join happens under r.mu so a concurrent last-member leave
	// cannot delete the room between lookup and insertion.
	r.mu.Lock()
	rm := r.rooms[roomID]
	if rm == nil {
		rm = &room{members: make(map[string]struct{})}
		r.rooms[roomID] = rm
	}

	rm.mu.Lock()
	if _, already := rm.members[userID]; already {
		members := memberList(rm.members)
		rm.mu.Unlock()
		r.mu.Unlock()
		return members
	}
	// Snapshot the audience before adding the joiner: existing members
	// get the event, the joiner gets the member list instead.
	audience := memberList(rm.members)
	rm.members[userID] = struct{}{}
	members := memberList(rm.members)

	env := &wire.Envelope{
		Type:      wire.TypeUserJoinedRoom,
		UserID:    userID,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	}
	for _, member := range audience {
		r.broadcast.SendToUser(member, env)
	}
	rm.mu.Unlock()

	if r.memberships[userID] == nil {
		r.memberships[userID] = make(map[string]struct{})
	}
	r.memberships[userID][roomID] = struct{}{}
	r.mu.Unlock()

	r.logger.Debug().Str("user", userID).Str("room", roomID).Msg("User joined room")
	return members
}

// LeaveRoom removes the user's membership. Idempotent; an actual removal is
// broadcast to the remaining members. Empty rooms are deleted.
func (r *Registry) LeaveRoom(userID, roomID string) {
	r.cancelTyping(userID, roomID, false)

	r.mu.Lock()
	rm := r.rooms[roomID]
	if rm == nil {
		r.mu.Unlock()
		return
	}

	rm.mu.Lock()
	if _, member := rm.members[userID]; !member {
		rm.mu.Unlock()
		r.mu.Unlock()
		return
	}
	delete(rm.members, userID)
	remaining := memberList(rm.members)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
	}

	env := &wire.Envelope{
		Type:      wire.TypeUserLeftRoom,
		UserID:    userID,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	}
	for _, member := range remaining {
		r.broadcast.SendToUser(member, env)
	}
	rm.mu.Unlock()

	if set := r.memberships[userID]; set != nil {
		delete(set, roomID)
		if len(set) == 0 {
			delete(r.memberships, userID)
		}
	}
	r.mu.Unlock()

	r.logger.Debug().Str("user", userID).Str("room", roomID).Msg("User left room")
}

// Disconnected performs the implicit cleanup when a user's last session
// drops: leave every joined room, clear typing state, flip presence to
// offline and tell the rooms the user was in.
func (r *Registry) Disconnected(ctx context.Context, userID string) {
	roomIDs := r.Rooms(userID)
	for _, roomID := range roomIDs {
		r.cancelTyping(userID, roomID, true)
		r.LeaveRoom(userID, roomID)
	}

	if err := r.presence.SetOffline(ctx, userID); err != nil {
		r.logger.Error().Err(err).Str("user", userID).Msg("Failed to set user presence offline")
	}

	env := &wire.Envelope{
		Type:      wire.TypeUserStatusChange,
		UserID:    userID,
		Status:    string(messaging.StatusOffline),
		Timestamp: time.Now().UnixMilli(),
	}
	audience := make(map[string]struct{})
	for _, roomID := range roomIDs {
		for _, member := range r.Members(roomID) {
			if member != userID {
				audience[member] = struct{}{}
			}
		}
	}
	for member := range audience {
		r.broadcast.SendToUser(member, env)
	}

	r.logger.Info().Str("user", userID).Int("rooms", len(roomIDs)).Msg("User disconnected")
}

// Typing sets or refreshes the user's typing indicator in the room. The
// indicator expires on a server-side timer; clients do not need to resend to
// keep it honest, and exactly one stopped event fires per indicator.
func (r *Registry) Typing(userID, roomID string) {
	if !r.isMember(userID, roomID) {
		return
	}

	key := typingKey{userID: userID, roomID: roomID}
	r.typingMu.Lock()
	if timer, ok := r.typing[key]; ok {
		timer.Reset(r.typingTTL)
		r.typingMu.Unlock()
		return
	}
	r.typing[key] = time.AfterFunc(r.typingTTL, func() {
		r.expireTyping(userID, roomID)
	})
	r.typingMu.Unlock()

	r.broadcastToOthers(userID, roomID, &wire.Envelope{
		Type:      wire.TypeUserTyping,
		UserID:    userID,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// StopTyping clears the indicator ahead of its TTL.
func (r *Registry) StopTyping(userID, roomID string) {
	r.cancelTyping(userID, roomID, true)
}

// expireTyping fires when an indicator outlives its TTL without an explicit
// stop.
func (r *Registry) expireTyping(userID, roomID string) {
	key := typingKey{userID: userID, roomID: roomID}
	r.typingMu.Lock()
	if _, ok := r.typing[key]; !ok {
		// An explicit stop won the race.
		r.typingMu.Unlock()
		return
	}
	delete(r.typing, key)
	r.typingMu.Unlock()

	r.broadcastStoppedTyping(userID, roomID)
}

// cancelTyping removes a pending indicator. When announce is set and an
// indicator actually existed, the stopped event is broadcast.
func (r *Registry) cancelTyping(userID, roomID string, announce bool) {
	key := typingKey{userID: userID, roomID: roomID}
	r.typingMu.Lock()
	timer, ok := r.typing[key]
	if ok {
		timer.Stop()
		delete(r.typing, key)
	}
	r.typingMu.Unlock()

	if ok && announce {
		r.broadcastStoppedTyping(userID, roomID)
	}
}

func (r *Registry) broadcastStoppedTyping(userID, roomID string) {
	r.broadcastToOthers(userID, roomID, &wire.Envelope{
		Type:      wire.TypeUserStoppedTyping,
		UserID:    userID,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	})
}

// Members returns the room's membership, sorted. Empty for unknown rooms.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	rm := r.rooms[roomID]
	r.mu.RUnlock()
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return memberList(rm.members)
}

// Rooms returns the rooms the user is currently joined to.
func (r *Registry) Rooms(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.memberships[userID]
	roomIDs := make([]string, 0, len(set))
	for roomID := range set {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)
	return roomIDs
}

// Presence reads the user's presence from the backing store.
func (r *Registry) Presence(ctx context.Context, userID string) (messaging.Presence, error) {
	return r.presence.Get(ctx, userID)
}

func (r *Registry) isMember(userID, roomID string) bool {
	r.mu.RLock()
	rm := r.rooms[roomID]
	r.mu.RUnlock()
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.members[userID]
	return ok
}

func (r *Registry) broadcastToOthers(userID, roomID string, env *wire.Envelope) {
	for _, member := range r.Members(roomID) {
		if member != userID {
			r.broadcast.SendToUser(member, env)
		}
	}
}

func (r *Registry) broadcastStatus(userID string, status messaging.PresenceStatus) {
	env := &wire.Envelope{
		Type:      wire.TypeUserStatusChange,
		UserID:    userID,
		Status:    string(status),
		Timestamp: time.Now().UnixMilli(),
	}
	seen := make(map[string]struct{})
	for _, roomID := range r.Rooms(userID) {
		for _, member := range r.Members(roomID) {
			if member == userID {
				continue
			}
			if _, dup := seen[member]; dup {
				continue
			}
			seen[member] = struct{}{}
			r.broadcast.SendToUser(member, env)
		}
	}
}

func memberList(set map[string]struct{}) []string {
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}
