package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

// fakeSession records envelopes delivered back to the originating connection.
type fakeSession struct {
	userID string
	connID string

	mu        sync.Mutex
	delivered []*wire.Envelope
}

func (s *fakeSession) UserID() string       { return s.userID }
func (s *fakeSession) ConnectionID() string { return s.connID }

func (s *fakeSession) Deliver(env *wire.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, env)
	return true
}

func (s *fakeSession) byType(t wire.Type) []*wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*wire.Envelope
	for _, env := range s.delivered {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

// fakeBroadcaster counts a fixed number of sessions per known user.
type fakeBroadcaster struct {
	mu       sync.Mutex
	sessions map[string]int // userID -> live session count
	sent     map[string][]*wire.Envelope
}

func newFakeBroadcaster(online ...string) *fakeBroadcaster {
	b := &fakeBroadcaster{sessions: make(map[string]int), sent: make(map[string][]*wire.Envelope)}
	for _, u := range online {
		b.sessions[u] = 1
	}
	return b
}

func (b *fakeBroadcaster) SendToUser(userID string, env *wire.Envelope) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.sessions[userID]
	if n > 0 {
		b.sent[userID] = append(b.sent[userID], env)
	}
	return n
}

func (b *fakeBroadcaster) envelopesFor(userID string) []*wire.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*wire.Envelope(nil), b.sent[userID]...)
}

// fakeRegistry is a minimal membership map.
type fakeRegistry struct {
	mu      sync.Mutex
	members map[string][]string
	typing  []string
	stopped []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{members: make(map[string][]string)}
}

func (r *fakeRegistry) JoinRoom(userID, roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members[roomID] {
		if m == userID {
			return append([]string(nil), r.members[roomID]...)
		}
	}
	r.members[roomID] = append(r.members[roomID], userID)
	return append([]string(nil), r.members[roomID]...)
}

func (r *fakeRegistry) LeaveRoom(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.members[roomID][:0]
	for _, m := range r.members[roomID] {
		if m != userID {
			kept = append(kept, m)
		}
	}
	r.members[roomID] = kept
}

func (r *fakeRegistry) Typing(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.typing = append(r.typing, userID+"/"+roomID)
}

func (r *fakeRegistry) StopTyping(userID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, userID+"/"+roomID)
}

func (r *fakeRegistry) Members(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.members[roomID]...)
}

// mockMessageStore asserts the persistence calls the router fires.
type mockMessageStore struct {
	mock.Mock
}

func (m *mockMessageStore) SaveMessage(ctx context.Context, env *wire.Envelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *mockMessageStore) MarkRead(ctx context.Context, messageID, readerID string) error {
	args := m.Called(ctx, messageID, readerID)
	return args.Error(0)
}

func setup(t *testing.T, online ...string) (*Router, *fakeRegistry, *fakeBroadcaster, *mockMessageStore) {
	t.Helper()
	reg := newFakeRegistry()
	broadcast := newFakeBroadcaster(online...)
	store := new(mockMessageStore)
	return New(reg, broadcast, store, zerolog.Nop()), reg, broadcast, store
}

func TestRouter_RejectsSpoofedSenderToOriginOnly(t *testing.T) {
	r, _, broadcast, _ := setup(t, "alice", "bob")
	sess := &fakeSession{userID: "mallory", connID: "c1"}

	r.Route(context.Background(), sess, &wire.Envelope{
		Type:        wire.TypeSendMessage,
		SenderID:    "alice",
		RecipientID: "bob",
		Content:     "hi",
	})

	errs := sess.byType(wire.TypeError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error, "sender identity")
	assert.Empty(t, broadcast.envelopesFor("bob"))
	assert.Empty(t, broadcast.envelopesFor("alice"))
}

func TestRouter_DirectMessageDeliversAndAcks(t *testing.T) {
	r, _, broadcast, store := setup(t, "bob")
	sess := &fakeSession{userID: "alice", connID: "c1"}

	saved := make(chan struct{})
	store.On("SaveMessage", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { close(saved) }).
		Return(nil).Once()

	r.Route(context.Background(), sess, &wire.Envelope{
		Type:        wire.TypeSendMessage,
		RecipientID: "bob",
		Content:     "on my way",
	})

	got := broadcast.envelopesFor("bob")
	require.Len(t, got, 1)
	assert.Equal(t, wire.TypeNewMessage, got[0].Type)
	assert.Equal(t, "alice", got[0].SenderID)
	assert.Equal(t, "on my way", got[0].Content)
	assert.NotEmpty(t, got[0].MessageID)

	acks := sess.byType(wire.TypeMessageSent)
	require.Len(t, acks, 1)
	assert.Equal(t, got[0].MessageID, acks[0].MessageID)
	require.Len(t, sess.byType(wire.TypeMessageDelivered), 1)

	select {
	case <-saved:
	case <-time.After(time.Second):
		t.Fatal("message was never persisted")
	}
	store.AssertExpectations(t)
}

func TestRouter_RoomMessageSkipsSenderAndOfflineMembers(t *testing.T) {
	r, reg, broadcast, store := setup(t, "alice", "bob")
	store.On("SaveMessage", mock.Anything, mock.Anything).Return(nil)

	reg.JoinRoom("alice", "job-7")
	reg.JoinRoom("bob", "job-7")
	reg.JoinRoom("carol", "job-7") // carol has no live sessions

	sess := &fakeSession{userID: "alice", connID: "c1"}
	r.Route(context.Background(), sess, &wire.Envelope{
		Type:    wire.TypeSendMessage,
		RoomID:  "job-7",
		Content: "shift starts at 9",
	})

	require.Len(t, broadcast.envelopesFor("bob"), 1)
	assert.Empty(t, broadcast.envelopesFor("alice"))
	assert.Empty(t, broadcast.envelopesFor("carol"))
	require.Len(t, sess.byType(wire.TypeMessageDelivered), 1)
}

func TestRouter_OfflineRecipientGetsNoDeliveredReceipt(t *testing.T) {
	r, _, _, store := setup(t)
	store.On("SaveMessage", mock.Anything, mock.Anything).Return(nil)

	sess := &fakeSession{userID: "alice", connID: "c1"}
	r.Route(context.Background(), sess, &wire.Envelope{
		Type:        wire.TypeSendMessage,
		RecipientID: "bob",
		Content:     "you there?",
	})

	require.Len(t, sess.byType(wire.TypeMessageSent), 1)
	assert.Empty(t, sess.byType(wire.TypeMessageDelivered))
}

func TestRouter_MarkReadNotifiesOriginalSenderOnly(t *testing.T) {
	r, _, broadcast, store := setup(t, "alice", "bob")
	sess := &fakeSession{userID: "bob", connID: "c2"}

	marked := make(chan struct{})
	store.On("MarkRead", mock.Anything, "msg-1", "bob").
		Run(func(mock.Arguments) { close(marked) }).
		Return(nil).Once()

	r.Route(context.Background(), sess, &wire.Envelope{
		Type:      wire.TypeMarkRead,
		MessageID: "msg-1",
		SenderID:  "alice",
	})

	got := broadcast.envelopesFor("alice")
	require.Len(t, got, 1)
	assert.Equal(t, wire.TypeMessageRead, got[0].Type)
	assert.Equal(t, "msg-1", got[0].MessageID)
	assert.Equal(t, "bob", got[0].UserID)
	assert.Empty(t, broadcast.envelopesFor("bob"))

	select {
	case <-marked:
	case <-time.After(time.Second):
		t.Fatal("read receipt was never persisted")
	}
	store.AssertExpectations(t)
}

func TestRouter_HeartbeatEchoesAck(t *testing.T) {
	r, _, _, _ := setup(t)
	sess := &fakeSession{userID: "alice", connID: "conn-9"}

	r.Route(context.Background(), sess, &wire.Envelope{Type: wire.TypeHeartbeat})

	acks := sess.byType(wire.TypeHeartbeatAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "conn-9", acks[0].ConnectionID)
}

func TestRouter_JoinRoomRepliesWithMembership(t *testing.T) {
	r, reg, _, _ := setup(t)
	reg.JoinRoom("bob", "job-7")

	sess := &fakeSession{userID: "alice", connID: "c1"}
	r.Route(context.Background(), sess, &wire.Envelope{Type: wire.TypeJoinRoom, RoomID: "job-7"})

	joined := sess.byType(wire.TypeRoomJoined)
	require.Len(t, joined, 1)
	assert.ElementsMatch(t, []string{"alice", "bob"}, joined[0].Members)
}

func TestRouter_TypingForwardsToRegistry(t *testing.T) {
	r, reg, _, _ := setup(t)
	sess := &fakeSession{userID: "alice", connID: "c1"}

	r.Route(context.Background(), sess, &wire.Envelope{Type: wire.TypeTyping, RoomID: "job-7"})
	r.Route(context.Background(), sess, &wire.Envelope{Type: wire.TypeStopTyping, RoomID: "job-7"})

	assert.Equal(t, []string{"alice/job-7"}, reg.typing)
	assert.Equal(t, []string{"alice/job-7"}, reg.stopped)
}

func TestRouter_UnknownTypeIsDroppedSilently(t *testing.T) {
	r, _, broadcast, _ := setup(t, "alice")
	sess := &fakeSession{userID: "alice", connID: "c1"}

	r.Route(context.Background(), sess, &wire.Envelope{Type: "hologram_call"})

	assert.Empty(t, sess.delivered)
	assert.Empty(t, broadcast.envelopesFor("alice"))
}
