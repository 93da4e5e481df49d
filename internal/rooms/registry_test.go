package rooms

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azimoto99/go-messaging-service/pkg/messaging"
	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

// recordingBroadcaster captures every envelope handed to it, keyed by
// recipient.
type recordingBroadcaster struct {
	mu   sync.Mutex
	sent map[string][]*wire.Envelope
}

func newRecordingBroadcaster() *recordingBroadcaster {
	return &recordingBroadcaster{sent: make(map[string][]*wire.Envelope)}
}

func (b *recordingBroadcaster) SendToUser(userID string, env *wire.Envelope) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent[userID] = append(b.sent[userID], env)
	return 1
}

func (b *recordingBroadcaster) envelopesFor(userID string) []*wire.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*wire.Envelope(nil), b.sent[userID]...)
}

func (b *recordingBroadcaster) countOfType(userID string, envType wire.Type) int {
	n := 0
	for _, env := range b.envelopesFor(userID) {
		if env.Type == envType {
			n++
		}
	}
	return n
}

// memoryPresence is an in-process PresenceStore for tests.
type memoryPresence struct {
	mu    sync.Mutex
	state map[string]messaging.Presence
}

func newMemoryPresence() *memoryPresence {
	return &memoryPresence{state: make(map[string]messaging.Presence)}
}

func (p *memoryPresence) SetOnline(_ context.Context, userID string, _ messaging.ConnectionInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[userID] = messaging.Presence{Status: messaging.StatusOnline, LastSeen: time.Now()}
	return nil
}

func (p *memoryPresence) SetOffline(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state[userID] = messaging.Presence{Status: messaging.StatusOffline, LastSeen: time.Now()}
	return nil
}

func (p *memoryPresence) Get(_ context.Context, userID string) (messaging.Presence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.state[userID]
	if !ok {
		return messaging.Presence{Status: messaging.StatusOffline}, nil
	}
	return pr, nil
}

func setupRegistry(t *testing.T, typingTTL time.Duration) (*Registry, *recordingBroadcaster, *memoryPresence) {
	t.Helper()
	broadcast := newRecordingBroadcaster()
	presence := newMemoryPresence()
	reg := NewRegistry(presence, broadcast, typingTTL, zerolog.Nop())
	return reg, broadcast, presence
}

func TestRegistry_JoinRoomReturnsMembershipAndNotifiesOthers(t *testing.T) {
	reg, broadcast, _ := setupRegistry(t, 0)

	members := reg.JoinRoom("alice", "job-42")
	assert.Equal(t, []string{"alice"}, members)

	members = reg.JoinRoom("bob", "job-42")
	assert.Equal(t, []string{"alice", "bob"}, members)

	// Only the existing member hears about the join.
	got := broadcast.envelopesFor("alice")
	require.Len(t, got, 1)
	assert.Equal(t, wire.TypeUserJoinedRoom, got[0].Type)
	assert.Equal(t, "bob", got[0].UserID)
	assert.Equal(t, "job-42", got[0].RoomID)
	assert.Empty(t, broadcast.envelopesFor("bob"))
}

func TestRegistry_JoinRoomIsIdempotent(t *testing.T) {
	reg, broadcast, _ := setupRegistry(t, 0)

	reg.JoinRoom("alice", "job-42")
	reg.JoinRoom("bob", "job-42")
	members := reg.JoinRoom("bob", "job-42")

	assert.Equal(t, []string{"alice", "bob"}, members)
	assert.Equal(t, 1, broadcast.countOfType("alice", wire.TypeUserJoinedRoom))
}

func TestRegistry_LeaveRoomNotifiesRemainingAndDeletesEmptyRoom(t *testing.T) {
	reg, broadcast, _ := setupRegistry(t, 0)

	reg.JoinRoom("alice", "job-42")
	reg.JoinRoom("bob", "job-42")

	reg.LeaveRoom("bob", "job-42")
	got := broadcast.envelopesFor("alice")
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, wire.TypeUserLeftRoom, last.Type)
	assert.Equal(t, "bob", last.UserID)

	// Leaving twice is a no-op.
	before := broadcast.countOfType("alice", wire.TypeUserLeftRoom)
	reg.LeaveRoom("bob", "job-42")
	assert.Equal(t, before, broadcast.countOfType("alice", wire.TypeUserLeftRoom))

	reg.LeaveRoom("alice", "job-42")
	assert.Empty(t, reg.Members("job-42"))
}

func TestRegistry_DisconnectedLeavesAllRoomsAndFlipsPresence(t *testing.T) {
	reg, broadcast, presence := setupRegistry(t, 0)
	ctx := context.Background()

	reg.Connected(ctx, "alice", messaging.ConnectionInfo{ConnectionID: "c1"})
	reg.JoinRoom("alice", "job-1")
	reg.JoinRoom("alice", "job-2")
	reg.JoinRoom("bob", "job-1")

	reg.Disconnected(ctx, "alice")

	assert.Empty(t, reg.Rooms("alice"))
	assert.Equal(t, []string{"bob"}, reg.Members("job-1"))
	assert.Empty(t, reg.Members("job-2"))

	pr, err := presence.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, messaging.StatusOffline, pr.Status)

	assert.Equal(t, 1, broadcast.countOfType("bob", wire.TypeUserLeftRoom))
	assert.Equal(t, 1, broadcast.countOfType("bob", wire.TypeUserStatusChange))
}

func TestRegistry_TypingIgnoredForNonMembers(t *testing.T) {
	reg, broadcast, _ := setupRegistry(t, 0)

	reg.JoinRoom("alice", "job-42")
	reg.Typing("mallory", "job-42")

	assert.Equal(t, 0, broadcast.countOfType("alice", wire.TypeUserTyping))
}

func TestRegistry_TypingExpiresExactlyOnce(t *testing.T) {
	reg, broadcast, _ := setupRegistry(t, 30*time.Millisecond)

	reg.JoinRoom("alice", "job-42")
	reg.JoinRoom("bob", "job-42")

	reg.Typing("alice", "job-42")
	assert.Equal(t, 1, broadcast.countOfType("bob", wire.TypeUserTyping))
	// The typist does not hear their own indicator.
	assert.Equal(t, 0, broadcast.countOfType("alice", wire.TypeUserTyping))

	require.Eventually(t, func() bool {
		return broadcast.countOfType("bob", wire.TypeUserStoppedTyping) == 1
	}, time.Second, 5*time.Millisecond)

	// A late explicit stop after expiry produces no second event.
	reg.StopTyping("alice", "job-42")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, broadcast.countOfType("bob", wire.TypeUserStoppedTyping))
}

func TestRegistry_TypingRefreshDefersExpiry(t *testing.T) {
	reg, broadcast, _ := setupRegistry(t, 60*time.Millisecond)

	reg.JoinRoom("alice", "job-42")
	reg.JoinRoom("bob", "job-42")

	reg.Typing("alice", "job-42")
	time.Sleep(35 * time.Millisecond)
	reg.Typing("alice", "job-42")
	time.Sleep(35 * time.Millisecond)

	// Refreshed before the first deadline, so nothing has expired yet,
	// and the refresh itself re-broadcasts at most one indicator.
	assert.Equal(t, 0, broadcast.countOfType("bob", wire.TypeUserStoppedTyping))
	assert.Equal(t, 1, broadcast.countOfType("bob", wire.TypeUserTyping))

	require.Eventually(t, func() bool {
		return broadcast.countOfType("bob", wire.TypeUserStoppedTyping) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRegistry_StopTypingCancelsTimerAndBroadcastsOnce(t *testing.T) {
	reg, broadcast, _ := setupRegistry(t, 40*time.Millisecond)

	reg.JoinRoom("alice", "job-42")
	reg.JoinRoom("bob", "job-42")

	reg.Typing("alice", "job-42")
	reg.StopTyping("alice", "job-42")
	assert.Equal(t, 1, broadcast.countOfType("bob", wire.TypeUserStoppedTyping))

	// TTL expiry must not fire a duplicate after the explicit stop.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, broadcast.countOfType("bob", wire.TypeUserStoppedTyping))

	// Stopping with no active indicator is silent.
	reg.StopTyping("alice", "job-42")
	assert.Equal(t, 1, broadcast.countOfType("bob", wire.TypeUserStoppedTyping))
}

func TestRegistry_ConcurrentJoinsAcrossRooms(t *testing.T) {
	reg, _, _ := setupRegistry(t, 0)

	var wg sync.WaitGroup
	users := []string{"u1", "u2", "u3", "u4", "u5"}
	roomIDs := []string{"job-1", "job-2", "job-3"}
	for _, u := range users {
		for _, rID := range roomIDs {
			wg.Add(1)
			go func(u, rID string) {
				defer wg.Done()
				reg.JoinRoom(u, rID)
			}(u, rID)
		}
	}
	wg.Wait()

	for _, rID := range roomIDs {
		got := reg.Members(rID)
		sort.Strings(got)
		assert.Equal(t, users, got)
	}
	for _, u := range users {
		assert.Equal(t, roomIDs, reg.Rooms(u))
	}
}

func TestRegistry_JoinRacingLastLeaveLeavesNoResidue(t *testing.T) {
	reg, _, _ := setupRegistry(t, 0)

	// Churn joins and last-member leaves on one room from two users so a
	// join keeps landing while the other side is deleting the empty room.
	var wg sync.WaitGroup
	for _, u := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				reg.JoinRoom(u, "job-7")
				reg.LeaveRoom(u, "job-7")
			}
		}(u)
	}
	wg.Wait()

	reg.LeaveRoom("alice", "job-7")
	reg.LeaveRoom("bob", "job-7")
	assert.Empty(t, reg.Members("job-7"))
	assert.Empty(t, reg.Rooms("alice"))
	assert.Empty(t, reg.Rooms("bob"))
}
