package messagingservice_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azimoto99/go-messaging-service/internal/realtime"
	"github.com/azimoto99/go-messaging-service/internal/test/fakes"
	"github.com/azimoto99/go-messaging-service/messagingservice"
	"github.com/azimoto99/go-messaging-service/messagingservice/config"
	"github.com/azimoto99/go-messaging-service/pkg/messaging"
	"github.com/azimoto99/go-messaging-service/pkg/wire"
)

func startService(t *testing.T) (*messagingservice.Wrapper, *fakes.MessageStore, string) {
	t.Helper()
	logger := zerolog.Nop()
	messageStore := fakes.NewMessageStore(logger)
	presenceStore := fakes.NewPresenceStore(logger)

	wrapper, err := messagingservice.New(
		&config.AppConfig{RunMode: config.RunModeLocal, WebSocketPort: "0"},
		&messaging.ServiceDependencies{MessageStore: messageStore, PresenceStore: presenceStore},
		realtime.NoopAuthMiddleware(),
		logger,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = wrapper.Start(ctx)
		close(done)
	}()
	select {
	case <-wrapper.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("service never became ready")
	}
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = wrapper.Shutdown(shutdownCtx)
		cancel()
		<-done
	})

	return wrapper, messageStore, fmt.Sprintf("ws://%s/ws", wrapper.Addr())
}

func authenticate(t *testing.T, baseURL, userID string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(baseURL+"?userId="+userID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	frame, err := wire.Encode(&wire.Envelope{Type: wire.TypeAuthenticate, UserID: userID})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	for _, want := range []wire.Type{wire.TypeAuthenticated, wire.TypeConnectionAck} {
		env := readEnvelope(t, ws)
		require.Equal(t, want, env.Type)
	}
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *wire.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := wire.Decode(data)
	require.NoError(t, err)
	return env
}

func TestWrapper_EndToEndMessageFlow(t *testing.T) {
	wrapper, messageStore, baseURL := startService(t)

	sender := authenticate(t, baseURL, "42")
	recipient := authenticate(t, baseURL, "99")

	frame, err := wire.Encode(&wire.Envelope{
		Type:        wire.TypeSendMessage,
		SenderID:    "42",
		RecipientID: "99",
		Content:     "delivery confirmed",
	})
	require.NoError(t, err)
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, frame))

	env := readEnvelope(t, recipient)
	assert.Equal(t, wire.TypeNewMessage, env.Type)
	assert.Equal(t, "42", env.SenderID)
	assert.Equal(t, "delivery confirmed", env.Content)

	require.Eventually(t, func() bool {
		return len(messageStore.Saved()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	pr, err := wrapper.Registry().Presence(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, messaging.StatusOnline, pr.Status)
}

func TestWrapper_RequiresStores(t *testing.T) {
	_, err := messagingservice.New(
		&config.AppConfig{WebSocketPort: "0"},
		&messaging.ServiceDependencies{},
		realtime.NoopAuthMiddleware(),
		zerolog.Nop(),
	)
	assert.Error(t, err)
}
