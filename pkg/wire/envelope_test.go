package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ValidSendMessage(t *testing.T) {
	data := []byte(`{"type":"send_message","senderId":"42","recipientId":"99","content":"hi","messageId":"m-1"}`)

	env, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, TypeSendMessage, env.Type)
	assert.Equal(t, "42", env.SenderID)
	assert.Equal(t, "99", env.RecipientID)
	assert.Equal(t, "hi", env.Content)
	assert.True(t, env.Known())
}

func TestDecode_MissingType(t *testing.T) {
	_, err := Decode([]byte(`{"userId":"42"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing a type")
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	require.Error(t, err)
}

func TestDecode_NormalizesHeartbeatAliases(t *testing.T) {
	env, err := Decode([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, env.Type)

	env, err = Decode([]byte(`{"type":"pong"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeatAck, env.Type)
}

func TestDecode_UnknownTypePassesThrough(t *testing.T) {
	env, err := Decode([]byte(`{"type":"reaction_added","messageId":"m-1"}`))
	require.NoError(t, err)
	assert.False(t, env.Known())
	assert.Equal(t, Type("reaction_added"), env.Type)
}

func TestDecode_RequiredFields(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"authenticate without userId", `{"type":"authenticate"}`},
		{"join_room without roomId", `{"type":"join_room","userId":"42"}`},
		{"typing without roomId", `{"type":"typing","userId":"42"}`},
		{"send_message without content", `{"type":"send_message","recipientId":"99"}`},
		{"send_message without destination", `{"type":"send_message","content":"hi"}`},
		{"mark_read without messageId", `{"type":"mark_read","senderId":"42"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestEncode_StampsTimestamp(t *testing.T) {
	before := time.Now().UnixMilli()
	env := &Envelope{Type: TypeHeartbeat}

	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, decoded.Timestamp, before)
}

func TestEncode_PreservesCallerTimestamp(t *testing.T) {
	env := &Envelope{Type: TypeNewMessage, Timestamp: 1234}

	data, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), decoded.Timestamp)
}
