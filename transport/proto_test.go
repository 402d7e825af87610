package transport

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentcell/types"
)

func TestAppendFrames(t *testing.T) {
	tests := []struct {
		name string
		got  []byte
		want string
	}{
		{"pub", AppendPub(nil, "agent.a1", []byte(`{"x":1}`)), "PUB agent.a1 7\r\n{\"x\":1}\r\n"},
		{"pub empty", AppendPub(nil, "s", nil), "PUB s 0\r\n\r\n"},
		{"sub", AppendSub(nil, "agent.a1", "3"), "SUB agent.a1 3\r\n"},
		{"unsub", AppendUnsub(nil, "3"), "UNSUB 3\r\n"},
		{"msg", AppendMsg(nil, "agent.a1", "3", "", []byte("hi")), "MSG agent.a1 3 2\r\nhi\r\n"},
		{"msg reply", AppendMsg(nil, "s", "1", "inbox.9", []byte("hi")), "MSG s 1 inbox.9 2\r\nhi\r\n"},
		{"ping", AppendPing(nil), "PING\r\n"},
		{"pong", AppendPong(nil), "PONG\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.got))
		})
	}
}

func TestParserRoundTrip(t *testing.T) {
	var stream []byte
	stream = AppendSub(stream, "agent.a1", "1")
	stream = AppendPub(stream, "agent.a1", []byte(`{"binary":"\r\n ok"}`))
	stream = AppendMsg(stream, "agent.a1", "1", "", []byte("payload with spaces"))
	stream = AppendPing(stream)
	stream = AppendUnsub(stream, "1")

	p := NewParser(bytes.NewReader(stream))

	op, err := p.ReadOperation()
	require.NoError(t, err)
	assert.Equal(t, Operation{Verb: VerbSub, Subject: "agent.a1", SID: "1"}, op)

	op, err = p.ReadOperation()
	require.NoError(t, err)
	assert.Equal(t, VerbPub, op.Verb)
	assert.Equal(t, "agent.a1", op.Subject)
	assert.Equal(t, `{"binary":"\r\n ok"}`, string(op.Payload))

	op, err = p.ReadOperation()
	require.NoError(t, err)
	assert.Equal(t, VerbMsg, op.Verb)
	assert.Equal(t, "1", op.SID)
	assert.Equal(t, "payload with spaces", string(op.Payload))

	op, err = p.ReadOperation()
	require.NoError(t, err)
	assert.Equal(t, VerbPing, op.Verb)

	op, err = p.ReadOperation()
	require.NoError(t, err)
	assert.Equal(t, Operation{Verb: VerbUnsub, SID: "1"}, op)

	_, err = p.ReadOperation()
	assert.ErrorIs(t, err, io.EOF)
}

func TestParserRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown verb", "HELLO world\r\n"},
		{"pub missing size", "PUB subject\r\n"},
		{"pub bad size", "PUB subject nope\r\n"},
		{"pub size mismatch", "PUB subject 10\r\nabc\r\n"},
		{"pub oversized", "PUB subject 99999999\r\n"},
		{"sub missing sid", "SUB subject\r\n"},
		{"unsub missing sid", "UNSUB\r\n"},
		{"msg too few fields", "MSG subject\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestParseFrameCaseInsensitiveVerb(t *testing.T) {
	op, err := ParseFrame([]byte("ping\r\n"))
	require.NoError(t, err)
	assert.Equal(t, VerbPing, op.Verb)
}

func TestParseFrameServerError(t *testing.T) {
	op, err := ParseFrame([]byte("-ERR 'Unknown Protocol Operation'\r\n"))
	require.NoError(t, err)
	assert.Equal(t, VerbErr, op.Verb)
	assert.Equal(t, "Unknown Protocol Operation", op.Err)
}

func TestNormalizeJSONPassthrough(t *testing.T) {
	msg := Normalize("agent.a1", []byte(`{"type":"ping"}`))

	assert.Equal(t, BusIdentity, msg.From)
	assert.Equal(t, "agent.a1", msg.To.String())
	assert.NotEmpty(t, msg.ID)
	assert.NotZero(t, msg.Timestamp)
	assert.JSONEq(t, `{"type":"ping"}`, string(msg.Payload))
}

// Inbound messages carry the same wall-clock-seconds timestamps as locally
// constructed ones.
func TestNormalizeTimestampUnit(t *testing.T) {
	wire := Normalize("agent.a1", []byte(`{"type":"ping"}`))
	local := types.NewMessage("a2", "a1", []byte(`{"type":"ping"}`))

	now := uint64(time.Now().Unix())
	assert.InDelta(t, now, wire.Timestamp, 2)
	assert.InDelta(t, local.Timestamp, wire.Timestamp, 2)
}

func TestNormalizeRawFallback(t *testing.T) {
	raw := []byte{0x00, 0xff, 0x10}
	msg := Normalize("agent.a1", raw)

	var wrapped struct {
		Raw string `json:"raw"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &wrapped))
	decoded, err := base64.StdEncoding.DecodeString(wrapped.Raw)
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
}

func TestNormalizeEmptyPayloadWrapped(t *testing.T) {
	msg := Normalize("s", nil)
	assert.True(t, strings.Contains(string(msg.Payload), `"raw"`))
}

func TestNormalizeDistinctIDs(t *testing.T) {
	a := Normalize("s", []byte(`1`))
	b := Normalize("s", []byte(`1`))
	assert.NotEqual(t, a.ID, b.ID)
}
