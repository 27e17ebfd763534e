package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &TaskSpawnProcess{
		NodeLabel:     "node1",
		ProcessName:   "GameWorker",
		Options:       []string{"-scene", "naboo"},
		TransactionID: 42,
	}
	frame, err := Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, TypeHash("TaskSpawnProcess"), frame.TypeHash)

	decoded, ok, err := Decode(frame)
	require.NoError(t, err)
	require.True(t, ok)

	got, ok := decoded.(*TaskSpawnProcess)
	require.True(t, ok, "decoded into wrong type: %T", decoded)
	assert.Equal(t, msg.NodeLabel, got.NodeLabel)
	assert.Equal(t, msg.ProcessName, got.ProcessName)
	assert.Equal(t, msg.TransactionID, got.TransactionID)
}

func TestDecodeUnknownHashIsOpaque(t *testing.T) {
	frame := Frame{TypeHash: 0xdeadbeef, Payload: []byte("whatever")}
	msg, ok, err := Decode(frame)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, msg)
}

func TestRegisterCollisionPanics(t *testing.T) {
	h := TypeHash("TaskSpawnProcess")
	original := names[h]
	defer func() {
		names[h] = original
		assert.NotNil(t, recover(), "expected panic on hash collision")
	}()
	// Re-registering the same hash under a different name must panic.
	names[h] = "SomethingElse"
	Register("TaskSpawnProcess", func() Message { return &TaskSpawnProcess{} })
}

func TestEncodeDecodeRaw(t *testing.T) {
	frame := Frame{TypeHash: 7, Payload: []byte(`{"a":1}`)}
	raw := EncodeRaw(frame)
	got, ok := DecodeRaw(raw)
	require.True(t, ok)
	assert.Equal(t, frame.TypeHash, got.TypeHash)
	assert.Equal(t, frame.Payload, got.Payload)
}

func TestDecodeRawTooShort(t *testing.T) {
	_, ok := DecodeRaw([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestDecodeRawLengthMismatch(t *testing.T) {
	raw := EncodeRaw(Frame{TypeHash: 1, Payload: []byte("hello")})
	corrupt := append([]byte(nil), raw...)
	corrupt[3] = 0xFF // corrupt the length prefix
	_, ok := DecodeRaw(corrupt)
	assert.False(t, ok)
}

func TestNameForHash(t *testing.T) {
	name, ok := NameForHash(TypeHash("WorkerKeepAlive"))
	require.True(t, ok)
	assert.Equal(t, "WorkerKeepAlive", name)

	_, ok = NameForHash(0x1234)
	assert.False(t, ok)
}
