// Package wire implements the control plane's message codec: every frame
// exchanged between a supervisor, the cluster head, and a worker is
// prefixed with a 32-bit hash of its message name followed by a
// JSON-encoded payload.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
)

// TypeHash computes the stable 32-bit identifier for a message name.
// Register stores it once per name for Decode's lookup; Encode
// recomputes it for every outgoing frame.
func TypeHash(name string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return h.Sum32()
}

// Message is any decodable wire payload.
type Message interface {
	// MessageName returns the stable name used to compute this message's
	// type hash. It must be a compile-time constant per concrete type.
	MessageName() string
}

// Frame is a decoded wire frame: a type hash plus its raw payload. Frames
// whose hash does not resolve via the registry are opaque payload frames
// and are passed through uninterpreted.
type Frame struct {
	TypeHash uint32
	Payload  []byte
}

// registry maps a type hash to a zero-value factory for that message, so
// dispatch is a direct lookup instead of a chain of type assertions.
var registry = map[uint32]func() Message{}
var names = map[uint32]string{}

// Register adds a message type to the registry. Called once per type
// from an init() in this package; panics on hash collision since that
// indicates two message names accidentally hashed to the same value.
func Register(name string, factory func() Message) uint32 {
	h := TypeHash(name)
	if existing, ok := names[h]; ok && existing != name {
		panic(fmt.Sprintf("wire: type hash collision between %q and %q", existing, name))
	}
	registry[h] = factory
	names[h] = name
	return h
}

// Encode produces a Frame from a registered Message.
func Encode(msg Message) (Frame, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encode %s: %w", msg.MessageName(), err)
	}
	return Frame{TypeHash: TypeHash(msg.MessageName()), Payload: payload}, nil
}

// Decode resolves a Frame's type hash against the registry and unmarshals
// its payload. ok is false for an unregistered hash (an opaque payload
// frame, or a frame from a newer peer); the caller's default handler is
// expected to deal with those via the raw Frame.
func Decode(f Frame) (msg Message, ok bool, err error) {
	factory, known := registry[f.TypeHash]
	if !known {
		return nil, false, nil
	}
	msg = factory()
	if err := json.Unmarshal(f.Payload, msg); err != nil {
		return nil, true, fmt.Errorf("wire: decode %s: %w", names[f.TypeHash], err)
	}
	return msg, true, nil
}

// NameForHash returns the registered name for a type hash, for logging.
func NameForHash(h uint32) (string, bool) {
	n, ok := names[h]
	return n, ok
}

// EncodeRaw serializes a Frame into the same on-the-wire byte layout
// pkg/transport writes to a socket (4-byte length, 4-byte type hash,
// payload). pkg/forwarding uses this to buffer opaque payload frames as
// plain bytes without decoding them.
func EncodeRaw(f Frame) []byte {
	raw := make([]byte, 8+len(f.Payload))
	binary.BigEndian.PutUint32(raw[0:4], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(raw[4:8], f.TypeHash)
	copy(raw[8:], f.Payload)
	return raw
}

// DecodeRaw parses bytes produced by EncodeRaw back into a Frame.
func DecodeRaw(raw []byte) (Frame, bool) {
	if len(raw) < 8 {
		return Frame{}, false
	}
	length := binary.BigEndian.Uint32(raw[0:4])
	typeHash := binary.BigEndian.Uint32(raw[4:8])
	if int(length) != len(raw)-8 {
		return Frame{}, false
	}
	return Frame{TypeHash: typeHash, Payload: raw[8:]}, true
}
