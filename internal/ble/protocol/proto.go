// Package protocol implements the binary payload carried by the chat and
// gesture data characteristics:
//
//	[type:1][timestamp:4 little-endian][content:0..N UTF-8]
//
// The codec never fragments. Callers keep content within MaxContentBytes
// (see SplitContent and ClampContent) before encoding.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// HeaderSize is the size of the type byte plus the timestamp.
	HeaderSize = 5
	// MaxPayloadBytes is the notification payload that fits the default
	// ATT MTU of 23 bytes (23 - 3 bytes of ATT header).
	MaxPayloadBytes = 20
	// MaxContentBytes is the chat text cap used by the original app.
	MaxContentBytes = 16
)

// ErrMalformedPayload is returned when a buffer cannot be decoded at all.
var ErrMalformedPayload = errors.New("protocol: malformed payload")

// Kind selects how a payload is interpreted. Both kinds share the header;
// only chat payloads carry content.
type Kind int

const (
	KindChat Kind = iota
	KindGesture
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindGesture:
		return "gesture"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Type is the one-byte type tag. Its meaning depends on the Kind.
type Type uint8

// Chat message types.
const (
	TypeText  Type = 0
	TypeEmoji Type = 1
)

// Gesture types.
const (
	GestureUnknown Type = 0
	GestureConfirm Type = 1
	GestureLeft    Type = 2
	GestureRight   Type = 3
	GestureTop     Type = 4
	GestureBottom  Type = 5
)

var (
	chatTypeNames    = []string{"text", "emoji"}
	gestureTypeNames = []string{"unknown", "confirm", "left", "right", "top", "bottom"}
)

func (k Kind) typeNames() []string {
	if k == KindGesture {
		return gestureTypeNames
	}
	return chatTypeNames
}

// Valid reports whether t is a defined type for kind k.
func (k Kind) Valid(t Type) bool {
	return int(t) < len(k.typeNames())
}

// DefaultType is the type substituted for unknown tags on decode.
func (k Kind) DefaultType() Type {
	if k == KindGesture {
		return GestureUnknown
	}
	return TypeText
}

// TypeName returns the lowercase name of t under kind k.
func (k Kind) TypeName(t Type) string {
	names := k.typeNames()
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType maps a type name back to its tag.
func (k Kind) ParseType(name string) (Type, error) {
	for i, n := range k.typeNames() {
		if strings.EqualFold(n, name) {
			return Type(i), nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown %s type %q", k, name)
}

// Envelope is the logical message or gesture event.
type Envelope struct {
	Type Type
	// Timestamp is seconds since the Unix epoch. The field is 32 bits wide
	// and wraps in February 2106.
	Timestamp uint32
	// Content is chat text. Always empty for gesture payloads.
	Content string
}

// Time returns the timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.Unix(int64(e.Timestamp), 0)
}

// Timestamp truncates t to the 32-bit wire representation.
func Timestamp(t time.Time) uint32 {
	return uint32(t.Unix())
}

// Codec encodes and decodes envelopes for one payload kind. The zero value
// is a chat codec with lenient timestamp handling.
type Codec struct {
	Kind Kind
	// StrictTimestamp rejects buffers shorter than HeaderSize instead of
	// substituting the current time for the missing timestamp.
	StrictTimestamp bool
	// Now supplies the fallback timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Encode lays out env as [type][timestamp LE][content]. Gesture payloads
// never carry content.
func (c Codec) Encode(env Envelope) []byte {
	n := HeaderSize
	if c.Kind == KindChat {
		n += len(env.Content)
	}
	buf := make([]byte, HeaderSize, n)
	buf[0] = byte(env.Type)
	binary.LittleEndian.PutUint32(buf[1:HeaderSize], env.Timestamp)
	if c.Kind == KindChat {
		buf = append(buf, env.Content...)
	}
	return buf
}

// Decode parses a payload. Only an empty buffer is an error in the default
// lenient mode: unknown types map to the kind's default type and a missing
// timestamp is replaced by the current time.
func (c Codec) Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, ErrMalformedPayload
	}

	env := Envelope{Type: Type(data[0])}
	if !c.Kind.Valid(env.Type) {
		env.Type = c.Kind.DefaultType()
	}

	if len(data) < HeaderSize {
		if c.StrictTimestamp {
			return Envelope{}, fmt.Errorf("%w: %d bytes, need %d for timestamp", ErrMalformedPayload, len(data), HeaderSize)
		}
		env.Timestamp = Timestamp(c.now())
		return env, nil
	}
	env.Timestamp = binary.LittleEndian.Uint32(data[1:HeaderSize])

	if c.Kind == KindChat && len(data) > HeaderSize {
		env.Content = strings.ToValidUTF8(string(data[HeaderSize:]), "\uFFFD")
	}
	return env, nil
}

func (c Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// EncodeOnlineState encodes the single-byte online flag.
func EncodeOnlineState(online bool) []byte {
	if online {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeOnlineState reads the online flag. Any non-zero byte means online.
func DecodeOnlineState(data []byte) (bool, error) {
	if len(data) == 0 {
		return false, ErrMalformedPayload
	}
	return data[0] != 0, nil
}
