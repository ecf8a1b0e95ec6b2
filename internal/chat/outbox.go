// Package chat turns user input into envelopes for a GATT server and
// renders events from remote peers.
package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/chaz8081/btcomm/internal/ble/protocol"
)

// Sender pushes one envelope to every subscribed peer. *ble.Server
// satisfies it.
type Sender interface {
	Notify(env protocol.Envelope) error
}

// ErrContentTooLong is returned by SendEmoji when the emoji does not fit one
// envelope.
var ErrContentTooLong = errors.New("chat: content exceeds envelope limit")

// Outbox sends chat text, emoji and gestures through a Sender, keeping every
// envelope's content within the configured limit.
type Outbox struct {
	sender     Sender
	maxContent int
	now        func() time.Time
}

// NewOutbox creates an Outbox backed by sender. A non-positive maxContent
// selects protocol.MaxContentBytes. Panics if sender is nil (programmer
// error).
func NewOutbox(sender Sender, maxContent int) *Outbox {
	if sender == nil {
		panic("chat: NewOutbox called with nil sender")
	}
	if maxContent <= 0 || maxContent > protocol.MaxContentBytes {
		maxContent = protocol.MaxContentBytes
	}
	return &Outbox{sender: sender, maxContent: maxContent, now: time.Now}
}

// SendText splits text into pieces that fit one envelope each and sends
// them in order. All pieces share one timestamp. Empty text is a no-op.
func (o *Outbox) SendText(text string) error {
	parts := protocol.SplitContent(text, o.maxContent)
	if len(parts) == 0 {
		return nil
	}

	ts := protocol.Timestamp(o.now())
	for i, part := range parts {
		env := protocol.Envelope{Type: protocol.TypeText, Timestamp: ts, Content: part}
		if err := o.sender.Notify(env); err != nil {
			return fmt.Errorf("chat: send part %d/%d: %w", i+1, len(parts), err)
		}
	}
	return nil
}

// SendEmoji sends a single emoji envelope. Emoji are never split.
func (o *Outbox) SendEmoji(emoji string) error {
	if emoji == "" {
		return nil
	}
	if len(emoji) > o.maxContent {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrContentTooLong, len(emoji), o.maxContent)
	}
	env := protocol.Envelope{Type: protocol.TypeEmoji, Timestamp: protocol.Timestamp(o.now()), Content: emoji}
	if err := o.sender.Notify(env); err != nil {
		return fmt.Errorf("chat: send emoji: %w", err)
	}
	return nil
}

// SendGesture sends a gesture envelope. Gestures carry no content.
func (o *Outbox) SendGesture(g protocol.Type) error {
	if !protocol.KindGesture.Valid(g) {
		return fmt.Errorf("chat: unknown gesture %d", g)
	}
	env := protocol.Envelope{Type: g, Timestamp: protocol.Timestamp(o.now())}
	if err := o.sender.Notify(env); err != nil {
		return fmt.Errorf("chat: send gesture %s: %w", protocol.KindGesture.TypeName(g), err)
	}
	return nil
}
