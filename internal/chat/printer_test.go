package chat

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/chaz8081/btcomm/internal/ble"
	"github.com/chaz8081/btcomm/internal/ble/protocol"
)

func TestPrinter(t *testing.T) {
	ts := uint32(1700000000)
	tests := []struct {
		name string
		kind protocol.Kind
		ev   ble.ClientEvent
		want string
	}{
		{
			name: "text",
			kind: protocol.KindChat,
			ev:   ble.ClientEvent{Type: ble.ClientData, Address: "AA", Envelope: protocol.Envelope{Timestamp: ts, Content: "hi"}},
			want: "[22:13:20] AA: hi\n",
		},
		{
			name: "emoji",
			kind: protocol.KindChat,
			ev:   ble.ClientEvent{Type: ble.ClientData, Address: "AA", Envelope: protocol.Envelope{Type: protocol.TypeEmoji, Timestamp: ts, Content: ":)"}},
			want: "[22:13:20] AA: :) (emoji)\n",
		},
		{
			name: "gesture",
			kind: protocol.KindGesture,
			ev:   ble.ClientEvent{Type: ble.ClientData, Address: "AA", Envelope: protocol.Envelope{Type: protocol.GestureTop, Timestamp: ts}},
			want: "[22:13:20] AA: gesture top\n",
		},
		{
			name: "online",
			kind: protocol.KindChat,
			ev:   ble.ClientEvent{Type: ble.ClientOnlineState, Address: "AA", Online: true},
			want: "* AA is online\n",
		},
		{
			name: "state",
			kind: protocol.KindChat,
			ev:   ble.ClientEvent{Type: ble.ClientStateChanged, Address: "AA", State: ble.StateSubscribed},
			want: "* AA subscribed\n",
		},
		{
			name: "error",
			kind: protocol.KindChat,
			ev:   ble.ClientEvent{Type: ble.ClientError, Address: "AA", Err: errors.New("boom")},
			want: "! AA: boom\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			p := NewPrinter(&buf, tt.kind)
			p.loc = time.UTC
			if err := p.Print(tt.ev); err != nil {
				t.Fatalf("Print() error = %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("Print() = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}
