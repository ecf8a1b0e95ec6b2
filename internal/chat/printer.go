package chat

import (
	"fmt"
	"io"
	"time"

	"github.com/chaz8081/btcomm/internal/ble"
	"github.com/chaz8081/btcomm/internal/ble/protocol"
)

// Printer renders client events as one line each.
type Printer struct {
	w    io.Writer
	kind protocol.Kind
	loc  *time.Location
}

// NewPrinter creates a Printer writing to w. Payload types are named
// according to kind.
func NewPrinter(w io.Writer, kind protocol.Kind) *Printer {
	return &Printer{w: w, kind: kind, loc: time.Local}
}

// Print writes ev. State changes and errors are shown as status lines.
func (p *Printer) Print(ev ble.ClientEvent) error {
	var err error
	switch ev.Type {
	case ble.ClientData:
		stamp := ev.Envelope.Time().In(p.loc).Format("15:04:05")
		switch {
		case p.kind == protocol.KindGesture:
			_, err = fmt.Fprintf(p.w, "[%s] %s: gesture %s\n", stamp, ev.Address, p.kind.TypeName(ev.Envelope.Type))
		case ev.Envelope.Type == protocol.TypeEmoji:
			_, err = fmt.Fprintf(p.w, "[%s] %s: %s (emoji)\n", stamp, ev.Address, ev.Envelope.Content)
		default:
			_, err = fmt.Fprintf(p.w, "[%s] %s: %s\n", stamp, ev.Address, ev.Envelope.Content)
		}
	case ble.ClientOnlineState:
		status := "offline"
		if ev.Online {
			status = "online"
		}
		_, err = fmt.Fprintf(p.w, "* %s is %s\n", ev.Address, status)
	case ble.ClientStateChanged:
		_, err = fmt.Fprintf(p.w, "* %s %s\n", ev.Address, ev.State)
	case ble.ClientServiceNotFound, ble.ClientError:
		_, err = fmt.Fprintf(p.w, "! %s: %v\n", ev.Address, ev.Err)
	}
	return err
}
