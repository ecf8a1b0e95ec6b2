package discovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/chaz8081/btcomm/internal/ble/eventq"
	"github.com/chaz8081/btcomm/internal/ble/gate"
)

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	// Filter decides which peers are reported. Nil reports every peer.
	Filter func(Peer) bool
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
}

// RequireLE is a Filter that keeps peers reachable over LE.
func RequireLE(p Peer) bool {
	return p.Transport.SupportsLE()
}

// Coordinator runs several scanners at once and turns their results into one
// deduplicated stream of events. The peer set is owned by the Coordinator
// and only leaves it as copies inside events.
type Coordinator struct {
	scanners []Scanner
	filter   func(Peer) bool
	gate     *gate.Gate
	sub      *gate.Subscription
	events   *eventq.Queue[Event]

	mu       sync.Mutex
	gen      uint64
	running  bool
	peers    map[string]*seenPeer
	order    []string
	finished map[ScannerType]bool
}

type seenPeer struct {
	peer      Peer
	forwarded bool
}

// NewCoordinator wires scanners to a Coordinator. When g is non-nil the
// Coordinator stops every scanner as soon as the adapter is disabled.
func NewCoordinator(scanners []Scanner, opts CoordinatorOptions, g *gate.Gate) *Coordinator {
	c := &Coordinator{
		scanners: scanners,
		filter:   opts.Filter,
		gate:     g,
		events:   eventq.New[Event](opts.EventBuffer),
	}
	if g != nil {
		c.sub = g.Subscribe(func(enabled bool) {
			if !enabled {
				slog.Info("[BLE] adapter disabled, stopping discovery")
				c.Stop()
			}
		})
	}
	return c
}

// Events delivers DeviceFound, ScanFailed, ScanComplete and
// DiscoveryComplete events in the order the Coordinator accepted them.
func (c *Coordinator) Events() <-chan Event {
	return c.events.C()
}

// Running reports whether a discovery run is in progress.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start begins a new discovery run with an empty peer set. Calling Start
// while a run is in progress is a no-op.
func (c *Coordinator) Start() error {
	if c.gate != nil && !c.gate.Enabled() {
		return ErrAdapterOff
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.running = true
	c.peers = make(map[string]*seenPeer)
	c.order = nil
	c.finished = make(map[ScannerType]bool, len(c.scanners))
	if len(c.scanners) == 0 {
		c.completeLocked()
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	slog.Info("[BLE] discovery started", "scanners", len(c.scanners))
	for _, s := range c.scanners {
		s := s
		if err := s.Start(func(ev Event) { c.handle(gen, ev) }); err != nil {
			c.handle(gen, Event{Type: EventScanFailed, Scanner: s.Type(), Err: asScanError(s.Type(), err)})
		}
	}
	return nil
}

// Stop stops every scanner regardless of state. Running scanners report
// completion, which ends the current run with EventDiscoveryComplete.
func (c *Coordinator) Stop() {
	for _, s := range c.scanners {
		s.Stop()
	}
}

// Close stops discovery, releases the gate subscription and closes Events.
func (c *Coordinator) Close() {
	c.sub.Close()
	c.Stop()
	c.events.Close()
}

func (c *Coordinator) handle(gen uint64, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || !c.running {
		slog.Debug("[BLE] dropping stale discovery event", "type", ev.Type, "scanner", ev.Scanner)
		return
	}

	switch ev.Type {
	case EventDeviceFound:
		c.foundLocked(ev.Scanner, ev.Peer)

	case EventScanFailed:
		c.events.Push(ev)
		c.finishLocked(ev.Scanner)

	case EventScanComplete:
		c.events.Push(ev)
		c.finishLocked(ev.Scanner)
	}
}

func (c *Coordinator) foundLocked(from ScannerType, p Peer) {
	key := NormalizeAddress(p.Address)
	if key == "" {
		return
	}

	seen, ok := c.peers[key]
	if !ok {
		seen = &seenPeer{peer: p}
		c.peers[key] = seen
		c.order = append(c.order, key)
	} else {
		seen.peer.Transport = seen.peer.Transport.merge(p.Transport)
		if seen.peer.Name == "" {
			seen.peer.Name = p.Name
		}
		if seen.peer.Class == 0 {
			seen.peer.Class = p.Class
		}
		if p.RSSI != 0 {
			seen.peer.RSSI = p.RSSI
		}
	}

	if seen.forwarded || !c.accepts(seen.peer) {
		return
	}
	seen.forwarded = true
	slog.Debug("[BLE] device found", "address", seen.peer.Address, "name", seen.peer.Name, "transport", seen.peer.Transport)
	c.events.Push(Event{Type: EventDeviceFound, Scanner: from, Peer: seen.peer})
}

func (c *Coordinator) accepts(p Peer) bool {
	return c.filter == nil || c.filter(p)
}

func (c *Coordinator) finishLocked(t ScannerType) {
	c.finished[t] = true
	for _, s := range c.scanners {
		if !c.finished[s.Type()] {
			return
		}
	}
	c.completeLocked()
}

func (c *Coordinator) completeLocked() {
	c.running = false
	peers := make([]Peer, 0, len(c.order))
	for _, key := range c.order {
		if seen := c.peers[key]; seen.forwarded {
			peers = append(peers, seen.peer)
		}
	}
	slog.Info("[BLE] discovery complete", "peers", len(peers), "seen", len(c.order))
	c.events.Push(Event{Type: EventDiscoveryComplete, Peers: peers})
}

// Collect runs one discovery pass on c and returns the reported peers. If
// ctx ends first the scan is stopped and the peers found so far are
// returned together with ctx.Err(). Collect consumes c.Events() for the
// duration of the run.
func Collect(ctx context.Context, c *Coordinator) ([]Peer, error) {
	if err := c.Start(); err != nil {
		return nil, err
	}

	var ctxErr error
	done := ctx.Done()
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return nil, errors.New("discovery: coordinator closed")
			}
			switch ev.Type {
			case EventScanFailed:
				slog.Warn("[BLE] scanner failed", "scanner", ev.Scanner, "error", ev.Err)
			case EventDiscoveryComplete:
				return ev.Peers, ctxErr
			}
		case <-done:
			ctxErr = ctx.Err()
			done = nil
			c.Stop()
		}
	}
}
