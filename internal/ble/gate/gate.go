// Package gate tracks whether the local Bluetooth adapter is enabled and
// tells subscribed components when that changes. Scanners, the client
// manager and the GATT server subscribe at construction and close their
// subscription at teardown.
package gate

import (
	"log/slog"
	"sync"
)

// Gate is a process-wide adapter state observable.
type Gate struct {
	mu      sync.Mutex
	enabled bool
	nextID  int
	subs    map[int]func(enabled bool)
}

// New creates a Gate with the given initial state.
func New(enabled bool) *Gate {
	return &Gate{
		enabled: enabled,
		subs:    make(map[int]func(bool)),
	}
}

// Enabled reports the last published adapter state.
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Set publishes a new adapter state. Subscribers are called only when the
// state actually changes, outside the gate's lock, in no particular order.
func (g *Gate) Set(enabled bool) {
	g.mu.Lock()
	if g.enabled == enabled {
		g.mu.Unlock()
		return
	}
	g.enabled = enabled
	fns := make([]func(bool), 0, len(g.subs))
	for _, fn := range g.subs {
		fns = append(fns, fn)
	}
	g.mu.Unlock()

	slog.Info("[BLE] adapter state changed", "enabled", enabled, "subscribers", len(fns))
	for _, fn := range fns {
		fn(enabled)
	}
}

// Subscribe registers fn for state changes. The returned Subscription must
// be closed when the subscriber is torn down.
func (g *Gate) Subscribe(fn func(enabled bool)) *Subscription {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.nextID
	g.nextID++
	g.subs[id] = fn
	return &Subscription{gate: g, id: id}
}

// Subscribers returns the number of live subscriptions.
func (g *Gate) Subscribers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

func (g *Gate) remove(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs, id)
}

// Subscription is a scoped registration with a Gate.
type Subscription struct {
	gate *Gate
	id   int
	once sync.Once
}

// Close releases the subscription. It is safe to call multiple times and
// on a nil Subscription.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.gate.remove(s.id)
	})
}
