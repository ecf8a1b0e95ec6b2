package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/btcomm/internal/ble/discovery"
	"github.com/chaz8081/btcomm/internal/ble/eventq"
	"github.com/chaz8081/btcomm/internal/ble/gate"
	"github.com/chaz8081/btcomm/internal/ble/protocol"
)

// ClientEventType tags a ClientEvent.
type ClientEventType int

const (
	ClientStateChanged ClientEventType = iota
	ClientData
	ClientOnlineState
	ClientServiceNotFound
	ClientError
)

func (t ClientEventType) String() string {
	switch t {
	case ClientStateChanged:
		return "state"
	case ClientData:
		return "data"
	case ClientOnlineState:
		return "online"
	case ClientServiceNotFound:
		return "service-not-found"
	case ClientError:
		return "error"
	default:
		return fmt.Sprintf("client-event(%d)", int(t))
	}
}

// ClientEvent is delivered by a ClientManager. Address names the session
// that produced it.
type ClientEvent struct {
	Type     ClientEventType
	Address  string
	State    SessionState
	Envelope protocol.Envelope // ClientData
	Online   bool              // ClientOnlineState
	Err      error             // ClientError, ClientServiceNotFound
}

// ClientOptions configures a ClientManager.
type ClientOptions struct {
	// Codec decodes incoming payloads. Its Kind is taken from the profile.
	Codec       protocol.Codec
	EventBuffer int

	// Reconnect redials a peer whose link dropped or failed, waiting
	// ReconnectBase, then doubling up to ReconnectMax between attempts.
	Reconnect     bool
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DefaultClientOptions returns sensible defaults.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		EventBuffer:   16,
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
	}
}

// backoffDelay returns the reconnection delay for attempt n, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 30 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// ClientManager owns one Session per peer address and funnels every
// transport event through a single lock, so sessions never see concurrent
// transitions. Events leave through an unbounded queue so transport
// goroutines are never blocked by the consumer.
type ClientManager struct {
	central Central
	profile Profile
	codec   protocol.Codec
	opts    ClientOptions
	gate    *gate.Gate
	sub     *gate.Subscription
	events  *eventq.Queue[ClientEvent]

	mu       sync.Mutex
	sessions map[string]*Session // keyed by normalised address
	attempts map[string]int
}

// NewClientManager creates a manager that dials through central. When g is
// non-nil, Start refuses to run while the adapter is disabled and every
// session is dropped when it goes off.
func NewClientManager(central Central, profile Profile, opts ClientOptions, g *gate.Gate) *ClientManager {
	codec := opts.Codec
	codec.Kind = profile.Kind
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = opts.ReconnectBase
	}
	m := &ClientManager{
		central:  central,
		profile:  profile,
		codec:    codec,
		opts:     opts,
		gate:     g,
		events:   eventq.New[ClientEvent](opts.EventBuffer),
		sessions: make(map[string]*Session),
		attempts: make(map[string]int),
	}
	if g != nil {
		m.sub = g.Subscribe(func(enabled bool) {
			if !enabled {
				slog.Info("[BLE] adapter disabled, dropping client sessions")
				m.Stop()
			}
		})
	}
	return m
}

// Events delivers session events in the order they happened.
func (m *ClientManager) Events() <-chan ClientEvent {
	return m.events.C()
}

// Start connects to every address. An address that already has a live
// session is skipped. ErrAdapterUnavailable aborts immediately; other
// per-address failures are reported as ClientError events and joined into
// the returned error.
func (m *ClientManager) Start(addresses []string) error {
	if m.gate != nil && !m.gate.Enabled() {
		return fmt.Errorf("ble: start clients: %w", ErrAdapterUnavailable)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, addr := range addresses {
		key := discovery.NormalizeAddress(addr)
		if s, ok := m.sessions[key]; ok && s.State().Live() {
			slog.Debug("[BLE] session already live", "address", addr, "state", s.State())
			continue
		}

		delete(m.attempts, key)
		s := newSession(addr, m.profile, m.codec, m.emitLocked)
		if err := s.connect(m.central, m.HandleLinkEvent); err != nil {
			if errors.Is(err, ErrAdapterUnavailable) {
				return err
			}
			m.events.Push(ClientEvent{Type: ClientError, Address: addr, State: StateIdle, Err: err})
			errs = append(errs, err)
			continue
		}
		m.sessions[key] = s
	}
	return errors.Join(errs...)
}

// Stop disconnects every session and forgets them. Safe to call repeatedly.
func (m *ClientManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, s := range m.sessions {
		delete(m.sessions, key)
		s.disconnect()
	}
	clear(m.attempts)
}

// Disconnect ends the session for one address.
func (m *ClientManager) Disconnect(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := discovery.NormalizeAddress(address)
	if s, ok := m.sessions[key]; ok {
		delete(m.sessions, key)
		delete(m.attempts, key)
		s.disconnect()
	}
}

// emitLocked publishes a session event and schedules a redial when a session
// the manager still owns drops. Sessions removed by Stop or Disconnect are
// no longer in the map and are not redialed.
func (m *ClientManager) emitLocked(ev ClientEvent) {
	m.events.Push(ev)
	if !m.opts.Reconnect || ev.Type != ClientStateChanged {
		return
	}

	key := discovery.NormalizeAddress(ev.Address)
	switch ev.State {
	case StateSubscribed:
		delete(m.attempts, key)
	case StateDisconnected, StateFailed:
		s, ok := m.sessions[key]
		if !ok {
			return
		}
		attempt := m.attempts[key]
		m.attempts[key] = attempt + 1
		delay := backoffDelay(attempt, m.opts.ReconnectBase, m.opts.ReconnectMax)
		slog.Info("[BLE] reconnect backoff", "address", ev.Address, "attempt", attempt+1, "delay", delay)
		time.AfterFunc(delay, func() { m.redial(key, s) })
	}
}

// redial replaces old with a fresh session if old is still the owned,
// non-live session for key.
func (m *ClientManager) redial(key string, old *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[key] != old || old.State().Live() {
		return
	}
	if m.gate != nil && !m.gate.Enabled() {
		return
	}

	s := newSession(old.Address(), m.profile, m.codec, m.emitLocked)
	if err := s.connect(m.central, m.HandleLinkEvent); err != nil {
		slog.Warn("[BLE] reconnect failed", "address", old.Address(), "error", err)
		m.events.Push(ClientEvent{Type: ClientError, Address: old.Address(), State: StateIdle, Err: err})
		delete(m.sessions, key)
		delete(m.attempts, key)
		return
	}
	m.sessions[key] = s
}

// HandleLinkEvent is the single entry point for transport events. It is the
// sink handed to Central.Dial.
func (m *ClientManager) HandleLinkEvent(ev LinkEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[discovery.NormalizeAddress(ev.Address)]
	if !ok {
		slog.Debug("[BLE] link event for unknown session", "address", ev.Address, "event", ev.Type)
		if ev.Link != nil && ev.Type == LinkConnected {
			_ = ev.Link.Close()
		}
		return
	}
	s.handle(ev)
}

// State returns the phase of the session for address.
func (m *ClientManager) State(address string) (SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[discovery.NormalizeAddress(address)]
	if !ok {
		return StateIdle, false
	}
	return s.State(), true
}

// Addresses returns the addresses of every owned session, sorted.
func (m *ClientManager) Addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Address())
	}
	sort.Strings(out)
	return out
}

// Read asks the peer at address for its current data value. The result
// arrives as a ClientData event.
func (m *ClientManager) Read(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[discovery.NormalizeAddress(address)]
	if !ok {
		return fmt.Errorf("ble: read %s: no session", address)
	}
	return s.read()
}

// Close stops every session, releases the gate subscription and closes
// Events.
func (m *ClientManager) Close() {
	m.sub.Close()
	m.Stop()
	m.events.Close()
}
