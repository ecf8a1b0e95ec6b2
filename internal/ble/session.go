package ble

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/chaz8081/btcomm/internal/ble/protocol"
	"github.com/google/uuid"
)

// SessionState is the phase of a client session.
type SessionState int

const (
	StateIdle SessionState = iota
	StateConnecting
	StateConnected
	StateServicesDiscovered
	StateSubscribed
	StateDisconnected
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateServicesDiscovered:
		return "services-discovered"
	case StateSubscribed:
		return "subscribed"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Live reports whether a session in state s holds a transport handle.
func (s SessionState) Live() bool {
	return s >= StateConnecting && s <= StateSubscribed
}

// Session drives one client link through connect, service discovery and
// subscription. A Session is not safe for concurrent use; the ClientManager
// that owns it serialises every call.
type Session struct {
	address string
	profile Profile
	codec   protocol.Codec
	emit    func(ClientEvent)

	link       Link
	state      SessionState
	subscribed map[uuid.UUID]bool
}

func newSession(address string, profile Profile, codec protocol.Codec, emit func(ClientEvent)) *Session {
	return &Session{
		address:    address,
		profile:    profile,
		codec:      codec,
		emit:       emit,
		subscribed: make(map[uuid.UUID]bool),
	}
}

// Address returns the peer address.
func (s *Session) Address() string { return s.address }

// State returns the current phase.
func (s *Session) State() SessionState { return s.state }

// Subscribed reports whether notifications are enabled on characteristic c.
func (s *Session) Subscribed(c uuid.UUID) bool { return s.subscribed[c] }

// connect dials the peer. Adapter and address errors are returned
// immediately and leave the session Idle.
func (s *Session) connect(central Central, sink func(LinkEvent)) error {
	if s.state != StateIdle {
		return nil
	}
	link, err := central.Dial(s.address, sink)
	if err != nil {
		return fmt.Errorf("ble: connect %s: %w", s.address, err)
	}
	s.link = link
	s.setState(StateConnecting)
	return nil
}

// disconnect releases the link. It is a no-op unless the session is live.
func (s *Session) disconnect() {
	if !s.state.Live() {
		return
	}
	s.release()
	s.setState(StateDisconnected)
}

// read requests the data characteristic value from the peer.
func (s *Session) read() error {
	if s.state != StateServicesDiscovered && s.state != StateSubscribed {
		return fmt.Errorf("ble: read %s: session is %s", s.address, s.state)
	}
	if err := s.link.Read(s.profile.Service, s.profile.Data); err != nil {
		return fmt.Errorf("ble: read %s: %w", s.address, err)
	}
	return nil
}

// handle applies one transport event. Events for another link, or arriving
// after the session ended, are dropped.
func (s *Session) handle(ev LinkEvent) {
	if !s.state.Live() || ev.Link != s.link {
		slog.Debug("[BLE] ignoring stale link event", "address", s.address, "event", ev.Type, "state", s.state)
		return
	}

	switch ev.Type {
	case LinkConnected:
		if s.state != StateConnecting {
			return
		}
		s.setState(StateConnected)
		if err := s.link.DiscoverServices(); err != nil {
			s.fail(fmt.Errorf("ble: discover services on %s: %w", s.address, err))
		}

	case LinkConnectFailed:
		if s.state != StateConnecting {
			return
		}
		s.release()
		s.setState(StateFailed)
		err := ev.Err
		if err == nil {
			err = errors.New("connection refused")
		}
		s.fail(fmt.Errorf("ble: connect %s: %w", s.address, err))

	case LinkServicesDiscovered:
		if s.state != StateConnected {
			return
		}
		if ev.Err != nil {
			s.fail(fmt.Errorf("ble: discover services on %s: %w", s.address, ev.Err))
			return
		}
		s.setState(StateServicesDiscovered)
		s.subscribe(ev.Services)

	case LinkNotification, LinkReadResult:
		if ev.Err != nil {
			s.fail(fmt.Errorf("ble: %s from %s: %w", ev.Type, s.address, ev.Err))
			return
		}
		s.deliver(ev.Characteristic, ev.Value)

	case LinkDisconnected:
		s.release()
		s.setState(StateDisconnected)
	}
}

func (s *Session) subscribe(services []ServiceInfo) {
	svc, ok := findService(services, s.profile.Service)
	if !ok || !svc.Has(s.profile.Data) {
		slog.Warn("[BLE] peer does not expose profile", "address", s.address, "profile", s.profile.Name)
		s.emit(ClientEvent{
			Type:    ClientServiceNotFound,
			Address: s.address,
			State:   s.state,
			Err:     fmt.Errorf("%w: %s on %s", ErrServiceNotFound, s.profile.Service, s.address),
		})
		return
	}

	if err := s.link.EnableNotifications(s.profile.Service, s.profile.Data, s.profile.ClientConfig); err != nil {
		s.fail(fmt.Errorf("ble: enable notifications on %s: %w", s.address, err))
		return
	}
	s.subscribed[s.profile.Data] = true

	if s.profile.OnlineState != uuid.Nil && svc.Has(s.profile.OnlineState) {
		if err := s.link.EnableNotifications(s.profile.Service, s.profile.OnlineState, s.profile.ClientConfig); err != nil {
			slog.Warn("[BLE] online-state subscription failed", "address", s.address, "error", err)
		} else {
			s.subscribed[s.profile.OnlineState] = true
		}
	}
	s.setState(StateSubscribed)
}

func (s *Session) deliver(c uuid.UUID, value []byte) {
	switch {
	case c == s.profile.Data:
		env, err := s.codec.Decode(value)
		if err != nil {
			slog.Warn("[BLE] dropping malformed payload", "address", s.address, "error", err)
			return
		}
		s.emit(ClientEvent{Type: ClientData, Address: s.address, State: s.state, Envelope: env})

	case s.profile.OnlineState != uuid.Nil && c == s.profile.OnlineState:
		online, err := protocol.DecodeOnlineState(value)
		if err != nil {
			slog.Warn("[BLE] dropping malformed online state", "address", s.address, "error", err)
			return
		}
		s.emit(ClientEvent{Type: ClientOnlineState, Address: s.address, State: s.state, Online: online})

	default:
		slog.Debug("[BLE] value for unknown characteristic", "address", s.address, "characteristic", c)
	}
}

// release frees the transport handle and forgets subscriptions. It is the
// only place the link is closed.
func (s *Session) release() {
	if s.link != nil {
		if err := s.link.Close(); err != nil {
			slog.Debug("[BLE] close link", "address", s.address, "error", err)
		}
	}
	s.link = nil
	clear(s.subscribed)
}

func (s *Session) setState(state SessionState) {
	if s.state == state {
		return
	}
	slog.Info("[BLE] session state", "address", s.address, "from", s.state, "to", state)
	s.state = state
	s.emit(ClientEvent{Type: ClientStateChanged, Address: s.address, State: state})
}

func (s *Session) fail(err error) {
	slog.Warn("[BLE] session error", "address", s.address, "state", s.state, "error", err)
	s.emit(ClientEvent{Type: ClientError, Address: s.address, State: s.state, Err: err})
}
