package ble

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/btcomm/internal/ble/gate"
	"github.com/chaz8081/btcomm/internal/ble/protocol"
	"github.com/google/uuid"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Codec encodes outgoing payloads. Its Kind is taken from the profile.
	Codec protocol.Codec
	// LocalName is advertised alongside the service UUID.
	LocalName string
}

// Server is the local GATT server for one profile. It keeps the most recent
// outgoing envelope for read requests and pushes new envelopes to every
// device in its SubscriberRegistry.
type Server struct {
	peripheral Peripheral
	profile    Profile
	codec      protocol.Codec
	localName  string
	gate       *gate.Gate
	sub        *gate.Subscription

	mu         sync.Mutex
	wantStart  bool
	registered bool
	pending    []byte
	online     bool
	registry   *SubscriberRegistry
}

// NewServer creates a Server on peripheral. When g is non-nil, Start waits
// for the adapter to be enabled and the service is dropped while it is off.
func NewServer(peripheral Peripheral, profile Profile, opts ServerOptions, g *gate.Gate) *Server {
	codec := opts.Codec
	codec.Kind = profile.Kind
	s := &Server{
		peripheral: peripheral,
		profile:    profile,
		codec:      codec,
		localName:  opts.LocalName,
		gate:       g,
		registry:   NewSubscriberRegistry(),
	}
	if g != nil {
		s.sub = g.Subscribe(s.adapterChanged)
	}
	return s
}

// Start registers the service. If the adapter is currently disabled the
// registration happens when it is enabled. Idempotent.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wantStart = true
	if s.registered {
		return nil
	}
	if s.gate != nil && !s.gate.Enabled() {
		slog.Info("[BLE] adapter disabled, server start deferred", "profile", s.profile.Name)
		return nil
	}
	return s.registerLocked()
}

// Stop unregisters the service. Subscribers stay registered until their
// disconnect events arrive.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wantStart = false
	if !s.registered {
		return nil
	}
	s.registered = false
	if err := s.peripheral.RemoveService(); err != nil {
		return fmt.Errorf("ble: remove service: %w", err)
	}
	slog.Info("[BLE] server stopped", "profile", s.profile.Name)
	return nil
}

// Close stops the server and releases its gate subscription.
func (s *Server) Close() error {
	s.sub.Close()
	return s.Stop()
}

// Running reports whether the service is registered.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registered
}

func (s *Server) registerLocked() error {
	table := s.profile.ServiceTable(s.localName)
	if err := s.peripheral.AddService(table, s.HandleEvent); err != nil {
		return fmt.Errorf("ble: add service %s: %w", s.profile.Service, err)
	}
	s.registered = true
	slog.Info("[BLE] server started", "profile", s.profile.Name, "service", s.profile.Service, "name", s.localName)
	return nil
}

func (s *Server) adapterChanged(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if enabled {
		if s.wantStart && !s.registered {
			if err := s.registerLocked(); err != nil {
				slog.Error("[BLE] deferred server start failed", "error", err)
			}
		}
		return
	}

	if s.registered {
		s.registered = false
		if err := s.peripheral.RemoveService(); err != nil {
			slog.Debug("[BLE] remove service after adapter off", "error", err)
		}
	}
	if n := s.registry.Len(); n > 0 {
		slog.Info("[BLE] adapter disabled, dropping subscribers", "count", n)
		s.registry.Clear()
	}
}

// HandleEvent answers one request from a remote central. It is the sink
// handed to Peripheral.AddService.
func (s *Server) HandleEvent(ev ServerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Type {
	case ServerConnectionState:
		if ev.Connected {
			slog.Info("[BLE] central connected", "device", ev.Device)
			return
		}
		if s.registry.Remove(ev.Device) {
			slog.Info("[BLE] subscriber disconnected", "device", ev.Device)
		}

	case ServerReadRequest:
		s.handleReadLocked(ev)

	case ServerDescriptorReadRequest:
		if ev.Descriptor != s.profile.ClientConfig {
			s.respondLocked(ev, StatusFailure, nil)
			return
		}
		value := DisableNotificationValue()
		if s.registry.Has(ev.Device) {
			value = EnableNotificationValue()
		}
		s.respondLocked(ev, StatusSuccess, value)

	case ServerDescriptorWriteRequest:
		s.handleDescriptorWriteLocked(ev)
	}
}

func (s *Server) handleReadLocked(ev ServerEvent) {
	var value []byte
	switch {
	case ev.Characteristic == s.profile.Data:
		value = s.pending
	case s.profile.OnlineState != uuid.Nil && ev.Characteristic == s.profile.OnlineState:
		value = protocol.EncodeOnlineState(s.online)
	default:
		slog.Debug("[BLE] read on unknown characteristic", "device", ev.Device, "characteristic", ev.Characteristic)
		s.respondLocked(ev, StatusFailure, nil)
		return
	}

	if ev.Offset < 0 || ev.Offset > len(value) {
		s.respondLocked(ev, StatusInvalidOffset, nil)
		return
	}
	out := make([]byte, len(value)-ev.Offset)
	copy(out, value[ev.Offset:])
	s.respondLocked(ev, StatusSuccess, out)
}

func (s *Server) handleDescriptorWriteLocked(ev ServerEvent) {
	if ev.Descriptor != s.profile.ClientConfig {
		slog.Debug("[BLE] write on unknown descriptor", "device", ev.Device, "descriptor", ev.Descriptor)
		if ev.ResponseNeeded {
			s.respondLocked(ev, StatusFailure, nil)
		}
		return
	}

	switch {
	case bytes.Equal(ev.Value, EnableNotificationValue()):
		if s.registry.Add(ev.Device) {
			slog.Info("[BLE] subscriber added", "device", ev.Device, "subscribers", s.registry.Len())
		}
	case bytes.Equal(ev.Value, DisableNotificationValue()):
		if s.registry.Remove(ev.Device) {
			slog.Info("[BLE] subscriber removed", "device", ev.Device, "subscribers", s.registry.Len())
		}
	default:
		slog.Debug("[BLE] unsupported descriptor value", "device", ev.Device, "value", ev.Value)
		if ev.ResponseNeeded {
			s.respondLocked(ev, StatusFailure, nil)
		}
		return
	}

	if ev.ResponseNeeded {
		s.respondLocked(ev, StatusSuccess, nil)
	}
}

func (s *Server) respondLocked(ev ServerEvent, status Status, value []byte) {
	if err := s.peripheral.SendResponse(ev.Device, ev.RequestID, status, ev.Offset, value); err != nil {
		slog.Warn("[BLE] send response failed", "device", ev.Device, "status", status, "error", err)
	}
}

// Submit stores env as the value returned to read requests without pushing
// it to subscribers.
func (s *Server) Submit(env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = s.codec.Encode(env)
}

// Notify stores env and pushes it to every subscriber. With no subscribers
// it only stores the value.
func (s *Server) Notify(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = s.codec.Encode(env)
	return s.pushLocked(s.profile.Data, s.pending)
}

// SetOnline updates the online-state characteristic and pushes it to every
// subscriber. Profiles without the characteristic ignore it.
func (s *Server) SetOnline(online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.online = online
	if s.profile.OnlineState == uuid.Nil {
		return nil
	}
	return s.pushLocked(s.profile.OnlineState, protocol.EncodeOnlineState(online))
}

func (s *Server) pushLocked(c uuid.UUID, value []byte) error {
	devices := s.registry.Snapshot()
	if len(devices) == 0 {
		slog.Debug("[BLE] no subscribers, skipping notify", "characteristic", c)
		return nil
	}
	if !s.registered {
		return fmt.Errorf("ble: notify %d subscribers: %w", len(devices), ErrNotRunning)
	}

	if b, ok := s.peripheral.(NotifyBeginner); ok {
		b.BeginNotify(c)
	}
	var errs []error
	for _, d := range devices {
		if err := s.peripheral.NotifyCharacteristicChanged(d, c, value); err != nil {
			errs = append(errs, fmt.Errorf("ble: notify %s: %w", d, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribers returns the currently subscribed devices, sorted.
func (s *Server) Subscribers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Snapshot()
}

// Pending returns a copy of the encoded value served to read requests.
func (s *Server) Pending() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.pending)
}
