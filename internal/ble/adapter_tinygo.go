package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/btcomm/internal/ble/discovery"
	"github.com/chaz8081/btcomm/internal/ble/gate"
	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// readBufferSize covers the largest attribute value (512 bytes).
const readBufferSize = 512

// TinyGoAdapter wraps tinygo-org/bluetooth. It is the Central, the LE scan
// radio and, on Linux, the Peripheral. On macOS peer addresses are
// CoreBluetooth UUIDs rather than MAC addresses; both forms are accepted.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	gate    *gate.Gate

	// mu protects everything below.
	mu         sync.Mutex
	enabled    bool
	links      map[string]*tinyGoLink // keyed by normalised address
	scanActive bool
	server     *tinyGoServer
}

// NewTinyGoAdapter creates an adapter on the default controller. g, when
// non-nil, is set to the adapter state by Enable.
func NewTinyGoAdapter(g *gate.Gate) *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter: bluetooth.DefaultAdapter,
		gate:    g,
		links:   make(map[string]*tinyGoLink),
	}
}

// Enable powers on the adapter and installs the connection handler.
func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		if a.gate != nil {
			a.gate.Set(false)
		}
		return fmt.Errorf("ble: enable adapter: %w: %w", ErrAdapterUnavailable, err)
	}

	// tinygo/bluetooth reports both our outgoing links and centrals that
	// connect to our service through this one handler.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		a.connectionChanged(device.Address.String(), connected)
	})

	a.mu.Lock()
	a.enabled = true
	a.mu.Unlock()

	if a.gate != nil {
		a.gate.Set(true)
	}
	slog.Info("[BLE] adapter enabled")
	return nil
}

func (a *TinyGoAdapter) isEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

func (a *TinyGoAdapter) connectionChanged(address string, connected bool) {
	key := discovery.NormalizeAddress(address)

	a.mu.Lock()
	link, ours := a.links[key]
	if ours && !connected {
		delete(a.links, key)
	}
	a.mu.Unlock()

	if ours {
		if !connected && link.markClosed() {
			link.sink(LinkEvent{Type: LinkDisconnected, Address: link.address, Link: link})
		}
		return
	}
	a.centralChanged(address, connected)
}

func (a *TinyGoAdapter) forget(l *tinyGoLink) {
	key := discovery.NormalizeAddress(l.address)
	a.mu.Lock()
	if a.links[key] == l {
		delete(a.links, key)
	}
	a.mu.Unlock()
}

// parseAddress accepts a MAC address or a CoreBluetooth UUID.
func parseAddress(address string) (bluetooth.Address, error) {
	var addr bluetooth.Address
	if _, err := bluetooth.ParseMAC(address); err != nil {
		if _, err := uuid.Parse(address); err != nil {
			return addr, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
		}
	}
	addr.Set(address)
	return addr, nil
}

func toBluetoothUUID(id uuid.UUID) bluetooth.UUID {
	return bluetooth.NewUUID([16]byte(id))
}

func fromBluetoothUUID(id bluetooth.UUID) uuid.UUID {
	parsed, err := uuid.Parse(id.String())
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

// Dial implements Central.
func (a *TinyGoAdapter) Dial(address string, sink func(LinkEvent)) (Link, error) {
	if !a.isEnabled() {
		return nil, ErrAdapterUnavailable
	}
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}

	l := &tinyGoLink{
		adapter: a,
		address: address,
		sink:    sink,
		chars:   make(map[uuid.UUID]bluetooth.DeviceCharacteristic),
	}
	a.mu.Lock()
	a.links[discovery.NormalizeAddress(address)] = l
	a.mu.Unlock()

	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			a.forget(l)
			if l.markClosed() {
				sink(LinkEvent{Type: LinkConnectFailed, Address: address, Link: l, Err: err})
			}
			return
		}
		if !l.attach(&device) {
			// Closed while connecting.
			_ = device.Disconnect()
			return
		}
		slog.Info("[BLE] connected", "address", address)
		sink(LinkEvent{Type: LinkConnected, Address: address, Link: l})
	}()
	return l, nil
}

// ScanLE implements discovery.LERadio.
func (a *TinyGoAdapter) ScanLE(filter uuid.UUID, found func(discovery.Peer)) error {
	a.mu.Lock()
	if !a.enabled {
		a.mu.Unlock()
		return &discovery.ScanError{Scanner: discovery.ScannerLE, Code: discovery.FailureRegistration, Err: ErrAdapterUnavailable}
	}
	if a.scanActive {
		a.mu.Unlock()
		return &discovery.ScanError{Scanner: discovery.ScannerLE, Code: discovery.FailureAlreadyStarted}
	}
	a.scanActive = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.scanActive = false
		a.mu.Unlock()
	}()

	hasFilter := filter != uuid.Nil
	want := toBluetoothUUID(filter)
	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		if hasFilter && !result.HasServiceUUID(want) {
			return
		}
		found(discovery.Peer{
			Address:   result.Address.String(),
			Name:      result.LocalName(),
			Transport: discovery.TransportLE,
			RSSI:      result.RSSI,
		})
	})
	if err != nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

// StopLE implements discovery.LERadio. A stop with no scan running is
// dropped; the scanner repeats it until the scan has returned.
func (a *TinyGoAdapter) StopLE() error {
	a.mu.Lock()
	active := a.scanActive
	a.mu.Unlock()
	if !active {
		return nil
	}
	if err := a.adapter.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	return nil
}

// tinyGoLink is one outgoing connection.
type tinyGoLink struct {
	adapter *TinyGoAdapter
	address string
	sink    func(LinkEvent)

	mu     sync.Mutex
	device *bluetooth.Device
	chars  map[uuid.UUID]bluetooth.DeviceCharacteristic
	closed bool
}

func (l *tinyGoLink) Address() string { return l.address }

func (l *tinyGoLink) attach(device *bluetooth.Device) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.device = device
	return true
}

// markClosed reports whether this call closed the link.
func (l *tinyGoLink) markClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.closed = true
	return true
}

func (l *tinyGoLink) connected() (*bluetooth.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.device == nil {
		return nil, errors.New("ble: link not connected")
	}
	return l.device, nil
}

func (l *tinyGoLink) DiscoverServices() error {
	device, err := l.connected()
	if err != nil {
		return err
	}
	go func() {
		services, err := l.discover(device)
		l.sink(LinkEvent{Type: LinkServicesDiscovered, Address: l.address, Link: l, Services: services, Err: err})
	}()
	return nil
}

func (l *tinyGoLink) discover(device *bluetooth.Device) ([]ServiceInfo, error) {
	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	var out []ServiceInfo
	found := make(map[uuid.UUID]bluetooth.DeviceCharacteristic)
	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svc.UUID().String(), err)
		}
		info := ServiceInfo{UUID: fromBluetoothUUID(svc.UUID())}
		for _, c := range chars {
			id := fromBluetoothUUID(c.UUID())
			info.Characteristics = append(info.Characteristics, id)
			found[id] = c
		}
		out = append(out, info)
	}

	l.mu.Lock()
	l.chars = found
	l.mu.Unlock()
	return out, nil
}

func (l *tinyGoLink) characteristic(id uuid.UUID) (bluetooth.DeviceCharacteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.chars[id]
	if !ok {
		return c, fmt.Errorf("ble: characteristic %s not discovered", id)
	}
	return c, nil
}

// EnableNotifications implements Link. The platform stack writes the client
// configuration descriptor itself, so descriptor is not used here.
func (l *tinyGoLink) EnableNotifications(_, characteristic, _ uuid.UUID) error {
	c, err := l.characteristic(characteristic)
	if err != nil {
		return err
	}
	go func() {
		err := c.EnableNotifications(func(buf []byte) {
			value := make([]byte, len(buf))
			copy(value, buf)
			l.sink(LinkEvent{Type: LinkNotification, Address: l.address, Link: l, Characteristic: characteristic, Value: value})
		})
		if err != nil {
			slog.Warn("[BLE] enable notifications failed", "address", l.address, "characteristic", characteristic, "error", err)
		}
	}()
	return nil
}

func (l *tinyGoLink) Read(_, characteristic uuid.UUID) error {
	c, err := l.characteristic(characteristic)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, readBufferSize)
		n, err := c.Read(buf)
		l.sink(LinkEvent{Type: LinkReadResult, Address: l.address, Link: l, Characteristic: characteristic, Value: buf[:n], Err: err})
	}()
	return nil
}

func (l *tinyGoLink) Close() error {
	l.mu.Lock()
	wasClosed := l.closed
	l.closed = true
	device := l.device
	l.device = nil
	l.mu.Unlock()

	l.adapter.forget(l)
	if wasClosed || device == nil {
		return nil
	}
	return device.Disconnect()
}

// Compile-time interface checks.
var (
	_ Central           = (*TinyGoAdapter)(nil)
	_ Peripheral        = (*TinyGoAdapter)(nil)
	_ discovery.LERadio = (*TinyGoAdapter)(nil)
	_ Link              = (*tinyGoLink)(nil)
)
