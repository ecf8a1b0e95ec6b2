// Package ble provides the GATT layer of btcomm: client sessions that connect,
// discover services and subscribe to a peer's data characteristic, a client
// manager that owns those sessions, and a local GATT server with subscriber
// bookkeeping. Radio access goes through the Central and Peripheral
// interfaces so the state machines can be tested without hardware.
package ble

import (
	"bytes"
	"fmt"

	"github.com/google/uuid"
)

// Status is a GATT response status sent to a remote central.
type Status uint16

const (
	StatusSuccess       Status = 0x0000
	StatusInvalidOffset Status = 0x0007
	StatusFailure       Status = 0x0101
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusInvalidOffset:
		return "invalid offset"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(0x%04x)", uint16(s))
	}
}

// EnableNotificationValue returns the client configuration descriptor value
// that turns notifications on.
func EnableNotificationValue() []byte { return []byte{0x01, 0x00} }

// DisableNotificationValue returns the descriptor value that turns
// notifications off.
func DisableNotificationValue() []byte { return []byte{0x00, 0x00} }

// LinkEventType identifies a transport event on a client link.
type LinkEventType int

const (
	LinkConnected LinkEventType = iota
	LinkConnectFailed
	LinkDisconnected
	LinkServicesDiscovered
	LinkNotification
	LinkReadResult
)

func (t LinkEventType) String() string {
	switch t {
	case LinkConnected:
		return "connected"
	case LinkConnectFailed:
		return "connect-failed"
	case LinkDisconnected:
		return "disconnected"
	case LinkServicesDiscovered:
		return "services-discovered"
	case LinkNotification:
		return "notification"
	case LinkReadResult:
		return "read-result"
	default:
		return fmt.Sprintf("link-event(%d)", int(t))
	}
}

// ServiceInfo is one remote service found by service discovery.
type ServiceInfo struct {
	UUID            uuid.UUID
	Characteristics []uuid.UUID
}

// Has reports whether the service exposes characteristic c.
func (s ServiceInfo) Has(c uuid.UUID) bool {
	for _, id := range s.Characteristics {
		if id == c {
			return true
		}
	}
	return false
}

func findService(services []ServiceInfo, id uuid.UUID) (ServiceInfo, bool) {
	for _, s := range services {
		if s.UUID == id {
			return s, true
		}
	}
	return ServiceInfo{}, false
}

// LinkEvent is delivered by a Central for a link it dialed. Link is always
// set and identifies which attempt the event belongs to.
type LinkEvent struct {
	Type           LinkEventType
	Address        string
	Link           Link
	Services       []ServiceInfo // LinkServicesDiscovered
	Characteristic uuid.UUID     // LinkNotification, LinkReadResult
	Value          []byte        // LinkNotification, LinkReadResult
	Err            error
}

// Central is the client role of the local adapter.
type Central interface {
	// Dial starts an asynchronous connection to address and returns the
	// link handle. The outcome arrives on sink as LinkConnected or
	// LinkConnectFailed. Implementations never call sink from inside Dial
	// or any Link method.
	Dial(address string, sink func(LinkEvent)) (Link, error)
}

// Link is one client connection attempt. All requests are asynchronous and
// report through the sink passed to Dial.
type Link interface {
	Address() string
	// DiscoverServices requests service discovery; the result arrives as
	// LinkServicesDiscovered.
	DiscoverServices() error
	// EnableNotifications writes the enable value to descriptor of
	// characteristic. Notifications arrive as LinkNotification.
	EnableNotifications(service, characteristic, descriptor uuid.UUID) error
	// Read requests the characteristic value; it arrives as LinkReadResult.
	Read(service, characteristic uuid.UUID) error
	// Close releases the transport handle.
	Close() error
}

// ServerEventType identifies a request or state change from a remote
// central to the local GATT server.
type ServerEventType int

const (
	ServerConnectionState ServerEventType = iota
	ServerReadRequest
	ServerDescriptorReadRequest
	ServerDescriptorWriteRequest
)

func (t ServerEventType) String() string {
	switch t {
	case ServerConnectionState:
		return "connection-state"
	case ServerReadRequest:
		return "read-request"
	case ServerDescriptorReadRequest:
		return "descriptor-read-request"
	case ServerDescriptorWriteRequest:
		return "descriptor-write-request"
	default:
		return fmt.Sprintf("server-event(%d)", int(t))
	}
}

// ServerEvent is delivered by a Peripheral to the registered sink.
type ServerEvent struct {
	Type           ServerEventType
	Device         string
	Connected      bool // ServerConnectionState
	RequestID      int
	Offset         int
	Characteristic uuid.UUID
	Descriptor     uuid.UUID
	Value          []byte
	ResponseNeeded bool
}

// CharacteristicProps is the property set advertised for a characteristic.
type CharacteristicProps uint8

const (
	PropRead CharacteristicProps = 1 << iota
	PropWrite
	PropNotify
)

// LocalCharacteristic describes one characteristic of a local service.
type LocalCharacteristic struct {
	UUID        uuid.UUID
	Props       CharacteristicProps
	Descriptors []uuid.UUID
}

// ServiceTable is the service registered with the local peripheral stack,
// together with the logical advertising fields.
type ServiceTable struct {
	LocalName       string
	Service         uuid.UUID
	Characteristics []LocalCharacteristic
}

// Peripheral is the server role of the local adapter.
type Peripheral interface {
	// AddService registers table and starts advertising it. Requests from
	// remote centrals arrive on sink, never from inside a Peripheral call.
	AddService(table ServiceTable, sink func(ServerEvent)) error
	RemoveService() error
	SendResponse(device string, requestID int, status Status, offset int, value []byte) error
	// NotifyCharacteristicChanged pushes value to one connected device.
	NotifyCharacteristicChanged(device string, characteristic uuid.UUID, value []byte) error
}

// NotifyBeginner is implemented by peripherals that need to know where one
// push of a value to all subscribers starts. The server calls BeginNotify
// before the per-device NotifyCharacteristicChanged calls of each push.
type NotifyBeginner interface {
	BeginNotify(characteristic uuid.UUID)
}

// fanoutDedup collapses the per-device writes of one push into a single
// write for stacks that notify every subscriber on one write. Each push
// starts with begin, so equal values in consecutive pushes are all written.
type fanoutDedup struct {
	sent map[uuid.UUID][]byte
}

func (d *fanoutDedup) begin(c uuid.UUID) {
	delete(d.sent, c)
}

// first reports whether value is the first write of the current push for c
// and records it.
func (d *fanoutDedup) first(c uuid.UUID, value []byte) bool {
	if last, ok := d.sent[c]; ok && bytes.Equal(last, value) {
		return false
	}
	if d.sent == nil {
		d.sent = make(map[uuid.UUID][]byte)
	}
	d.sent[c] = bytes.Clone(value)
	return true
}
