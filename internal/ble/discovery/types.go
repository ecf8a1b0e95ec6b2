// Package discovery finds nearby peers with one or more scanners running in
// parallel and merges their results into a single deduplicated peer set.
package discovery

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAdapterOff is returned by Coordinator.Start while the adapter gate
// reports Bluetooth as disabled.
var ErrAdapterOff = errors.New("discovery: bluetooth adapter is disabled")

// ScannerType tags the scanning technology that produced an event.
type ScannerType int

const (
	ScannerClassic ScannerType = 1
	ScannerLE      ScannerType = 2
)

func (t ScannerType) String() string {
	switch t {
	case ScannerClassic:
		return "classic"
	case ScannerLE:
		return "le"
	default:
		return fmt.Sprintf("scanner(%d)", int(t))
	}
}

// Transport is the radio a peer was seen on.
type Transport int

const (
	TransportUnknown Transport = iota
	TransportClassic
	TransportLE
	TransportDual
)

func (t Transport) String() string {
	switch t {
	case TransportClassic:
		return "classic"
	case TransportLE:
		return "le"
	case TransportDual:
		return "dual"
	default:
		return "unknown"
	}
}

// SupportsLE reports whether a GATT connection can be attempted over t.
func (t Transport) SupportsLE() bool {
	return t == TransportLE || t == TransportDual
}

// merge combines two sightings of the same address.
func (t Transport) merge(other Transport) Transport {
	switch {
	case t == other || other == TransportUnknown:
		return t
	case t == TransportUnknown:
		return other
	default:
		return TransportDual
	}
}

// Peer is a discovered remote device.
type Peer struct {
	Address   string
	Name      string
	Transport Transport
	Class     uint32 // classic device class, 0 when unknown
	RSSI      int16
}

// DisplayName returns the advertised name, or the address when none was seen.
func (p Peer) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Address
}

// NormalizeAddress returns the dedup key for an address.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// EventType identifies a discovery event.
type EventType int

const (
	EventDeviceFound EventType = iota
	EventScanFailed
	EventScanComplete
	EventDiscoveryComplete
)

func (t EventType) String() string {
	switch t {
	case EventDeviceFound:
		return "device-found"
	case EventScanFailed:
		return "scan-failed"
	case EventScanComplete:
		return "scan-complete"
	case EventDiscoveryComplete:
		return "discovery-complete"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is delivered by scanners to their sink and by the Coordinator to its
// consumer. Peer is set for EventDeviceFound, Err for EventScanFailed and
// Peers for EventDiscoveryComplete.
type Event struct {
	Type    EventType
	Scanner ScannerType
	Peer    Peer
	Peers   []Peer
	Err     error
}

// Sink receives scanner events. It is called from the scanner's goroutine
// and must not call Stop on the same scanner.
type Sink func(Event)

// FailureCode classifies why the platform rejected or aborted a scan.
type FailureCode int

const (
	FailureAlreadyStarted FailureCode = 1
	FailureRegistration   FailureCode = 2
	FailureInternal       FailureCode = 3
	FailureUnsupported    FailureCode = 4
	FailureOutOfResources FailureCode = 5
)

func (c FailureCode) String() string {
	switch c {
	case FailureAlreadyStarted:
		return "already started"
	case FailureRegistration:
		return "registration failed"
	case FailureInternal:
		return "internal error"
	case FailureUnsupported:
		return "feature unsupported"
	case FailureOutOfResources:
		return "out of hardware resources"
	default:
		return fmt.Sprintf("code %d", int(c))
	}
}

// ScanError is the error carried by EventScanFailed.
type ScanError struct {
	Scanner ScannerType
	Code    FailureCode
	Err     error
}

func (e *ScanError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery: %s scan failed (%s): %v", e.Scanner, e.Code, e.Err)
	}
	return fmt.Sprintf("discovery: %s scan failed (%s)", e.Scanner, e.Code)
}

func (e *ScanError) Unwrap() error { return e.Err }

// asScanError wraps err as a ScanError for scanner t, keeping the code of an
// existing ScanError.
func asScanError(t ScannerType, err error) *ScanError {
	var se *ScanError
	if errors.As(err, &se) {
		out := *se
		out.Scanner = t
		return &out
	}
	return &ScanError{Scanner: t, Code: FailureInternal, Err: err}
}
