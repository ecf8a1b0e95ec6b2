package ble

import "errors"

var (
	// ErrAdapterUnavailable means there is no usable local adapter: no
	// hardware, no permission, or Bluetooth is switched off.
	ErrAdapterUnavailable = errors.New("ble: bluetooth adapter unavailable")
	// ErrInvalidAddress means a peer address could not be resolved.
	ErrInvalidAddress = errors.New("ble: invalid peer address")
	// ErrServiceNotFound means the peer does not expose the profile's
	// service or data characteristic.
	ErrServiceNotFound = errors.New("ble: service not found")
	// ErrNotRunning is returned when the server is asked to push data while
	// its service is not registered.
	ErrNotRunning = errors.New("ble: server not running")
)
