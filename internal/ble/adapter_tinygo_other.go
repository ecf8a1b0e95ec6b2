//go:build !linux

package ble

import (
	"errors"

	"github.com/google/uuid"
)

// errPeripheralUnsupported is returned by the peripheral methods on
// platforms where tinygo/bluetooth cannot host a GATT service.
var errPeripheralUnsupported = errors.New("ble: peripheral role not supported on this platform")

type tinyGoServer struct{}

func (a *TinyGoAdapter) AddService(ServiceTable, func(ServerEvent)) error {
	return errPeripheralUnsupported
}

func (a *TinyGoAdapter) RemoveService() error { return nil }

func (a *TinyGoAdapter) SendResponse(string, int, Status, int, []byte) error {
	return errPeripheralUnsupported
}

func (a *TinyGoAdapter) NotifyCharacteristicChanged(string, uuid.UUID, []byte) error {
	return errPeripheralUnsupported
}

func (a *TinyGoAdapter) centralChanged(string, bool) {}
