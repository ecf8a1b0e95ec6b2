//go:build linux

package ble

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

// tinyGoServer is the registered local service. BlueZ answers reads and
// client configuration writes itself, so the adapter reports a connecting
// central as subscribed and pushes values by writing the characteristic.
type tinyGoServer struct {
	sink    func(ServerEvent)
	handles map[uuid.UUID]*bluetooth.Characteristic
	dedup   fanoutDedup
	adv     *bluetooth.Advertisement
	config  uuid.UUID
	active  bool
}

func characteristicFlags(p CharacteristicProps) bluetooth.CharacteristicPermissions {
	var flags bluetooth.CharacteristicPermissions
	if p&PropRead != 0 {
		flags |= bluetooth.CharacteristicReadPermission
	}
	if p&PropWrite != 0 {
		flags |= bluetooth.CharacteristicWritePermission
	}
	if p&PropNotify != 0 {
		flags |= bluetooth.CharacteristicNotifyPermission
	}
	return flags
}

// AddService implements Peripheral. tinygo/bluetooth cannot unregister a
// service, so a second AddService after RemoveService reuses the first
// registration and only restarts advertising.
func (a *TinyGoAdapter) AddService(table ServiceTable, sink func(ServerEvent)) error {
	if !a.isEnabled() {
		return ErrAdapterUnavailable
	}

	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()

	if srv == nil {
		srv = &tinyGoServer{
			handles: make(map[uuid.UUID]*bluetooth.Characteristic),
		}
		svc := &bluetooth.Service{UUID: toBluetoothUUID(table.Service)}
		for _, c := range table.Characteristics {
			handle := new(bluetooth.Characteristic)
			srv.handles[c.UUID] = handle
			svc.Characteristics = append(svc.Characteristics, bluetooth.CharacteristicConfig{
				Handle: handle,
				UUID:   toBluetoothUUID(c.UUID),
				Flags:  characteristicFlags(c.Props),
				Value:  []byte{},
			})
			if len(c.Descriptors) > 0 {
				srv.config = c.Descriptors[0]
			}
		}
		if err := a.adapter.AddService(svc); err != nil {
			return fmt.Errorf("ble: add service: %w", err)
		}

		srv.adv = a.adapter.DefaultAdvertisement()
		err := srv.adv.Configure(bluetooth.AdvertisementOptions{
			LocalName:    table.LocalName,
			ServiceUUIDs: []bluetooth.UUID{toBluetoothUUID(table.Service)},
		})
		if err != nil {
			return fmt.Errorf("ble: configure advertisement: %w", err)
		}
	}

	if err := srv.adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}

	a.mu.Lock()
	srv.sink = sink
	srv.active = true
	a.server = srv
	a.mu.Unlock()

	slog.Info("[BLE] advertising", "name", table.LocalName, "service", table.Service)
	return nil
}

// RemoveService implements Peripheral by stopping advertisement and event
// delivery.
func (a *TinyGoAdapter) RemoveService() error {
	a.mu.Lock()
	srv := a.server
	if srv != nil {
		srv.active = false
	}
	a.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.adv.Stop()
}

// SendResponse implements Peripheral. BlueZ has already answered the
// request from the characteristic value, so nothing is sent.
func (a *TinyGoAdapter) SendResponse(device string, requestID int, status Status, _ int, _ []byte) error {
	slog.Debug("[BLE] response handled by stack", "device", device, "request", requestID, "status", status)
	return nil
}

var _ NotifyBeginner = (*TinyGoAdapter)(nil)

// BeginNotify implements NotifyBeginner.
func (a *TinyGoAdapter) BeginNotify(characteristic uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.dedup.begin(characteristic)
	}
}

// NotifyCharacteristicChanged implements Peripheral. BlueZ notifies every
// subscribed central on a single write, so within one push only the first
// device's call writes.
func (a *TinyGoAdapter) NotifyCharacteristicChanged(device string, characteristic uuid.UUID, value []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	srv := a.server
	if srv == nil || !srv.active {
		return ErrNotRunning
	}
	handle, ok := srv.handles[characteristic]
	if !ok {
		return fmt.Errorf("ble: characteristic %s not registered", characteristic)
	}
	if !srv.dedup.first(characteristic, value) {
		return nil
	}
	if _, err := handle.Write(value); err != nil {
		srv.dedup.begin(characteristic)
		return fmt.Errorf("ble: write %s for %s: %w", characteristic, device, err)
	}
	return nil
}

// centralChanged reports a remote central to the server sink. A connected
// central is treated as having enabled notifications.
func (a *TinyGoAdapter) centralChanged(address string, connected bool) {
	a.mu.Lock()
	srv := a.server
	var sink func(ServerEvent)
	var config uuid.UUID
	if srv != nil && srv.active {
		sink = srv.sink
		config = srv.config
	}
	a.mu.Unlock()

	if sink == nil {
		return
	}
	sink(ServerEvent{Type: ServerConnectionState, Device: address, Connected: connected})
	if connected && config != uuid.Nil {
		sink(ServerEvent{
			Type:       ServerDescriptorWriteRequest,
			Device:     address,
			Descriptor: config,
			Value:      EnableNotificationValue(),
		})
	}
}
