package ble

import (
	"fmt"
	"strings"

	"github.com/chaz8081/btcomm/internal/ble/protocol"
	"github.com/google/uuid"
)

// Profile names the identifiers of one GATT service variant and how its
// data characteristic payload is interpreted.
type Profile struct {
	Name         string
	Service      uuid.UUID
	Data         uuid.UUID
	OnlineState  uuid.UUID // uuid.Nil when the profile has none
	ClientConfig uuid.UUID
	Kind         protocol.Kind
}

// Built-in profiles.
var (
	ChatProfile = Profile{
		Name:         "chat",
		Service:      uuid.MustParse("703ecd36-825e-4d0f-b200-ae901ff8decb"),
		Data:         uuid.MustParse("a8089ebe-8d56-4b04-8896-b925c3bf7c18"),
		OnlineState:  uuid.MustParse("a7a3b83d-f2d4-48a6-a7d0-a08d9a3f417a"),
		ClientConfig: uuid.MustParse("385aa50f-81a4-4fc2-a663-d5cc22d72c84"),
		Kind:         protocol.KindChat,
	}

	GestureProfile = Profile{
		Name:         "gesture",
		Service:      uuid.MustParse("0000ffe0-0000-1000-8000-00805f9b34fb"),
		Data:         uuid.MustParse("0000ffe1-0000-1000-8000-00805f9b34fb"),
		ClientConfig: uuid.MustParse("00002902-0000-1000-8000-00805f9b34fb"),
		Kind:         protocol.KindGesture,
	}
)

// ProfileByName returns a built-in profile.
func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(name) {
	case ChatProfile.Name:
		return ChatProfile, nil
	case GestureProfile.Name:
		return GestureProfile, nil
	default:
		return Profile{}, fmt.Errorf("ble: unknown profile %q (want chat or gesture)", name)
	}
}

// Validate checks that the required identifiers are set and distinct.
func (p Profile) Validate() error {
	if p.Kind != protocol.KindChat && p.Kind != protocol.KindGesture {
		return fmt.Errorf("ble: profile %q: invalid payload kind %d", p.Name, p.Kind)
	}
	if p.Service == uuid.Nil {
		return fmt.Errorf("ble: profile %q: service uuid is required", p.Name)
	}
	if p.Data == uuid.Nil {
		return fmt.Errorf("ble: profile %q: data characteristic uuid is required", p.Name)
	}
	if p.ClientConfig == uuid.Nil {
		return fmt.Errorf("ble: profile %q: client config descriptor uuid is required", p.Name)
	}
	if p.Data == p.OnlineState {
		return fmt.Errorf("ble: profile %q: data and online-state characteristics must differ", p.Name)
	}
	return nil
}

// ServiceTable builds the local service for p. The data characteristic and
// the optional online-state characteristic are readable and notifiable, each
// with the profile's client configuration descriptor. Sessions subscribe to
// both, so the online-state characteristic needs its own descriptor.
func (p Profile) ServiceTable(localName string) ServiceTable {
	table := ServiceTable{
		LocalName: localName,
		Service:   p.Service,
		Characteristics: []LocalCharacteristic{{
			UUID:        p.Data,
			Props:       PropRead | PropNotify,
			Descriptors: []uuid.UUID{p.ClientConfig},
		}},
	}
	if p.OnlineState != uuid.Nil {
		table.Characteristics = append(table.Characteristics, LocalCharacteristic{
			UUID:        p.OnlineState,
			Props:       PropRead | PropNotify,
			Descriptors: []uuid.UUID{p.ClientConfig},
		})
	}
	return table
}
