package ble

import "sort"

// SubscriberRegistry is the set of remote devices that enabled
// notifications. It is owned by a Server and not safe for concurrent use.
type SubscriberRegistry struct {
	devices map[string]struct{}
}

// NewSubscriberRegistry returns an empty registry.
func NewSubscriberRegistry() *SubscriberRegistry {
	return &SubscriberRegistry{devices: make(map[string]struct{})}
}

// Add inserts device and reports whether it was new.
func (r *SubscriberRegistry) Add(device string) bool {
	if _, ok := r.devices[device]; ok {
		return false
	}
	r.devices[device] = struct{}{}
	return true
}

// Remove deletes device and reports whether it was present.
func (r *SubscriberRegistry) Remove(device string) bool {
	if _, ok := r.devices[device]; !ok {
		return false
	}
	delete(r.devices, device)
	return true
}

// Has reports whether device is subscribed.
func (r *SubscriberRegistry) Has(device string) bool {
	_, ok := r.devices[device]
	return ok
}

// Len returns the number of subscribed devices.
func (r *SubscriberRegistry) Len() int { return len(r.devices) }

// Snapshot returns the subscribed devices, sorted.
func (r *SubscriberRegistry) Snapshot() []string {
	out := make([]string, 0, len(r.devices))
	for d := range r.devices {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Clear removes every device.
func (r *SubscriberRegistry) Clear() {
	clear(r.devices)
}
