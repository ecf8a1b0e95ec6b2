package bluez

import (
	"strings"

	"github.com/chaz8081/btcomm/internal/ble/discovery"
	dbus "github.com/godbus/dbus/v5"
)

// AddressFromPath extracts the device address from a BlueZ object path such
// as /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF. It returns "" for other paths.
func AddressFromPath(p dbus.ObjectPath) string {
	s := string(p)
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	mac := s[idx+len("/dev_"):]
	if strings.Contains(mac, "/") {
		return ""
	}
	return strings.ToUpper(strings.ReplaceAll(mac, "_", ":"))
}

// underAdapter reports whether p is a device object of the adapter at root.
func underAdapter(root, p dbus.ObjectPath) bool {
	return strings.HasPrefix(string(p), string(root)+"/dev_") && AddressFromPath(p) != ""
}

// peerFromProps builds a Peer from org.bluez.Device1 properties.
func peerFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (discovery.Peer, bool) {
	var p discovery.Peer
	if v, ok := props["Address"]; ok {
		p.Address, _ = v.Value().(string)
	}
	if p.Address == "" {
		p.Address = AddressFromPath(path)
	}
	if p.Address == "" {
		return discovery.Peer{}, false
	}
	p.Address = discovery.NormalizeAddress(p.Address)

	if v, ok := props["Name"]; ok {
		p.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		p.RSSI, _ = v.Value().(int16)
	}
	if v, ok := props["Class"]; ok {
		p.Class, _ = v.Value().(uint32)
	}

	switch {
	case p.Class != 0:
		p.Transport = discovery.TransportClassic
	case addressType(props) == "random":
		p.Transport = discovery.TransportLE
	}
	return p, true
}

func addressType(props map[string]dbus.Variant) string {
	if v, ok := props["AddressType"]; ok {
		s, _ := v.Value().(string)
		return s
	}
	return ""
}

// deviceSignal picks device sightings out of the signal stream. For
// InterfacesAdded it returns the full property set. For PropertiesChanged
// it returns only the changed properties and partial is true; only changes
// carrying a fresh RSSI count as a sighting.
func deviceSignal(root dbus.ObjectPath, sig *dbus.Signal) (path dbus.ObjectPath, props map[string]dbus.Variant, partial, ok bool) {
	if sig == nil || len(sig.Body) < 2 {
		return "", nil, false, false
	}

	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		path, _ = sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		props, found := ifaces[deviceIface]
		if !found || !underAdapter(root, path) {
			return "", nil, false, false
		}
		return path, props, false, true

	case propsIface + ".PropertiesChanged":
		iface, _ := sig.Body[0].(string)
		changes, _ := sig.Body[1].(map[string]dbus.Variant)
		if iface != deviceIface || !underAdapter(root, sig.Path) {
			return "", nil, false, false
		}
		if _, seen := changes["RSSI"]; !seen {
			return "", nil, false, false
		}
		return sig.Path, changes, true, true
	}
	return "", nil, false, false
}

// poweredChange extracts the adapter Powered property from a
// PropertiesChanged signal on root.
func poweredChange(root dbus.ObjectPath, sig *dbus.Signal) (powered, ok bool) {
	if sig == nil || sig.Path != root || sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
		return false, false
	}
	if iface, _ := sig.Body[0].(string); iface != adapterIface {
		return false, false
	}
	changes, _ := sig.Body[1].(map[string]dbus.Variant)
	v, found := changes["Powered"]
	if !found {
		return false, false
	}
	powered, ok = v.Value().(bool)
	return powered, ok
}
