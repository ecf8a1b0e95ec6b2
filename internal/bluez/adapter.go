// Package bluez talks to the BlueZ daemon over the D-Bus system bus. It
// reports adapter power changes and runs classic (BR/EDR) inquiries, which
// the cross-platform BLE stack does not expose.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/chaz8081/btcomm/internal/ble/discovery"
	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
)

// ErrNoAdapter is returned when BlueZ exposes no adapter.
var ErrNoAdapter = errors.New("bluez: no adapter found")

// Adapter is one BlueZ adapter reached over a private system bus
// connection.
type Adapter struct {
	conn *dbus.Conn
	path dbus.ObjectPath

	mu   sync.Mutex
	stop chan struct{} // non-nil while an inquiry runs
}

var _ discovery.ClassicRadio = (*Adapter)(nil)

// Open connects to the system bus and picks the first adapter BlueZ
// exposes, in path order.
func Open() (*Adapter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect system bus: %w", err)
	}
	path, err := firstAdapter(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	slog.Info("[BLE] bluez adapter found", "path", path)
	return &Adapter{conn: conn, path: path}, nil
}

func firstAdapter(conn *dbus.Conn) (dbus.ObjectPath, error) {
	objs, err := managedObjects(conn)
	if err != nil {
		return "", err
	}
	var paths []string
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			paths = append(paths, string(path))
		}
	}
	if len(paths) == 0 {
		return "", ErrNoAdapter
	}
	sort.Strings(paths)
	return dbus.ObjectPath(paths[0]), nil
}

func managedObjects(conn *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(bluezService, "/").Call(objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

// Path returns the adapter object path, e.g. /org/bluez/hci0.
func (a *Adapter) Path() dbus.ObjectPath { return a.path }

// Close releases the bus connection.
func (a *Adapter) Close() error {
	return a.conn.Close()
}

// Powered reads the adapter's Powered property.
func (a *Adapter) Powered() (bool, error) {
	var v dbus.Variant
	call := a.conn.Object(bluezService, a.path).Call(propsIface+".Get", 0, adapterIface, "Powered")
	if call.Err != nil {
		return false, fmt.Errorf("bluez: get Powered: %w", call.Err)
	}
	if err := call.Store(&v); err != nil {
		return false, fmt.Errorf("bluez: decode Powered: %w", err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: Powered has type %s", v.Signature())
	}
	return powered, nil
}

// WatchPowered calls fn with every change of the adapter's Powered property
// until ctx is done.
func (a *Adapter) WatchPowered(ctx context.Context, fn func(powered bool)) error {
	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(a.path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := a.conn.AddMatchSignal(match...); err != nil {
		return fmt.Errorf("bluez: watch adapter: %w", err)
	}
	defer func() { _ = a.conn.RemoveMatchSignal(match...) }()

	ch := make(chan *dbus.Signal, 16)
	a.conn.Signal(ch)
	defer a.conn.RemoveSignal(ch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-ch:
			if !ok {
				return errors.New("bluez: signal channel closed")
			}
			if powered, ok := poweredChange(a.path, sig); ok {
				slog.Info("[BLE] adapter power changed", "path", a.path, "powered", powered)
				fn(powered)
			}
		}
	}
}

// Discover runs a classic inquiry and reports every device BlueZ sees until
// StopDiscover is called. It blocks for the whole inquiry.
func (a *Adapter) Discover(found func(discovery.Peer)) error {
	stop := make(chan struct{})
	a.mu.Lock()
	if a.stop != nil {
		a.mu.Unlock()
		return &discovery.ScanError{Code: discovery.FailureAlreadyStarted, Err: errors.New("bluez: inquiry already running")}
	}
	a.stop = stop
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.stop == stop {
			a.stop = nil
		}
		a.mu.Unlock()
	}()

	ch := make(chan *dbus.Signal, 64)
	a.conn.Signal(ch)
	defer a.conn.RemoveSignal(ch)

	added := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	changed := []dbus.MatchOption{
		dbus.WithMatchPathNamespace(a.path),
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	for _, m := range [][]dbus.MatchOption{added, changed} {
		if err := a.conn.AddMatchSignal(m...); err != nil {
			return &discovery.ScanError{Code: discovery.FailureRegistration, Err: fmt.Errorf("bluez: AddMatchSignal: %w", err)}
		}
		defer func(m []dbus.MatchOption) { _ = a.conn.RemoveMatchSignal(m...) }(m)
	}

	obj := a.conn.Object(bluezService, a.path)
	filter := map[string]interface{}{"Transport": "bredr"}
	if err := obj.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return &discovery.ScanError{Code: failureCode(err), Err: fmt.Errorf("bluez: set discovery filter: %w", err)}
	}
	if err := obj.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		return &discovery.ScanError{Code: failureCode(err), Err: fmt.Errorf("bluez: StartDiscovery: %w", err)}
	}
	defer func() {
		if err := obj.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
			slog.Debug("[BLE] StopDiscovery", "error", err)
		}
	}()
	slog.Debug("[BLE] classic inquiry running", "path", a.path)

	for {
		select {
		case <-stop:
			return nil
		case sig, ok := <-ch:
			if !ok {
				return errors.New("bluez: signal channel closed")
			}
			path, props, partial, ok := deviceSignal(a.path, sig)
			if !ok {
				continue
			}
			if partial {
				full, err := a.deviceProps(path)
				if err != nil {
					slog.Debug("[BLE] read device properties", "path", path, "error", err)
					continue
				}
				for k, v := range props {
					full[k] = v
				}
				props = full
			}
			if p, ok := peerFromProps(path, props); ok {
				found(p)
			}
		}
	}
}

// StopDiscover ends a running inquiry. With no inquiry registered it does
// nothing; the scanner repeats the stop until Discover has returned.
func (a *Adapter) StopDiscover() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		close(a.stop)
		a.stop = nil
	}
	return nil
}

func (a *Adapter) deviceProps(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	call := a.conn.Object(bluezService, path).Call(propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&props); err != nil {
		return nil, err
	}
	return props, nil
}

// failureCode maps a BlueZ error reply to a scan failure code.
func failureCode(err error) discovery.FailureCode {
	switch errorName(err) {
	case "org.bluez.Error.InProgress":
		return discovery.FailureAlreadyStarted
	case "org.bluez.Error.NotReady", "org.bluez.Error.NotAuthorized":
		return discovery.FailureRegistration
	case "org.bluez.Error.NotSupported", "org.bluez.Error.InvalidArguments":
		return discovery.FailureUnsupported
	default:
		return discovery.FailureInternal
	}
}

func errorName(err error) string {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name
	}
	var p *dbus.Error
	if errors.As(err, &p) {
		return p.Name
	}
	return ""
}
