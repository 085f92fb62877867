//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezGattService1 = "org.bluez.GattService1"
	bluezGattChar1    = "org.bluez.GattCharacteristic1"
	dbusProperties    = "org.freedesktop.DBus.Properties"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

func adapterPath(adapterID string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapterID)
}

// devicePath returns BlueZ's object path for the device with MAC address.
func devicePath(adapterID, address string) dbus.ObjectPath {
	dev := "dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return adapterPath(adapterID) + dbus.ObjectPath("/"+dev)
}

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// findCharacteristicPath locates the characteristic charUUID of service
// serviceUUID below the device object.
func findCharacteristicPath(objects managedObjects, device dbus.ObjectPath, serviceUUID, charUUID string) (dbus.ObjectPath, bool) {
	prefix := string(device) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar1]
		if !ok || !strings.HasPrefix(string(path), prefix) || !hasUUID(props, charUUID) {
			continue
		}
		svcPath, _ := props["Service"].Value().(dbus.ObjectPath)
		if svc, ok := objects[svcPath][bluezGattService1]; ok && hasUUID(svc, serviceUUID) {
			return path, true
		}
	}
	return "", false
}

func hasUUID(props map[string]dbus.Variant, want string) bool {
	v, ok := props["UUID"]
	if !ok {
		return false
	}
	s, ok := v.Value().(string)
	return ok && NormalizeUUID(s) == NormalizeUUID(want)
}

// writeWithResponse writes data to a characteristic as an ATT write request,
// so the call returns only after the peer acknowledged it.
func writeWithResponse(adapterID, address, serviceUUID, charUUID string, data []byte) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect system bus: %w", err)
	}

	var objects managedObjects
	err = conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0).Store(&objects)
	if err != nil {
		return fmt.Errorf("ble: list bluez objects: %w", err)
	}
	path, ok := findCharacteristicPath(objects, devicePath(adapterID, address), serviceUUID, charUUID)
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrCharacteristicNotFound, NormalizeUUID(serviceUUID), NormalizeUUID(charUUID))
	}

	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("request")}
	if err := conn.Object(bluezBus, path).Call(bluezGattChar1+".WriteValue", 0, data, opts).Err; err != nil {
		return fmt.Errorf("ble: write %s: %w", NormalizeUUID(charUUID), err)
	}
	return nil
}

// watchAdapterState reports the BlueZ adapter's power state and follows
// PropertiesChanged signals until the returned stop func is called.
func watchAdapterState(adapterID string, emit func(AdapterState)) (func(), error) {
	// Shared cached connection; never closed here.
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("ble: connect system bus: %w", err)
	}
	path := adapterPath(adapterID)

	emit(readAdapterState(conn, path))

	matchOpts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := conn.AddMatchSignal(matchOpts...); err != nil {
		return nil, fmt.Errorf("ble: add match rule: %w", err)
	}

	sigCh := make(chan *dbus.Signal, 16)
	conn.Signal(sigCh)
	stopCh := make(chan struct{})

	go func() {
		for {
			select {
			case <-stopCh:
				return
			case sig, ok := <-sigCh:
				if !ok {
					return
				}
				if state, changed := parseAdapterSignal(sig, path); changed {
					emit(state)
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(stopCh)
			conn.RemoveSignal(sigCh)
			if err := conn.RemoveMatchSignal(matchOpts...); err != nil {
				slog.Debug("[BLE] remove match rule", "error", err)
			}
		})
	}
	return stop, nil
}

// readAdapterState maps the adapter object's current properties to a state.
func readAdapterState(conn *dbus.Conn, path dbus.ObjectPath) AdapterState {
	obj := conn.Object(bluezBus, path)
	variant, err := obj.GetProperty(bluezAdapter1 + ".Powered")
	if err != nil {
		return stateFromDBusError(err)
	}
	powered, ok := variant.Value().(bool)
	if !ok {
		return StateUnknown
	}
	if ps, err := obj.GetProperty(bluezAdapter1 + ".PowerState"); err == nil {
		if s, ok := ps.Value().(string); ok {
			return stateFromPowerState(s)
		}
	}
	if powered {
		return StatePoweredOn
	}
	return StatePoweredOff
}

// parseAdapterSignal extracts a state from a PropertiesChanged signal for
// the adapter at path.
func parseAdapterSignal(sig *dbus.Signal, path dbus.ObjectPath) (AdapterState, bool) {
	if sig.Path != path || sig.Name != dbusProperties+".PropertiesChanged" {
		return StateUnknown, false
	}
	if len(sig.Body) < 2 {
		return StateUnknown, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != bluezAdapter1 {
		return StateUnknown, false
	}
	changes, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return StateUnknown, false
	}
	if v, ok := changes["PowerState"]; ok {
		if s, ok := v.Value().(string); ok {
			return stateFromPowerState(s), true
		}
	}
	if v, ok := changes["Powered"]; ok {
		if powered, ok := v.Value().(bool); ok {
			if powered {
				return StatePoweredOn, true
			}
			return StatePoweredOff, true
		}
	}
	return StateUnknown, false
}

// stateFromPowerState maps BlueZ's Adapter1.PowerState values.
func stateFromPowerState(s string) AdapterState {
	switch s {
	case "on":
		return StatePoweredOn
	case "off", "off-blocked":
		return StatePoweredOff
	case "off-enabling", "on-disabling":
		return StateResetting
	default:
		return StateUnknown
	}
}

func stateFromDBusError(err error) AdapterState {
	var name string
	var dbusErr dbus.Error
	var dbusErrPtr *dbus.Error
	switch {
	case errors.As(err, &dbusErr):
		name = dbusErr.Name
	case errors.As(err, &dbusErrPtr):
		name = dbusErrPtr.Name
	}
	if name != "" {
		switch name {
		case "org.freedesktop.DBus.Error.AccessDenied":
			return StateUnauthorized
		case "org.freedesktop.DBus.Error.UnknownObject",
			"org.freedesktop.DBus.Error.UnknownMethod",
			"org.freedesktop.DBus.Error.ServiceUnknown":
			return StateUnsupported
		}
	}
	return StateUnknown
}

// RequestPermissions checks that this process may talk to the BlueZ adapter
// over the system bus. Linux has no interactive prompt; access is decided
// by D-Bus policy.
func RequestPermissions(ctx context.Context, adapterID string) (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("ble: connect system bus: %w", err)
	}
	if adapterID == "" {
		adapterID = "hci0"
	}
	obj := conn.Object(bluezBus, adapterPath(adapterID))
	call := obj.CallWithContext(ctx, dbusProperties+".Get", 0, bluezAdapter1, "Powered")
	if call.Err != nil {
		switch stateFromDBusError(call.Err) {
		case StateUnauthorized:
			slog.Warn("[BLE] bluetooth access denied by D-Bus policy", "adapter", adapterID)
			return false, nil
		case StateUnsupported:
			return false, fmt.Errorf("ble: adapter %s not available: %w", adapterID, call.Err)
		}
		return false, fmt.Errorf("ble: query adapter %s: %w", adapterID, call.Err)
	}
	return true, nil
}
