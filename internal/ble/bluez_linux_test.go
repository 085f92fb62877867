//go:build linux

package ble

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestDevicePath(t *testing.T) {
	got := devicePath("hci0", "aa:bb:cc:dd:ee:01")
	want := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01")
	if got != want {
		t.Errorf("devicePath() = %q, want %q", got, want)
	}
}

func TestFindCharacteristicPath(t *testing.T) {
	const (
		dev   = "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_01"
		other = "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_02"
		svc   = "5678def0-5678-1234-1234-56789abc0000"
		creds = "5678def1-5678-1234-1234-56789abc0000"
	)
	str := func(s string) dbus.Variant { return dbus.MakeVariant(s) }
	path := func(p string) dbus.Variant { return dbus.MakeVariant(dbus.ObjectPath(p)) }

	objects := managedObjects{
		dev + "/service0010": {bluezGattService1: {"UUID": str(svc)}},
		dev + "/service0010/char0011": {bluezGattChar1: {
			"UUID":    str(creds),
			"Service": path(dev + "/service0010"),
		}},
		// Same characteristic UUID under the generic access service.
		dev + "/service0001": {bluezGattService1: {"UUID": str("00001800-0000-1000-8000-00805f9b34fb")}},
		dev + "/service0001/char0002": {bluezGattChar1: {
			"UUID":    str(creds),
			"Service": path(dev + "/service0001"),
		}},
		// Same topology on a different device.
		other + "/service0010": {bluezGattService1: {"UUID": str(svc)}},
		other + "/service0010/char0011": {bluezGattChar1: {
			"UUID":    str(creds),
			"Service": path(other + "/service0010"),
		}},
	}

	got, ok := findCharacteristicPath(objects, dev, svc, "5678DEF1-5678-1234-1234-56789ABC0000")
	if !ok {
		t.Fatal("findCharacteristicPath() did not find the credentials characteristic")
	}
	if want := dbus.ObjectPath(dev + "/service0010/char0011"); got != want {
		t.Errorf("findCharacteristicPath() = %q, want %q", got, want)
	}

	if _, ok := findCharacteristicPath(objects, dev, svc, "5678def2-5678-1234-1234-56789abc0000"); ok {
		t.Error("findCharacteristicPath() found a characteristic the device does not have")
	}
	if _, ok := findCharacteristicPath(objects, "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_03", svc, creds); ok {
		t.Error("findCharacteristicPath() matched a characteristic of another device")
	}
}
