// Package ble is the transport layer for talking to the companion device over
// Bluetooth Low Energy. It defines the platform-neutral Adapter/Connection
// abstractions, a reference-counted shared handle with an adapter-state
// stream, and a backend built on tinygo-org/bluetooth.
package ble

import (
	"context"
	"errors"
	"sort"
	"strings"
)

var (
	// ErrScanInProgress is returned by Adapter.StartScan when the radio is
	// already scanning.
	ErrScanInProgress = errors.New("ble: scan already in progress")
	// ErrReleased is returned by operations on a released Lease.
	ErrReleased = errors.New("ble: handle released")
	// ErrCharacteristicNotFound is returned when a service/characteristic
	// pair is not part of the discovered GATT table.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
	// ErrAdapterUnavailable is returned when an operation is attempted while
	// the radio is powered off, unsupported, unauthorized or resetting.
	ErrAdapterUnavailable = errors.New("ble: adapter unavailable")
)

// Advertisement is a single advertising report seen while scanning.
type Advertisement struct {
	ID   string // platform address (MAC on Linux, CoreBluetooth UUID on macOS)
	Name string
	RSSI int
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the normalized characteristic UUID.
	UUID() string
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Write sends data with response (acknowledged write).
	Write(data []byte) error
}

// Subscription is a registered callback that can be removed. Remove is
// idempotent.
type Subscription interface {
	Remove()
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// ID returns the identifier the connection was opened with.
	ID() string
	// DiscoverServices walks the peer's GATT database. Safe to repeat.
	DiscoverServices() (ServiceTable, error)
	// Characteristic returns a discovered characteristic within a service.
	Characteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func()) Subscription
}

// Adapter abstracts the platform BLE radio.
type Adapter interface {
	// Enable powers up the platform BLE stack for use by this process.
	Enable() error
	// StartScan begins delivering advertisements to callback and returns
	// immediately. Returns ErrScanInProgress if already scanning.
	StartScan(callback func(Advertisement)) error
	// StopScan stops an ongoing scan. Stopping an idle radio is not an error.
	StopScan() error
	// Connect establishes a connection to the device with the given id.
	Connect(ctx context.Context, id string) (Connection, error)
	// SetStateHandler installs the single receiver of adapter power-state
	// transitions.
	SetStateHandler(handler func(AdapterState))
	// Close releases radio resources held by the adapter.
	Close() error
}

// ServiceTable maps a normalized service UUID to the normalized UUIDs of
// the characteristics discovered under it.
type ServiceTable map[string][]string

// HasService reports whether the service was discovered.
func (t ServiceTable) HasService(serviceUUID string) bool {
	_, ok := t[NormalizeUUID(serviceUUID)]
	return ok
}

// HasCharacteristic reports whether the characteristic was discovered
// under the given service.
func (t ServiceTable) HasCharacteristic(serviceUUID, charUUID string) bool {
	want := NormalizeUUID(charUUID)
	for _, c := range t[NormalizeUUID(serviceUUID)] {
		if c == want {
			return true
		}
	}
	return false
}

// Services returns the discovered service UUIDs in sorted order.
func (t ServiceTable) Services() []string {
	out := make([]string, 0, len(t))
	for svc := range t {
		out = append(out, svc)
	}
	sort.Strings(out)
	return out
}

// Characteristics returns the characteristics discovered under a service.
func (t ServiceTable) Characteristics(serviceUUID string) []string {
	chars := t[NormalizeUUID(serviceUUID)]
	out := make([]string, len(chars))
	copy(out, chars)
	return out
}

// Add records a characteristic under a service, normalizing both UUIDs.
func (t ServiceTable) Add(serviceUUID string, charUUIDs ...string) {
	svc := NormalizeUUID(serviceUUID)
	if _, ok := t[svc]; !ok {
		t[svc] = nil
	}
	for _, c := range charUUIDs {
		c = NormalizeUUID(c)
		if !t.HasCharacteristic(svc, c) {
			t[svc] = append(t[svc], c)
		}
	}
}

// baseUUIDSuffix is the Bluetooth SIG base UUID tail used to expand 16/32-bit
// assigned numbers.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID lowercases a UUID and expands 16-bit ("180a") and 32-bit
// ("0000180a") short forms to the full 128-bit representation.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	switch len(u) {
	case 4:
		return "0000" + u + baseUUIDSuffix
	case 8:
		return u + baseUUIDSuffix
	}
	return u
}
