package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// readBufferSize is the largest attribute value ATT allows.
const readBufferSize = 512

const (
	// scanStopGrace is how long StopScan waits for the scan goroutine to
	// honour a pending stop before stopping the platform scan directly.
	scanStopGrace   = 500 * time.Millisecond
	scanStopTimeout = 5 * time.Second
)

// scanRadio is the part of *bluetooth.Adapter used for scanning.
type scanRadio interface {
	Scan(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	StopScan() error
}

// TinyGoAdapter wraps tinygo-org/bluetooth. On macOS device ids are
// CoreBluetooth UUIDs; on Linux they are MAC addresses.
type TinyGoAdapter struct {
	adapter   *bluetooth.Adapter
	radio     scanRadio
	adapterID string

	stopGrace   time.Duration
	stopTimeout time.Duration

	mu           sync.Mutex
	connections  map[string]*tinyGoConnection // keyed by device id
	stateHandler func(AdapterState)
	stopWatch    func()

	// scanDone is non-nil while a scan goroutine runs and closed when it
	// exits. scanLive is set once the platform delivered a result, which
	// means its cancel handle is armed.
	scanDone    chan struct{}
	scanLive    bool
	stopPending bool
}

// NewTinyGoAdapter creates an adapter backed by the platform default radio.
// adapterID names the controller for state observation (e.g. "hci0").
func NewTinyGoAdapter(adapterID string) *TinyGoAdapter {
	if adapterID == "" {
		adapterID = "hci0"
	}
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		radio:       bluetooth.DefaultAdapter,
		adapterID:   adapterID,
		stopGrace:   scanStopGrace,
		stopTimeout: scanStopTimeout,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) SetStateHandler(handler func(AdapterState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateHandler = handler
}

func (a *TinyGoAdapter) emitState(state AdapterState) {
	a.mu.Lock()
	h := a.stateHandler
	a.mu.Unlock()
	if h != nil {
		h(state)
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		a.emitState(StateUnsupported)
		return err
	}

	// tinygo fires this with connected=false when a peripheral drops.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		if ok {
			delete(a.connections, id)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	stop, err := watchAdapterState(a.adapterID, a.emitState)
	if err != nil {
		slog.Warn("[BLE] adapter state watch unavailable", "adapter", a.adapterID, "error", err)
		a.emitState(StatePoweredOn)
		stop = func() {}
	}
	a.mu.Lock()
	a.stopWatch = stop
	a.mu.Unlock()
	return nil
}

func (a *TinyGoAdapter) StartScan(callback func(Advertisement)) error {
	a.mu.Lock()
	if a.scanDone != nil {
		a.mu.Unlock()
		return ErrScanInProgress
	}
	done := make(chan struct{})
	a.scanDone = done
	a.scanLive = false
	a.stopPending = false
	a.mu.Unlock()

	// Scan blocks until StopScan, so it lives on its own goroutine.
	go func() {
		defer close(done)
		err := a.radio.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			a.mu.Lock()
			first := !a.scanLive
			a.scanLive = true
			pending := a.stopPending
			a.mu.Unlock()
			if pending {
				if first {
					// The platform armed its cancel handle before this
					// callback. Stop from a new goroutine: darwin's stop
					// blocks until the scan loop is back to receiving.
					go a.stopPlatformScan()
				}
				return
			}
			var name string
			if result.AdvertisementPayload != nil {
				name = result.LocalName()
			}
			callback(Advertisement{
				ID:   result.Address.String(),
				Name: name,
				RSSI: int(result.RSSI),
			})
		})
		a.mu.Lock()
		a.scanDone = nil
		a.scanLive = false
		a.stopPending = false
		a.mu.Unlock()
		if err != nil {
			slog.Warn("[BLE] scan ended with error", "error", err)
		}
	}()
	return nil
}

// StopScan stops the scan and returns once the scan goroutine has exited.
// A stop requested before the platform scan is armed is kept pending and
// honoured by the first result, or directly after the grace period.
func (a *TinyGoAdapter) StopScan() error {
	a.mu.Lock()
	done := a.scanDone
	if done == nil {
		a.mu.Unlock()
		return nil
	}
	alreadyPending := a.stopPending
	a.stopPending = true
	live := a.scanLive
	a.mu.Unlock()

	if live && !alreadyPending {
		a.stopPlatformScan()
	}

	grace := time.NewTimer(a.stopGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
	}

	// No result arrived to honour the pending stop; the scan has been
	// running for the whole grace period, so its cancel handle is armed.
	a.stopPlatformScan()
	timeout := time.NewTimer(a.stopTimeout)
	defer timeout.Stop()
	select {
	case <-done:
		return nil
	case <-timeout.C:
		return fmt.Errorf("ble: scan did not stop within %s", a.stopGrace+a.stopTimeout)
	}
}

func (a *TinyGoAdapter) stopPlatformScan() {
	if err := a.radio.StopScan(); err != nil {
		slog.Debug("[BLE] platform stop scan", "error", err)
	}
}

func (a *TinyGoAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// tinygo's Connect blocks with its own timeout; ctx bounds our wait.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// Tear down a link that completes after we gave up so it is not
		// left half-open.
		go func() {
			if result := <-ch; result.err == nil {
				slog.Debug("[BLE] dropping late connection", "id", id)
				_ = result.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		device := result.device
		conn := &tinyGoConnection{
			id:        id,
			adapterID: a.adapterID,
			device:    &device,
			chars:     make(map[charKey]*bluetooth.DeviceCharacteristic),
			subs:      make(map[int]func()),
		}

		a.mu.Lock()
		a.connections[addr.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

func (a *TinyGoAdapter) Close() error {
	a.mu.Lock()
	conns := make([]*tinyGoConnection, 0, len(a.connections))
	for _, c := range a.connections {
		conns = append(conns, c)
	}
	a.connections = make(map[string]*tinyGoConnection)
	stop := a.stopWatch
	a.stopWatch = nil
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	if err := a.StopScan(); err != nil {
		slog.Debug("[BLE] stop scan on close", "error", err)
	}
	for _, c := range conns {
		if err := c.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect on close", "id", c.id, "error", err)
		}
	}
	return nil
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type charKey struct{ service, char string }

type tinyGoConnection struct {
	id        string
	adapterID string
	device    *bluetooth.Device

	mu      sync.Mutex
	chars   map[charKey]*bluetooth.DeviceCharacteristic
	subs    map[int]func()
	nextSub int
}

func (c *tinyGoConnection) ID() string { return c.id }

func (c *tinyGoConnection) DiscoverServices() (ServiceTable, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}

	table := make(ServiceTable)
	chars := make(map[charKey]*bluetooth.DeviceCharacteristic)
	for i := range svcs {
		svcUUID := NormalizeUUID(svcs[i].UUID().String())
		table.Add(svcUUID)
		found, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("ble: discover characteristics of %s: %w", svcUUID, err)
		}
		for j := range found {
			charUUID := NormalizeUUID(found[j].UUID().String())
			table.Add(svcUUID, charUUID)
			chars[charKey{svcUUID, charUUID}] = &found[j]
		}
	}

	c.mu.Lock()
	c.chars = chars
	c.mu.Unlock()
	return table, nil
}

func (c *tinyGoConnection) Characteristic(serviceUUID, charUUID string) (Characteristic, error) {
	key := charKey{NormalizeUUID(serviceUUID), NormalizeUUID(charUUID)}
	c.mu.Lock()
	ch, ok := c.chars[key]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrCharacteristicNotFound, key.service, key.char)
	}
	return &tinyGoCharacteristic{
		conn:    c,
		service: key.service,
		uuid:    key.char,
		char:    ch,
	}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = cb
	return &tinyGoSubscription{conn: c, id: id}
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cbs := make([]func(), 0, len(c.subs))
	for _, cb := range c.subs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

type tinyGoSubscription struct {
	conn *tinyGoConnection
	id   int
}

func (s *tinyGoSubscription) Remove() {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	delete(s.conn.subs, s.id)
}

type tinyGoCharacteristic struct {
	conn    *tinyGoConnection
	service string
	uuid    string
	char    *bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) UUID() string { return c.uuid }

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
