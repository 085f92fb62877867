// Package bletest provides an in-memory ble.Adapter with scripted
// peripherals for tests.
package bletest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nightowl-health/blelink/internal/ble"
)

// ErrUnknownPeripheral is returned by Connect for ids that were never added.
var ErrUnknownPeripheral = errors.New("bletest: unknown peripheral")

// Write records one characteristic write.
type Write struct {
	Service        string
	Characteristic string
	Data           []byte
}

// Peripheral is a scripted remote device with a GATT table.
type Peripheral struct {
	ID   string
	Name string
	RSSI int

	mu          sync.Mutex
	services    map[string]map[string][]byte
	serviceSeq  []string
	readErrs    map[string]error
	writeErr    error
	writeGate   <-chan struct{}
	writeWait   chan struct{}
	discoverErr error
	writes      []Write
}

// NewPeripheral creates a peripheral with no services.
func NewPeripheral(id, name string) *Peripheral {
	return &Peripheral{
		ID:       id,
		Name:     name,
		RSSI:     -60,
		services: make(map[string]map[string][]byte),
		readErrs: make(map[string]error),
	}
}

// WithService adds a service and its characteristics (empty values).
func (p *Peripheral) WithService(service string, chars ...string) *Peripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc := ble.NormalizeUUID(service)
	if _, ok := p.services[svc]; !ok {
		p.services[svc] = make(map[string][]byte)
		p.serviceSeq = append(p.serviceSeq, svc)
	}
	for _, c := range chars {
		p.services[svc][ble.NormalizeUUID(c)] = nil
	}
	return p
}

// WithValue sets a readable value, adding the service/characteristic if needed.
func (p *Peripheral) WithValue(service, char string, value []byte) *Peripheral {
	p.WithService(service, char)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services[ble.NormalizeUUID(service)][ble.NormalizeUUID(char)] = value
	return p
}

// FailRead makes reads of char return err.
func (p *Peripheral) FailRead(char string, err error) *Peripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErrs[ble.NormalizeUUID(char)] = err
	return p
}

// FailWrite makes every write return err.
func (p *Peripheral) FailWrite(err error) *Peripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
	return p
}

// FailDiscovery makes service discovery return err.
func (p *Peripheral) FailDiscovery(err error) *Peripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverErr = err
	return p
}

// GateWrites blocks writes until gate is closed. The returned channel
// receives once for every write that starts waiting.
func (p *Peripheral) GateWrites(gate <-chan struct{}) <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeGate = gate
	p.writeWait = make(chan struct{}, 16)
	return p.writeWait
}

// Writes returns the writes received so far.
func (p *Peripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Write, len(p.writes))
	copy(out, p.writes)
	return out
}

// Advertisement returns the advertising report this peripheral emits.
func (p *Peripheral) Advertisement() ble.Advertisement {
	return ble.Advertisement{ID: p.ID, Name: p.Name, RSSI: p.RSSI}
}

func (p *Peripheral) table() (ble.ServiceTable, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discoverErr != nil {
		return nil, p.discoverErr
	}
	t := make(ble.ServiceTable)
	for _, svc := range p.serviceSeq {
		t.Add(svc)
		for c := range p.services[svc] {
			t.Add(svc, c)
		}
	}
	return t, nil
}

func (p *Peripheral) has(service, char string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	chars, ok := p.services[service]
	if !ok {
		return false
	}
	_, ok = chars[char]
	return ok
}

func (p *Peripheral) read(service, char string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.readErrs[char]; err != nil {
		return nil, err
	}
	v := p.services[service][char]
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (p *Peripheral) write(service, char string, data []byte) error {
	p.mu.Lock()
	gate, wait := p.writeGate, p.writeWait
	p.mu.Unlock()
	if gate != nil {
		select {
		case wait <- struct{}{}:
		default:
		}
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeErr != nil {
		return p.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.writes = append(p.writes, Write{Service: service, Characteristic: char, Data: cp})
	return nil
}

// Adapter is an in-memory ble.Adapter.
type Adapter struct {
	mu           sync.Mutex
	peripherals  map[string]*Peripheral
	stateHandler func(ble.AdapterState)
	initialState ble.AdapterState
	enableErr    error

	scanning        bool
	scanCb          func(ble.Advertisement)
	scanStarts      int
	scanStops       int
	failScanStarts  int
	connectErr      error
	connectHang     bool
	connectAttempts int
	conns           []*Conn
	enabled         int
	closed          int
}

// NewAdapter creates an adapter that can reach the given peripherals and
// reports PoweredOn when enabled.
func NewAdapter(peripherals ...*Peripheral) *Adapter {
	a := &Adapter{
		peripherals:  make(map[string]*Peripheral),
		initialState: ble.StatePoweredOn,
	}
	for _, p := range peripherals {
		a.peripherals[p.ID] = p
	}
	return a
}

// AddPeripheral makes p reachable.
func (a *Adapter) AddPeripheral(p *Peripheral) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peripherals[p.ID] = p
}

// SetInitialState changes the state reported on Enable.
func (a *Adapter) SetInitialState(s ble.AdapterState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initialState = s
}

// FailEnable makes Enable return err.
func (a *Adapter) FailEnable(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enableErr = err
}

// FailScanStarts makes the next n StartScan calls fail with ErrScanInProgress.
func (a *Adapter) FailScanStarts(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failScanStarts = n
}

// SetConnectError makes Connect fail with err (nil restores success).
func (a *Adapter) SetConnectError(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectErr = err
}

// SetConnectHang makes Connect block until its context is done.
func (a *Adapter) SetConnectHang(hang bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectHang = hang
}

// SetState pushes an adapter-state transition.
func (a *Adapter) SetState(s ble.AdapterState) {
	a.mu.Lock()
	h := a.stateHandler
	a.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (a *Adapter) SetStateHandler(handler func(ble.AdapterState)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stateHandler = handler
}

func (a *Adapter) Enable() error {
	a.mu.Lock()
	a.enabled++
	err := a.enableErr
	state := a.initialState
	a.mu.Unlock()
	if err != nil {
		a.SetState(ble.StateUnsupported)
		return err
	}
	a.SetState(state)
	return nil
}

func (a *Adapter) StartScan(cb func(ble.Advertisement)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failScanStarts > 0 {
		a.failScanStarts--
		return ble.ErrScanInProgress
	}
	if a.scanning {
		return ble.ErrScanInProgress
	}
	a.scanning = true
	a.scanStarts++
	a.scanCb = cb
	return nil
}

func (a *Adapter) StopScan() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.scanning {
		a.scanStops++
	}
	a.scanning = false
	a.scanCb = nil
	return nil
}

// Advertise delivers adv to the active scan callback. Returns false if the
// radio is not scanning.
func (a *Adapter) Advertise(adv ble.Advertisement) bool {
	a.mu.Lock()
	cb := a.scanCb
	a.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(adv)
	return true
}

// Scanning reports whether the radio scan is on.
func (a *Adapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// ScanStarts returns the number of successful StartScan calls.
func (a *Adapter) ScanStarts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanStarts
}

// ScanStops returns the number of StopScan calls that stopped a running scan.
func (a *Adapter) ScanStops() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanStops
}

func (a *Adapter) Connect(ctx context.Context, id string) (ble.Connection, error) {
	a.mu.Lock()
	a.connectAttempts++
	hang := a.connectHang
	connectErr := a.connectErr
	p := a.peripherals[id]
	a.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, fmt.Errorf("bletest: connect to %s: %w", id, ctx.Err())
	}
	if connectErr != nil {
		return nil, connectErr
	}
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeripheral, id)
	}

	conn := &Conn{peripheral: p, subs: make(map[int]func())}
	a.mu.Lock()
	a.conns = append(a.conns, conn)
	a.mu.Unlock()
	return conn, nil
}

// ConnectAttempts returns the number of Connect calls.
func (a *Adapter) ConnectAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectAttempts
}

// Connections returns every connection opened so far.
func (a *Adapter) Connections() []*Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Conn, len(a.conns))
	copy(out, a.conns)
	return out
}

// LatestConnection returns the most recently opened connection, or nil.
func (a *Adapter) LatestConnection() *Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conns) == 0 {
		return nil
	}
	return a.conns[len(a.conns)-1]
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed++
	a.scanning = false
	a.scanCb = nil
	return nil
}

// Enabled returns how many times Enable was called.
func (a *Adapter) Enabled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Closed returns how many times Close was called.
func (a *Adapter) Closed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

var _ ble.Adapter = (*Adapter)(nil)

// Conn is a connection to a scripted Peripheral. Like real stacks, a local
// Disconnect also fires any registered disconnect observers.
type Conn struct {
	peripheral *Peripheral

	mu            sync.Mutex
	subs          map[int]func()
	nextSub       int
	removeCalls   int
	disconnects   int
	disconnectErr error
	discoveries   int
}

func (c *Conn) ID() string { return c.peripheral.ID }

func (c *Conn) DiscoverServices() (ble.ServiceTable, error) {
	c.mu.Lock()
	c.discoveries++
	c.mu.Unlock()
	return c.peripheral.table()
}

func (c *Conn) Characteristic(serviceUUID, charUUID string) (ble.Characteristic, error) {
	svc, char := ble.NormalizeUUID(serviceUUID), ble.NormalizeUUID(charUUID)
	if !c.peripheral.has(svc, char) {
		return nil, fmt.Errorf("%w: %s/%s", ble.ErrCharacteristicNotFound, svc, char)
	}
	return &characteristic{peripheral: c.peripheral, service: svc, uuid: char}, nil
}

func (c *Conn) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	err := c.disconnectErr
	c.mu.Unlock()
	c.fire()
	return err
}

// FailDisconnect makes Disconnect return err (observers still fire).
func (c *Conn) FailDisconnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectErr = err
}

func (c *Conn) OnDisconnect(cb func()) ble.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = cb
	return &subscription{conn: c, id: id}
}

// SimulateDisconnect fires the disconnect observers as if the peer dropped.
func (c *Conn) SimulateDisconnect() {
	c.fire()
}

func (c *Conn) fire() {
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

// RemoveCalls counts every Subscription.Remove call, repeated ones included.
func (c *Conn) RemoveCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeCalls
}

// Observers returns the number of registered disconnect observers.
func (c *Conn) Observers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Disconnects returns how many times Disconnect was called.
func (c *Conn) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Discoveries returns how many times DiscoverServices was called.
func (c *Conn) Discoveries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discoveries
}

var _ ble.Connection = (*Conn)(nil)

type subscription struct {
	conn *Conn
	id   int
}

func (s *subscription) Remove() {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	s.conn.removeCalls++
	delete(s.conn.subs, s.id)
}

type characteristic struct {
	peripheral *Peripheral
	service    string
	uuid       string
}

func (c *characteristic) UUID() string { return c.uuid }

func (c *characteristic) Read() ([]byte, error) {
	return c.peripheral.read(c.service, c.uuid)
}

func (c *characteristic) Write(data []byte) error {
	return c.peripheral.write(c.service, c.uuid, data)
}
