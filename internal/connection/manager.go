// Package connection manages the single active BLE peer connection:
// connect with a bounded timeout, GATT discovery, device information
// readout and disconnect detection.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nightowl-health/blelink/internal/ble"
)

var (
	// ErrEmptyDeviceID is returned by Connect when no device id is given.
	ErrEmptyDeviceID = errors.New("connection: device id is empty")
	// ErrConnectTimeout is returned when the platform connect exceeds the
	// configured bound.
	ErrConnectTimeout = errors.New("connection: connect timed out")
	// ErrConnectionLost is returned by operations whose link went away
	// while they were in flight.
	ErrConnectionLost = errors.New("connection: connection lost")
	// ErrNotConnected is returned by link operations when nothing is connected.
	ErrNotConnected = errors.New("connection: not connected")
	// ErrConnectAborted is returned by Connect when Disconnect cancelled it.
	ErrConnectAborted = errors.New("connection: connect aborted")
)

// Status is the connection state machine:
// Disconnected -> Connecting -> Connected -> Disconnecting -> Disconnected,
// with Connecting -> Disconnected on failure.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusDisconnecting:
		return "Disconnecting"
	default:
		return "Disconnected"
	}
}

// MarshalText renders the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Dialer opens platform connections. *ble.Lease satisfies it.
type Dialer interface {
	Connect(ctx context.Context, id string) (ble.Connection, error)
	State() ble.AdapterState
}

// ScanStopper is stopped before every connect attempt.
// *discovery.Scheduler satisfies it.
type ScanStopper interface {
	StopScan()
}

// Options bounds the platform calls the manager makes.
type Options struct {
	ConnectTimeout    time.Duration
	ReadTimeout       time.Duration // per device-information read
	OperationTimeout  time.Duration // per discovery or write
	DisconnectTimeout time.Duration
}

// DefaultOptions returns the bounds used by the mobile app.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:    10 * time.Second,
		ReadTimeout:       5 * time.Second,
		OperationTimeout:  10 * time.Second,
		DisconnectTimeout: 5 * time.Second,
	}
}

// Peer is a snapshot of the connected device.
type Peer struct {
	ID       string           `json:"id"`
	Services ble.ServiceTable `json:"services"`
	Info     DeviceInfo       `json:"info"`
}

// link is one Connection lifecycle. Its disconnect observer is removed
// exactly once, even when the peer drops before registration returns, and
// lost is closed exactly once.
type link struct {
	id   string
	conn ble.Connection

	subMu   sync.Mutex
	sub     ble.Subscription
	removed bool

	lost     chan struct{}
	lostOnce sync.Once

	services ble.ServiceTable
	info     DeviceInfo
}

// setObserver records the disconnect subscription, removing it at once if
// removeObserver already ran.
func (l *link) setObserver(sub ble.Subscription) {
	l.subMu.Lock()
	if l.removed {
		l.subMu.Unlock()
		sub.Remove()
		return
	}
	l.sub = sub
	l.subMu.Unlock()
}

func (l *link) removeObserver() {
	l.subMu.Lock()
	if l.removed {
		l.subMu.Unlock()
		return
	}
	l.removed = true
	sub := l.sub
	l.subMu.Unlock()
	if sub != nil {
		sub.Remove()
	}
}

func (l *link) isLost() bool {
	select {
	case <-l.lost:
		return true
	default:
		return false
	}
}

func (l *link) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}

type attempt struct {
	id      string
	cancel  context.CancelFunc
	aborted bool
}

// Manager owns at most one peer connection.
//
// Status observers must not call back into the Manager synchronously.
type Manager struct {
	dialer  Dialer
	scanner ScanStopper
	opts    Options

	// opMu serializes Connect calls.
	opMu sync.Mutex
	// notifyMu is held across a state change and its delivery.
	notifyMu sync.Mutex

	mu      sync.Mutex
	status  Status
	link    *link
	pending *attempt
	subs    []*statusObserver
}

// New creates a manager. scanner may be nil.
func New(dialer Dialer, scanner ScanStopper, opts Options) *Manager {
	return &Manager{
		dialer:  dialer,
		scanner: scanner,
		opts:    opts,
	}
}

// Connect connects to id, tearing down any connection to a different
// device first. Connecting to the device that is already connected returns
// its current snapshot.
func (m *Manager) Connect(ctx context.Context, id string) (*Peer, error) {
	if id == "" {
		return nil, ErrEmptyDeviceID
	}
	if err := ble.CheckUsable(m.dialer.State()); err != nil {
		return nil, fmt.Errorf("connection: connect to %s: %w", id, err)
	}

	// Scanning and connecting are mutually exclusive.
	if m.scanner != nil {
		m.scanner.StopScan()
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	existing := m.link
	status := m.status
	m.mu.Unlock()
	if existing != nil {
		if existing.id == id && status == StatusConnected {
			slog.Debug("[CONN] already connected", "id", id)
			return m.Peer(), nil
		}
		slog.Info("[CONN] replacing existing connection", "from", existing.id, "to", id)
		m.teardown(ctx, existing)
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()
	att := &attempt{id: id, cancel: cancel}
	m.transition(StatusConnecting, func() bool {
		m.pending = att
		return true
	})

	slog.Info("[CONN] connecting", "id", id, "timeout", m.opts.ConnectTimeout)
	start := time.Now()
	conn, err := m.dialer.Connect(cctx, id)
	if err != nil {
		if m.failAttempt(att) {
			return nil, fmt.Errorf("%w: %s", ErrConnectAborted, id)
		}
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			slog.Warn("[CONN] connect timed out", "id", id, "timeout", m.opts.ConnectTimeout)
			return nil, fmt.Errorf("%w: %s after %s", ErrConnectTimeout, id, m.opts.ConnectTimeout)
		}
		slog.Warn("[CONN] connect failed", "id", id, "error", err)
		return nil, fmt.Errorf("connection: connect to %s: %w", id, err)
	}

	l := &link{id: id, conn: conn, lost: make(chan struct{})}
	l.setObserver(conn.OnDisconnect(func() { m.handleDrop(l) }))

	// A drop that fired during registration must not be reported as Connected.
	var lostEarly bool
	established := m.transition(StatusConnected, func() bool {
		if att.aborted || cctx.Err() != nil {
			return false
		}
		if l.isLost() {
			lostEarly = true
			return false
		}
		m.pending = nil
		m.link = l
		return true
	})
	if !established {
		// Do not leave a half-open link behind a cancelled attempt.
		l.removeObserver()
		if !lostEarly {
			if derr := conn.Disconnect(); derr != nil {
				slog.Debug("[CONN] dropping late connection", "id", id, "error", derr)
			}
		}
		if m.failAttempt(att) {
			return nil, fmt.Errorf("%w: %s", ErrConnectAborted, id)
		}
		if lostEarly {
			slog.Warn("[CONN] peer disconnected while connecting", "id", id)
			return nil, fmt.Errorf("connection: connect to %s: %w", id, ErrConnectionLost)
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrConnectTimeout, id, m.opts.ConnectTimeout)
	}
	slog.Info("[CONN] connected", "id", id, "elapsed", time.Since(start).Round(time.Millisecond))

	services, err := m.discover(ctx, l)
	if err != nil {
		slog.Warn("[CONN] service discovery failed", "id", id, "error", err)
		services = make(ble.ServiceTable)
	}
	info := m.readDeviceInfo(ctx, l)

	if l.isLost() {
		m.transition(StatusDisconnected, func() bool {
			if m.link != l {
				return false
			}
			m.link = nil
			return true
		})
		l.removeObserver()
		return nil, fmt.Errorf("connection: connect to %s: %w", id, ErrConnectionLost)
	}

	m.mu.Lock()
	l.info = info
	m.mu.Unlock()
	slog.Info("[CONN] device ready",
		"id", id,
		"services", len(services),
		"name", info.Name,
		"model", info.Model,
		"firmware", info.FirmwareRevision,
	)
	return &Peer{ID: id, Services: copyTable(services), Info: info}, nil
}

// failAttempt returns a Connecting manager to Disconnected and reports
// whether the attempt was aborted by Disconnect.
func (m *Manager) failAttempt(att *attempt) bool {
	var aborted bool
	m.transition(StatusDisconnected, func() bool {
		aborted = att.aborted
		if m.pending != att {
			return false
		}
		m.pending = nil
		return true
	})
	return aborted
}

// Disconnect tears down the current connection. With nothing connected it
// logs a warning and returns; an in-flight connect attempt is aborted.
// The manager ends Disconnected whatever the platform call reports.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.pending != nil {
		att := m.pending
		att.aborted = true
		m.mu.Unlock()
		att.cancel()
		slog.Info("[CONN] connect attempt aborted", "id", att.id)
		return nil
	}
	l := m.link
	m.mu.Unlock()

	if l == nil {
		slog.Warn("[CONN] disconnect requested but not connected")
		return nil
	}
	m.teardown(ctx, l)
	return nil
}

// teardown runs the Disconnecting sequence for l if it is still current.
func (m *Manager) teardown(ctx context.Context, l *link) {
	current := m.transition(StatusDisconnecting, func() bool {
		if m.link != l {
			return false
		}
		m.link = nil
		return true
	})
	if !current {
		return
	}

	// Remove first so our own disconnect does not fire the observer.
	l.removeObserver()
	l.markLost()

	dctx, cancel := context.WithTimeout(ctx, m.opts.DisconnectTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.conn.Disconnect() }()
	select {
	case err := <-done:
		if err != nil {
			slog.Warn("[CONN] platform disconnect failed", "id", l.id, "error", err)
		}
	case <-dctx.Done():
		slog.Warn("[CONN] platform disconnect did not complete", "id", l.id, "error", dctx.Err())
	}

	// A connect that started meanwhile owns the status now.
	m.transition(StatusDisconnected, func() bool {
		return m.status == StatusDisconnecting
	})
	slog.Info("[CONN] disconnected", "id", l.id)
}

// handleDrop is the disconnect observer for l.
func (m *Manager) handleDrop(l *link) {
	l.markLost()
	dropped := m.transition(StatusDisconnected, func() bool {
		if m.link != l {
			return false
		}
		m.link = nil
		return true
	})
	l.removeObserver()
	if dropped {
		slog.Warn("[CONN] peer disconnected", "id", l.id)
	}
}

// IsConnected reports whether id is the live, connected peer.
func (m *Manager) IsConnected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.link != nil && m.link.id == id && m.status == StatusConnected
}

// Status returns the current state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Peer returns a snapshot of the connected device, or nil.
func (m *Manager) Peer() *Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return nil
	}
	return &Peer{ID: m.link.id, Services: copyTable(m.link.services), Info: m.link.info}
}

// Discover re-runs service discovery on the live link and returns the
// refreshed table. Safe to repeat.
func (m *Manager) Discover(ctx context.Context) (ble.ServiceTable, error) {
	l, err := m.current()
	if err != nil {
		return nil, err
	}
	table, err := m.discover(ctx, l)
	if err != nil {
		return nil, err
	}
	return copyTable(table), nil
}

func (m *Manager) discover(ctx context.Context, l *link) (ble.ServiceTable, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	defer cancel()
	table, err := await(ctx, l, l.conn.DiscoverServices)
	if err != nil {
		return nil, fmt.Errorf("connection: discover %s: %w", l.id, err)
	}
	m.mu.Lock()
	l.services = table
	m.mu.Unlock()
	slog.Debug("[CONN] services discovered", "id", l.id, "services", table.Services())
	return table, nil
}

// Read reads a characteristic on the live link.
func (m *Manager) Read(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
	l, err := m.current()
	if err != nil {
		return nil, err
	}
	return m.read(ctx, l, serviceUUID, charUUID)
}

func (m *Manager) read(ctx context.Context, l *link, serviceUUID, charUUID string) ([]byte, error) {
	c, err := l.conn.Characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, fmt.Errorf("connection: read %s: %w", charUUID, err)
	}
	data, err := await(ctx, l, c.Read)
	if err != nil {
		return nil, fmt.Errorf("connection: read %s: %w", charUUID, err)
	}
	return data, nil
}

// Write performs a write-with-response on the live link.
func (m *Manager) Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error {
	l, err := m.current()
	if err != nil {
		return err
	}
	c, err := l.conn.Characteristic(serviceUUID, charUUID)
	if err != nil {
		return fmt.Errorf("connection: write %s: %w", charUUID, err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.OperationTimeout)
	defer cancel()
	_, err = await(ctx, l, func() (struct{}, error) { return struct{}{}, c.Write(data) })
	if err != nil {
		return fmt.Errorf("connection: write %s: %w", charUUID, err)
	}
	return nil
}

func (m *Manager) current() (*link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil || m.status != StatusConnected {
		return nil, ErrNotConnected
	}
	return m.link, nil
}

// await runs a blocking radio call and gives up when ctx ends or the link
// is lost.
func await[T any](ctx context.Context, l *link, op func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := op()
		ch <- result{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		return r.v, r.err
	case <-l.lost:
		return zero, ErrConnectionLost
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// OnStatusChange registers cb for status transitions, delivered in order.
func (m *Manager) OnStatusChange(cb func(Status)) ble.Subscription {
	o := &statusObserver{m: m, cb: cb}
	m.mu.Lock()
	m.subs = append(m.subs, o)
	m.mu.Unlock()
	return o
}

// transition runs mutate under the state lock and, if it returns true,
// moves to status s and notifies observers. Deliveries keep transition order.
func (m *Manager) transition(s Status, mutate func() bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if !mutate() {
		m.mu.Unlock()
		return false
	}
	if m.status == s {
		m.mu.Unlock()
		return true
	}
	prev := m.status
	m.status = s
	subs := make([]*statusObserver, 0, len(m.subs))
	for _, o := range m.subs {
		if o.active() {
			subs = append(subs, o)
		}
	}
	m.mu.Unlock()

	slog.Debug("[CONN] status", "from", prev, "to", s)
	for _, o := range subs {
		if o.active() {
			o.cb(s)
		}
	}
	return true
}

type statusObserver struct {
	m  *Manager
	cb func(Status)

	mu      sync.Mutex
	removed bool
}

func (o *statusObserver) active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.removed
}

func (o *statusObserver) Remove() {
	o.mu.Lock()
	o.removed = true
	o.mu.Unlock()

	o.m.mu.Lock()
	defer o.m.mu.Unlock()
	for i, s := range o.m.subs {
		if s == o {
			o.m.subs = append(o.m.subs[:i], o.m.subs[i+1:]...)
			break
		}
	}
}

func copyTable(t ble.ServiceTable) ble.ServiceTable {
	out := make(ble.ServiceTable, len(t))
	for svc, chars := range t {
		out[svc] = append([]string(nil), chars...)
	}
	return out
}
