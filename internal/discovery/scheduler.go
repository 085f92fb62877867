// Package discovery runs duty-cycled BLE scanning sessions and keeps the
// ordered, deduplicated list of devices seen during the current session.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nightowl-health/blelink/internal/ble"
)

// ErrPermissionDenied is returned by StartScan until RequestPermissions has
// reported a grant.
var ErrPermissionDenied = errors.New("discovery: bluetooth permission not granted")

// Radio is the part of the shared adapter the scheduler drives.
// *ble.Lease satisfies it.
type Radio interface {
	StartScan(func(ble.Advertisement)) error
	StopScan() error
	State() ble.AdapterState
}

// PermissionFunc asks the platform for scan permission.
type PermissionFunc func(ctx context.Context) (bool, error)

// Options controls the duty cycle.
type Options struct {
	ActiveWindow    time.Duration // radio on
	IdleWindow      time.Duration // radio off
	SessionDeadline time.Duration // whole session, measured from StartScan
	RequireName     bool          // drop advertisements without a local name
}

// DefaultOptions returns the power-saving cycle used by the mobile app:
// 30s on, 30s off, for at most five minutes.
func DefaultOptions() Options {
	return Options{
		ActiveWindow:    30 * time.Second,
		IdleWindow:      30 * time.Second,
		SessionDeadline: 5 * time.Minute,
		RequireName:     true,
	}
}

// DutyState is the current window of a scan session.
type DutyState int

const (
	DutyIdle DutyState = iota
	DutyActive
)

func (d DutyState) String() string {
	if d == DutyActive {
		return "active"
	}
	return "idle"
}

// Device is a peripheral seen during a session. ID and Name are fixed at
// first sighting; RSSI and LastSeen follow later advertisements.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	RSSI      int       `json:"rssi"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

type timer interface {
	Stop() bool
}

type session struct {
	id        uint64
	startedAt time.Time
	deadline  time.Time
	duty      DutyState
	radioOn   bool
	devices   []Device
	index     map[string]int

	window timer
	expiry timer
}

func (s *session) cancelTimers() {
	if s.window != nil {
		s.window.Stop()
	}
	if s.expiry != nil {
		s.expiry.Stop()
	}
}

// Scheduler owns at most one scan session at a time.
//
// Observer callbacks run on scheduler goroutines and must not call back
// into the Scheduler synchronously.
type Scheduler struct {
	radio  Radio
	permit PermissionFunc
	opts   Options

	afterFunc func(time.Duration, func()) timer
	now       func() time.Time

	// radioMu serializes radio start/stop with session transitions so a
	// stopped session can never be resumed by a late timer.
	radioMu sync.Mutex
	// dispatchMu is held while an advertisement is processed; stopping
	// waits on it so no device callback runs after StopScan returns.
	dispatchMu sync.Mutex

	mu           sync.Mutex
	granted      bool
	session      *session
	lastSession  uint64
	deviceSubs   []*observer[Device]
	scanningSubs []*observer[bool]
	endSubs      []*observer[string]
}

// New creates a scheduler. permit may be nil, in which case permission is
// treated as granted once RequestPermissions is called.
func New(radio Radio, permit PermissionFunc, opts Options) *Scheduler {
	return &Scheduler{
		radio:  radio,
		permit: permit,
		opts:   opts,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		now: time.Now,
	}
}

// RequestPermissions asks the platform for scan permission and records the
// answer for StartScan.
func (s *Scheduler) RequestPermissions(ctx context.Context) (bool, error) {
	granted := true
	if s.permit != nil {
		var err error
		granted, err = s.permit(ctx)
		if err != nil {
			return false, fmt.Errorf("discovery: request permissions: %w", err)
		}
	}
	s.mu.Lock()
	s.granted = granted
	s.mu.Unlock()

	if granted {
		slog.Debug("[SCAN] bluetooth permission granted")
	} else {
		slog.Warn("[SCAN] bluetooth permission denied")
	}
	return granted, nil
}

// StartScan begins a new session, ending any session already running.
// The discovered list starts empty.
func (s *Scheduler) StartScan() error {
	s.mu.Lock()
	granted := s.granted
	s.mu.Unlock()
	if !granted {
		return ErrPermissionDenied
	}
	if err := ble.CheckUsable(s.radio.State()); err != nil {
		return fmt.Errorf("discovery: start scan: %w", err)
	}

	s.radioMu.Lock()
	s.endSession(0, "restarted")

	now := s.now()
	s.mu.Lock()
	s.lastSession++
	id := s.lastSession
	sess := &session{
		id:        id,
		startedAt: now,
		deadline:  now.Add(s.opts.SessionDeadline),
		index:     make(map[string]int),
	}
	sess.expiry = s.afterFunc(s.opts.SessionDeadline, func() { s.expire(id) })
	s.session = sess
	s.mu.Unlock()
	s.radioMu.Unlock()

	slog.Info("[SCAN] session started",
		"session", id,
		"active", s.opts.ActiveWindow,
		"idle", s.opts.IdleWindow,
		"deadline", s.opts.SessionDeadline,
	)
	s.enterActive(id)
	return nil
}

// StopScan ends the current session and cancels its timers. It is a no-op
// when no session is running.
func (s *Scheduler) StopScan() {
	s.radioMu.Lock()
	defer s.radioMu.Unlock()
	s.endSession(0, "stopped")
}

func (s *Scheduler) expire(id uint64) {
	s.radioMu.Lock()
	defer s.radioMu.Unlock()
	s.endSession(id, "deadline reached")
}

// endSession destroys the current session if it matches id (0 matches any).
// Caller holds radioMu.
func (s *Scheduler) endSession(id uint64, reason string) {
	s.mu.Lock()
	sess := s.session
	if sess == nil || (id != 0 && sess.id != id) {
		s.mu.Unlock()
		return
	}
	s.session = nil
	sess.cancelTimers()
	wasOn := sess.radioOn
	found := len(sess.devices)
	s.mu.Unlock()

	if wasOn {
		s.stopRadio()
	}
	slog.Info("[SCAN] session ended", "session", sess.id, "reason", reason, "devices", found)
	if wasOn {
		s.notifyScanning(false)
	}

	s.mu.Lock()
	subs := activeObservers(s.endSubs)
	s.mu.Unlock()
	for _, o := range subs {
		o.deliver(reason)
	}
}

func (s *Scheduler) enterActive(id uint64) {
	s.radioMu.Lock()
	defer s.radioMu.Unlock()

	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.id != id {
		s.mu.Unlock()
		return
	}
	sess.duty = DutyActive
	sess.window = s.afterFunc(s.opts.ActiveWindow, func() { s.enterIdle(id) })
	s.mu.Unlock()

	if err := s.radio.StartScan(func(adv ble.Advertisement) { s.handleAdvertisement(id, adv) }); err != nil {
		// Absorbed; the next active window tries again.
		slog.Warn("[SCAN] radio scan start failed, retrying next window", "session", id, "error", err)
		return
	}

	s.mu.Lock()
	sess.radioOn = true
	s.mu.Unlock()
	slog.Debug("[SCAN] active window", "session", id)
	s.notifyScanning(true)
}

func (s *Scheduler) enterIdle(id uint64) {
	s.radioMu.Lock()
	defer s.radioMu.Unlock()

	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.id != id {
		s.mu.Unlock()
		return
	}
	sess.duty = DutyIdle
	wasOn := sess.radioOn
	sess.radioOn = false
	sess.window = s.afterFunc(s.opts.IdleWindow, func() { s.enterActive(id) })
	s.mu.Unlock()

	if wasOn {
		s.stopRadio()
	}
	slog.Debug("[SCAN] idle window", "session", id)
	if wasOn {
		s.notifyScanning(false)
	}
}

// stopRadio turns the radio scan off and waits for any advertisement that
// is mid-dispatch.
func (s *Scheduler) stopRadio() {
	if err := s.radio.StopScan(); err != nil {
		slog.Warn("[SCAN] radio scan stop failed", "error", err)
	}
	s.dispatchMu.Lock()
	// Empty section: only waits out an in-flight dispatch.
	s.dispatchMu.Unlock()
}

func (s *Scheduler) handleAdvertisement(id uint64, adv ble.Advertisement) {
	if adv.ID == "" {
		return
	}
	if s.opts.RequireName && adv.Name == "" {
		return
	}

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.id != id || sess.duty != DutyActive {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if i, ok := sess.index[adv.ID]; ok {
		sess.devices[i].RSSI = adv.RSSI
		sess.devices[i].LastSeen = now
		s.mu.Unlock()
		return
	}
	dev := Device{
		ID:        adv.ID,
		Name:      adv.Name,
		RSSI:      adv.RSSI,
		FirstSeen: now,
		LastSeen:  now,
	}
	sess.index[adv.ID] = len(sess.devices)
	sess.devices = append(sess.devices, dev)
	subs := activeObservers(s.deviceSubs)
	s.mu.Unlock()

	slog.Debug("[SCAN] device discovered", "id", dev.ID, "name", dev.Name, "rssi", dev.RSSI)
	for _, o := range subs {
		o.deliver(dev)
	}
}

// Devices returns the devices of the current session in first-seen order.
// It is empty when no session is running.
func (s *Scheduler) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return []Device{}
	}
	out := make([]Device, len(s.session.devices))
	copy(out, s.session.devices)
	return out
}

// IsScanning reports whether the radio is currently scanning.
func (s *Scheduler) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && s.session.radioOn
}

// Active reports whether a session exists, in either window.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Duty returns the current window, or DutyIdle without a session.
func (s *Scheduler) Duty() DutyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return DutyIdle
	}
	return s.session.duty
}

// Deadline returns when the current session will stop on its own.
func (s *Scheduler) Deadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return time.Time{}, false
	}
	return s.session.deadline, true
}

// OnDevice registers cb for each newly discovered device.
func (s *Scheduler) OnDevice(cb func(Device)) ble.Subscription {
	return subscribe(s, &s.deviceSubs, cb)
}

// OnScanningChange registers cb for radio on/off transitions.
func (s *Scheduler) OnScanningChange(cb func(bool)) ble.Subscription {
	return subscribe(s, &s.scanningSubs, cb)
}

// OnSessionEnd registers cb for every destroyed session, whichever window
// it was in. cb receives the reason: "stopped", "restarted" or
// "deadline reached".
func (s *Scheduler) OnSessionEnd(cb func(reason string)) ble.Subscription {
	return subscribe(s, &s.endSubs, cb)
}

// notifyScanning runs with radioMu held so transitions arrive in order.
func (s *Scheduler) notifyScanning(on bool) {
	s.mu.Lock()
	subs := activeObservers(s.scanningSubs)
	s.mu.Unlock()
	for _, o := range subs {
		o.deliver(on)
	}
}

type observer[T any] struct {
	cb     func(T)
	detach func()

	mu      sync.Mutex
	removed bool
}

func (o *observer[T]) Remove() {
	o.mu.Lock()
	if o.removed {
		o.mu.Unlock()
		return
	}
	o.removed = true
	o.mu.Unlock()
	o.detach()
}

func (o *observer[T]) deliver(v T) {
	o.mu.Lock()
	removed := o.removed
	o.mu.Unlock()
	if !removed {
		o.cb(v)
	}
}

// subscribe appends an observer to subs; its Remove drops it again.
func subscribe[T any](s *Scheduler, subs *[]*observer[T], cb func(T)) *observer[T] {
	o := &observer[T]{cb: cb}
	o.detach = func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		*subs = prune(*subs, o)
	}
	s.mu.Lock()
	*subs = append(*subs, o)
	s.mu.Unlock()
	return o
}

func prune[T any](subs []*observer[T], o *observer[T]) []*observer[T] {
	for i, s := range subs {
		if s == o {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

func activeObservers[T any](subs []*observer[T]) []*observer[T] {
	out := make([]*observer[T], 0, len(subs))
	for _, o := range subs {
		o.mu.Lock()
		if !o.removed {
			out = append(out, o)
		}
		o.mu.Unlock()
	}
	return out
}
