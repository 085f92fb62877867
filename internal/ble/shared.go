package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Factory constructs the platform adapter. It is called lazily by Shared on
// first acquisition and again after a full teardown.
type Factory func() (Adapter, error)

// Shared is the single process-wide handle to the BLE radio. Consumers take
// a Lease; the underlying adapter is created on the first Acquire and closed
// when the last lease is released.
type Shared struct {
	factory Factory

	mu      sync.Mutex
	adapter Adapter
	refs    int
	gen     uint64 // bumped on every construction and teardown
	state   AdapterState
	subs    []*stateSubscription

	// lifecycleMu serializes adapter construction and teardown.
	lifecycleMu sync.Mutex

	// deliverMu serializes fan-out so transitions reach every subscriber
	// in the order they occurred.
	deliverMu sync.Mutex
}

// NewShared creates a handle that builds its adapter with factory.
func NewShared(factory Factory) *Shared {
	return &Shared{factory: factory}
}

// Acquire returns a lease on the adapter, constructing and enabling it if
// this is the first consumer.
func (s *Shared) Acquire() (*Lease, error) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	a := s.adapter
	s.mu.Unlock()

	if a == nil {
		created, err := s.factory()
		if err != nil {
			return nil, fmt.Errorf("ble: create adapter: %w", err)
		}
		s.mu.Lock()
		s.gen++
		gen := s.gen
		s.mu.Unlock()

		created.SetStateHandler(func(state AdapterState) { s.publish(gen, state) })
		if err := created.Enable(); err != nil {
			_ = created.Close()
			return nil, fmt.Errorf("ble: enable adapter: %w", err)
		}
		slog.Debug("[BLE] adapter created")
		a = created
	}

	s.mu.Lock()
	s.adapter = a
	s.refs++
	refs := s.refs
	s.mu.Unlock()

	slog.Debug("[BLE] lease acquired", "refs", refs)
	return &Lease{shared: s, adapter: a}, nil
}

// Refs returns the number of outstanding leases.
func (s *Shared) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// State returns the last reported adapter state.
func (s *Shared) State() AdapterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnStateChange registers cb for adapter-state transitions. The current
// state is delivered synchronously before OnStateChange returns. Callbacks
// run in subscription order and must not call OnStateChange themselves.
func (s *Shared) OnStateChange(cb func(AdapterState)) Subscription {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	sub := &stateSubscription{shared: s, cb: cb}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	current := s.state
	s.mu.Unlock()

	cb(current)
	return sub
}

// publish records a new state and fans it out. Reports from a torn-down
// adapter and identical consecutive states are dropped.
func (s *Shared) publish(gen uint64, state AdapterState) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	if gen != s.gen || state == s.state {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	subs := make([]*stateSubscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	slog.Info("[BLE] adapter state changed", "from", prev, "to", state)
	for _, sub := range subs {
		if sub.active() {
			sub.cb(state)
		}
	}
}

func (s *Shared) release() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	s.refs--
	refs := s.refs
	if refs > 0 {
		s.mu.Unlock()
		slog.Debug("[BLE] lease released", "refs", refs)
		return
	}
	a := s.adapter
	s.adapter = nil
	s.refs = 0
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if a != nil {
		slog.Debug("[BLE] last lease released, closing adapter")
		if err := a.Close(); err != nil {
			slog.Warn("[BLE] adapter close failed", "error", err)
		}
	}
	s.publish(gen, StateUnknown)
}

func (s *Shared) unsubscribe(target *stateSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == target {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

type stateSubscription struct {
	shared *Shared
	cb     func(AdapterState)

	mu      sync.Mutex
	removed bool
}

func (s *stateSubscription) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.removed
}

func (s *stateSubscription) Remove() {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	s.removed = true
	s.mu.Unlock()
	s.shared.unsubscribe(s)
}

// Lease is one consumer's reference to the shared adapter.
type Lease struct {
	shared  *Shared
	adapter Adapter

	once     sync.Once
	mu       sync.RWMutex
	released bool
}

// Release drops this consumer's reference. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		l.released = true
		l.mu.Unlock()
		l.shared.release()
	})
}

func (l *Lease) live() (Adapter, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.released {
		return nil, ErrReleased
	}
	return l.adapter, nil
}

// State returns the shared adapter state.
func (l *Lease) State() AdapterState {
	return l.shared.State()
}

// StartScan starts a radio scan through the shared adapter.
func (l *Lease) StartScan(cb func(Advertisement)) error {
	a, err := l.live()
	if err != nil {
		return err
	}
	return a.StartScan(cb)
}

// StopScan stops the radio scan through the shared adapter.
func (l *Lease) StopScan() error {
	a, err := l.live()
	if err != nil {
		return err
	}
	return a.StopScan()
}

// Connect opens a connection through the shared adapter.
func (l *Lease) Connect(ctx context.Context, id string) (Connection, error) {
	a, err := l.live()
	if err != nil {
		return nil, err
	}
	return a.Connect(ctx, id)
}
