package ble_test

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/nightowl-health/blelink/internal/ble"
	"github.com/nightowl-health/blelink/internal/ble/bletest"
)

// countingFactory hands out fresh fake adapters and remembers them.
type countingFactory struct {
	mu       sync.Mutex
	adapters []*bletest.Adapter
	err      error
}

func (f *countingFactory) build() (ble.Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	a := bletest.NewAdapter()
	f.adapters = append(f.adapters, a)
	return a, nil
}

func (f *countingFactory) created() []*bletest.Adapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*bletest.Adapter(nil), f.adapters...)
}

func TestSharedSingleInstance(t *testing.T) {
	f := &countingFactory{}
	shared := ble.NewShared(f.build)

	l1, err := shared.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	l2, err := shared.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if n := len(f.created()); n != 1 {
		t.Fatalf("factory called %d times, want 1", n)
	}
	if shared.Refs() != 2 {
		t.Errorf("Refs() = %d, want 2", shared.Refs())
	}
	a := f.created()[0]
	if a.Enabled() != 1 {
		t.Errorf("Enable called %d times, want 1", a.Enabled())
	}

	l1.Release()
	l1.Release() // idempotent per lease
	if shared.Refs() != 1 {
		t.Errorf("Refs() after one release = %d, want 1", shared.Refs())
	}
	if a.Closed() != 0 {
		t.Error("adapter closed while a lease is still held")
	}

	l2.Release()
	if shared.Refs() != 0 {
		t.Errorf("Refs() = %d, want 0", shared.Refs())
	}
	if a.Closed() != 1 {
		t.Errorf("Close called %d times, want 1", a.Closed())
	}
	if shared.State() != ble.StateUnknown {
		t.Errorf("State() after teardown = %s, want Unknown", shared.State())
	}
}

func TestSharedRebuildsAfterTeardown(t *testing.T) {
	f := &countingFactory{}
	shared := ble.NewShared(f.build)

	l, err := shared.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	l.Release()

	l, err = shared.Acquire()
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	defer l.Release()

	if n := len(f.created()); n != 2 {
		t.Errorf("factory called %d times, want 2", n)
	}
	if shared.State() != ble.StatePoweredOn {
		t.Errorf("State() = %s, want PoweredOn", shared.State())
	}
}

func TestSharedFactoryError(t *testing.T) {
	f := &countingFactory{err: errors.New("no radio")}
	shared := ble.NewShared(f.build)

	if _, err := shared.Acquire(); err == nil {
		t.Fatal("Acquire() should fail when the factory fails")
	}
	if shared.Refs() != 0 {
		t.Errorf("Refs() = %d, want 0", shared.Refs())
	}
}

func TestSharedEnableError(t *testing.T) {
	a := bletest.NewAdapter()
	a.FailEnable(errors.New("adapter missing"))
	shared := ble.NewShared(func() (ble.Adapter, error) { return a, nil })

	if _, err := shared.Acquire(); err == nil {
		t.Fatal("Acquire() should fail when Enable fails")
	}
	if a.Closed() != 1 {
		t.Errorf("adapter should be closed after a failed Enable, Close called %d times", a.Closed())
	}
}

func TestReleasedLeaseRejectsOperations(t *testing.T) {
	shared := ble.NewShared((&countingFactory{}).build)
	l, err := shared.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	l.Release()

	if err := l.StartScan(func(ble.Advertisement) {}); !errors.Is(err, ble.ErrReleased) {
		t.Errorf("StartScan() error = %v, want ErrReleased", err)
	}
	if _, err := l.Connect(t.Context(), "AA:BB"); !errors.Is(err, ble.ErrReleased) {
		t.Errorf("Connect() error = %v, want ErrReleased", err)
	}
}

func TestOnStateChange(t *testing.T) {
	a := bletest.NewAdapter()
	shared := ble.NewShared(func() (ble.Adapter, error) { return a, nil })
	l, err := shared.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer l.Release()

	var mu sync.Mutex
	var order []string
	record := func(name string) func(ble.AdapterState) {
		return func(s ble.AdapterState) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name+":"+s.String())
		}
	}

	subA := shared.OnStateChange(record("a"))
	subB := shared.OnStateChange(record("b"))

	a.SetState(ble.StatePoweredOff)
	a.SetState(ble.StatePoweredOff) // identical, debounced
	subA.Remove()
	subA.Remove()
	a.SetState(ble.StatePoweredOn)
	subB.Remove()
	a.SetState(ble.StateResetting)

	want := []string{
		"a:PoweredOn", // current state on subscribe
		"b:PoweredOn",
		"a:PoweredOff",
		"b:PoweredOff",
		"b:PoweredOn",
	}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(order, want) {
		t.Errorf("deliveries = %v, want %v", order, want)
	}
}

func TestStaleAdapterStateIgnored(t *testing.T) {
	f := &countingFactory{}
	shared := ble.NewShared(f.build)

	l, err := shared.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	old := f.created()[0]
	l.Release()

	l, err = shared.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer l.Release()

	old.SetState(ble.StatePoweredOff)
	if shared.State() != ble.StatePoweredOn {
		t.Errorf("State() = %s, a closed adapter must not change state", shared.State())
	}
}
