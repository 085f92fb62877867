package ble

import "fmt"

// AdapterState is the power/availability state of the platform radio.
type AdapterState int

const (
	StateUnknown AdapterState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s AdapterState) String() string {
	switch s {
	case StateResetting:
		return "Resetting"
	case StateUnsupported:
		return "Unsupported"
	case StateUnauthorized:
		return "Unauthorized"
	case StatePoweredOff:
		return "PoweredOff"
	case StatePoweredOn:
		return "PoweredOn"
	default:
		return "Unknown"
	}
}

// Usable reports whether radio operations may be attempted. Unknown is
// treated as usable so the platform call itself decides before the first
// state report arrives.
func (s AdapterState) Usable() bool {
	return s == StatePoweredOn || s == StateUnknown
}

// MarshalText renders the state by name for JSON/YAML consumers.
func (s AdapterState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckUsable returns an error wrapping ErrAdapterUnavailable when the
// state does not allow radio operations.
func CheckUsable(s AdapterState) error {
	if s.Usable() {
		return nil
	}
	return fmt.Errorf("%w (state %s)", ErrAdapterUnavailable, s)
}
