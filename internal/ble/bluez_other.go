//go:build !linux

package ble

import (
	"context"
	"errors"
)

var errNoStateSource = errors.New("ble: no adapter state source on this platform")

// watchAdapterState has no platform source outside Linux; the adapter
// reports PoweredOn after a successful Enable instead.
func watchAdapterState(string, func(AdapterState)) (func(), error) {
	return nil, errNoStateSource
}

// RequestPermissions always grants: macOS and Windows prompt the user
// through the OS on first radio use.
func RequestPermissions(context.Context, string) (bool, error) {
	return true, nil
}
