package ble

import (
	"reflect"
	"testing"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"180A", "0000180a-0000-1000-8000-00805f9b34fb"},
		{"0x2a29", "00002a29-0000-1000-8000-00805f9b34fb"},
		{"0000180a", "0000180a-0000-1000-8000-00805f9b34fb"},
		{"5678DEF0-5678-1234-1234-56789ABC0000", "5678def0-5678-1234-1234-56789abc0000"},
		{"  5678def1-5678-1234-1234-56789abc0000 ", "5678def1-5678-1234-1234-56789abc0000"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := NormalizeUUID(tt.input); got != tt.want {
				t.Errorf("NormalizeUUID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestServiceTable(t *testing.T) {
	table := make(ServiceTable)
	table.Add("180A", "2A29", "2a24")
	table.Add("0000180a-0000-1000-8000-00805f9b34fb", "2A29") // duplicate
	table.Add("5678DEF0-5678-1234-1234-56789ABC0000")

	if !table.HasService("180a") {
		t.Error("HasService(180a) = false, want true")
	}
	if !table.HasService("5678def0-5678-1234-1234-56789abc0000") {
		t.Error("service without characteristics should still be present")
	}
	if table.HasService("1800") {
		t.Error("HasService(1800) = true, want false")
	}
	if !table.HasCharacteristic("180A", "2A24") {
		t.Error("HasCharacteristic(180A, 2A24) = false, want true")
	}
	if table.HasCharacteristic("1800", "2A29") {
		t.Error("characteristic must be looked up under its own service")
	}

	wantChars := []string{
		"00002a29-0000-1000-8000-00805f9b34fb",
		"00002a24-0000-1000-8000-00805f9b34fb",
	}
	if got := table.Characteristics("180a"); !reflect.DeepEqual(got, wantChars) {
		t.Errorf("Characteristics() = %v, want %v", got, wantChars)
	}

	wantSvcs := []string{
		"0000180a-0000-1000-8000-00805f9b34fb",
		"5678def0-5678-1234-1234-56789abc0000",
	}
	if got := table.Services(); !reflect.DeepEqual(got, wantSvcs) {
		t.Errorf("Services() = %v, want %v", got, wantSvcs)
	}
}

func TestAdapterStateUsable(t *testing.T) {
	tests := []struct {
		state AdapterState
		want  bool
	}{
		{StateUnknown, true},
		{StatePoweredOn, true},
		{StatePoweredOff, false},
		{StateUnsupported, false},
		{StateUnauthorized, false},
		{StateResetting, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.Usable(); got != tt.want {
				t.Errorf("%s.Usable() = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}
