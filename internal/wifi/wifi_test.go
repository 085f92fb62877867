package wifi

import (
	"context"
	"errors"
	"os/exec"
	"reflect"
	"testing"
)

const sampleScan = `AA\:BB\:CC\:00\:00\:01:HomeNet:2437 MHz:6:82:WPA2
AA\:BB\:CC\:00\:00\:02:HomeNet:5180 MHz:36:64:WPA2 WPA3
aa\:bb\:cc\:00\:00\:03:Cafe\:Guest:2412 MHz:1:40:
AA\:BB\:CC\:00\:00\:04::2462 MHz:11:90:WPA2
AA\:BB\:CC\:00\:00\:05:OldRouter:2422 MHz:3:15:WEP

garbage line
`

func TestParseNmcliScan(t *testing.T) {
	got := parseNmcliScan(sampleScan)
	if len(got) != 5 {
		t.Fatalf("parsed %d networks, want 5", len(got))
	}

	first := got[0]
	want := Network{
		SSID:      "HomeNet",
		BSSID:     "AA:BB:CC:00:00:01",
		Security:  "WPA2",
		Signal:    82,
		RSSI:      -100 + 82*70/100,
		Frequency: 2437,
		Channel:   6,
	}
	if first != want {
		t.Errorf("first network = %+v, want %+v", first, want)
	}
	if got[2].SSID != "Cafe:Guest" {
		t.Errorf("escaped colon in SSID not restored: %q", got[2].SSID)
	}
	if got[2].BSSID != "AA:BB:CC:00:00:03" {
		t.Errorf("BSSID should be upper-cased, got %q", got[2].BSSID)
	}
}

func TestDedupeBySSID(t *testing.T) {
	got := dedupeBySSID(parseNmcliScan(sampleScan))

	var ssids []string
	for _, n := range got {
		ssids = append(ssids, n.SSID)
	}
	want := []string{"HomeNet", "Cafe:Guest", "OldRouter"}
	if !reflect.DeepEqual(ssids, want) {
		t.Errorf("SSIDs = %v, want %v", ssids, want)
	}
	if got[0].BSSID != "AA:BB:CC:00:00:01" {
		t.Errorf("strongest HomeNet AP should win, got %s", got[0].BSSID)
	}
}

func TestSecure(t *testing.T) {
	tests := []struct {
		security string
		want     bool
	}{
		{"WPA2", true},
		{"wpa3", true},
		{"WEP", true},
		{"", false},
		{"--", false},
	}
	for _, tt := range tests {
		if got := (Network{Security: tt.security}).Secure(); got != tt.want {
			t.Errorf("Secure(%q) = %v, want %v", tt.security, got, tt.want)
		}
	}
}

func TestScanUsesRunner(t *testing.T) {
	var gotArgs []string
	s := NewScanner(true)
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = append([]string{name}, args...)
		return []byte(sampleScan), nil
	}

	networks, err := s.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(networks) != 3 {
		t.Errorf("Scan() returned %d networks, want 3", len(networks))
	}
	if gotArgs[0] != "nmcli" || gotArgs[len(gotArgs)-1] != "yes" {
		t.Errorf("unexpected command %v", gotArgs)
	}
}

func TestScanMissingNmcli(t *testing.T) {
	s := NewScanner(false)
	s.run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, &exec.Error{Name: "nmcli", Err: exec.ErrNotFound}
	}
	if _, err := s.Scan(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Scan() error = %v, want ErrUnavailable", err)
	}
}
