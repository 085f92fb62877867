// Package wifi lists nearby Wi-Fi networks so a caller can choose the SSID
// to provision. It reads NetworkManager's scan cache through nmcli.
package wifi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable is returned when nmcli is not installed.
var ErrUnavailable = errors.New("wifi: nmcli not available")

// Network is one access point, or the strongest of several sharing an SSID.
type Network struct {
	SSID      string `json:"ssid"`
	BSSID     string `json:"bssid"`
	Security  string `json:"security,omitempty"`
	Signal    int    `json:"signal"` // 0-100
	RSSI      int    `json:"rssi"`   // approximate dBm
	Frequency int    `json:"frequency_mhz"`
	Channel   int    `json:"channel"`
}

var secureCaps = regexp.MustCompile(`(?i)(WPA|WEP)`)

// Secure reports whether the network needs a password.
func (n Network) Secure() bool {
	return secureCaps.MatchString(n.Security)
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Scanner lists networks through nmcli.
type Scanner struct {
	run     Runner
	rescan  bool
	timeout time.Duration
}

// NewScanner creates a scanner. With rescan, NetworkManager is asked to
// scan again before listing, which is slower and may be rate limited.
func NewScanner(rescan bool) *Scanner {
	return &Scanner{run: execRunner, rescan: rescan, timeout: 15 * time.Second}
}

// Available reports whether nmcli is on PATH.
func Available() bool {
	_, err := exec.LookPath("nmcli")
	return err == nil
}

// Scan returns visible networks, one per SSID, strongest first. Hidden
// networks (empty SSID) are omitted.
func (s *Scanner) Scan(ctx context.Context) ([]Network, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rescan := "no"
	if s.rescan {
		rescan = "yes"
	}
	out, err := s.run(ctx, "nmcli", "-t", "-f", "BSSID,SSID,FREQ,CHAN,SIGNAL,SECURITY",
		"dev", "wifi", "list", "--rescan", rescan)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("wifi: nmcli scan: %w", err)
	}

	networks := dedupeBySSID(parseNmcliScan(string(out)))
	slog.Debug("[WIFI] scan complete", "networks", len(networks))
	return networks, nil
}

// parseNmcliScan parses nmcli terse output.
// Format per line: BSSID:SSID:FREQ:CHAN:SIGNAL:SECURITY
// In terse mode, literal colons in values are escaped as \:
func parseNmcliScan(output string) []Network {
	var results []Network

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		// Split on unescaped colons: replace \: with placeholder, split, restore
		const placeholder = "\x00"
		escaped := strings.ReplaceAll(line, `\:`, placeholder)
		parts := strings.Split(escaped, ":")
		for i := range parts {
			parts[i] = strings.ReplaceAll(parts[i], placeholder, ":")
		}
		if len(parts) < 5 {
			continue
		}

		n := Network{
			BSSID: strings.ToUpper(strings.TrimSpace(parts[0])),
			SSID:  strings.TrimSpace(parts[1]),
		}
		n.Frequency, _ = strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(parts[2]), " MHz"))
		n.Channel, _ = strconv.Atoi(strings.TrimSpace(parts[3]))
		if len(parts) > 5 {
			n.Security = strings.TrimSpace(parts[5])
		}

		n.RSSI = -80
		if signal, err := strconv.Atoi(strings.TrimSpace(parts[4])); err == nil {
			n.Signal = signal
			// nmcli SIGNAL is 0-100; 100% ~ -30dBm, 0% ~ -100dBm
			n.RSSI = -100 + signal*70/100
		}
		results = append(results, n)
	}
	return results
}

// dedupeBySSID keeps the strongest access point per SSID and sorts the
// result by signal, strongest first.
func dedupeBySSID(networks []Network) []Network {
	best := make(map[string]Network)
	for _, n := range networks {
		if n.SSID == "" {
			continue
		}
		if cur, ok := best[n.SSID]; !ok || n.Signal > cur.Signal {
			best[n.SSID] = n
		}
	}

	out := make([]Network, 0, len(best))
	for _, n := range best {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Signal != out[j].Signal {
			return out[i].Signal > out[j].Signal
		}
		return out[i].SSID < out[j].SSID
	})
	return out
}
