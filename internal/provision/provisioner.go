// Package provision delivers Wi-Fi credentials to a paired device over its
// provisioning GATT service.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nightowl-health/blelink/internal/ble"
	"github.com/nightowl-health/blelink/internal/connection"
)

// ErrNoDeviceSelected is returned when no target device has been selected.
var ErrNoDeviceSelected = errors.New("provision: no device selected")

// ServiceNotFoundError reports a peer without the provisioning service.
type ServiceNotFoundError struct {
	Service string
	Present []string
}

func (e *ServiceNotFoundError) Error() string {
	return fmt.Sprintf("provision: service %s not found (present: %s)", e.Service, joinOrNone(e.Present))
}

// CharacteristicNotFoundError reports a provisioning service without the
// credentials characteristic.
type CharacteristicNotFoundError struct {
	Service        string
	Characteristic string
	Present        []string
}

func (e *CharacteristicNotFoundError) Error() string {
	return fmt.Sprintf("provision: characteristic %s not found in service %s (present: %s)",
		e.Characteristic, e.Service, joinOrNone(e.Present))
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}

// Topology is the GATT contract fixed by the device firmware.
type Topology struct {
	Service     string
	Credentials string
	Status      string // reserved by the firmware, not used by this flow
}

// DefaultTopology returns the identifiers used by shipping firmware.
func DefaultTopology() Topology {
	return Topology{
		Service:     "5678def0-5678-1234-1234-56789abc0000",
		Credentials: "5678def1-5678-1234-1234-56789abc0000",
		Status:      "5678def2-5678-1234-1234-56789abc0000",
	}
}

// Options configures a Provisioner.
type Options struct {
	Topology  Topology
	Encoding  Encoding
	DerivePSK bool // send the derived WPA2 PSK instead of the passphrase
}

// DefaultOptions returns the firmware topology with base64 payloads.
func DefaultOptions() Options {
	return Options{Topology: DefaultTopology(), Encoding: EncodingBase64}
}

// Link is the connection surface the provisioner needs.
// *connection.Manager satisfies it.
type Link interface {
	Connect(ctx context.Context, id string) (*connection.Peer, error)
	IsConnected(id string) bool
	Discover(ctx context.Context) (ble.ServiceTable, error)
	Write(ctx context.Context, serviceUUID, charUUID string, data []byte) error
}

// Provisioner sends credentials to the selected device. It never retries
// on its own.
type Provisioner struct {
	link Link
	opts Options

	mu       sync.Mutex
	selected string
}

// New creates a provisioner over link.
func New(link Link, opts Options) *Provisioner {
	return &Provisioner{link: link, opts: opts}
}

// SelectDevice sets the target device id. An empty id clears the selection.
func (p *Provisioner) SelectDevice(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected = id
}

// SelectedDevice returns the target device id, or "".
func (p *Provisioner) SelectedDevice() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected
}

// Provision writes creds to the selected device: reconnect if needed,
// discover, verify the topology, then write with response.
func (p *Provisioner) Provision(ctx context.Context, creds Credentials) error {
	id := p.SelectedDevice()
	if id == "" {
		return ErrNoDeviceSelected
	}
	if err := creds.Validate(); err != nil {
		return err
	}
	if p.opts.DerivePSK && isPassphrase(creds.Password) {
		creds.Password = DerivePSK(creds.SSID, creds.Password)
	}

	if !p.link.IsConnected(id) {
		slog.Info("[PROV] device not connected, reconnecting", "device", id)
		peer, err := p.link.Connect(ctx, id)
		if err != nil {
			return fmt.Errorf("provision: reconnect %s: %w", id, err)
		}
		// Identity is not re-verified beyond the id; the name is logged so
		// a swapped device shows up in the logs.
		slog.Info("[PROV] reconnected", "device", id, "name", peer.Info.Name)
	}

	table, err := p.link.Discover(ctx)
	if err != nil {
		return fmt.Errorf("provision: discover %s: %w", id, err)
	}

	svc := ble.NormalizeUUID(p.opts.Topology.Service)
	char := ble.NormalizeUUID(p.opts.Topology.Credentials)
	if !table.HasService(svc) {
		return &ServiceNotFoundError{Service: svc, Present: table.Services()}
	}
	if !table.HasCharacteristic(svc, char) {
		return &CharacteristicNotFoundError{
			Service:        svc,
			Characteristic: char,
			Present:        table.Characteristics(svc),
		}
	}

	payload, err := EncodePayload(creds, p.opts.Encoding)
	if err != nil {
		return err
	}

	slog.Info("[PROV] writing credentials",
		"device", id,
		"service", svc,
		"characteristic", char,
		"bytes", len(payload),
	)
	if err := p.link.Write(ctx, svc, char, payload); err != nil {
		return fmt.Errorf("provision: write credentials to %s: %w", id, err)
	}
	slog.Info("[PROV] credentials delivered", "device", id)
	return nil
}

// SendCredentials is Provision for callers that only need an outcome.
// Failures are logged with metadata only and reported as false.
func (p *Provisioner) SendCredentials(ctx context.Context, ssid, password string) bool {
	err := p.Provision(ctx, Credentials{SSID: ssid, Password: password})
	if err != nil {
		slog.Error("[PROV] provisioning failed",
			"device", p.SelectedDevice(),
			"service", ble.NormalizeUUID(p.opts.Topology.Service),
			"characteristic", ble.NormalizeUUID(p.opts.Topology.Credentials),
			"error", err,
		)
		return false
	}
	return true
}
