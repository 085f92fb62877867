package provision

import (
	"context"
	"errors"
	"testing"

	"github.com/nightowl-health/blelink/internal/ble"
	"github.com/nightowl-health/blelink/internal/ble/bletest"
	"github.com/nightowl-health/blelink/internal/connection"
)

const deviceID = "AA:BB:CC:DD:EE:01"

func device(withService bool, chars ...string) *bletest.Peripheral {
	topo := DefaultTopology()
	p := bletest.NewPeripheral(deviceID, "NightOwl-01").
		WithValue(connection.GenericAccessService, connection.DeviceNameChar, []byte("NightOwl-01")).
		WithValue(connection.DeviceInformationService, connection.ModelNumberChar, []byte("NO-2"))
	if withService {
		p.WithService(topo.Service, chars...)
	}
	return p
}

func fullDevice() *bletest.Peripheral {
	topo := DefaultTopology()
	return device(true, topo.Credentials, topo.Status)
}

func newTestProvisioner(t *testing.T, opts Options, p *bletest.Peripheral) (*Provisioner, *connection.Manager, *bletest.Adapter) {
	t.Helper()
	adapter := bletest.NewAdapter(p)
	shared := ble.NewShared(func() (ble.Adapter, error) { return adapter, nil })
	lease, err := shared.Acquire()
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	t.Cleanup(lease.Release)

	mgr := connection.New(lease, nil, connection.DefaultOptions())
	return New(mgr, opts), mgr, adapter
}

func TestProvisionRequiresSelectedDevice(t *testing.T) {
	p := fullDevice()
	prov, _, adapter := newTestProvisioner(t, DefaultOptions(), p)

	err := prov.Provision(context.Background(), Credentials{SSID: "HomeNet", Password: "s3cret!"})
	if !errors.Is(err, ErrNoDeviceSelected) {
		t.Fatalf("Provision() error = %v, want ErrNoDeviceSelected", err)
	}
	if prov.SendCredentials(context.Background(), "HomeNet", "s3cret!") {
		t.Error("SendCredentials() = true without a selected device")
	}
	if adapter.ConnectAttempts() != 0 || len(p.Writes()) != 0 {
		t.Error("no radio activity expected without a selected device")
	}
}

func TestSendCredentialsWhenConnected(t *testing.T) {
	p := fullDevice()
	prov, mgr, adapter := newTestProvisioner(t, DefaultOptions(), p)
	if _, err := mgr.Connect(context.Background(), deviceID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	prov.SelectDevice(deviceID)

	if !prov.SendCredentials(context.Background(), "HomeNet", "s3cret!") {
		t.Fatal("SendCredentials() = false, want true")
	}
	if adapter.ConnectAttempts() != 1 {
		t.Errorf("platform connects = %d, want 1", adapter.ConnectAttempts())
	}

	writes := p.Writes()
	if len(writes) != 1 {
		t.Fatalf("writes = %d, want 1", len(writes))
	}
	w := writes[0]
	if w.Service != DefaultTopology().Service || w.Characteristic != DefaultTopology().Credentials {
		t.Errorf("write went to %s/%s", w.Service, w.Characteristic)
	}
	creds, err := decodePayload(w.Data, EncodingBase64)
	if err != nil {
		t.Fatalf("decodePayload() error = %v", err)
	}
	if creds != (Credentials{SSID: "HomeNet", Password: "s3cret!"}) {
		t.Errorf("delivered credentials = %+v", creds)
	}
}

func TestProvisionReconnects(t *testing.T) {
	p := fullDevice()
	prov, mgr, adapter := newTestProvisioner(t, DefaultOptions(), p)
	prov.SelectDevice(deviceID)

	if err := prov.Provision(context.Background(), Credentials{SSID: "HomeNet", Password: "s3cret!"}); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	if adapter.ConnectAttempts() != 1 || !mgr.IsConnected(deviceID) {
		t.Errorf("expected a transparent connect, attempts = %d", adapter.ConnectAttempts())
	}
	if len(p.Writes()) != 1 {
		t.Errorf("writes = %d, want 1", len(p.Writes()))
	}
}

func TestProvisionReconnectsAfterPeerDrop(t *testing.T) {
	p := fullDevice()
	prov, mgr, adapter := newTestProvisioner(t, DefaultOptions(), p)
	if _, err := mgr.Connect(context.Background(), deviceID); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	adapter.LatestConnection().SimulateDisconnect()
	prov.SelectDevice(deviceID)

	if !prov.SendCredentials(context.Background(), "HomeNet", "s3cret!") {
		t.Fatal("SendCredentials() = false after reconnect")
	}
	if adapter.ConnectAttempts() != 2 {
		t.Errorf("platform connects = %d, want 2", adapter.ConnectAttempts())
	}
}

func TestProvisionReconnectFailure(t *testing.T) {
	p := fullDevice()
	prov, _, adapter := newTestProvisioner(t, DefaultOptions(), p)
	radioErr := errors.New("page timeout")
	adapter.SetConnectError(radioErr)
	prov.SelectDevice(deviceID)

	err := prov.Provision(context.Background(), Credentials{SSID: "HomeNet", Password: "s3cret!"})
	if !errors.Is(err, radioErr) {
		t.Fatalf("Provision() error = %v, want wrapped radio error", err)
	}
	if adapter.ConnectAttempts() != 1 {
		t.Errorf("platform connects = %d, want exactly 1 (no internal retry)", adapter.ConnectAttempts())
	}
	if len(p.Writes()) != 0 {
		t.Error("write attempted after a failed reconnect")
	}
}

func TestProvisionMissingService(t *testing.T) {
	p := device(false)
	prov, _, _ := newTestProvisioner(t, DefaultOptions(), p)
	prov.SelectDevice(deviceID)

	err := prov.Provision(context.Background(), Credentials{SSID: "HomeNet", Password: "s3cret!"})
	var svcErr *ServiceNotFoundError
	if !errors.As(err, &svcErr) {
		t.Fatalf("Provision() error = %v, want ServiceNotFoundError", err)
	}
	if svcErr.Service != DefaultTopology().Service {
		t.Errorf("missing service = %s", svcErr.Service)
	}
	want := map[string]bool{
		ble.NormalizeUUID(connection.GenericAccessService):     true,
		ble.NormalizeUUID(connection.DeviceInformationService): true,
	}
	if len(svcErr.Present) != len(want) {
		t.Errorf("present services = %v", svcErr.Present)
	}
	for _, s := range svcErr.Present {
		if !want[s] {
			t.Errorf("unexpected present service %s", s)
		}
	}
	if len(p.Writes()) != 0 {
		t.Error("write attempted although the service is missing")
	}
	if prov.SendCredentials(context.Background(), "HomeNet", "s3cret!") {
		t.Error("SendCredentials() = true with the service missing")
	}
}

func TestProvisionMissingCharacteristic(t *testing.T) {
	p := device(true, DefaultTopology().Status)
	prov, _, _ := newTestProvisioner(t, DefaultOptions(), p)
	prov.SelectDevice(deviceID)

	err := prov.Provision(context.Background(), Credentials{SSID: "HomeNet", Password: "s3cret!"})
	var charErr *CharacteristicNotFoundError
	if !errors.As(err, &charErr) {
		t.Fatalf("Provision() error = %v, want CharacteristicNotFoundError", err)
	}
	if charErr.Characteristic != DefaultTopology().Credentials {
		t.Errorf("missing characteristic = %s", charErr.Characteristic)
	}
	if len(charErr.Present) != 1 || charErr.Present[0] != DefaultTopology().Status {
		t.Errorf("present characteristics = %v", charErr.Present)
	}
	if len(p.Writes()) != 0 {
		t.Error("write attempted although the characteristic is missing")
	}
}

func TestProvisionWriteFailure(t *testing.T) {
	p := fullDevice().FailWrite(errors.New("att error 0x03"))
	prov, _, _ := newTestProvisioner(t, DefaultOptions(), p)
	prov.SelectDevice(deviceID)

	if prov.SendCredentials(context.Background(), "HomeNet", "s3cret!") {
		t.Error("SendCredentials() = true after a failed write")
	}
}

func TestProvisionInvalidCredentials(t *testing.T) {
	p := fullDevice()
	prov, _, adapter := newTestProvisioner(t, DefaultOptions(), p)
	prov.SelectDevice(deviceID)

	if err := prov.Provision(context.Background(), Credentials{SSID: ""}); err == nil {
		t.Fatal("Provision() should reject an empty ssid")
	}
	if adapter.ConnectAttempts() != 0 {
		t.Error("connect attempted with invalid credentials")
	}
}

func TestProvisionDerivesPSK(t *testing.T) {
	p := fullDevice()
	opts := DefaultOptions()
	opts.DerivePSK = true
	prov, _, _ := newTestProvisioner(t, opts, p)
	prov.SelectDevice(deviceID)

	if err := prov.Provision(context.Background(), Credentials{SSID: "IEEE", Password: "password"}); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	creds, err := decodePayload(p.Writes()[0].Data, EncodingBase64)
	if err != nil {
		t.Fatalf("decodePayload() error = %v", err)
	}
	if creds.Password != DerivePSK("IEEE", "password") {
		t.Errorf("password on the wire = %q, want derived PSK", creds.Password)
	}
}

func TestSelectDevice(t *testing.T) {
	prov := New(nil, DefaultOptions())
	if prov.SelectedDevice() != "" {
		t.Error("new provisioner should have no selection")
	}
	prov.SelectDevice(deviceID)
	if prov.SelectedDevice() != deviceID {
		t.Errorf("SelectedDevice() = %q", prov.SelectedDevice())
	}
	prov.SelectDevice("")
	if prov.SelectedDevice() != "" {
		t.Error("SelectDevice(\"\") should clear the selection")
	}
}
