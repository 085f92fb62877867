// Package app wires the BLE components together from a Config. All
// components share one adapter; each holds its own lease on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nightowl-health/blelink/internal/ble"
	"github.com/nightowl-health/blelink/internal/config"
	"github.com/nightowl-health/blelink/internal/connection"
	"github.com/nightowl-health/blelink/internal/discovery"
	"github.com/nightowl-health/blelink/internal/provision"
)

// maxBackoff caps the delay between provisioning attempts.
const maxBackoff = 30 * time.Second

// App owns the shared adapter and the components built on it.
type App struct {
	Radio       *ble.Shared
	Scanner     *discovery.Scheduler
	Conn        *connection.Manager
	Provisioner *provision.Provisioner

	leases []*ble.Lease

	backoffBase time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// New builds the application on the platform adapter.
func New(cfg *config.Config) (*App, error) {
	adapterID := cfg.Adapter.ID
	factory := func() (ble.Adapter, error) { return ble.NewTinyGoAdapter(adapterID), nil }
	permit := func(ctx context.Context) (bool, error) { return ble.RequestPermissions(ctx, adapterID) }
	return NewWithFactory(cfg, factory, permit)
}

// NewWithFactory builds the application on adapters made by factory.
// A nil permit treats permission as granted.
func NewWithFactory(cfg *config.Config, factory ble.Factory, permit discovery.PermissionFunc) (*App, error) {
	a := &App{
		Radio:       ble.NewShared(factory),
		backoffBase: time.Second,
		sleep:       sleepContext,
	}

	scanLease, err := a.Radio.Acquire()
	if err != nil {
		return nil, fmt.Errorf("app: acquire adapter for discovery: %w", err)
	}
	a.leases = append(a.leases, scanLease)

	connLease, err := a.Radio.Acquire()
	if err != nil {
		a.release()
		return nil, fmt.Errorf("app: acquire adapter for connection: %w", err)
	}
	a.leases = append(a.leases, connLease)

	a.Scanner = discovery.New(scanLease, permit, discovery.Options{
		ActiveWindow:    cfg.Scan.ActiveWindow,
		IdleWindow:      cfg.Scan.IdleWindow,
		SessionDeadline: cfg.Scan.SessionDeadline,
		RequireName:     cfg.Scan.RequireName,
	})
	a.Conn = connection.New(connLease, a.Scanner, connection.Options{
		ConnectTimeout:    cfg.Connect.Timeout,
		ReadTimeout:       cfg.Connect.ReadTimeout,
		OperationTimeout:  cfg.Connect.OperationTimeout,
		DisconnectTimeout: cfg.Connect.DisconnectTimeout,
	})
	a.Provisioner = provision.New(a.Conn, provision.Options{
		Topology: provision.Topology{
			Service:     cfg.Provision.ServiceUUID,
			Credentials: cfg.Provision.CredentialsCharUUID,
			Status:      cfg.Provision.StatusCharUUID,
		},
		Encoding:  provision.Encoding(cfg.Provision.Encoding),
		DerivePSK: cfg.Provision.DerivePSK,
	})

	slog.Debug("[BLE] components ready", "adapter", cfg.Adapter.ID, "refs", a.Radio.Refs())
	return a, nil
}

// Close stops scanning, drops any connection and releases the adapter.
func (a *App) Close(ctx context.Context) error {
	a.Scanner.StopScan()
	err := a.Conn.Disconnect(ctx)
	a.release()
	if err != nil {
		return fmt.Errorf("app: disconnect: %w", err)
	}
	return nil
}

func (a *App) release() {
	for _, l := range a.leases {
		l.Release()
	}
	a.leases = nil
}

// ProvisionWithRetry selects deviceID and sends creds, retrying transient
// failures up to retries more times with capped exponential backoff.
func (a *App) ProvisionWithRetry(ctx context.Context, deviceID string, creds provision.Credentials, retries int) error {
	a.Provisioner.SelectDevice(deviceID)

	var err error
	for attempt := 0; ; attempt++ {
		err = a.Provisioner.Provision(ctx, creds)
		if err == nil {
			return nil
		}
		if attempt >= retries || !retryable(err) {
			return err
		}

		delay := backoffDelay(attempt, a.backoffBase, maxBackoff)
		slog.Warn("[PROV] attempt failed, retrying",
			"device", deviceID,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if serr := a.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("%w (last error: %v)", serr, err)
		}
	}
}

// retryable reports whether another attempt could succeed. Bad input and
// a device without the provisioning service will not change between tries.
func retryable(err error) bool {
	var svcErr *provision.ServiceNotFoundError
	var charErr *provision.CharacteristicNotFoundError
	switch {
	case errors.Is(err, provision.ErrNoDeviceSelected),
		errors.Is(err, provision.ErrInvalidCredentials),
		errors.Is(err, ble.ErrAdapterUnavailable),
		errors.Is(err, context.Canceled),
		errors.As(err, &svcErr),
		errors.As(err, &charErr):
		return false
	}
	return true
}

// backoffDelay returns the delay before retry n (0-based): base doubled n
// times, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
