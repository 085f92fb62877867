package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nightowl-health/blelink/internal/app"
	"github.com/nightowl-health/blelink/internal/config"
	"github.com/nightowl-health/blelink/internal/discovery"
	"github.com/nightowl-health/blelink/internal/provision"
	"github.com/nightowl-health/blelink/internal/server"
	"github.com/nightowl-health/blelink/internal/wifi"
)

// startApp loads config and builds the components on the platform adapter.
func startApp() (*config.Config, *app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, a, nil
}

func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}

func newScanCmd() *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for nearby devices",
		Long: `Scan runs one duty-cycled discovery session and prints each device the
first time it is seen. The session ends after --duration, at the configured
session deadline, or on Ctrl-C, whichever comes first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, a, err := startApp()
			if err != nil {
				return err
			}
			defer closeApp(a)

			ctx := cmd.Context()
			granted, err := a.Scanner.RequestPermissions(ctx)
			if err != nil {
				return err
			}
			if !granted {
				return discovery.ErrPermissionDenied
			}

			ended := make(chan struct{}, 1)
			devSub := a.Scanner.OnDevice(func(d discovery.Device) {
				fmt.Printf("%-20s %-24s %4d dBm\n", d.ID, d.Name, d.RSSI)
			})
			defer devSub.Remove()
			endSub := a.Scanner.OnSessionEnd(func(string) {
				select {
				case ended <- struct{}{}:
				default:
				}
			})
			defer endSub.Remove()

			if err := a.Scanner.StartScan(); err != nil {
				return err
			}
			if d, ok := a.Scanner.Deadline(); ok {
				fmt.Fprintf(os.Stderr, "scanning until %s (Ctrl-C to stop)\n", d.Format(time.Kitchen))
			}

			var timeout <-chan time.Time
			if duration > 0 {
				t := time.NewTimer(duration)
				defer t.Stop()
				timeout = t.C
			}
			select {
			case <-ctx.Done():
			case <-timeout:
			case <-ended:
			}
			a.Scanner.StopScan()

			fmt.Fprintf(os.Stderr, "%d device(s) found\n", len(a.Scanner.Devices()))
			return nil
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop scanning after this long (0 = session deadline)")
	return cmd
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <device-id>",
		Short: "Connect to a device and print its information and services",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, a, err := startApp()
			if err != nil {
				return err
			}
			defer closeApp(a)

			peer, err := a.Conn.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			info := peer.Info
			fmt.Fprintf(w, "ID:\t%s\n", peer.ID)
			fmt.Fprintf(w, "Name:\t%s\n", info.Name)
			fmt.Fprintf(w, "Appearance:\t0x%04x\n", info.Appearance)
			fmt.Fprintf(w, "Manufacturer:\t%s\n", info.Manufacturer)
			fmt.Fprintf(w, "Model:\t%s\n", info.Model)
			fmt.Fprintf(w, "Serial:\t%s\n", info.Serial)
			fmt.Fprintf(w, "Hardware:\t%s\n", info.HardwareRevision)
			fmt.Fprintf(w, "Firmware:\t%s\n", info.FirmwareRevision)
			fmt.Fprintf(w, "Software:\t%s\n", info.SoftwareRevision)
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Println("Services:")
			for _, svc := range peer.Services.Services() {
				fmt.Printf("  %s\n", svc)
				for _, char := range peer.Services.Characteristics(svc) {
					fmt.Printf("    %s\n", char)
				}
			}
			return nil
		},
	}
}

func newProvisionCmd() *cobra.Command {
	var (
		ssid          string
		password      string
		passwordStdin bool
		retries       int
	)
	cmd := &cobra.Command{
		Use:   "provision <device-id>",
		Short: "Send Wi-Fi credentials to a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if passwordStdin {
				if password != "" {
					return errors.New("--password and --password-stdin are mutually exclusive")
				}
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("reading password from stdin: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			_, a, err := startApp()
			if err != nil {
				return err
			}
			defer closeApp(a)

			creds := provision.Credentials{SSID: ssid, Password: password}
			if err := a.ProvisionWithRetry(cmd.Context(), args[0], creds, retries); err != nil {
				return err
			}
			fmt.Printf("credentials for %q delivered to %s\n", ssid, args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&ssid, "ssid", "", "Wi-Fi network name")
	cmd.Flags().StringVar(&password, "password", "", "Wi-Fi password (visible in shell history; prefer --password-stdin)")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the Wi-Fi password from stdin")
	cmd.Flags().IntVar(&retries, "retries", 2, "extra attempts after a transient failure")
	_ = cmd.MarkFlagRequired("ssid")
	return cmd
}

func newNetworksCmd() *cobra.Command {
	var rescan bool
	cmd := &cobra.Command{
		Use:   "networks",
		Short: "List nearby Wi-Fi networks (requires NetworkManager)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			if !wifi.Available() {
				return wifi.ErrUnavailable
			}
			networks, err := wifi.NewScanner(rescan).Scan(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SSID\tSIGNAL\tCHAN\tSECURITY")
			for _, n := range networks {
				security := "open"
				if n.Secure() {
					security = n.Security
				}
				fmt.Fprintf(w, "%s\t%d%%\t%d\t%s\n", n.SSID, n.Signal, n.Channel, security)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&rescan, "rescan", false, "ask NetworkManager for a fresh scan first")
	return cmd
}

func newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and WebSocket event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, a, err := startApp()
			if err != nil {
				return err
			}
			defer closeApp(a)

			if listen == "" {
				listen = cfg.Server.Listen
			}
			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", listen, err)
			}
			return server.New(a).Serve(cmd.Context(), ln)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Printf("config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	return cmd
}
