package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/palpalette/device/internal/discovery"
	"github.com/palpalette/device/internal/identity"
	"github.com/palpalette/device/internal/network"
)

// Command flags
var (
	outputJSON   bool
	resetForce   bool
	scanTimeout  time.Duration
	credSSID     string
	credPassword string
	credProbe    string
	credServer   string
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(discoverCmd)

	statusCmd.Flags().BoolVar(&outputJSON, "json", false, "Print JSON")
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "Do not ask for confirmation")
	discoverCmd.Flags().DurationVar(&scanTimeout, "timeout", discovery.DefaultScanTimeout, "Scan timeout")

	credentialsCmd.Flags().StringVar(&credSSID, "ssid", "", "Network name (required)")
	credentialsCmd.Flags().StringVar(&credPassword, "password", "", "Network password")
	credentialsCmd.Flags().StringVar(&credProbe, "probe", "", "host:port that answers once the network is up")
	credentialsCmd.Flags().StringVar(&credServer, "server-url", "", "Backend session URL to store with the credentials")
	_ = credentialsCmd.MarkFlagRequired("ssid")
}

type statusReport struct {
	StateDir       string           `json:"stateDir"`
	Identity       *identity.Record `json:"identity,omitempty"`
	HasCredentials bool             `json:"hasCredentials"`
	SSID           string           `json:"ssid,omitempty"`
	ServerURL      string           `json:"serverUrl,omitempty"`
}

// statusCmd prints the stored identity and network state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored device identity and network credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, dir, err := loadConfig()
		if err != nil {
			return err
		}

		report := statusReport{StateDir: dir, ServerURL: cfg.Server.URL}
		rec, err := identity.LoadRecord(dir)
		switch {
		case err == nil:
			report.Identity = &rec
		case !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("failed to read identity: %w", err)
		}

		p, err := network.NewHostProvisioner(network.Options{StateDir: dir})
		if err != nil {
			return err
		}
		if creds, ok := p.Credentials(); ok {
			report.HasCredentials = true
			report.SSID = creds.SSID
			if creds.ServerURL != "" {
				report.ServerURL = creds.ServerURL
			}
		}

		if outputJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		fmt.Printf("State directory: %s\n", report.StateDir)
		if report.Identity == nil {
			fmt.Println("Identity:        not created yet (run the device once)")
		} else {
			fmt.Printf("Device ID:       %s\n", rec.DeviceID)
			fmt.Printf("MAC address:     %s\n", rec.MacAddress)
			fmt.Printf("Pairing code:    %s\n", valueOr(rec.PairingCode, "(none)"))
			fmt.Printf("Provisioned:     %t\n", rec.Provisioned)
			fmt.Printf("Firmware:        %s\n", rec.FirmwareVersion)
		}
		if report.HasCredentials {
			fmt.Printf("Network:         %s\n", report.SSID)
		} else {
			fmt.Println("Network:         no credentials (portal will open)")
		}
		fmt.Printf("Backend:         %s\n", valueOr(report.ServerURL, "(discover over mDNS)"))
		return nil
	},
}

// resetCmd wipes the identity and network credentials offline
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Factory reset the stored device state",
	Long: `Remove the stored network credentials and identity.

The device keeps its MAC address and gets a fresh provisional id; it must be
registered and claimed again. To reset a running device send it SIGUSR1 or
use the backend's factory-reset endpoint instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, dir, err := loadConfig()
		if err != nil {
			return err
		}

		if !resetForce {
			fmt.Printf("This removes all device state in %s. Continue? [y/N] ", dir)
			var answer string
			_, _ = fmt.Scanln(&answer)
			if answer != "y" && answer != "Y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		p, err := network.NewHostProvisioner(network.Options{StateDir: dir})
		if err != nil {
			return err
		}
		if err := p.ClearCredentials(); err != nil {
			return fmt.Errorf("failed to clear credentials: %w", err)
		}

		if err := os.Remove(filepath.Join(dir, identity.FileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove identity: %w", err)
		}

		fmt.Println("Device state removed.")
		return nil
	},
}

// credentialsCmd stores network credentials without going through the portal
var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Store network credentials",
	Example: `  palpalette-device credentials --ssid home --password secret \
    --probe 192.168.1.1:53 --server-url ws://192.168.1.20:3001/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, dir, err := loadConfig()
		if err != nil {
			return err
		}
		p, err := network.NewHostProvisioner(network.Options{StateDir: dir})
		if err != nil {
			return err
		}
		creds := network.Credentials{
			SSID:         credSSID,
			Password:     credPassword,
			ProbeAddress: credProbe,
			ServerURL:    credServer,
		}
		if err := p.SaveCredentials(creds); err != nil {
			return err
		}
		fmt.Printf("Credentials for %q saved in %s\n", credSSID, dir)
		return nil
	},
}

// discoverCmd lists backends advertised over mDNS
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Browse the network for PalPalette backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		scanner := discovery.NewScanner()
		scanner.Timeout = scanTimeout

		fmt.Printf("Browsing for %s (timeout: %s)...\n\n", scanner.ServiceType, scanTimeout)
		services, err := scanner.Browse(context.Background())
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		if len(services) == 0 {
			fmt.Println("No backends found.")
			fmt.Println("\nTroubleshooting:")
			fmt.Println("  - Start the backend with --advertise")
			fmt.Println("  - Check that multicast is allowed on this network")
			fmt.Println("  - Use --server to set the backend URL directly")
			return nil
		}

		fmt.Printf("Found %d backend(s):\n\n", len(services))
		for i, svc := range services {
			fmt.Printf("%d. %s\n", i+1, svc.String())
			fmt.Printf("   Session: %s\n", svc.SessionURL())
			fmt.Printf("   API:     %s\n", svc.APIURL())
			fmt.Println()
		}
		return nil
	},
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
