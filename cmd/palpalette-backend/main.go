// Palpalette-backend is a development backend for PalPalette devices.
//
// It serves the registration API and the session WebSocket, and offers admin
// endpoints to claim devices and push palettes so the device runtime can be
// exercised without the production backend.
//
// Usage:
//
//	palpalette-backend serve [flags]
//
// See 'palpalette-backend serve --help' for available options.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/palpalette/device/internal/backend"
	"github.com/palpalette/device/internal/discovery"
	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "palpalette-backend",
	Short: "PalPalette development backend",
	Long: `A standalone backend for developing against PalPalette devices.

Devices register over HTTP, open a WebSocket session and receive palettes,
claims and lighting configuration pushed through the admin endpoints.`,
	Version: version.Full(),
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Serve command and flags
var (
	certPath  string
	keyPath   string
	host      string
	port      int
	apiPort   int
	logLevel  string
	advertise bool
	instance  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the backend",
	Long: `Start the development backend.

Sessions are served on --port at /ws and the REST API on --api-port, matching
the production layout. Use the same value for both to serve everything on one
port. With --advertise the backend announces itself over mDNS so devices find
it without configuration.`,
	Example: `  # Production-like ports, discoverable over mDNS
  palpalette-backend serve --advertise

  # Everything on one port with debug logging
  palpalette-backend serve --port 8080 --api-port 8080 --log-level debug

  # wss:// sessions
  palpalette-backend serve --cert fullchain.pem --key privkey.pem

  # Claim a device and send it a palette
  curl -X POST localhost:3000/devices/claim -d '{"pairingCode":"ABC234","userName":"Ada"}'
  curl -X POST localhost:3000/devices/<id>/palette -d '{"colors":["#FF5733","#33C1FF"]}'`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&certPath, "cert", "", "Path to TLS certificate file (optional)")
	serveCmd.Flags().StringVar(&keyPath, "key", "", "Path to TLS private key file (optional)")
	serveCmd.Flags().StringVar(&host, "host", "", "Listen address (empty = all interfaces)")
	serveCmd.Flags().IntVar(&port, "port", 3001, "Session WebSocket port")
	serveCmd.Flags().IntVar(&apiPort, "api-port", 3000, "REST API port")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&advertise, "advertise", false, "Advertise the backend over mDNS")
	serveCmd.Flags().StringVar(&instance, "instance", "palpalette-backend", "mDNS instance name")
}

func runServe(cmd *cobra.Command, args []string) error {
	if (certPath == "") != (keyPath == "") {
		return fmt.Errorf("both --cert and --key must be provided together")
	}
	if err := logging.Initialize(logLevel); err != nil {
		return err
	}
	defer logging.Sync()

	srv, err := backend.New(&backend.Config{
		Host:     host,
		Port:     port,
		APIPort:  apiPort,
		CertPath: certPath,
		KeyPath:  keyPath,
	})
	if err != nil {
		return fmt.Errorf("failed to create backend: %w", err)
	}

	if advertise {
		adv, err := discovery.Advertise(instance, discovery.BackendServiceType, port, map[string]string{
			discovery.TXTPath:    discovery.DefaultSessionPath,
			discovery.TXTAPIPort: strconv.Itoa(apiPort),
			"version":            version.Firmware,
		})
		if err != nil {
			return fmt.Errorf("failed to advertise backend: %w", err)
		}
		defer adv.Shutdown()
		logging.Info("Backend advertised", zap.String("instance", instance), zap.String("service", discovery.BackendServiceType))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Start(ctx)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("palpalette-backend %s (commit: %s)\n", version.Build, version.Commit)
	},
}
