// Palpalette-device runs the PalPalette controller runtime on a host.
//
// It drives the same lifecycle as the firmware: join the network (or open
// the provisioning portal), register with the backend, wait to be claimed,
// then keep a WebSocket session alive and show the palettes friends send.
// The lighting system is simulated in memory.
//
// Usage:
//
//	palpalette-device run [flags]
//
// See 'palpalette-device --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/palpalette/device/internal/config"
	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// Global flags
var (
	configPath string
	logLevel   string
	stateDir   string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "palpalette-device",
	Short: "PalPalette device runtime",
	Long: `Runs a PalPalette controller on this machine.

The device keeps its identity and network credentials in a state directory,
registers with the PalPalette backend over HTTP and holds a WebSocket session
for palettes, lighting configuration and factory reset requests.`,
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(logLevel)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides config and "+logging.LogLevelEnvVar)
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Directory for identity.yaml and network.yaml")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Backend session URL, e.g. ws://palpalette.local:3001/ws")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig() (*config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, "", err
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
	}
	if stateDir != "" {
		cfg.Device.StateDir = stateDir
	}
	if logLevel == "" && os.Getenv(logging.LogLevelEnvVar) == "" && cfg.Logging.Level != "" {
		if err := logging.Initialize(cfg.Logging.Level); err != nil {
			return nil, "", err
		}
	}

	dir, err := cfg.ResolveStateDir()
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve state directory: %w", err)
	}
	return cfg, dir, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("palpalette-device %s (firmware %s, commit: %s)\n", version.Build, version.Firmware, version.Commit)
	},
}
