package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/palpalette/device/internal/config"
	"github.com/palpalette/device/internal/discovery"
	"github.com/palpalette/device/internal/faults"
	"github.com/palpalette/device/internal/identity"
	"github.com/palpalette/device/internal/lifecycle"
	"github.com/palpalette/device/internal/lighting"
	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/metrics"
	"github.com/palpalette/device/internal/network"
	"github.com/palpalette/device/internal/protocol"
	"github.com/palpalette/device/internal/session"
	"github.com/palpalette/device/internal/telemetry"
)

// exitWatchdog is the exit status after a watchdog expiry, so a supervisor
// can tell it apart from a clean stop.
const exitWatchdog = 3

// exitHardRestart is the exit status after a hard restart recovery. The
// supervisor starts a fresh process.
const exitHardRestart = 4

var (
	pairingDelay time.Duration
	noWatchdog   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the device lifecycle",
	Long: `Run the device lifecycle until interrupted.

Without stored network credentials the device opens the provisioning portal
(POST /save on the portal port) and advertises it over mDNS. Once joined it
registers, waits to be claimed and keeps the backend session alive.

Signals:
  SIGINT, SIGTERM  stop
  SIGHUP           soft restart (back to Init, state kept)
  SIGUSR1          factory reset`,
	Example: `  # Discover the backend over mDNS
  palpalette-device run

  # Use a fixed backend and state directory
  palpalette-device run --server ws://192.168.1.20:3001/ws --state-dir ./state

  # Debug logging, pair a simulated Nanoleaf immediately
  palpalette-device run --log-level debug --pairing-delay 0`,
	RunE: runDevice,
}

func init() {
	runCmd.Flags().DurationVar(&pairingDelay, "pairing-delay", lighting.DefaultPairingDelay, "Time until the simulated Nanoleaf accepts pairing")
	runCmd.Flags().BoolVar(&noWatchdog, "no-watchdog", false, "Disable the software watchdog")
	rootCmd.AddCommand(runCmd)
}

func runDevice(cmd *cobra.Command, args []string) error {
	cfg, dir, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mac := cfg.Device.MacAddress
	if mac == "" {
		if rec, err := identity.LoadRecord(dir); err == nil && rec.MacAddress != "" {
			mac = rec.MacAddress
		} else {
			mac = identity.DetectMAC()
		}
	}
	provisioner, err := network.NewHostProvisioner(network.Options{
		StateDir:      dir,
		ProbeAddress:  cfg.Network.ProbeAddress,
		JoinTimeout:   cfg.Network.JoinTimeout,
		ProbeInterval: cfg.Network.ProbeInterval,
		PortalPort:    cfg.Network.PortalPort,
		InstanceName:  cfg.Device.Name,
		MacAddress:    mac,
	})
	if err != nil {
		return err
	}
	defer func() { _ = provisioner.Close() }()

	sessionURL, apiURL, err := resolveBackend(ctx, cfg, provisioner)
	if err != nil {
		return err
	}

	sim := lighting.NewSimulator(lighting.Options{
		Boot: protocol.LightingSystemConfig{
			SystemType:  cfg.Lighting.SystemType,
			HostAddress: cfg.Lighting.HostAddress,
			Port:        cfg.Lighting.Port,
		},
		PairingDelay: pairingDelay,
	})

	store, err := identity.Open(identity.Options{
		StateDir:   dir,
		MacAddress: mac,
		SessionURL: sessionURL,
		APIURL:     apiURL,
		Network:    provisioner,
		Lighting:   sim,
	})
	if err != nil {
		return err
	}

	reporter := faults.NewReporter(thresholds(cfg.Recovery))
	restarter := &processRestarter{exit: os.Exit}
	restarter.closers = append(restarter.closers, provisioner)

	deps := lifecycle.Dependencies{
		Network:   provisioner,
		Identity:  store,
		Device:    sim,
		Info:      network.NewHostInfo(provisioner),
		Dialer:    session.NewWebSocketDialer(),
		Reporter:  reporter,
		Restarter: restarter,
	}

	if cfg.MQTT.Broker != "" {
		mirror, err := telemetry.New(telemetry.Options{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			KeepAlive:      cfg.MQTT.KeepAlive,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			MacAddress:     store.MacAddress(),
		})
		if err != nil {
			return fmt.Errorf("failed to create MQTT mirror: %w", err)
		}
		defer func() { _ = mirror.Close() }()
		deps.Sink = mirror
		restarter.closers = append([]io.Closer{mirror}, restarter.closers...)
	}

	if cfg.Watchdog.Enabled && !noWatchdog {
		deps.Watchdog = lifecycle.NewSoftwareWatchdog(cfg.Watchdog.Timeout, func() {
			logging.Error("Lifecycle stalled, exiting for the supervisor to restart")
			logging.Sync()
			os.Exit(exitWatchdog)
		})
	}

	orch, err := lifecycle.New(lifecycleConfig(cfg, sessionURL), deps)
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logging.Warn("Metrics endpoint stopped", zap.Error(err))
			}
		}()
	}

	go watchControlSignals(ctx, orch)

	logging.Info("Device starting",
		zap.String("device_id", store.DeviceID()),
		zap.String("session_url", sessionURL),
		zap.String("api_url", store.APIURL()),
		zap.String("state_dir", dir),
	)
	return orch.Run(ctx)
}

// resolveBackend picks the session URL: portal credentials first, then the
// config file, then mDNS. The API URL is only returned when it is known
// explicitly; otherwise the identity store derives it.
func resolveBackend(ctx context.Context, cfg *config.Config, p *network.HostProvisioner) (string, string, error) {
	if creds, ok := p.Credentials(); ok && creds.ServerURL != "" {
		return creds.ServerURL, "", nil
	}
	if cfg.Server.URL != "" {
		return cfg.Server.URL, cfg.Server.APIURL, nil
	}
	if !cfg.Server.Discover {
		return "", "", errors.New("no backend configured: set server.url or enable server.discover")
	}

	scanner := discovery.NewScanner()
	scanner.Timeout = cfg.Server.DiscoverTimeout
	logging.Info("Browsing for backend", zap.String("service", scanner.ServiceType))

	svc, err := scanner.FindBackend(ctx)
	if err != nil {
		return "", "", fmt.Errorf("backend discovery failed: %w", err)
	}
	logging.Info("Backend discovered", zap.String("service", svc.String()))
	return svc.SessionURL(), svc.APIURL(), nil
}

// lifecycleConfig maps the config file onto the orchestrator settings.
func lifecycleConfig(cfg *config.Config, sessionURL string) lifecycle.Config {
	lc := lifecycle.DefaultConfig(sessionURL)
	lc.Session.HeartbeatInterval = cfg.Session.HeartbeatInterval
	lc.Session.LivenessFactor = cfg.Session.LivenessFactor
	lc.Session.ConnectTimeout = cfg.Session.ConnectTimeout
	lc.Session.Backoff = cfg.Session.Backoff
	lc.JoinBackoff = cfg.Network.Backoff
	lc.RegistrationBackoff = cfg.Registration.Backoff
	lc.MaxJoinAttempts = cfg.Network.MaxJoinAttempts
	lc.ConnectingTimeout = cfg.Network.ConnectingTimeout
	lc.PortalTimeout = cfg.Network.PortalTimeout
	lc.SessionFailureBudget = cfg.Session.FailureBudget
	lc.StatusInterval = cfg.Status.Interval
	lc.AnnounceInterval = cfg.Status.AnnounceInterval
	lc.MinFreeHeap = cfg.Status.MinFreeHeap
	lc.TickInterval = cfg.Device.TickInterval
	lc.WatchdogFeedInterval = cfg.Watchdog.FeedInterval
	return lc
}

// thresholds overlays the configured escalation table on the defaults.
// Unknown kind names are logged and skipped.
func thresholds(rc config.RecoveryConfig) faults.Thresholds {
	t := faults.DefaultThresholds()
	if rc.Cooldown > 0 {
		t.Cooldown = rc.Cooldown
	}
	if rc.CriticalThreshold > 0 {
		t.Critical = rc.CriticalThreshold
	}
	overlay := func(dst map[faults.Kind]int, src map[string]int, field string) {
		for name, n := range src {
			kind, ok := faults.ParseKind(name)
			if !ok {
				logging.Warn("Unknown fault kind in config", zap.String("field", field), zap.String("kind", name))
				continue
			}
			dst[kind] = n
		}
	}
	overlay(t.RestartAt, rc.RestartAt, "recovery.restart_at")
	overlay(t.SoftRestartAt, rc.SoftRestartAt, "recovery.soft_restart_at")
	return t
}

// processRestarter ends the process on a hard restart so the supervisor
// brings up a fresh one. Closers run in order before the exit.
type processRestarter struct {
	closers []io.Closer
	exit    func(int)
}

func (p *processRestarter) Restart(reason string) {
	logging.Warn("Hard restart, exiting for the supervisor to restart", zap.String("reason", reason))
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			logging.Warn("Close before hard restart failed", zap.Error(err))
		}
	}
	logging.Sync()
	p.exit(exitHardRestart)
}
