package config

import (
	"time"

	"github.com/palpalette/device/internal/backoff"
)

// CurrentVersion is the config file schema version.
const CurrentVersion = 1

// Config represents the device configuration file.
type Config struct {
	Version      int                `yaml:"version"`
	Device       DeviceConfig       `yaml:"device"`
	Server       ServerConfig       `yaml:"server"`
	Network      NetworkConfig      `yaml:"network"`
	Session      SessionConfig      `yaml:"session"`
	Registration RegistrationConfig `yaml:"registration"`
	Status       StatusConfig       `yaml:"status"`
	Recovery     RecoveryConfig     `yaml:"recovery"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	Lighting     LightingConfig     `yaml:"lighting"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
}

// DeviceConfig holds identity overrides and runtime settings.
type DeviceConfig struct {
	StateDir     string        `yaml:"state_dir,omitempty"`   // Where identity.yaml and network.yaml live
	MacAddress   string        `yaml:"mac_address,omitempty"` // Overrides the detected hardware address
	Name         string        `yaml:"name,omitempty"`        // Instance name for mDNS
	TickInterval time.Duration `yaml:"tick_interval"`
}

// ServerConfig locates the backend.
type ServerConfig struct {
	URL             string        `yaml:"url,omitempty"`     // Session WebSocket URL, e.g. ws://host:3001/ws
	APIURL          string        `yaml:"api_url,omitempty"` // Registration API base; derived from URL when empty
	Discover        bool          `yaml:"discover"`          // Browse mDNS for the backend when URL is empty
	DiscoverTimeout time.Duration `yaml:"discover_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// NetworkConfig controls joining and the provisioning portal.
type NetworkConfig struct {
	ProbeAddress      string         `yaml:"probe_address,omitempty"` // host:port reachable once joined
	JoinTimeout       time.Duration  `yaml:"join_timeout"`
	ProbeInterval     time.Duration  `yaml:"probe_interval"`
	MaxJoinAttempts   int            `yaml:"max_join_attempts"`
	ConnectingTimeout time.Duration  `yaml:"connecting_timeout"`
	PortalTimeout     time.Duration  `yaml:"portal_timeout"`
	PortalPort        int            `yaml:"portal_port"`
	Backoff           backoff.Policy `yaml:"backoff"`
}

// SessionConfig controls the backend session.
type SessionConfig struct {
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	LivenessFactor    int            `yaml:"liveness_factor"`
	ConnectTimeout    time.Duration  `yaml:"connect_timeout"`
	FailureBudget     int            `yaml:"failure_budget"`
	Backoff           backoff.Policy `yaml:"backoff"`
}

// RegistrationConfig controls HTTP registration retries.
type RegistrationConfig struct {
	Backoff backoff.Policy `yaml:"backoff"`
}

// StatusConfig controls periodic status reporting.
type StatusConfig struct {
	Interval         time.Duration `yaml:"interval"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	MinFreeHeap      uint64        `yaml:"min_free_heap"`
}

// RecoveryConfig overrides the fault escalation table. Map keys are fault
// kind names such as "Registration".
type RecoveryConfig struct {
	Cooldown          time.Duration  `yaml:"cooldown"`
	CriticalThreshold int            `yaml:"critical_threshold"`
	RestartAt         map[string]int `yaml:"restart_at,omitempty"`
	SoftRestartAt     map[string]int `yaml:"soft_restart_at,omitempty"`
}

// WatchdogConfig controls the software watchdog.
type WatchdogConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Timeout      time.Duration `yaml:"timeout"`
	FeedInterval time.Duration `yaml:"feed_interval"`
}

// LightingConfig is the lighting system configured at boot. The backend may
// replace it at runtime.
type LightingConfig struct {
	SystemType  string `yaml:"system_type,omitempty"`
	HostAddress string `yaml:"host_address,omitempty"`
	Port        int    `yaml:"port,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"` // e.g. ":9108"; empty disables
}

// MQTTConfig enables the telemetry mirror when Broker is set.
type MQTTConfig struct {
	Broker         string        `yaml:"broker,omitempty"` // tcp://host:1883
	ClientID       string        `yaml:"client_id,omitempty"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	Username       string        `yaml:"username,omitempty"`
	Password       string        `yaml:"password,omitempty"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Device: DeviceConfig{
			TickInterval: 100 * time.Millisecond,
		},
		Server: ServerConfig{
			Discover:        true,
			DiscoverTimeout: 5 * time.Second,
			RequestTimeout:  10 * time.Second,
		},
		Network: NetworkConfig{
			JoinTimeout:       30 * time.Second,
			ProbeInterval:     500 * time.Millisecond,
			MaxJoinAttempts:   3,
			ConnectingTimeout: 3 * time.Minute,
			PortalTimeout:     5 * time.Minute,
			PortalPort:        8080,
			Backoff: backoff.Policy{
				Initial:    2 * time.Second,
				Max:        30 * time.Second,
				Multiplier: 2,
				IdleReset:  5 * time.Minute,
			},
		},
		Session: SessionConfig{
			HeartbeatInterval: 30 * time.Second,
			LivenessFactor:    3,
			ConnectTimeout:    10 * time.Second,
			FailureBudget:     5,
			Backoff: backoff.Policy{
				Initial:    time.Second,
				Max:        60 * time.Second,
				Multiplier: 2,
				IdleReset:  5 * time.Minute,
			},
		},
		Registration: RegistrationConfig{
			Backoff: backoff.Policy{
				Initial:    5 * time.Second,
				Max:        60 * time.Second,
				Multiplier: 2,
				IdleReset:  5 * time.Minute,
			},
		},
		Status: StatusConfig{
			Interval:         60 * time.Second,
			AnnounceInterval: 30 * time.Second,
		},
		Recovery: RecoveryConfig{
			Cooldown:          2 * time.Second,
			CriticalThreshold: 15,
		},
		Watchdog: WatchdogConfig{
			Enabled:      true,
			Timeout:      60 * time.Second,
			FeedInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		MQTT: MQTTConfig{
			TopicPrefix:    "palpalette",
			KeepAlive:      30 * time.Second,
			ConnectTimeout: 10 * time.Second,
		},
	}
}
