package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	appName    = "palpalette"
	configFile = "config.yaml"
)

// Mutex for thread-safe file operations
var fileMutex sync.Mutex

// GetConfigDir returns the OS-appropriate configuration directory.
// This follows platform conventions:
//   - Linux: $XDG_CONFIG_HOME/palpalette or $HOME/.config/palpalette
//   - macOS: $HOME/.config/palpalette
//   - Windows: %LOCALAPPDATA%\palpalette
func GetConfigDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return "", fmt.Errorf("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
			}
			baseDir = filepath.Join(userProfile, "AppData", "Local", appName)
		} else {
			baseDir = filepath.Join(localAppData, appName)
		}

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".config", appName)

	default:
		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome != "" {
			baseDir = filepath.Join(xdgConfigHome, appName)
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("cannot determine home directory: %w", err)
			}
			baseDir = filepath.Join(homeDir, ".config", appName)
		}
	}

	return baseDir, nil
}

// GetConfigPath returns the full path to the configuration file.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, configFile), nil
}

// Load reads the configuration at path, or the default path when path is
// empty. A missing file yields Default(). Keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := GetConfigPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get config path: %w", err)
		}
		path = p
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version: %d (expected %d)", cfg.Version, CurrentVersion)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# PalPalette device configuration
#
# Location: ` + path + `

`)
	return WriteFileAtomic(path, append(header, data...), 0600)
}

// Validate checks values that would make the runtime misbehave.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.URL != "" {
		u, err := url.Parse(c.Server.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("server.url %q must be a ws:// or wss:// URL", c.Server.URL))
		}
	}
	if c.Server.APIURL != "" {
		u, err := url.Parse(c.Server.APIURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			problems = append(problems, fmt.Sprintf("server.api_url %q must be an http:// or https:// URL", c.Server.APIURL))
		}
	}
	if c.Session.HeartbeatInterval <= 0 {
		problems = append(problems, "session.heartbeat_interval must be positive")
	}
	if c.Session.LivenessFactor < 2 {
		problems = append(problems, "session.liveness_factor must be at least 2")
	}
	if c.Network.JoinTimeout <= 0 {
		problems = append(problems, "network.join_timeout must be positive")
	}
	if c.Watchdog.Enabled && c.Watchdog.Timeout <= c.Network.JoinTimeout {
		problems = append(problems, "watchdog.timeout must exceed network.join_timeout")
	}
	if c.Watchdog.Enabled && c.Watchdog.FeedInterval >= c.Watchdog.Timeout {
		problems = append(problems, "watchdog.feed_interval must be shorter than watchdog.timeout")
	}
	if c.Device.TickInterval <= 0 {
		problems = append(problems, "device.tick_interval must be positive")
	}
	for name, p := range map[string]float64{
		"network.backoff":      c.Network.Backoff.Multiplier,
		"session.backoff":      c.Session.Backoff.Multiplier,
		"registration.backoff": c.Registration.Backoff.Multiplier,
	} {
		if p < 1 {
			problems = append(problems, name+".multiplier must be at least 1")
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// ResolveStateDir returns the configured state directory, defaulting to a
// "state" directory next to the config file.
func (c *Config) ResolveStateDir() (string, error) {
	if c.Device.StateDir != "" {
		return c.Device.StateDir, nil
	}
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state"), nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames
// it into place, creating the directory if needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadYAML decodes the YAML file at path into out. It reports
// os.ErrNotExist unchanged so callers can treat a missing file as empty.
func ReadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteYAML encodes v and writes it atomically to path.
func WriteYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data, 0600)
}
