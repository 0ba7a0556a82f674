package network

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/palpalette/device/internal/config"
)

// CredentialsFile holds the network credentials inside the state directory.
const CredentialsFile = "network.yaml"

// ErrNoCredentials is returned by AttemptJoin before any credentials exist.
var ErrNoCredentials = errors.New("no network credentials stored")

// Credentials are the values collected by the provisioning portal.
type Credentials struct {
	SSID     string `yaml:"ssid" json:"ssid"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	// ProbeAddress overrides the host:port probed to decide the network is up.
	ProbeAddress string `yaml:"probe_address,omitempty" json:"probe,omitempty"`
	// ServerURL overrides the configured backend session URL.
	ServerURL string `yaml:"server_url,omitempty" json:"server,omitempty"`
}

// Validate checks the fields a join needs.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.SSID) == "" {
		return errors.New("ssid is required")
	}
	if c.ServerURL != "" && !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("server URL must use ws:// or wss://, got %q", c.ServerURL)
	}
	return nil
}

func loadCredentials(dir string) (*Credentials, error) {
	var c Credentials
	if err := config.ReadYAML(filepath.Join(dir, CredentialsFile), &c); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if c.SSID == "" {
		return nil, nil
	}
	return &c, nil
}

func saveCredentials(dir string, c Credentials) error {
	return config.WriteYAML(filepath.Join(dir, CredentialsFile), c)
}

func removeCredentials(dir string) error {
	err := os.Remove(filepath.Join(dir, CredentialsFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
