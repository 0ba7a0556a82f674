package identity

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/palpalette/device/internal/config"
	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/protocol"
	"github.com/palpalette/device/internal/version"
)

const (
	// FileName is the identity state file inside the state directory.
	FileName = "identity.yaml"

	// DefaultAPIPort is where the backend REST API listens when the API URL
	// is derived from the session URL.
	DefaultAPIPort = "3000"

	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 10 * time.Second

	registerPath    = "/devices/register"
	maxResponseBody = 64 << 10
)

// Record is the persisted identity.
type Record struct {
	DeviceID        string `yaml:"device_id"`
	MacAddress      string `yaml:"mac_address"`
	PairingCode     string `yaml:"pairing_code,omitempty"`
	Provisioned     bool   `yaml:"provisioned"`
	FirmwareVersion string `yaml:"firmware_version,omitempty"`
}

// NetworkInfo supplies the address reported during full registration.
type NetworkInfo interface {
	IPAddress() string
}

// LightingInfo supplies the lighting configuration reported during full
// registration.
type LightingInfo interface {
	CurrentConfig() protocol.LightingSystemConfig
}

// Options configures a Store.
type Options struct {
	StateDir   string
	MacAddress string // detected from the host when empty
	SessionURL string // used to derive the API URL when APIURL is empty
	APIURL     string
	HTTPClient *http.Client
	Network    NetworkInfo
	Lighting   LightingInfo
}

// Store keeps the device identity in identity.yaml and registers it with the
// backend over HTTP.
type Store struct {
	path     string
	apiURL   string
	client   *http.Client
	network  NetworkInfo
	lighting LightingInfo

	mu     sync.Mutex
	rec    Record
	online atomic.Bool
}

// Open loads the identity from opts.StateDir or creates a fresh one.
func Open(opts Options) (*Store, error) {
	if opts.StateDir == "" {
		return nil, errors.New("identity: state directory is required")
	}

	apiURL := opts.APIURL
	if apiURL == "" {
		derived, err := DeriveAPIURL(opts.SessionURL)
		if err != nil {
			return nil, err
		}
		apiURL = derived
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	s := &Store{
		path:     filepath.Join(opts.StateDir, FileName),
		apiURL:   strings.TrimRight(apiURL, "/"),
		client:   client,
		network:  opts.Network,
		lighting: opts.Lighting,
	}

	err := config.ReadYAML(s.path, &s.rec)
	switch {
	case err == nil && s.rec.MacAddress != "":
		if opts.MacAddress != "" && !strings.EqualFold(opts.MacAddress, s.rec.MacAddress) {
			logging.Warn("Configured MAC differs from stored identity, keeping stored value",
				zap.String("configured", opts.MacAddress),
				zap.String("stored", s.rec.MacAddress),
			)
		}
	case err == nil || errors.Is(err, os.ErrNotExist):
		if err := s.generate(opts.MacAddress); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("identity: %w", err)
	}

	if s.rec.FirmwareVersion != version.Firmware {
		s.rec.FirmwareVersion = version.Firmware
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}

	logging.Info("Identity loaded",
		zap.String("device_id", s.rec.DeviceID),
		zap.String("mac", s.rec.MacAddress),
		zap.Bool("provisioned", s.rec.Provisioned),
		zap.String("api", s.apiURL),
	)
	return s, nil
}

// generate creates a minimal identity; the backend assigns the final id and
// pairing code during registration.
func (s *Store) generate(mac string) error {
	if mac == "" {
		mac = DetectMAC()
	}
	s.rec = Record{
		DeviceID:        DeviceIDFromMAC(mac),
		MacAddress:      strings.ToUpper(mac),
		FirmwareVersion: version.Firmware,
	}
	if err := s.saveLocked(); err != nil {
		return err
	}
	return nil
}

func (s *Store) saveLocked() error {
	if err := config.WriteYAML(s.path, &s.rec); err != nil {
		return tag("save identity", NewPersistenceError(err))
	}
	return nil
}

// LoadRecord reads the stored identity without opening a Store.
func LoadRecord(stateDir string) (Record, error) {
	var rec Record
	if err := config.ReadYAML(filepath.Join(stateDir, FileName), &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// APIURL returns the registration API base URL.
func (s *Store) APIURL() string { return s.apiURL }

// Record returns a copy of the persisted identity.
func (s *Store) Record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func (s *Store) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.DeviceID
}

func (s *Store) MacAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.MacAddress
}

func (s *Store) PairingCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.PairingCode
}

func (s *Store) IsProvisioned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Provisioned
}

// SetProvisioned persists the claimed flag. The in-memory value is only
// updated when the write succeeds.
func (s *Store) SetProvisioned(provisioned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rec.Provisioned == provisioned {
		return nil
	}
	prev := s.rec.Provisioned
	s.rec.Provisioned = provisioned
	if err := s.saveLocked(); err != nil {
		s.rec.Provisioned = prev
		return err
	}
	logging.Info("Provisioned flag updated", zap.Bool("provisioned", provisioned))
	return nil
}

func (s *Store) SetOnline(online bool) { s.online.Store(online) }

func (s *Store) IsOnline() bool { return s.online.Load() }

// RegisterMinimal posts only the MAC address. It is the registration used
// on every boot.
func (s *Store) RegisterMinimal(ctx context.Context) error {
	return s.register(ctx, map[string]any{"macAddress": s.MacAddress()})
}

// RegisterFull posts the device type, firmware, address and lighting
// configuration.
func (s *Store) RegisterFull(ctx context.Context) error {
	body := map[string]any{
		"macAddress":      s.MacAddress(),
		"deviceType":      version.DeviceType,
		"firmwareVersion": version.Firmware,
	}
	if s.network != nil {
		if ip := s.network.IPAddress(); ip != "" {
			body["ipAddress"] = ip
		}
	}
	if s.lighting != nil {
		lc := s.lighting.CurrentConfig()
		if protocol.IsValidSystemType(lc.SystemType) {
			body["lightingSystemType"] = lc.SystemType
			if lc.HostAddress != "" {
				body["lightingHostAddress"] = lc.HostAddress
			}
			if lc.Port > 0 {
				body["lightingPort"] = lc.Port
			}
			if lc.AuthToken != "" {
				body["lightingAuthToken"] = lc.AuthToken
			}
		}
	}
	return s.register(ctx, body)
}

// registrationResponse accepts both a flat body and one nested under
// "device".
type registrationResponse struct {
	ID          string                `json:"id"`
	DeviceID    string                `json:"deviceId"`
	PairingCode string                `json:"pairingCode"`
	Status      string                `json:"status"`
	Device      *registrationResponse `json:"device"`
}

func (s *Store) register(ctx context.Context, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return tag("register", NewParseError("failed to encode registration", err))
	}

	endpoint := s.apiURL + registerPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return tag("register", ClassifyNetworkError("failed to create registration request", err))
	}
	req.Header.Set("Content-Type", "application/json")

	logging.Debug("Registering device", zap.String("url", endpoint), zap.Int("fields", len(body)))

	resp, err := s.client.Do(req)
	if err != nil {
		return tag("register", ClassifyNetworkError("registration request failed", err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return tag("register", ClassifyNetworkError("failed to read registration response", err))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return tag("register", NewHTTPError(resp.StatusCode, truncate(string(data), 200)))
	}

	var parsed registrationResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return tag("register", NewParseError("failed to parse registration response", err))
	}
	return s.apply(parsed)
}

func (s *Store) apply(r registrationResponse) error {
	if r.Device != nil {
		r = *r.Device
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.rec
	switch {
	case r.ID != "":
		next.DeviceID = r.ID
	case r.DeviceID != "":
		next.DeviceID = r.DeviceID
	}
	if r.PairingCode != "" {
		next.PairingCode = r.PairingCode
	}
	if r.Status != "" {
		next.Provisioned = r.Status == "claimed"
	}

	if next == s.rec {
		return nil
	}
	prev := s.rec
	s.rec = next
	if err := s.saveLocked(); err != nil {
		s.rec = prev
		return err
	}

	logging.Info("Registration accepted",
		zap.String("device_id", next.DeviceID),
		zap.String("pairing_code", next.PairingCode),
		zap.Bool("provisioned", next.Provisioned),
	)
	return nil
}

// FactoryReset deletes the identity file and generates a fresh minimal
// identity for the same MAC address.
func (s *Store) FactoryReset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mac := s.rec.MacAddress
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return tag("factory reset", NewPersistenceError(err))
	}
	if err := s.generate(mac); err != nil {
		return err
	}
	s.online.Store(false)
	logging.Info("Identity reset", zap.String("device_id", s.rec.DeviceID))
	return nil
}

// DeriveAPIURL maps a session URL onto the backend REST API: the scheme
// becomes http(s) and an explicit port is replaced by DefaultAPIPort.
func DeriveAPIURL(sessionURL string) (string, error) {
	if sessionURL == "" {
		return "", errors.New("identity: no API URL and no session URL to derive it from")
	}
	u, err := url.Parse(sessionURL)
	if err != nil {
		return "", fmt.Errorf("identity: invalid session URL: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("identity: unsupported session URL scheme %q", u.Scheme)
	}

	if u.Port() != "" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultAPIPort)
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// DeviceIDFromMAC builds a deterministic UUID-formatted id from a MAC
// address so the device has a stable id before the backend assigns one.
func DeviceIDFromMAC(mac string) string {
	clean := strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(mac))
	if clean == "" {
		clean = "0"
	}

	const variants = "89ab"
	var b strings.Builder
	for i := 0; i < 32; i++ {
		if i == 8 || i == 12 || i == 16 || i == 20 {
			b.WriteByte('-')
		}
		c := clean[i%len(clean)]
		switch i {
		case 12:
			b.WriteByte('4')
		case 16:
			b.WriteByte(variants[hexValue(c)%4])
		default:
			b.WriteByte("0123456789abcdef"[(hexValue(c)+i)%16])
		}
	}
	return b.String()
}

func hexValue(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	default:
		return int(c) % 16
	}
}

// DetectMAC returns the first non-loopback hardware address, or a random
// locally administered one.
func DetectMAC() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
				continue
			}
			return strings.ToUpper(iface.HardwareAddr.String())
		}
	}

	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	buf[0] = (buf[0] | 0x02) &^ 0x01
	return strings.ToUpper(net.HardwareAddr(buf).String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
