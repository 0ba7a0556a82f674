package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/palpalette/device/internal/logging"
)

const (
	DefaultJoinTimeout       = 30 * time.Second
	DefaultProbeInterval     = 500 * time.Millisecond
	DefaultLinkCheckInterval = 10 * time.Second

	// linkFailuresBeforeLoss is how many failed link checks in a row mark the
	// network as lost.
	linkFailuresBeforeLoss = 3
)

// DialFunc opens a probe connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a HostProvisioner.
type Options struct {
	StateDir string
	// ProbeAddress is dialed to decide whether the network is up. When it
	// is empty any non-loopback interface with an address counts.
	ProbeAddress      string
	JoinTimeout       time.Duration
	ProbeInterval     time.Duration
	LinkCheckInterval time.Duration

	// Portal settings
	PortalPort   int
	InstanceName string
	MacAddress   string

	Dial      DialFunc
	Advertise AdvertiseFunc
}

// HostProvisioner implements network provisioning for a host that is
// already attached to a network: joining means the probe address answers.
type HostProvisioner struct {
	opts Options

	mu        sync.Mutex
	creds     *Credentials
	localIP   string
	portal    *portal
	checking  bool
	lastCheck time.Time
	failures  int

	connected atomic.Bool
	wg        sync.WaitGroup
}

// NewHostProvisioner loads stored credentials from opts.StateDir.
func NewHostProvisioner(opts Options) (*HostProvisioner, error) {
	if opts.StateDir == "" {
		return nil, errors.New("network: state directory is required")
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.LinkCheckInterval <= 0 {
		opts.LinkCheckInterval = DefaultLinkCheckInterval
	}
	if opts.InstanceName == "" {
		opts.InstanceName = "palpalette-setup"
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	if opts.Advertise == nil {
		opts.Advertise = advertiseSetup
	}

	creds, err := loadCredentials(opts.StateDir)
	if err != nil {
		return nil, fmt.Errorf("network: %w", err)
	}

	p := &HostProvisioner{opts: opts, creds: creds}
	if creds != nil {
		logging.Info("Found stored network credentials", zap.String("ssid", creds.SSID))
	} else {
		logging.Info("No stored network credentials")
	}
	return p, nil
}

func (p *HostProvisioner) IsConnected() bool { return p.connected.Load() }

func (p *HostProvisioner) HasStoredCredentials() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creds != nil
}

// Credentials returns a copy of the stored credentials.
func (p *HostProvisioner) Credentials() (Credentials, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.creds == nil {
		return Credentials{}, false
	}
	return *p.creds, true
}

// IPAddress returns the local address used to reach the probe, or empty
// when not connected.
func (p *HostProvisioner) IPAddress() string {
	if !p.IsConnected() {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localIP
}

// AttemptJoin probes every ProbeInterval until the network answers or
// JoinTimeout passes. An open portal is closed first.
func (p *HostProvisioner) AttemptJoin(ctx context.Context) error {
	p.mu.Lock()
	creds := p.creds
	p.mu.Unlock()
	if creds == nil {
		return ErrNoCredentials
	}
	p.StopPortal()

	addr := creds.ProbeAddress
	if addr == "" {
		addr = p.opts.ProbeAddress
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.JoinTimeout)
	defer cancel()

	logging.Info("Attempting network join",
		zap.String("ssid", creds.SSID),
		zap.String("probe", addr),
		zap.Duration("timeout", p.opts.JoinTimeout),
	)

	ticker := time.NewTicker(p.opts.ProbeInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		ip, err := p.probe(ctx, addr)
		if err == nil {
			p.setConnected(ip)
			logging.Info("Network joined", zap.String("ip", ip))
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("join %q timed out: %w", creds.SSID, lastErr)
		case <-ticker.C:
		}
	}
}

func (p *HostProvisioner) probe(ctx context.Context, addr string) (string, error) {
	if addr == "" {
		return firstInterfaceAddress()
	}

	dctx, cancel := context.WithTimeout(ctx, p.opts.ProbeInterval)
	defer cancel()
	conn, err := p.opts.Dial(dctx, "tcp", addr)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()

	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return tcp.IP.String(), nil
	}
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return conn.LocalAddr().String(), nil
	}
	return host, nil
}

func (p *HostProvisioner) setConnected(ip string) {
	p.mu.Lock()
	p.localIP = ip
	p.failures = 0
	p.mu.Unlock()
	p.connected.Store(true)
}

// Tick runs a background link check every LinkCheckInterval while
// connected. Three failed checks in a row mark the network as lost.
func (p *HostProvisioner) Tick(now time.Time) {
	if !p.IsConnected() {
		return
	}

	p.mu.Lock()
	if p.checking || now.Sub(p.lastCheck) < p.opts.LinkCheckInterval {
		p.mu.Unlock()
		return
	}
	p.checking = true
	p.lastCheck = now
	addr := p.opts.ProbeAddress
	if p.creds != nil && p.creds.ProbeAddress != "" {
		addr = p.creds.ProbeAddress
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.JoinTimeout)
		defer cancel()
		_, err := p.probe(ctx, addr)
		p.linkChecked(err)
	}()
}

func (p *HostProvisioner) linkChecked(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checking = false

	if err == nil {
		p.failures = 0
		return
	}
	p.failures++
	logging.Warn("Link check failed", zap.Int("consecutive", p.failures), zap.Error(err))
	if p.failures >= linkFailuresBeforeLoss {
		p.failures = 0
		p.connected.Store(false)
		logging.Warn("Network connection lost")
	}
}

// SaveCredentials stores creds and makes them available to the next join.
func (p *HostProvisioner) SaveCredentials(creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}
	if err := saveCredentials(p.opts.StateDir, creds); err != nil {
		return fmt.Errorf("network: save credentials: %w", err)
	}
	p.mu.Lock()
	p.creds = &creds
	p.mu.Unlock()
	logging.Info("Network credentials saved", zap.String("ssid", creds.SSID))
	return nil
}

// reloadCredentials picks up a credentials file written by another process.
func (p *HostProvisioner) reloadCredentials() {
	creds, err := loadCredentials(p.opts.StateDir)
	if err != nil {
		logging.Warn("Failed to reload network credentials", zap.Error(err))
		return
	}
	if creds == nil {
		return
	}
	if err := creds.Validate(); err != nil {
		logging.Warn("Ignoring invalid network credentials", zap.Error(err))
		return
	}
	p.mu.Lock()
	p.creds = creds
	p.mu.Unlock()
	logging.Info("Network credentials picked up from file", zap.String("ssid", creds.SSID))
}

// ClearCredentials forgets the stored credentials and drops the connection.
func (p *HostProvisioner) ClearCredentials() error {
	if err := removeCredentials(p.opts.StateDir); err != nil {
		return fmt.Errorf("network: clear credentials: %w", err)
	}
	p.mu.Lock()
	p.creds = nil
	p.localIP = ""
	p.mu.Unlock()
	p.connected.Store(false)
	logging.Info("Network credentials cleared")
	return nil
}

// Close stops the portal and waits for background link checks.
func (p *HostProvisioner) Close() error {
	p.StopPortal()
	p.wg.Wait()
	return nil
}

func firstInterfaceAddress() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil && !ipn.IP.IsLinkLocalUnicast() {
				return ipn.IP.String(), nil
			}
		}
	}
	return "", errors.New("no usable network interface")
}
