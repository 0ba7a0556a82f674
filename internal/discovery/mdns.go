package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/palpalette/device/internal/logging"
)

const (
	// BackendServiceType is advertised by the PalPalette backend
	BackendServiceType = "_palpalette._tcp"

	// SetupServiceType is advertised by a device while its provisioning
	// portal is open
	SetupServiceType = "_palpalette-setup._tcp"

	// ServiceDomain is the mDNS domain (typically "local.")
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for service discovery
	DefaultScanTimeout = 5 * time.Second

	// DefaultSessionPath is used when a backend omits the path TXT record
	DefaultSessionPath = "/ws"

	// TXT record keys
	TXTPath    = "path"
	TXTAPIPort = "api"
)

// ErrNotFound is returned when no matching service answers before the timeout.
var ErrNotFound = errors.New("service not found")

// Scanner handles mDNS service discovery
type Scanner struct {
	// Timeout is the maximum time to wait for discovery
	Timeout time.Duration

	// ServiceType is the service browsed for
	ServiceType string
}

// NewScanner creates a scanner for the backend service with default settings
func NewScanner() *Scanner {
	return &Scanner{
		Timeout:     DefaultScanTimeout,
		ServiceType: BackendServiceType,
	}
}

// Browse collects every service that answers before the timeout.
func (s *Scanner) Browse(ctx context.Context) ([]*Service, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	services := make([]*Service, 0)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		defer close(done)
		for entry := range entries {
			if svc := parseServiceEntry(entry); svc != nil {
				services = append(services, svc)
			}
		}
	}()

	if err := resolver.Browse(ctx, s.ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	// The resolver closes entries once ctx is done.
	<-ctx.Done()
	<-done
	return services, nil
}

// FindBackend returns the first backend that answers before the timeout.
func (s *Scanner) FindBackend(ctx context.Context) (*Service, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan *Service, 1)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	go func() {
		for entry := range entries {
			svc := parseServiceEntry(entry)
			if svc == nil {
				continue
			}
			select {
			case found <- svc:
				cancel()
			default:
			}
		}
	}()

	if err := resolver.Browse(ctx, s.ServiceType, ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	select {
	case svc := <-found:
		logging.Info("Backend discovered", zap.String("service", svc.String()))
		return svc, nil
	case <-ctx.Done():
		// A result may have raced the timeout.
		select {
		case svc := <-found:
			return svc, nil
		default:
		}
		return nil, fmt.Errorf("%s within %v: %w", s.ServiceType, s.Timeout, ErrNotFound)
	}
}

// parseServiceEntry converts a zeroconf service entry to a Service.
// Returns nil if the entry has no usable address.
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Service {
	if entry == nil || entry.Port == 0 {
		return nil
	}

	var ip string
	for _, addr := range entry.AddrIPv4 {
		ip = addr.String()
		break
	}
	if ip == "" && len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return nil
	}

	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		parts := strings.SplitN(txt, "=", 2)
		if len(parts) == 2 {
			metadata[parts[0]] = parts[1]
		} else {
			metadata[parts[0]] = ""
		}
	}

	return &Service{
		Instance:     entry.Instance,
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         entry.Port,
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
}

// Advertisement is a registered mDNS service.
type Advertisement struct {
	server *zeroconf.Server
}

// Advertise registers instance under serviceType on all interfaces.
func Advertise(instance, serviceType string, port int, txt map[string]string) (*Advertisement, error) {
	records := make([]string, 0, len(txt))
	for k, v := range txt {
		records = append(records, k+"="+v)
	}

	server, err := zeroconf.Register(instance, serviceType, ServiceDomain, port, records, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to advertise %s: %w", serviceType, err)
	}
	logging.Info("mDNS service advertised",
		zap.String("instance", instance),
		zap.String("service", serviceType),
		zap.Int("port", port),
	)
	return &Advertisement{server: server}, nil
}

// Shutdown withdraws the advertisement. Safe on a nil receiver.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
}
