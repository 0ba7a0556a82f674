package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Service represents a PalPalette service found on the local network
type Service struct {
	// Instance is the mDNS instance name (e.g., "palpalette-backend")
	Instance string

	// Hostname is the mDNS hostname (e.g., "backend.local.")
	Hostname string

	// IP is the IPv4 address, or IPv6 when the host has no IPv4 address
	IP string

	// Port is the advertised port
	Port int

	// Metadata contains the mDNS TXT record data
	// Common fields: "path=/ws", "api=3000", "version=2.0.0"
	Metadata map[string]string

	// DiscoveredAt is when the service was discovered
	DiscoveredAt time.Time
}

// String returns a human-readable string representation of the service
func (s *Service) String() string {
	return fmt.Sprintf("%s (%s) at %s", s.Instance, s.Hostname, s.hostPort(s.Port))
}

// SessionURL returns the WebSocket URL advertised by a backend.
func (s *Service) SessionURL() string {
	path := s.GetMetadata(TXTPath)
	if path == "" {
		path = DefaultSessionPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + s.hostPort(s.Port) + path
}

// APIURL returns the registration API base URL. It uses the "api" TXT port
// when present and the service port otherwise.
func (s *Service) APIURL() string {
	port := s.Port
	if p, err := strconv.Atoi(s.GetMetadata(TXTAPIPort)); err == nil && p > 0 {
		port = p
	}
	return "http://" + s.hostPort(port)
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (s *Service) GetMetadata(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}

func (s *Service) hostPort(port int) string {
	return net.JoinHostPort(s.IP, strconv.Itoa(port))
}
