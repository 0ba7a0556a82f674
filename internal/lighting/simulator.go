package lighting

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/protocol"
)

const (
	// DefaultPairingDelay is how long the simulated Nanoleaf takes to accept
	// pairing after the user is prompted.
	DefaultPairingDelay = 5 * time.Second

	// PairingAction is the userActionRequired action for Nanoleaf pairing.
	PairingAction = "nanoleaf_pairing"

	nanoleafPort    = 16021
	pairingTimeout  = 30 // seconds, as shown to the user
	maxPaletteShown = 10
)

var (
	ErrNotConfigured     = errors.New("lighting system not configured")
	ErrNotReady          = errors.New("lighting system not ready")
	ErrUnsupportedSystem = errors.New("unsupported lighting system")
	ErrEmptyPalette      = errors.New("palette has no colors")
)

// Options configures a Simulator.
type Options struct {
	// Boot is the lighting system configured at startup. Reset returns to it.
	Boot protocol.LightingSystemConfig
	// PairingDelay of zero pairs immediately.
	PairingDelay time.Duration
}

// Simulator is an in-memory lighting system. It follows the same rules as
// the firmware's lighting manager: a system needs a host address unless it
// drives LEDs directly, and Nanoleaf needs a pairing token before it is
// ready.
type Simulator struct {
	mu sync.Mutex

	boot         protocol.LightingSystemConfig
	pairingDelay time.Duration

	cfg        protocol.LightingSystemConfig
	configured bool
	ready      bool
	needsAuth  bool
	lastErr    error
	fault      error

	pairing     bool
	pairingDue  time.Time
	actions     []protocol.UserActionRequired
	displayed   protocol.Palette
	paletteShow int
}

// NewSimulator applies opts.Boot when it names a system.
func NewSimulator(opts Options) *Simulator {
	s := &Simulator{boot: opts.Boot, pairingDelay: opts.PairingDelay}
	s.resetLocked()
	return s
}

func (s *Simulator) resetLocked() {
	s.cfg = protocol.LightingSystemConfig{}
	s.configured = false
	s.ready = false
	s.needsAuth = false
	s.lastErr = nil
	s.pairing = false
	s.pairingDue = time.Time{}
	s.actions = nil
	s.displayed = protocol.Palette{}

	if s.boot.SystemType == "" {
		return
	}
	if err := s.configureLocked(s.boot); err != nil {
		logging.Warn("Boot lighting config rejected",
			zap.String("system_type", s.boot.SystemType),
			zap.Error(err),
		)
	}
}

// Reset drops any runtime configuration and returns to the boot config.
func (s *Simulator) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	logging.Info("Lighting controller reset", zap.String("system_type", s.cfg.SystemType))
	return nil
}

func (s *Simulator) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Simulator) CurrentSystemType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SystemType
}

func (s *Simulator) RequiresUserAuthentication() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsAuth
}

func (s *Simulator) CurrentStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.lastErr != nil:
		return protocol.LightingError
	case s.ready:
		return protocol.LightingWorking
	case s.needsAuth:
		return protocol.LightingAuthenticationRequired
	default:
		return protocol.LightingUnknown
	}
}

// CurrentConfig returns the active configuration, including the pairing
// token once Nanoleaf is paired.
func (s *Simulator) CurrentConfig() protocol.LightingSystemConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Displayed returns the palette on show and how many palettes were shown.
func (s *Simulator) Displayed() (protocol.Palette, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayed, s.paletteShow
}

// InjectFault makes every later palette and test fail with err until it is
// cleared with nil.
func (s *Simulator) InjectFault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = err
}

func (s *Simulator) Configure(cfg protocol.LightingSystemConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configureLocked(cfg)
}

func (s *Simulator) configureLocked(cfg protocol.LightingSystemConfig) error {
	if !protocol.IsValidSystemType(cfg.SystemType) {
		return fmt.Errorf("%w: %q", ErrUnsupportedSystem, cfg.SystemType)
	}
	if cfg.SystemType != protocol.SystemWS2812 && strings.TrimSpace(cfg.HostAddress) == "" {
		return fmt.Errorf("%s requires a host address", cfg.SystemType)
	}
	if cfg.Port <= 0 {
		cfg.Port = protocol.DefaultLightingPort
		if cfg.SystemType == protocol.SystemNanoleaf {
			cfg.Port = nanoleafPort
		}
	}

	s.cfg = cfg
	s.configured = true
	s.lastErr = nil
	s.pairing = false
	s.pairingDue = time.Time{}

	if cfg.SystemType == protocol.SystemNanoleaf && cfg.AuthToken == "" {
		s.ready = false
		s.needsAuth = true
	} else {
		s.ready = true
		s.needsAuth = false
	}

	logging.Info("Lighting system configured",
		zap.String("system_type", cfg.SystemType),
		zap.String("host", cfg.HostAddress),
		zap.Int("port", cfg.Port),
		zap.Bool("ready", s.ready),
	)
	return nil
}

// Authenticate prompts the user to pair. With a pairing delay the prompt is
// queued and pairing completes on a later Tick.
func (s *Simulator) Authenticate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.configured {
		return ErrNotConfigured
	}
	if !s.needsAuth {
		return nil
	}
	if !s.pairing {
		s.pairing = true
		s.actions = append(s.actions, protocol.UserActionRequired{
			Action:         PairingAction,
			Instructions:   "Hold the power button on your Nanoleaf controller for 5-7 seconds until the LEDs flash.",
			Timeout:        pairingTimeout,
			Type:           "authentication",
			SystemType:     s.cfg.SystemType,
			DisplayMessage: "Press and hold the Nanoleaf power button",
		})
		logging.Info("Lighting pairing requested", zap.String("system_type", s.cfg.SystemType))
	}
	if s.pairingDelay <= 0 {
		s.completePairingLocked()
	}
	return nil
}

// Tick completes a pending pairing once the pairing delay has passed.
func (s *Simulator) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pairing {
		return
	}
	if s.pairingDue.IsZero() {
		s.pairingDue = now.Add(s.pairingDelay)
		return
	}
	if !now.Before(s.pairingDue) {
		s.completePairingLocked()
	}
}

func (s *Simulator) completePairingLocked() {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	s.cfg.AuthToken = hex.EncodeToString(buf)
	s.pairing = false
	s.pairingDue = time.Time{}
	s.needsAuth = false
	s.ready = true
	logging.Info("Lighting pairing complete", zap.String("system_type", s.cfg.SystemType))
}

func (s *Simulator) TestConnection() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.configured:
		return ErrNotConfigured
	case !s.ready:
		return ErrNotReady
	case s.fault != nil:
		s.lastErr = s.fault
		return s.fault
	}
	s.lastErr = nil
	return nil
}

func (s *Simulator) ApplyPalette(p protocol.Palette) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.ready {
		return ErrNotReady
	}
	if len(p.Colors) == 0 {
		return ErrEmptyPalette
	}
	if s.fault != nil {
		s.lastErr = s.fault
		return s.fault
	}

	if len(p.Colors) > maxPaletteShown {
		p.Colors = p.Colors[:maxPaletteShown]
	}
	s.displayed = p
	s.paletteShow++
	s.lastErr = nil

	hexes := make([]string, len(p.Colors))
	for i, c := range p.Colors {
		hexes[i] = c.Hex()
	}
	logging.Info("Palette displayed",
		zap.String("system_type", s.cfg.SystemType),
		zap.String("message_id", p.MessageID),
		zap.String("sender", p.SenderName),
		zap.Strings("colors", hexes),
	)
	return nil
}

func (s *Simulator) PendingUserActions() []protocol.UserActionRequired {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.actions
	s.actions = nil
	return out
}
