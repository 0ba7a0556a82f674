package lifecycle

import (
	"context"
	"time"

	"github.com/palpalette/device/internal/session"
)

// NetworkProvisioner joins the local network or runs the provisioning portal.
type NetworkProvisioner interface {
	IsConnected() bool
	HasStoredCredentials() bool
	// AttemptJoin blocks for at most the provisioner's join timeout.
	AttemptJoin(ctx context.Context) error
	IsInPortalMode() bool
	StartPortal() error
}

// IdentityStore holds the device identity and registers it with the backend.
type IdentityStore interface {
	session.Identity
	RegisterMinimal(ctx context.Context) error
	RegisterFull(ctx context.Context) error
	FactoryReset() error
}

// DeviceControl is the lighting controller.
type DeviceControl interface {
	session.Device
}

// Ticker is implemented by collaborators that need a slice of every tick.
type Ticker interface {
	Tick(now time.Time)
}

// CredentialResetter is implemented by provisioners that can forget their
// network credentials during a factory reset.
type CredentialResetter interface {
	ClearCredentials() error
}

// Resetter is implemented by device controllers that can restart or wipe
// their lighting configuration.
type Resetter interface {
	Reset() error
}

// Restarter restarts the whole process. It may not return.
type Restarter interface {
	Restart(reason string)
}

// StatusSink receives lifecycle snapshots, e.g. an MQTT mirror.
type StatusSink interface {
	PublishState(s Snapshot) error
}

// Watchdog resets the device when not fed in time.
type Watchdog interface {
	Start() error
	Feed()
	Stop()
}

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
