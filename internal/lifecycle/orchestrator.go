package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/palpalette/device/internal/backoff"
	"github.com/palpalette/device/internal/faults"
	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/metrics"
	"github.com/palpalette/device/internal/session"
)

// Config holds the orchestrator timing and budgets.
type Config struct {
	Session session.Config

	JoinBackoff         backoff.Policy
	RegistrationBackoff backoff.Policy

	// MaxJoinAttempts is the number of failed joins per NetworkConnecting
	// visit before the orchestrator faults.
	MaxJoinAttempts int
	// ConnectingTimeout bounds the time spent in NetworkConnecting.
	ConnectingTimeout time.Duration
	// PortalTimeout restarts an idle provisioning portal.
	PortalTimeout time.Duration
	// SessionFailureBudget is the number of consecutive session connect
	// failures tolerated before the orchestrator faults.
	SessionFailureBudget int

	StatusInterval   time.Duration
	AnnounceInterval time.Duration
	// MinFreeHeap guards session allocation (0 disables the check).
	MinFreeHeap uint64

	TickInterval         time.Duration
	WatchdogFeedInterval time.Duration
}

// DefaultConfig returns the firmware defaults for a backend session URL.
func DefaultConfig(sessionURL string) Config {
	return Config{
		Session: session.DefaultConfig(sessionURL),
		JoinBackoff: backoff.Policy{
			Initial:    2 * time.Second,
			Max:        30 * time.Second,
			Multiplier: 2,
			IdleReset:  5 * time.Minute,
		},
		RegistrationBackoff: backoff.Policy{
			Initial:    5 * time.Second,
			Max:        60 * time.Second,
			Multiplier: 2,
			IdleReset:  5 * time.Minute,
		},
		MaxJoinAttempts:      3,
		ConnectingTimeout:    3 * time.Minute,
		PortalTimeout:        5 * time.Minute,
		SessionFailureBudget: 5,
		StatusInterval:       60 * time.Second,
		AnnounceInterval:     30 * time.Second,
		TickInterval:         100 * time.Millisecond,
		WatchdogFeedInterval: 5 * time.Second,
	}
}

// Dependencies are the collaborators the orchestrator drives. Network,
// Identity, Device, Info, Dialer and Reporter are required.
type Dependencies struct {
	Network  NetworkProvisioner
	Identity IdentityStore
	Device   DeviceControl
	Info     session.SystemInfo
	Dialer   session.Dialer
	Reporter *faults.Reporter

	Watchdog  Watchdog
	Restarter Restarter
	Sink      StatusSink
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// Snapshot is a point-in-time view of the orchestrator.
type Snapshot struct {
	State            State
	StateEnteredAt   time.Time
	DeviceID         string
	Provisioned      bool
	NetworkConnected bool
	PortalMode       bool
	SessionConnected bool
	FaultKind        faults.Kind
	FaultTotal       int
	WatchdogDegraded bool
	Timestamp        time.Time
}

type faultRecord struct {
	kind faults.Kind
	from State
	err  error
}

// Orchestrator runs the device lifecycle on a cooperative tick. All state is
// owned by the goroutine calling Tick; RequestSoftRestart,
// RequestFactoryReset and Snapshot are safe from other goroutines.
type Orchestrator struct {
	cfg   Config
	deps  Dependencies
	clock Clock

	state         State
	enteredAt     time.Time
	stateAttempts int
	fault         faultRecord

	joinRetry *backoff.State
	regRetry  *backoff.State
	session   *session.Client

	portalStartedAt  time.Time
	lastAnnounceAt   time.Time
	lastStatusAt     time.Time
	lastPublishAt    time.Time
	lastFeedAt       time.Time
	fullRegAttemptAt time.Time
	fullRegistered   bool
	watchdogDegraded bool
	started          bool

	softRestartReq  atomic.Bool
	factoryResetReq atomic.Bool

	mu   sync.Mutex
	snap Snapshot
}

// New validates deps and builds an orchestrator in Init.
func New(cfg Config, deps Dependencies, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Network == nil:
		return nil, errors.New("lifecycle: network provisioner is required")
	case deps.Identity == nil:
		return nil, errors.New("lifecycle: identity store is required")
	case deps.Device == nil:
		return nil, errors.New("lifecycle: device control is required")
	case deps.Info == nil:
		return nil, errors.New("lifecycle: system info is required")
	case deps.Dialer == nil:
		return nil, errors.New("lifecycle: session dialer is required")
	case deps.Reporter == nil:
		return nil, errors.New("lifecycle: fault reporter is required")
	}

	def := DefaultConfig(cfg.Session.URL)
	if cfg.MaxJoinAttempts <= 0 {
		cfg.MaxJoinAttempts = def.MaxJoinAttempts
	}
	if cfg.SessionFailureBudget <= 0 {
		cfg.SessionFailureBudget = def.SessionFailureBudget
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = def.AnnounceInterval
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.WatchdogFeedInterval <= 0 {
		cfg.WatchdogFeedInterval = def.WatchdogFeedInterval
	}
	if cfg.JoinBackoff.Initial <= 0 {
		cfg.JoinBackoff = def.JoinBackoff
	}
	if cfg.RegistrationBackoff.Initial <= 0 {
		cfg.RegistrationBackoff = def.RegistrationBackoff
	}

	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		clock:     realClock{},
		state:     StateInit,
		joinRetry: backoff.New(cfg.JoinBackoff),
		regRetry:  backoff.New(cfg.RegistrationBackoff),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Start initializes the watchdog and stamps the boot state. A watchdog that
// fails to start is reported and the device continues without it.
func (o *Orchestrator) Start() {
	now := o.clock.Now()
	o.enteredAt = now
	o.started = true

	if wd := o.deps.Watchdog; wd != nil {
		if err := wd.Start(); err != nil {
			o.deps.Reporter.Report(faults.KindWatchdogInit, err.Error(), now)
			o.watchdogDegraded = true
			logging.Warn("Watchdog unavailable, continuing without it", zap.Error(err))
		} else {
			o.lastFeedAt = now
		}
	}

	metrics.RecordTransition(StateInit.String(), StateInit.String())
	logging.Info("Lifecycle started", zap.String("device_id", o.deps.Identity.DeviceID()))
	o.updateSnapshot(now)
}

// Run ticks until ctx is cancelled, then shuts down.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.started {
		o.Start()
	}
	defer o.Shutdown()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Shutdown closes the session and stops the watchdog.
func (o *Orchestrator) Shutdown() {
	now := o.clock.Now()
	o.dropSession(now)
	if wd := o.deps.Watchdog; wd != nil && !o.watchdogDegraded {
		wd.Stop()
	}
	o.updateSnapshot(now)
	o.publish(now)
	logging.Info("Lifecycle stopped", zap.String("state", o.state.String()))
}

// RequestSoftRestart asks the next tick to restart from Init.
func (o *Orchestrator) RequestSoftRestart() {
	o.softRestartReq.Store(true)
}

// RequestFactoryReset asks the next tick to wipe state and restart from Init.
func (o *Orchestrator) RequestFactoryReset() {
	o.factoryResetReq.Store(true)
}

// State returns the current state. Only call it from the tick goroutine;
// other goroutines use Snapshot.
func (o *Orchestrator) State() State {
	return o.state
}

// StateEnteredAt returns when the current state was entered.
func (o *Orchestrator) StateEnteredAt() time.Time {
	return o.enteredAt
}

// Session returns the owned session client, or nil.
func (o *Orchestrator) Session() *session.Client {
	return o.session
}

// Snapshot returns the view recorded at the end of the last tick.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// Tick runs one cooperative step: feed the watchdog, let collaborators and
// the session process input, run the current state's step, then periodic
// work.
func (o *Orchestrator) Tick(ctx context.Context) {
	if !o.started {
		o.Start()
	}
	now := o.clock.Now()

	o.feedWatchdog(now, false)
	o.tickCollaborators(now)

	if o.session != nil {
		o.session.Poll(now)
		o.collectSessionFailures(now)
	}

	if !o.handleRequests(now) {
		o.step(ctx, now)
		o.periodic(now)
	}

	o.updateSnapshot(now)
}

func (o *Orchestrator) tickCollaborators(now time.Time) {
	if t, ok := o.deps.Network.(Ticker); ok {
		t.Tick(now)
	}
	if t, ok := o.deps.Device.(Ticker); ok {
		t.Tick(now)
	}
}

func (o *Orchestrator) collectSessionFailures(now time.Time) {
	for _, err := range o.session.TakeFailures() {
		o.noteFailure(faults.KindOf(err, faults.KindDeviceControl), err, now)
	}
}

// handleRequests applies pending factory reset or soft restart requests and
// reports whether one was applied.
func (o *Orchestrator) handleRequests(now time.Time) bool {
	reset := o.factoryResetReq.Swap(false)
	if o.session != nil && o.session.TakeFactoryResetRequest() {
		reset = true
	}
	if reset {
		o.factoryReset(now, "factory reset requested")
		return true
	}
	if o.softRestartReq.Swap(false) {
		o.softRestart(now, "soft restart requested")
		return true
	}
	return false
}

func (o *Orchestrator) step(ctx context.Context, now time.Time) {
	switch o.state {
	case StateInit:
		o.stepInit(now)
	case StateNetworkSetup:
		o.stepNetworkSetup(now)
	case StateNetworkConnecting:
		o.stepNetworkConnecting(ctx, now)
	case StateRegistering:
		o.stepRegistering(ctx, now)
	case StateAwaitingClaim:
		o.stepAwaitingClaim(ctx, now)
	case StateOperational:
		o.stepOperational(ctx, now)
	case StateFault:
		o.stepFault(now)
	}
}

// transition moves to a new state. Edges outside validTransitions are
// refused and logged.
func (o *Orchestrator) transition(to State, reason string, now time.Time) bool {
	from := o.state
	if !CanTransition(from, to) {
		logging.Error("Refusing invalid lifecycle transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("reason", reason),
		)
		return false
	}

	o.state = to
	o.enteredAt = now
	o.stateAttempts = 0
	o.portalStartedAt = time.Time{}
	o.lastAnnounceAt = now

	metrics.RecordTransition(from.String(), to.String())
	logging.LogStateTransition(from.String(), to.String(), reason)

	o.updateSnapshot(now)
	o.publish(now)
	return true
}

// fail reports a fault and enters Fault.
func (o *Orchestrator) fail(kind faults.Kind, err error, now time.Time) {
	o.deps.Reporter.Report(kind, err.Error(), now)
	o.enterFault(kind, err, now)
}

// noteFailure reports a fault that does not by itself end the current step.
// The orchestrator only faults when the ledger already calls for more than
// a retry.
func (o *Orchestrator) noteFailure(kind faults.Kind, err error, now time.Time) {
	o.deps.Reporter.Report(kind, err.Error(), now)
	if o.state == StateFault {
		return
	}
	if o.deps.Reporter.RecoveryStrategy(kind) != faults.RetryOperation {
		o.enterFault(kind, err, now)
	}
}

func (o *Orchestrator) enterFault(kind faults.Kind, err error, now time.Time) {
	o.fault = faultRecord{kind: kind, from: o.state, err: err}
	o.transition(StateFault, kind.String()+": "+err.Error(), now)
}

func (o *Orchestrator) feedWatchdog(now time.Time, force bool) {
	wd := o.deps.Watchdog
	if wd == nil || o.watchdogDegraded {
		return
	}
	if force || now.Sub(o.lastFeedAt) >= o.cfg.WatchdogFeedInterval {
		wd.Feed()
		o.lastFeedAt = now
	}
}

func (o *Orchestrator) periodic(now time.Time) {
	if o.session != nil {
		o.session.Maintain(now)
	}

	if (o.state == StateOperational || o.state == StateAwaitingClaim) &&
		o.session != nil && o.session.Connected() {
		if o.lastStatusAt.IsZero() {
			o.lastStatusAt = now
		} else if now.Sub(o.lastStatusAt) >= o.cfg.StatusInterval {
			if err := o.session.SendDeviceStatus(now); err == nil {
				_ = o.session.SendLightingStatus()
			}
			o.lastStatusAt = now
		}
	}

	if o.deps.Sink != nil && now.Sub(o.lastPublishAt) >= o.cfg.StatusInterval {
		o.updateSnapshot(now)
		o.publish(now)
	}

	o.checkTimeouts(now)
}

func (o *Orchestrator) checkTimeouts(now time.Time) {
	switch o.state {
	case StateNetworkConnecting:
		if o.cfg.ConnectingTimeout > 0 && now.Sub(o.enteredAt) >= o.cfg.ConnectingTimeout {
			o.fail(faults.KindNetworkJoin, errConnectingTimeout, now)
		}
	case StateNetworkSetup:
		if o.cfg.PortalTimeout <= 0 || o.portalStartedAt.IsZero() {
			return
		}
		if now.Sub(o.portalStartedAt) >= o.cfg.PortalTimeout {
			logging.Warn("Provisioning portal idle, restarting it",
				zap.Duration("idle", now.Sub(o.portalStartedAt)),
			)
			o.startPortal(now)
		}
	}
}

func (o *Orchestrator) publish(now time.Time) {
	if o.deps.Sink == nil {
		return
	}
	o.lastPublishAt = now
	if err := o.deps.Sink.PublishState(o.Snapshot()); err != nil {
		logging.Debug("Status publish failed", zap.Error(err))
	}
}

func (o *Orchestrator) updateSnapshot(now time.Time) {
	s := Snapshot{
		State:            o.state,
		StateEnteredAt:   o.enteredAt,
		DeviceID:         o.deps.Identity.DeviceID(),
		Provisioned:      o.deps.Identity.IsProvisioned(),
		NetworkConnected: o.deps.Network.IsConnected(),
		PortalMode:       o.deps.Network.IsInPortalMode(),
		SessionConnected: o.session != nil && o.session.Connected(),
		FaultTotal:       o.deps.Reporter.Total(),
		WatchdogDegraded: o.watchdogDegraded,
		Timestamp:        now,
	}
	if o.state == StateFault {
		s.FaultKind = o.fault.kind
	}

	o.mu.Lock()
	o.snap = s
	o.mu.Unlock()
}
