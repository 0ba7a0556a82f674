package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/palpalette/device/internal/faults"
	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/metrics"
	"github.com/palpalette/device/internal/session"
)

var (
	errConnectingTimeout = errors.New("network connecting timed out")
	errNetworkLost       = errors.New("network connection lost")
	errSessionBudget     = errors.New("session reconnect budget exhausted")
)

func (o *Orchestrator) stepInit(now time.Time) {
	o.fullRegistered = false
	o.transition(StateNetworkSetup, "boot", now)
}

func (o *Orchestrator) stepNetworkSetup(now time.Time) {
	net := o.deps.Network
	if net.IsConnected() || net.HasStoredCredentials() {
		o.transition(StateNetworkConnecting, "credentials available", now)
		return
	}
	if !net.IsInPortalMode() {
		o.startPortal(now)
	}
}

func (o *Orchestrator) startPortal(now time.Time) {
	if err := o.deps.Network.StartPortal(); err != nil {
		o.fail(faults.KindProvisioningPortal, err, now)
		return
	}
	o.portalStartedAt = now
	logging.Info("Provisioning portal started")
}

func (o *Orchestrator) stepNetworkConnecting(ctx context.Context, now time.Time) {
	net := o.deps.Network
	if net.IsConnected() {
		o.networkJoined(now)
		return
	}
	if !o.joinRetry.ShouldRetry(now) {
		return
	}

	o.stateAttempts++
	o.joinRetry.RecordAttempt(now)
	o.feedWatchdog(now, true)

	logging.Info("Joining network",
		zap.Int("attempt", o.stateAttempts),
		zap.Int("max_attempts", o.cfg.MaxJoinAttempts),
	)

	err := net.AttemptJoin(ctx)
	if err == nil && net.IsConnected() {
		o.networkJoined(now)
		return
	}
	if err == nil {
		err = errors.New("join returned without a connection")
	}

	logging.Warn("Network join failed",
		zap.Int("attempt", o.stateAttempts),
		zap.Duration("next_retry_in", o.joinRetry.CurrentDelay()),
		zap.Error(err),
	)
	if o.stateAttempts >= o.cfg.MaxJoinAttempts {
		o.fail(faults.KindOf(err, faults.KindNetworkJoin), err, now)
	}
}

func (o *Orchestrator) networkJoined(now time.Time) {
	o.joinRetry.Reset()
	o.deps.Reporter.ClearKind(faults.KindNetworkJoin)
	o.transition(StateRegistering, "network joined", now)
}

// networkLost drops the session and faults so recovery resumes from
// NetworkConnecting.
func (o *Orchestrator) networkLost(now time.Time) bool {
	if o.deps.Network.IsConnected() {
		return false
	}
	o.dropSession(now)
	o.fail(faults.KindNetworkJoin, errNetworkLost, now)
	return true
}

func (o *Orchestrator) stepRegistering(ctx context.Context, now time.Time) {
	if o.networkLost(now) {
		return
	}

	if o.cfg.MinFreeHeap > 0 {
		if free := o.deps.Info.FreeHeap(); free < o.cfg.MinFreeHeap {
			o.fail(faults.KindAllocation,
				fmt.Errorf("free memory %d below %d", free, o.cfg.MinFreeHeap), now)
			return
		}
	}

	if !o.regRetry.ShouldRetry(now) {
		return
	}
	o.stateAttempts++
	o.regRetry.RecordAttempt(now)

	if err := o.deps.Identity.RegisterMinimal(ctx); err != nil {
		logging.Warn("Registration failed",
			zap.Int("attempt", o.stateAttempts),
			zap.Duration("next_retry_in", o.regRetry.CurrentDelay()),
			zap.Error(err),
		)
		o.fail(faults.KindOf(err, faults.KindRegistration), err, now)
		return
	}

	o.regRetry.Reset()
	o.deps.Reporter.ClearKind(faults.KindRegistration)
	logging.Info("Device registered",
		zap.String("device_id", o.deps.Identity.DeviceID()),
		zap.Bool("provisioned", o.deps.Identity.IsProvisioned()),
	)

	o.dropSession(now)
	o.openSession(ctx, now)

	if o.deps.Identity.IsProvisioned() {
		o.transition(StateOperational, "registered and claimed", now)
	} else {
		o.transition(StateAwaitingClaim, "registered, awaiting claim", now)
	}
}

func (o *Orchestrator) openSession(ctx context.Context, now time.Time) {
	if o.session == nil {
		o.session = session.New(o.cfg.Session, o.deps.Dialer, o.deps.Identity, o.deps.Device, o.deps.Info)
	}
	if o.session.Connected() {
		return
	}
	// A failed first connect is retried by maintainSession.
	_ = o.session.Connect(ctx, now)
}

func (o *Orchestrator) dropSession(now time.Time) {
	if o.session == nil {
		return
	}
	o.session.Disconnect(now)
	o.session = nil
	o.lastStatusAt = time.Time{}
	o.fullRegistered = false
}

// maintainSession reconnects a dropped session and reports whether the state
// step may continue.
func (o *Orchestrator) maintainSession(ctx context.Context, now time.Time) bool {
	if o.session == nil {
		o.openSession(ctx, now)
		return true
	}
	if o.session.Connected() {
		return true
	}
	if o.session.ConsecutiveFailures() >= o.cfg.SessionFailureBudget {
		o.fail(faults.KindSessionTransport, errSessionBudget, now)
		return false
	}
	if o.session.ShouldRetry(now) {
		_ = o.session.Connect(ctx, now)
	}
	return true
}

func (o *Orchestrator) stepAwaitingClaim(ctx context.Context, now time.Time) {
	if o.networkLost(now) {
		return
	}
	if o.deps.Identity.IsProvisioned() {
		o.transition(StateOperational, "device claimed", now)
		return
	}
	if !o.maintainSession(ctx, now) {
		return
	}

	if o.session.Connected() && now.Sub(o.lastAnnounceAt) >= o.cfg.AnnounceInterval {
		if err := o.session.AnnounceIdentity(); err == nil {
			logging.Debug("Re-announced identity while awaiting claim")
		}
		o.lastAnnounceAt = now
	}
}

func (o *Orchestrator) stepOperational(ctx context.Context, now time.Time) {
	if o.networkLost(now) {
		return
	}
	if !o.deps.Identity.IsProvisioned() {
		o.transition(StateAwaitingClaim, "device no longer claimed", now)
		return
	}
	if !o.maintainSession(ctx, now) {
		return
	}

	if o.fullRegistered {
		return
	}
	if !o.fullRegAttemptAt.IsZero() && now.Sub(o.fullRegAttemptAt) < o.cfg.StatusInterval {
		return
	}
	o.fullRegAttemptAt = now
	if err := o.deps.Identity.RegisterFull(ctx); err != nil {
		o.noteFailure(faults.KindOf(err, faults.KindTransportRequest), err, now)
		return
	}
	o.fullRegistered = true
	o.deps.Reporter.ClearKind(faults.KindTransportRequest)
}

func (o *Orchestrator) stepFault(now time.Time) {
	rep := o.deps.Reporter
	if !rep.ShouldActNow(now) {
		return
	}

	kind := o.fault.kind
	strategy := rep.RecoveryStrategy(kind)

	logging.LogRecovery(kind.String(), strategy.String(), rep.Count(kind), rep.Total())
	metrics.RecordRecovery(kind.String(), strategy.String())
	rep.MarkActed(now)

	switch strategy {
	case faults.RetryOperation:
		if o.session != nil {
			o.session.ResetFailureBudget()
		}
		o.transition(o.resumeState(), "retry "+kind.String(), now)
	case faults.RestartComponent:
		o.restartComponent(kind, now)
	case faults.SoftRestart:
		o.softRestart(now, "recovery: soft restart after "+kind.String())
	case faults.HardRestart:
		o.hardRestart(now, "recovery: hard restart after "+kind.String())
	case faults.FactoryReset:
		o.factoryReset(now, "recovery: factory reset after "+kind.String())
	}
}

// resumeState is where a retried fault continues. Network faults always
// resume from NetworkConnecting since the later states need the network.
func (o *Orchestrator) resumeState() State {
	if o.fault.kind == faults.KindNetworkJoin {
		return StateNetworkConnecting
	}
	if o.fault.from == StateFault || o.fault.from == StateInit {
		return StateNetworkSetup
	}
	return o.fault.from
}

func (o *Orchestrator) restartComponent(kind faults.Kind, now time.Time) {
	reason := "restart component after " + kind.String()
	switch kind {
	case faults.KindNetworkJoin, faults.KindProvisioningPortal:
		o.dropSession(now)
		o.joinRetry.Reset()
		o.transition(StateNetworkSetup, reason, now)
	case faults.KindRegistration, faults.KindSessionTransport, faults.KindTransportRequest:
		o.dropSession(now)
		o.transition(StateRegistering, reason, now)
	case faults.KindDeviceControl:
		if r, ok := o.deps.Device.(Resetter); ok {
			if err := r.Reset(); err != nil {
				logging.Error("Device controller reset failed", zap.Error(err))
			}
		}
		o.deps.Reporter.ClearKind(faults.KindDeviceControl)
		o.transition(o.resumeState(), reason, now)
	default:
		o.transition(o.resumeState(), reason, now)
	}
}

func (o *Orchestrator) resetRetries() {
	o.joinRetry.Reset()
	o.regRetry.Reset()
	o.fullRegistered = false
	o.fullRegAttemptAt = time.Time{}
}

// restart returns to Init. Init has no self edge so a restart while already
// in Init only restamps the state.
func (o *Orchestrator) restart(now time.Time, reason string) {
	if o.state == StateInit {
		o.enteredAt = now
		logging.Info("Restart while in Init", zap.String("reason", reason))
		return
	}
	o.transition(StateInit, reason, now)
}

// softRestart drops the session and restarts the lifecycle. The fault ledger
// is kept so repeated failures keep escalating.
func (o *Orchestrator) softRestart(now time.Time, reason string) {
	o.dropSession(now)
	o.resetRetries()
	o.restart(now, reason)
}

// hardRestart hands over to the Restarter when one is installed. If it
// returns, the lifecycle restarts in-process with a clean ledger.
func (o *Orchestrator) hardRestart(now time.Time, reason string) {
	o.dropSession(now)
	if o.deps.Restarter != nil {
		logging.Warn("Restarting process", zap.String("reason", reason))
		logging.Sync()
		o.deps.Restarter.Restart(reason)
	}
	o.deps.Reporter.Clear()
	o.resetRetries()
	o.restart(now, reason)
}

// factoryReset wipes identity, network credentials and lighting
// configuration, then boots from Init. It never passes through Fault.
func (o *Orchestrator) factoryReset(now time.Time, reason string) {
	logging.Warn("Factory reset", zap.String("reason", reason))
	o.dropSession(now)

	if err := o.deps.Identity.FactoryReset(); err != nil {
		logging.Error("Identity reset failed", zap.Error(err))
	}
	if r, ok := o.deps.Network.(CredentialResetter); ok {
		if err := r.ClearCredentials(); err != nil {
			logging.Error("Network credential reset failed", zap.Error(err))
		}
	}
	if r, ok := o.deps.Device.(Resetter); ok {
		if err := r.Reset(); err != nil {
			logging.Error("Device controller reset failed", zap.Error(err))
		}
	}

	o.deps.Reporter.Clear()
	o.resetRetries()
	o.fault = faultRecord{}
	o.restart(now, reason)
}
