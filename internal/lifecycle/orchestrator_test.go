package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/palpalette/device/internal/faults"
	"github.com/palpalette/device/internal/metrics"
	"github.com/palpalette/device/internal/protocol"
)

type rig struct {
	o        *Orchestrator
	clock    *fakeClock
	network  *fakeNetwork
	identity *fakeIdentity
	device   *fakeDevice
	dialer   *fakeDialer
	reporter *faults.Reporter
	sink     *fakeSink
	conns    []*fakeConn
}

type rigOption func(*rig, *Dependencies)

func newRig(t *testing.T, opts ...rigOption) *rig {
	t.Helper()

	clock := &fakeClock{now: epoch}
	r := &rig{
		clock:    clock,
		network:  &fakeNetwork{clock: clock, credentials: true},
		identity: &fakeIdentity{id: "pp-0001"},
		device:   &fakeDevice{systemType: "ws2812"},
		reporter: faults.NewReporter(faults.DefaultThresholds()),
		sink:     &fakeSink{},
	}
	for i := 0; i < 4; i++ {
		r.conns = append(r.conns, newFakeConn())
	}
	r.dialer = &fakeDialer{conns: append([]*fakeConn(nil), r.conns...)}

	deps := Dependencies{
		Network:  r.network,
		Identity: r.identity,
		Device:   r.device,
		Info:     fakeInfo{freeHeap: 150000},
		Dialer:   r.dialer,
		Reporter: r.reporter,
		Sink:     r.sink,
	}
	for _, opt := range opts {
		opt(r, &deps)
	}

	o, err := New(DefaultConfig("ws://backend.local:3001/ws"), deps, WithClock(clock))
	require.NoError(t, err)
	r.o = o
	return r
}

// tickAt advances the clock to epoch+d and ticks once.
func (r *rig) tickAt(d time.Duration) {
	r.clock.Set(epoch.Add(d))
	r.o.Tick(context.Background())
}

// runUntil ticks once per second from `from` until cond holds or limit is
// reached, returning the offset of the last tick.
func (r *rig) runUntil(from, limit time.Duration, cond func() bool) time.Duration {
	d := from
	for ; d <= limit; d += time.Second {
		r.tickAt(d)
		if cond() {
			return d
		}
	}
	return d
}

// toOperational scripts a clean boot into Operational.
func (r *rig) toOperational(t *testing.T) {
	t.Helper()
	r.identity.provisioned = true
	r.network.joinResults = []error{nil}
	r.runUntil(0, 10*time.Second, func() bool { return r.o.State() == StateOperational })
	require.Equal(t, StateOperational, r.o.State())
}

func recoveries(kind, strategy string) float64 {
	return testutil.ToFloat64(metrics.RecoveryActionsTotal.WithLabelValues(kind, strategy))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig("ws://x"), Dependencies{})
	assert.Error(t, err)
}

func TestBootWalksToNetworkConnecting(t *testing.T) {
	r := newRig(t)

	r.tickAt(0)
	assert.Equal(t, StateNetworkSetup, r.o.State())
	r.tickAt(0)
	assert.Equal(t, StateNetworkConnecting, r.o.State())
}

func TestJoinBacksOffAndSucceedsOnThirdAttempt(t *testing.T) {
	r := newRig(t)
	r.network.joinResults = []error{errors.New("no ap"), errors.New("no ap"), nil}

	r.tickAt(0)
	r.tickAt(0)
	require.Equal(t, StateNetworkConnecting, r.o.State())

	for d := time.Duration(0); d <= 6*time.Second; d += time.Second {
		r.tickAt(d)
	}

	assert.Equal(t, []time.Duration{0, 2 * time.Second, 6 * time.Second}, r.network.joinTimes)
	assert.Equal(t, StateRegistering, r.o.State())
	assert.Equal(t, 0, r.o.joinRetry.Attempts(), "join backoff resets after success")
	assert.Equal(t, 2*time.Second, r.o.joinRetry.CurrentDelay())
	assert.False(t, r.sink.seen(StateFault))
	assert.Zero(t, r.reporter.Total())
}

func TestJoinFaultsAfterMaxAttempts(t *testing.T) {
	r := newRig(t)
	r.network.joinResults = []error{errors.New("a"), errors.New("b"), errors.New("c")}

	r.runUntil(0, 20*time.Second, func() bool { return r.o.State() == StateFault })

	assert.Equal(t, StateFault, r.o.State())
	assert.Len(t, r.network.joinTimes, 3)
	assert.Equal(t, 1, r.reporter.Count(faults.KindNetworkJoin))
	assert.Equal(t, faults.KindNetworkJoin, r.o.Snapshot().FaultKind)
}

func TestPortalStartedWithoutCredentials(t *testing.T) {
	r := newRig(t)
	r.network.credentials = false

	r.tickAt(0)
	r.tickAt(time.Second)
	assert.Equal(t, StateNetworkSetup, r.o.State())
	assert.Equal(t, 1, r.network.portalCalls)

	r.tickAt(2 * time.Second)
	assert.Equal(t, 1, r.network.portalCalls, "portal should not restart while active")

	r.network.credentials = true
	r.tickAt(3 * time.Second)
	assert.Equal(t, StateNetworkConnecting, r.o.State())
}

func TestPortalFailureFaults(t *testing.T) {
	r := newRig(t)
	r.network.credentials = false
	r.network.portalErr = errors.New("bind :80")

	r.tickAt(0)
	r.tickAt(time.Second)

	assert.Equal(t, StateFault, r.o.State())
	assert.Equal(t, 1, r.reporter.Count(faults.KindProvisioningPortal))
}

func TestRegisteredUnclaimedAwaitsClaim(t *testing.T) {
	r := newRig(t)
	r.network.joinResults = []error{nil}

	r.runUntil(0, 10*time.Second, func() bool { return r.o.State() == StateAwaitingClaim })

	require.Equal(t, StateAwaitingClaim, r.o.State())
	assert.Equal(t, 1, r.identity.regCalls)
	assert.True(t, r.conns[0].sent(protocol.EventRegisterDevice))
	assert.True(t, r.identity.online)

	r.conns[0].push(`{"event":"deviceClaimed","data":{"deviceId":"pp-0001"}}`)
	r.tickAt(20 * time.Second)
	r.tickAt(21 * time.Second)

	assert.Equal(t, StateOperational, r.o.State())
	assert.True(t, r.identity.provisioned)
}

func TestOperationalRunsFullRegistration(t *testing.T) {
	r := newRig(t)
	r.toOperational(t)

	r.tickAt(20 * time.Second)
	assert.Equal(t, 1, r.identity.fullCalls)

	r.tickAt(30 * time.Second)
	assert.Equal(t, 1, r.identity.fullCalls, "full registration should run once")
}

func TestLivenessTimeoutReconnectsWithoutFault(t *testing.T) {
	r := newRig(t)
	r.toOperational(t)
	opened := r.clock.Now().Sub(epoch)

	var reconnectedAt time.Duration
	for d := opened + time.Second; d <= opened+2*time.Minute; d += time.Second {
		r.tickAt(d)
		if r.dialer.dials == 2 {
			reconnectedAt = d
			break
		}
	}

	require.NotZero(t, reconnectedAt, "session never reconnected")
	assert.Equal(t, 1, r.conns[0].closes)
	assert.Greater(t, reconnectedAt-opened, 90*time.Second)
	assert.Equal(t, StateOperational, r.o.State())
	assert.False(t, r.sink.seen(StateFault))
	assert.Positive(t, r.conns[0].pings)
	assert.True(t, r.o.Session().Connected())
}

func TestRegistrationEscalatesToComponentRestart(t *testing.T) {
	retryBefore := recoveries("Registration", "RetryOperation")
	restartBefore := recoveries("Registration", "RestartComponent")

	r := newRig(t)
	boom := errors.New("backend unavailable")
	r.network.joinResults = []error{nil}
	r.identity.regErrs = []error{boom, boom, boom, boom, boom}

	r.runUntil(0, 10*time.Minute, func() bool { return r.o.State() == StateAwaitingClaim })

	require.Equal(t, StateAwaitingClaim, r.o.State())
	assert.Equal(t, 6, r.identity.regCalls)
	assert.Equal(t, 4.0, recoveries("Registration", "RetryOperation")-retryBefore)
	assert.Equal(t, 1.0, recoveries("Registration", "RestartComponent")-restartBefore)
	assert.Zero(t, r.reporter.Count(faults.KindRegistration), "success clears the kind")
}

func TestUnknownAndMalformedEventsKeepRunning(t *testing.T) {
	r := newRig(t)
	r.toOperational(t)
	now := r.clock.Now().Sub(epoch)

	r.conns[0].push(`{"event":"firmwareUpdate","data":{}}`)
	r.conns[0].push(`{"event":`)
	r.tickAt(now + time.Second)

	assert.Equal(t, StateOperational, r.o.State())
	assert.True(t, r.o.Session().Connected())
	assert.Equal(t, 1, r.reporter.Count(faults.KindMessageDecode))
	assert.Zero(t, r.reporter.Total())
}

func TestBackendFactoryResetReturnsToInit(t *testing.T) {
	r := newRig(t)
	r.toOperational(t)
	now := r.clock.Now().Sub(epoch)

	r.conns[0].push(`{"event":"factoryReset","data":{}}`)
	r.tickAt(now + time.Second)

	assert.Equal(t, StateInit, r.o.State())
	assert.True(t, r.conns[0].sent(protocol.EventFactoryResetAcknowledged))
	assert.Equal(t, 1, r.identity.factoryResets)
	assert.Equal(t, 1, r.network.clears)
	assert.Equal(t, 1, r.device.resets)
	assert.Nil(t, r.o.Session())
	assert.False(t, r.sink.seen(StateFault))
	assert.Zero(t, r.reporter.Total())
}

func TestLocalFactoryResetRequest(t *testing.T) {
	r := newRig(t)
	r.toOperational(t)

	r.o.RequestFactoryReset()
	r.tickAt(20 * time.Second)

	assert.Equal(t, StateInit, r.o.State())
	assert.Equal(t, 1, r.identity.factoryResets)
}

func TestSoftRestartKeepsLedger(t *testing.T) {
	r := newRig(t)
	r.toOperational(t)
	r.reporter.Report(faults.KindPersistence, "disk full", r.clock.Now())

	r.o.RequestSoftRestart()
	r.tickAt(20 * time.Second)

	assert.Equal(t, StateInit, r.o.State())
	assert.Equal(t, 1, r.conns[0].closes)
	assert.Equal(t, 1, r.reporter.Count(faults.KindPersistence))
	assert.Zero(t, r.identity.factoryResets)
}

func TestCriticalTotalTriggersHardRestart(t *testing.T) {
	restarter := &fakeRestarter{}
	r := newRig(t, func(r *rig, d *Dependencies) {
		r.reporter = faults.NewReporter(faults.Thresholds{Critical: 2})
		d.Reporter = r.reporter
		d.Restarter = restarter
	})
	boom := errors.New("backend unavailable")
	r.network.joinResults = []error{nil}
	r.identity.regErrs = []error{boom, boom, boom}

	r.runUntil(0, 5*time.Minute, func() bool { return len(restarter.reasons) > 0 })

	require.Len(t, restarter.reasons, 1)
	assert.Contains(t, restarter.reasons[0], "Registration")
	assert.Equal(t, StateInit, r.o.State())
	assert.Zero(t, r.reporter.Total())
}

func TestDeviceControlFailuresRestartController(t *testing.T) {
	r := newRig(t)
	r.toOperational(t)
	r.device.applyErr = errors.New("strip offline")
	now := r.clock.Now().Sub(epoch)

	palette := `{"event":"colorPalette","data":{"messageId":"m","colors":[{"hex":"#ff0000"}]}}`
	for i := 0; i < 3; i++ {
		r.conns[0].push(palette)
		now += time.Second
		r.tickAt(now)
	}
	require.Equal(t, StateFault, r.o.State())

	r.device.applyErr = nil
	r.runUntil(now+time.Second, now+10*time.Second, func() bool { return r.o.State() == StateOperational })

	assert.Equal(t, StateOperational, r.o.State())
	assert.Equal(t, 1, r.device.resets)
	assert.Zero(t, r.reporter.Count(faults.KindDeviceControl))
}

func TestMalformedFramesDoNotStallRecovery(t *testing.T) {
	r := newRig(t)
	r.toOperational(t)
	r.device.applyErr = errors.New("strip offline")
	now := r.clock.Now().Sub(epoch)

	palette := `{"event":"colorPalette","data":{"messageId":"m","colors":[{"hex":"#ff0000"}]}}`
	for i := 0; i < 3; i++ {
		r.conns[0].push(palette)
		now += time.Second
		r.tickAt(now)
	}
	require.Equal(t, StateFault, r.o.State())
	r.device.applyErr = nil

	// A malformed frame every second, faster than the recovery cooldown.
	limit := now + 10*time.Second
	for r.o.State() != StateOperational && now < limit {
		r.conns[0].push(`{"event":`)
		now += time.Second
		r.tickAt(now)
	}

	assert.Equal(t, StateOperational, r.o.State())
	assert.Equal(t, 1, r.device.resets)
	assert.Positive(t, r.reporter.Count(faults.KindMessageDecode))
}

func TestSessionBudgetExhaustionReRegisters(t *testing.T) {
	r := newRig(t)
	r.dialer.conns = nil
	r.network.joinResults = []error{nil}

	r.runUntil(0, 5*time.Minute, func() bool { return r.sink.seen(StateFault) })

	assert.Equal(t, 1, r.reporter.Count(faults.KindSessionTransport))
	assert.GreaterOrEqual(t, r.dialer.dials, 5)

	r.dialer.conns = []*fakeConn{newFakeConn()}
	r.runUntil(r.clock.Now().Sub(epoch)+time.Second, 10*time.Minute, func() bool {
		return r.o.State() == StateAwaitingClaim && r.o.Session() != nil && r.o.Session().Connected()
	})
	assert.Equal(t, StateAwaitingClaim, r.o.State())
	assert.GreaterOrEqual(t, r.identity.regCalls, 2)
}

func TestNetworkLossResumesFromConnecting(t *testing.T) {
	r := newRig(t)
	r.toOperational(t)
	now := r.clock.Now().Sub(epoch)

	r.network.connected = false
	r.network.joinResults = []error{nil}
	r.tickAt(now + time.Second)
	require.Equal(t, StateFault, r.o.State())
	assert.Nil(t, r.o.Session())

	r.runUntil(now+2*time.Second, now+30*time.Second, func() bool { return r.o.State() == StateOperational })
	assert.Equal(t, StateOperational, r.o.State())
	assert.Len(t, r.network.joinTimes, 2)
}

func TestLowMemoryTriggersSoftRestart(t *testing.T) {
	r := newRig(t, func(r *rig, d *Dependencies) {
		d.Info = fakeInfo{freeHeap: 1000}
	})
	r.o.cfg.MinFreeHeap = 50000
	r.network.joinResults = []error{nil}

	r.runUntil(0, 10*time.Second, func() bool { return r.o.State() == StateFault })
	require.Equal(t, StateFault, r.o.State())
	assert.Equal(t, faults.KindAllocation, r.o.Snapshot().FaultKind)

	r.runUntil(r.clock.Now().Sub(epoch)+time.Second, time.Minute, func() bool { return r.o.State() == StateInit })
	assert.Equal(t, StateInit, r.o.State())
	assert.Equal(t, 1, r.reporter.Count(faults.KindAllocation))
}

func TestInvalidTransitionRefused(t *testing.T) {
	r := newRig(t)
	r.o.Start()

	assert.False(t, r.o.transition(StateOperational, "skip ahead", epoch))
	assert.Equal(t, StateInit, r.o.State())
}

func TestWatchdogFedAndDegradedOnInitFailure(t *testing.T) {
	wd := &fakeWatchdog{}
	r := newRig(t, func(_ *rig, d *Dependencies) { d.Watchdog = wd })
	r.network.joinResults = []error{nil}

	r.runUntil(0, 20*time.Second, func() bool { return false })
	assert.Positive(t, wd.feeds)
	assert.False(t, r.o.Snapshot().WatchdogDegraded)

	bad := &fakeWatchdog{startErr: errors.New("no timer")}
	r2 := newRig(t, func(_ *rig, d *Dependencies) { d.Watchdog = bad })
	r2.network.joinResults = []error{nil}
	r2.runUntil(0, 10*time.Second, func() bool { return r2.o.State() == StateAwaitingClaim })

	assert.True(t, r2.o.Snapshot().WatchdogDegraded)
	assert.Equal(t, 1, r2.reporter.Count(faults.KindWatchdogInit))
	assert.Zero(t, bad.feeds)
	assert.Equal(t, StateAwaitingClaim, r2.o.State())
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	network := &fakeNetwork{clock: &fakeClock{now: epoch}}
	wd := &fakeWatchdog{}
	cfg := DefaultConfig("ws://x")
	cfg.TickInterval = 5 * time.Millisecond

	o, err := New(cfg, Dependencies{
		Network:  network,
		Identity: &fakeIdentity{id: "pp"},
		Device:   &fakeDevice{},
		Info:     fakeInfo{},
		Dialer:   &fakeDialer{},
		Reporter: faults.NewReporter(faults.DefaultThresholds()),
		Watchdog: wd,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, o.Run(ctx))

	assert.True(t, wd.stopped)
	assert.Equal(t, StateNetworkSetup, o.Snapshot().State)
	assert.True(t, network.portal)
}
