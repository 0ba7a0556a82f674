package faults

import (
	"time"

	"go.uber.org/zap"

	"github.com/palpalette/device/internal/logging"
	"github.com/palpalette/device/internal/metrics"
)

// Thresholds configures when a kind escalates.
type Thresholds struct {
	// RestartAt is the per-kind count at which RetryOperation becomes
	// RestartComponent. Kinds missing from the map use DefaultRestartAt.
	RestartAt map[Kind]int
	// SoftRestartAt is the per-kind count at which a kind escalates to
	// SoftRestart. Only kinds present in the map escalate this way.
	SoftRestartAt map[Kind]int
	// Critical is the total count above which every kind maps to HardRestart.
	Critical int
	// Cooldown is the minimum spacing between an error and the next recovery
	// action, and between two recovery actions.
	Cooldown time.Duration
}

// DefaultRestartAt applies to kinds without an explicit RestartAt entry.
const DefaultRestartAt = 3

// DefaultThresholds returns the escalation table used by the device runtime.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RestartAt: map[Kind]int{
			KindNetworkJoin:        3,
			KindRegistration:       5,
			KindSessionTransport:   1,
			KindDeviceControl:      3,
			KindPersistence:        3,
			KindTransportRequest:   5,
			KindProvisioningPortal: 3,
			KindUnknown:            3,
		},
		SoftRestartAt: map[Kind]int{
			KindRegistration: 10,
			KindPersistence:  6,
		},
		Critical: 15,
		Cooldown: 2 * time.Second,
	}
}

// Ledger is a snapshot of the fault history.
type Ledger struct {
	LastKind     Kind
	PerKind      map[Kind]int
	Total        int
	LastErrorAt  time.Time
	LastActionAt time.Time
}

// Reporter records faults and maps them to recovery strategies. It never acts
// on its own; the owner asks for a strategy and applies it. A Reporter is
// owned by a single goroutine.
type Reporter struct {
	thresholds   Thresholds
	perKind      [numKinds]int
	total        int
	lastKind     Kind
	lastErrorAt  time.Time
	lastActionAt time.Time
}

// NewReporter creates a Reporter. Zero-valued fields in t fall back to
// DefaultThresholds.
func NewReporter(t Thresholds) *Reporter {
	def := DefaultThresholds()
	if t.RestartAt == nil {
		t.RestartAt = def.RestartAt
	}
	if t.SoftRestartAt == nil {
		t.SoftRestartAt = def.SoftRestartAt
	}
	if t.Critical <= 0 {
		t.Critical = def.Critical
	}
	if t.Cooldown < 0 {
		t.Cooldown = 0
	}
	return &Reporter{thresholds: t}
}

// Report records a fault of the given kind. Message-decode faults are tallied
// per kind only: they do not count toward the total, become the last kind or
// restart the cooldown.
func (r *Reporter) Report(kind Kind, context string, now time.Time) {
	if !kind.valid() {
		kind = KindUnknown
	}

	r.perKind[kind]++
	if kind != KindMessageDecode {
		r.total++
		r.lastKind = kind
		r.lastErrorAt = now
	}

	metrics.RecordFault(kind.String())

	logging.Warn("Fault reported",
		zap.String("kind", kind.String()),
		zap.String("context", context),
		zap.Int("kind_count", r.perKind[kind]),
		zap.Int("total_count", r.total),
	)
}

// RecoveryStrategy returns the action for kind given the current ledger.
func (r *Reporter) RecoveryStrategy(kind Kind) Strategy {
	if !kind.valid() {
		kind = KindUnknown
	}

	if r.total > r.thresholds.Critical {
		return HardRestart
	}

	switch kind {
	case KindAllocation:
		return SoftRestart
	case KindMessageDecode, KindWatchdogInit:
		return RetryOperation
	}

	count := r.perKind[kind]

	if kind != KindDeviceControl {
		if at, ok := r.thresholds.SoftRestartAt[kind]; ok && at > 0 && count >= at {
			return SoftRestart
		}
	}

	restartAt, ok := r.thresholds.RestartAt[kind]
	if !ok || restartAt <= 0 {
		restartAt = DefaultRestartAt
	}
	if count >= restartAt {
		return RestartComponent
	}
	return RetryOperation
}

// ShouldActNow reports whether the cooldown since the last error and the last
// recovery action has passed.
func (r *Reporter) ShouldActNow(now time.Time) bool {
	cd := r.thresholds.Cooldown
	if !r.lastErrorAt.IsZero() && now.Sub(r.lastErrorAt) < cd {
		return false
	}
	if !r.lastActionAt.IsZero() && now.Sub(r.lastActionAt) < cd {
		return false
	}
	return true
}

// MarkActed records that a recovery action was taken at now.
func (r *Reporter) MarkActed(now time.Time) {
	r.lastActionAt = now
}

// ClearKind forgets the history of one kind after its domain recovered.
func (r *Reporter) ClearKind(kind Kind) {
	if !kind.valid() {
		return
	}
	n := r.perKind[kind]
	r.perKind[kind] = 0
	if kind != KindMessageDecode {
		r.total -= n
		if r.total < 0 {
			r.total = 0
		}
	}
}

// Clear forgets the whole history.
func (r *Reporter) Clear() {
	r.perKind = [numKinds]int{}
	r.total = 0
	r.lastKind = KindUnknown
	r.lastErrorAt = time.Time{}
	r.lastActionAt = time.Time{}
}

// Count returns the per-kind count.
func (r *Reporter) Count(kind Kind) int {
	if !kind.valid() {
		return 0
	}
	return r.perKind[kind]
}

// Total returns the number of faults counted toward escalation.
func (r *Reporter) Total() int {
	return r.total
}

// LastKind returns the most recently reported kind.
func (r *Reporter) LastKind() Kind {
	return r.lastKind
}

// Ledger returns a copy of the current history.
func (r *Reporter) Ledger() Ledger {
	per := make(map[Kind]int)
	for k := KindUnknown; k < numKinds; k++ {
		if r.perKind[k] > 0 {
			per[k] = r.perKind[k]
		}
	}
	return Ledger{
		LastKind:     r.lastKind,
		PerKind:      per,
		Total:        r.total,
		LastErrorAt:  r.lastErrorAt,
		LastActionAt: r.lastActionAt,
	}
}
