package lifecycle

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSoftwareWatchdogExpires(t *testing.T) {
	fired := make(chan struct{}, 1)
	wd := NewSoftwareWatchdog(20*time.Millisecond, func() { fired <- struct{}{} })

	if err := wd.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer wd.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("watchdog did not expire")
	}
}

func TestSoftwareWatchdogFeedAndStop(t *testing.T) {
	var fired atomic.Int32
	wd := NewSoftwareWatchdog(50*time.Millisecond, func() { fired.Add(1) })

	if err := wd.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		wd.Feed()
	}
	wd.Stop()
	time.Sleep(80 * time.Millisecond)

	if got := fired.Load(); got != 0 {
		t.Errorf("expiries = %d, want 0", got)
	}
}

func TestSoftwareWatchdogStartErrors(t *testing.T) {
	if err := NewSoftwareWatchdog(time.Second, nil).Start(); err == nil {
		t.Error("Start() without handler should fail")
	}

	wd := NewSoftwareWatchdog(time.Second, func() {})
	if err := wd.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer wd.Stop()
	if err := wd.Start(); err == nil {
		t.Error("second Start() should fail")
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateInit, StateNetworkSetup, true},
		{StateInit, StateOperational, false},
		{StateNetworkConnecting, StateRegistering, true},
		{StateNetworkConnecting, StateAwaitingClaim, false},
		{StateRegistering, StateOperational, true},
		{StateAwaitingClaim, StateOperational, true},
		{StateOperational, StateAwaitingClaim, true},
		{StateOperational, StateInit, true},
		{StateFault, StateRegistering, true},
		{StateFault, StateFault, false},
		{StateInit, StateInit, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if got := StateAwaitingClaim.String(); got != "AwaitingClaim" {
		t.Errorf("String() = %q, want %q", got, "AwaitingClaim")
	}
	if got := State(42).String(); got != "State(42)" {
		t.Errorf("String() = %q, want %q", got, "State(42)")
	}
}
