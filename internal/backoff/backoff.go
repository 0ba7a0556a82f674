package backoff

import (
	"time"
)

// DefaultMaxAttempts caps the attempt counter so the exponent never overflows.
const DefaultMaxAttempts = 16

// Policy describes an exponential backoff curve.
type Policy struct {
	// Initial is the wait after the first failed attempt.
	Initial time.Duration `yaml:"initial"`
	// Max caps the wait between attempts.
	Max time.Duration `yaml:"max"`
	// Multiplier is applied once per recorded attempt. Values below 1 are treated as 1.
	Multiplier float64 `yaml:"multiplier"`
	// MaxAttempts caps the attempt counter (0 means DefaultMaxAttempts).
	MaxAttempts int `yaml:"max_attempts"`
	// IdleReset forgets the attempt history when no attempt was made for this
	// long (0 disables).
	IdleReset time.Duration `yaml:"idle_reset"`
}

// Delay returns min(Initial * Multiplier^attempt, Max).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.Initial)
	limit := float64(p.Max)
	for i := 0; i < attempt; i++ {
		delay *= mult
		if p.Max > 0 && delay >= limit {
			return p.Max
		}
	}

	if p.Max > 0 && delay > limit {
		return p.Max
	}
	return time.Duration(delay)
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// State tracks retry progress for one failure domain (network join, session
// connect, registration). It is not safe for concurrent use; it belongs to
// the goroutine that drives the retries.
type State struct {
	policy        Policy
	currentDelay  time.Duration
	lastAttemptAt time.Time
	attemptCount  int
}

// New returns a State at rest for the given policy.
func New(p Policy) *State {
	return &State{
		policy:       p,
		currentDelay: p.Delay(0),
	}
}

// Policy returns the policy this state was built from.
func (s *State) Policy() Policy {
	return s.policy
}

// ShouldRetry reports whether the next attempt may be made at now. The first
// attempt is always allowed. Idle expiry is applied before the check.
func (s *State) ShouldRetry(now time.Time) bool {
	s.expireIdle(now)
	if s.lastAttemptAt.IsZero() {
		return true
	}
	return !now.Before(s.lastAttemptAt.Add(s.currentDelay))
}

// RecordAttempt notes an attempt started at now and grows the wait before the
// next one.
func (s *State) RecordAttempt(now time.Time) {
	s.expireIdle(now)
	if s.attemptCount < s.policy.maxAttempts() {
		s.attemptCount++
	}
	s.lastAttemptAt = now
	s.currentDelay = s.policy.Delay(s.attemptCount - 1)
}

// Hold restarts the wait window at now without counting an attempt.
func (s *State) Hold(now time.Time) {
	s.lastAttemptAt = now
}

// Reset returns the state to rest after a success.
func (s *State) Reset() {
	s.attemptCount = 0
	s.currentDelay = s.policy.Delay(0)
	s.lastAttemptAt = time.Time{}
}

// Attempts returns the number of attempts since the last reset.
func (s *State) Attempts() int {
	return s.attemptCount
}

// CurrentDelay returns the wait that applies after the last attempt.
func (s *State) CurrentDelay() time.Duration {
	return s.currentDelay
}

// LastAttemptAt returns when the last attempt was made (zero if none).
func (s *State) LastAttemptAt() time.Time {
	return s.lastAttemptAt
}

// NextAttemptAt returns the earliest time the next attempt is allowed.
func (s *State) NextAttemptAt() time.Time {
	if s.lastAttemptAt.IsZero() {
		return time.Time{}
	}
	return s.lastAttemptAt.Add(s.currentDelay)
}

func (s *State) expireIdle(now time.Time) {
	if s.policy.IdleReset <= 0 || s.attemptCount == 0 || s.lastAttemptAt.IsZero() {
		return
	}
	if now.Sub(s.lastAttemptAt) >= s.policy.IdleReset {
		s.attemptCount = 0
		s.currentDelay = s.policy.Delay(0)
	}
}
