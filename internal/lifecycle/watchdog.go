package lifecycle

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/palpalette/device/internal/logging"
)

// DefaultWatchdogTimeout is longer than the bounded network join so a slow
// join never trips the watchdog.
const DefaultWatchdogTimeout = 60 * time.Second

// SoftwareWatchdog calls OnExpire when Feed has not been called within
// Timeout. It stands in for the hardware task watchdog on hosts.
type SoftwareWatchdog struct {
	Timeout  time.Duration
	OnExpire func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewSoftwareWatchdog returns a watchdog that runs onExpire after timeout
// without a feed.
func NewSoftwareWatchdog(timeout time.Duration, onExpire func()) *SoftwareWatchdog {
	if timeout <= 0 {
		timeout = DefaultWatchdogTimeout
	}
	return &SoftwareWatchdog{Timeout: timeout, OnExpire: onExpire}
}

func (w *SoftwareWatchdog) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.OnExpire == nil {
		return errors.New("watchdog: no expiry handler")
	}
	if w.timer != nil {
		return errors.New("watchdog: already started")
	}
	w.stopped = false
	w.timer = time.AfterFunc(w.Timeout, w.expire)
	return nil
}

func (w *SoftwareWatchdog) Feed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil && !w.stopped {
		w.timer.Reset(w.Timeout)
	}
}

func (w *SoftwareWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *SoftwareWatchdog) expire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	handler := w.OnExpire
	w.mu.Unlock()

	logging.Error("Watchdog expired", zap.Duration("timeout", w.Timeout))
	handler()
}
