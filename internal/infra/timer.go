// Package infra implements infrastructure concerns: timers,
// notifications, the session-change bus and the desktop foreground
// shim.
package infra

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/routined/routined/internal/domain"
	"github.com/routined/routined/internal/metrics"
)

// InexactGranularity is the coarse rounding applied when exact
// scheduling is denied: the timer still fires, just not to the second.
const InexactGranularity = 5 * time.Minute

// KeyedTimer registers one-shot wake-ups keyed by a stable string, so
// callers can cancel or replace a registration without holding a
// handle. Exact scheduling is attempted first; when the permission
// probe denies it, the delay is rounded up to InexactGranularity
// instead of failing the operation.
type KeyedTimer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer

	// ExactAllowed reports whether exact alarms are currently
	// permitted. Nil means always allowed. Checked at schedule time,
	// never polled proactively.
	ExactAllowed func() bool

	logger *zap.Logger
}

// NewKeyedTimer creates a timer service.
func NewKeyedTimer(logger *zap.Logger) *KeyedTimer {
	return &KeyedTimer{
		timers: make(map[string]*time.Timer),
		logger: logger.With(zap.String("component", "timer")),
	}
}

// ScheduleAt arranges for fn to run at when, replacing any timer
// already registered under key. An instant in the past fires
// immediately on a fresh goroutine.
func (t *KeyedTimer) ScheduleAt(key string, when time.Time, fn func()) error {
	delay := time.Until(when)
	if delay < 0 {
		t.logger.Warn("scheduled instant is in the past, firing now",
			zap.String("key", key), zap.Time("when", when))
		t.Cancel(key)
		go fn()
		return nil
	}

	if t.ExactAllowed != nil && !t.ExactAllowed() {
		rounded := roundUp(delay, InexactGranularity)
		t.logger.Debug("exact scheduling denied, falling back to inexact",
			zap.String("key", key),
			zap.Duration("delay", delay),
			zap.Duration("inexact_delay", rounded))
		delay = rounded
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, exists := t.timers[key]; exists {
		old.Stop()
	}
	t.timers[key] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, key)
		metrics.TimersPending.Set(float64(len(t.timers)))
		t.mu.Unlock()
		fn()
	})
	metrics.TimersPending.Set(float64(len(t.timers)))
	return nil
}

// Cancel removes the timer registered under key, if any. Cancelling an
// unknown key is a no-op.
func (t *KeyedTimer) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, exists := t.timers[key]; exists {
		timer.Stop()
		delete(t.timers, key)
		metrics.TimersPending.Set(float64(len(t.timers)))
	}
}

// Stop cancels all registered timers.
func (t *KeyedTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
	metrics.TimersPending.Set(0)
}

// Pending returns the number of registered timers (for tests and the
// status command).
func (t *KeyedTimer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

func roundUp(d, granularity time.Duration) time.Duration {
	if rem := d % granularity; rem != 0 {
		return d + granularity - rem
	}
	return d
}

var _ domain.TimerService = (*KeyedTimer)(nil)
