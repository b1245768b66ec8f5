// Package scheduler maps enabled routines onto durable one-shot timers
// and re-derives all timer state after restart. Timers do not survive a
// reboot; the persisted routine list is the only source of truth.
package scheduler

import (
	"time"

	"go.uber.org/zap"

	"github.com/routined/routined/internal/domain"
	"github.com/routined/routined/internal/metrics"
	"github.com/routined/routined/internal/schedule"
	"github.com/routined/routined/internal/store"
)

// Timer purposes; combined with the routine id they form the stable
// cancellation keys.
const (
	purposeActivate   = "activate"
	purposeDeactivate = "deactivate"
	focusEndKey       = "focus/end"
)

// Bridge owns the timer registrations for routine activation and
// deactivation, and the focus-mode countdown.
type Bridge struct {
	store    *store.Store
	timers   domain.TimerService
	clock    schedule.Clock
	notifier domain.Notifier
	logger   *zap.Logger
}

// New creates a scheduler bridge.
func New(st *store.Store, timers domain.TimerService, clock schedule.Clock, notifier domain.Notifier, logger *zap.Logger) *Bridge {
	if clock == nil {
		clock = schedule.RealClock{}
	}
	return &Bridge{
		store:    st,
		timers:   timers,
		clock:    clock,
		notifier: notifier,
		logger:   logger.With(zap.String("component", "scheduler")),
	}
}

func timerKey(routineID, purpose string) string {
	return routineID + "/" + purpose
}

// ScheduleRoutine registers (or re-registers) the activation and
// deactivation timers for one routine. Disabled and MANUAL routines get
// their timers cancelled instead.
func (b *Bridge) ScheduleRoutine(r domain.Routine) {
	if !r.Enabled || r.Schedule.Type == domain.ScheduleManual {
		b.CancelRoutine(r.ID)
		return
	}

	now := b.clock.Now()
	start := schedule.NextStart(r.Schedule, now)
	end := schedule.NextEnd(r.Schedule, now)
	if start == nil || end == nil {
		// Unschedulable (e.g. WEEKLY with no days): silent no-op, the
		// validated UI path should never produce this.
		b.logger.Warn("routine is not schedulable, no timers registered",
			zap.String("routine", r.ID))
		b.CancelRoutine(r.ID)
		return
	}

	id := r.ID
	if err := b.timers.ScheduleAt(timerKey(id, purposeActivate), *start, func() {
		b.handleActivation(id)
	}); err != nil {
		b.logger.Error("failed to register activation timer",
			zap.String("routine", id), zap.Error(err))
	}
	if err := b.timers.ScheduleAt(timerKey(id, purposeDeactivate), *end, func() {
		b.handleDeactivation(id)
	}); err != nil {
		b.logger.Error("failed to register deactivation timer",
			zap.String("routine", id), zap.Error(err))
	}

	b.logger.Debug("routine timers registered",
		zap.String("routine", id),
		zap.Time("activate", *start),
		zap.Time("deactivate", *end))
}

// CancelRoutine drops both timers for a routine id.
func (b *Bridge) CancelRoutine(id string) {
	b.timers.Cancel(timerKey(id, purposeActivate))
	b.timers.Cancel(timerKey(id, purposeDeactivate))
}

// handleActivation fires at window start. The routine is re-read from
// the store so edits made after registration are honored.
func (b *Bridge) handleActivation(id string) {
	metrics.TimerFirings.WithLabelValues(purposeActivate).Inc()

	r, ok := b.store.RoutineByID(id)
	if !ok || !r.Enabled {
		b.logger.Debug("activation fired for missing or disabled routine",
			zap.String("routine", id))
		return
	}

	now := b.clock.Now()
	if active, windowStart := schedule.IsActiveNow(r.Schedule, now); active {
		if err := b.store.StartSession(r, windowStart); err != nil {
			b.logger.Error("failed to start session", zap.String("routine", id), zap.Error(err))
		}
	}

	// Self-perpetuating chain: the fired handler registers the next
	// occurrence, which is how weekly day subsets and overnight wraps
	// stay correct.
	if r.Schedule.Recurring {
		if next := schedule.NextStart(r.Schedule, now); next != nil {
			rid := id
			if err := b.timers.ScheduleAt(timerKey(rid, purposeActivate), *next, func() {
				b.handleActivation(rid)
			}); err != nil {
				b.logger.Error("failed to re-register activation timer",
					zap.String("routine", rid), zap.Error(err))
			}
		}
	}
}

// handleDeactivation fires at window end.
func (b *Bridge) handleDeactivation(id string) {
	metrics.TimerFirings.WithLabelValues(purposeDeactivate).Inc()

	if err := b.store.StopSession(id); err != nil {
		b.logger.Error("failed to stop session", zap.String("routine", id), zap.Error(err))
	}

	r, ok := b.store.RoutineByID(id)
	if !ok || !r.Enabled {
		return
	}

	now := b.clock.Now()
	if !r.Schedule.Recurring {
		// One-shot routines disarm themselves after the window closes.
		if _, err := b.store.ToggleRoutine(id); err != nil {
			b.logger.Error("failed to disable one-shot routine",
				zap.String("routine", id), zap.Error(err))
		}
		b.CancelRoutine(id)
		return
	}

	if next := schedule.NextEnd(r.Schedule, now); next != nil {
		rid := id
		if err := b.timers.ScheduleAt(timerKey(rid, purposeDeactivate), *next, func() {
			b.handleDeactivation(rid)
		}); err != nil {
			b.logger.Error("failed to re-register deactivation timer",
				zap.String("routine", rid), zap.Error(err))
		}
	}
}

// ScheduleAll re-derives every timer from the persisted routine list
// and reconciles session state. Called on boot, after package
// replacement, and by the periodic safety net; idempotent.
func (b *Bridge) ScheduleAll() {
	now := b.clock.Now()
	b.store.PruneStaleSessions(now)

	for _, r := range b.store.Routines() {
		if !r.Enabled {
			b.CancelRoutine(r.ID)
			continue
		}

		// A window already in progress gets its session recreated with
		// the true window start, so usage accounting is not shifted by
		// however long the device was off.
		if active, windowStart := schedule.IsActiveNow(r.Schedule, now); active {
			if _, exists := b.store.SessionFor(r.ID); !exists {
				if err := b.store.StartSession(r, windowStart); err != nil {
					b.logger.Error("failed to restore session",
						zap.String("routine", r.ID), zap.Error(err))
				}
			}
		}

		b.ScheduleRoutine(r)
	}

	b.restoreFocus(now)
	metrics.ActiveSessions.Set(float64(len(b.store.Sessions())))
}

// StartFocus enables focus mode for d. A non-positive duration starts
// an open-ended session cleared only by StopFocus.
func (b *Bridge) StartFocus(d time.Duration) error {
	now := b.clock.Now()
	state := domain.FocusState{Enabled: true}
	if d > 0 {
		state.EndTime = now.Add(d)
	}
	if err := b.store.SetFocus(state); err != nil {
		return err
	}
	if !state.EndTime.IsZero() {
		b.scheduleFocusEnd(state.EndTime)
	}
	b.logger.Info("focus mode started", zap.Duration("duration", d))
	return nil
}

// StopFocus clears focus mode and its countdown timer.
func (b *Bridge) StopFocus() error {
	b.timers.Cancel(focusEndKey)
	if err := b.store.SetFocus(domain.FocusState{}); err != nil {
		return err
	}
	b.logger.Info("focus mode stopped")
	return nil
}

// restoreFocus re-arms the countdown for an in-progress focus session,
// or clears one that expired while the process was down.
func (b *Bridge) restoreFocus(now time.Time) {
	f := b.store.Focus()
	if !f.Enabled {
		return
	}
	if f.EndTime.IsZero() {
		return
	}
	if !now.Before(f.EndTime) {
		b.endFocus()
		return
	}
	b.scheduleFocusEnd(f.EndTime)
}

func (b *Bridge) scheduleFocusEnd(end time.Time) {
	if err := b.timers.ScheduleAt(focusEndKey, end, b.endFocus); err != nil {
		b.logger.Error("failed to schedule focus end", zap.Error(err))
	}
}

func (b *Bridge) endFocus() {
	if err := b.store.SetFocus(domain.FocusState{}); err != nil {
		b.logger.Error("failed to clear focus mode", zap.Error(err))
		return
	}
	if b.notifier != nil {
		b.notifier.Post(domain.Notice{
			Kind:     domain.NoticeFocusEnded,
			DedupKey: "focus-ended",
		})
	}
	b.logger.Info("focus mode ended")
}
