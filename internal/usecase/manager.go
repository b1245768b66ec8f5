// Package usecase contains application business logic: the operations
// the UI invokes, each one keeping the persisted routine state and the
// registered timers in agreement.
package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/routined/routined/internal/domain"
	"github.com/routined/routined/internal/schedule"
	"github.com/routined/routined/internal/scheduler"
	"github.com/routined/routined/internal/store"
)

var (
	// ErrInvalidRoutine rejects routines that cannot be scheduled or
	// enforced meaningfully.
	ErrInvalidRoutine = errors.New("invalid routine")

	// ErrNotManual is returned when a manual start is requested for a
	// scheduled routine.
	ErrNotManual = errors.New("routine is not manually controlled")
)

// Manager pairs every store mutation with the matching timer change, so
// no caller can leave a saved routine without timers or a deleted one
// with stale registrations.
type Manager struct {
	store  *store.Store
	bridge *scheduler.Bridge
	clock  schedule.Clock
	logger *zap.Logger
}

// NewManager creates the routine manager.
func NewManager(st *store.Store, bridge *scheduler.Bridge, clock schedule.Clock, logger *zap.Logger) *Manager {
	if clock == nil {
		clock = schedule.RealClock{}
	}
	return &Manager{
		store:  st,
		bridge: bridge,
		clock:  clock,
		logger: logger.With(zap.String("component", "manager")),
	}
}

// SaveRoutine validates and persists a routine, assigns an id to a new
// one, and reconciles its timers. If the routine is enabled and its
// window is open right now, the session starts immediately rather than
// waiting for the next activation alarm.
func (m *Manager) SaveRoutine(r domain.Routine) (domain.Routine, error) {
	if err := validateRoutine(r); err != nil {
		return domain.Routine{}, err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	if err := m.store.SaveRoutine(r); err != nil {
		return domain.Routine{}, err
	}
	m.store.PruneStaleSessions(m.clock.Now())
	m.bridge.ScheduleRoutine(r)
	m.startIfActiveNow(r)

	m.logger.Info("routine saved",
		zap.String("routine", r.ID),
		zap.String("name", r.Name),
		zap.Bool("enabled", r.Enabled))
	return r, nil
}

// DeleteRoutine removes a routine, its session and its timers.
func (m *Manager) DeleteRoutine(id string) error {
	m.bridge.CancelRoutine(id)
	if err := m.store.DeleteRoutine(id); err != nil {
		return err
	}
	m.logger.Info("routine deleted", zap.String("routine", id))
	return nil
}

// ToggleRoutine flips a routine's enabled flag. Enabling registers
// timers and starts the session when the window is already open;
// disabling tears both down.
func (m *Manager) ToggleRoutine(id string) (domain.Routine, error) {
	r, err := m.store.ToggleRoutine(id)
	if err != nil {
		return domain.Routine{}, err
	}
	m.store.PruneStaleSessions(m.clock.Now())

	if r.Enabled {
		m.bridge.ScheduleRoutine(r)
		// Toggling a MANUAL routine on is itself the start signal; a
		// scheduled routine starts only if its window is open.
		if r.Schedule.Type == domain.ScheduleManual {
			if err := m.store.StartSession(r, m.clock.Now()); err != nil {
				m.logger.Error("failed to start session on toggle",
					zap.String("routine", id), zap.Error(err))
			}
		} else {
			m.startIfActiveNow(r)
		}
	} else {
		m.bridge.CancelRoutine(id)
	}
	return r, nil
}

// StartManual begins a session for a MANUAL routine at the current
// instant. The routine is enabled first if it is not already.
func (m *Manager) StartManual(id string) error {
	r, ok := m.store.RoutineByID(id)
	if !ok {
		return fmt.Errorf("routine %s not found", id)
	}
	if r.Schedule.Type != domain.ScheduleManual {
		return ErrNotManual
	}

	if !r.Enabled {
		var err error
		if r, err = m.store.ToggleRoutine(id); err != nil {
			return err
		}
	}
	return m.store.StartSession(r, m.clock.Now())
}

// StopManual ends a MANUAL routine's session.
func (m *Manager) StopManual(id string) error {
	r, ok := m.store.RoutineByID(id)
	if !ok {
		return fmt.Errorf("routine %s not found", id)
	}
	if r.Schedule.Type != domain.ScheduleManual {
		return ErrNotManual
	}
	return m.store.StopSession(id)
}

// StartFocus enables focus mode, optionally with a countdown.
func (m *Manager) StartFocus(d time.Duration) error {
	return m.bridge.StartFocus(d)
}

// StopFocus clears focus mode.
func (m *Manager) StopFocus() error {
	return m.bridge.StopFocus()
}

func (m *Manager) startIfActiveNow(r domain.Routine) {
	if !r.Enabled || r.Schedule.Type == domain.ScheduleManual {
		return
	}
	now := m.clock.Now()
	if active, windowStart := schedule.IsActiveNow(r.Schedule, now); active {
		if err := m.store.StartSession(r, windowStart); err != nil {
			m.logger.Error("failed to start session for open window",
				zap.String("routine", r.ID), zap.Error(err))
		}
	}
}

func validateRoutine(r domain.Routine) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRoutine)
	}
	switch r.Schedule.Type {
	case domain.ScheduleManual:
		// No window fields needed.
	case domain.ScheduleDaily, domain.ScheduleWeekly:
		if r.Schedule.Start == nil || r.Schedule.End == nil {
			return fmt.Errorf("%w: scheduled routines need start and end times", ErrInvalidRoutine)
		}
		if !validClockTime(*r.Schedule.Start) || !validClockTime(*r.Schedule.End) {
			return fmt.Errorf("%w: clock time out of range", ErrInvalidRoutine)
		}
		if r.Schedule.Type == domain.ScheduleWeekly && len(r.Schedule.DaysOfWeek) == 0 {
			return fmt.Errorf("%w: weekly routines need at least one day", ErrInvalidRoutine)
		}
	default:
		return fmt.Errorf("%w: unknown schedule type %q", ErrInvalidRoutine, r.Schedule.Type)
	}

	seenPkgs := make(map[string]bool, len(r.Limits))
	for _, l := range r.Limits {
		if l.Package == "" {
			return fmt.Errorf("%w: app limit without package", ErrInvalidRoutine)
		}
		if l.Limit < 0 {
			return fmt.Errorf("%w: negative limit for %s", ErrInvalidRoutine, l.Package)
		}
		if seenPkgs[l.Package] {
			return fmt.Errorf("%w: duplicate limit for %s", ErrInvalidRoutine, l.Package)
		}
		seenPkgs[l.Package] = true
	}
	seenDomains := make(map[string]bool, len(r.WebsiteLimits))
	for _, l := range r.WebsiteLimits {
		if l.Domain == "" {
			return fmt.Errorf("%w: website limit without domain", ErrInvalidRoutine)
		}
		if l.Limit < 0 {
			return fmt.Errorf("%w: negative limit for %s", ErrInvalidRoutine, l.Domain)
		}
		if seenDomains[l.Domain] {
			return fmt.Errorf("%w: duplicate limit for %s", ErrInvalidRoutine, l.Domain)
		}
		seenDomains[l.Domain] = true
	}
	return nil
}

func validClockTime(ct domain.ClockTime) bool {
	return ct.Hour >= 0 && ct.Hour < 24 && ct.Minute >= 0 && ct.Minute < 60
}
