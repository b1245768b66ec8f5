package usecase

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/routined/routined/internal/domain"
	"github.com/routined/routined/internal/schedule"
	"github.com/routined/routined/internal/scheduler"
	"github.com/routined/routined/internal/store"
	"github.com/routined/routined/internal/store/bolt"
)

// recordingTimers implements domain.TimerService without touching wall
// time, so registrations at test-clock instants never fire on their
// own.
type recordingTimers struct {
	scheduled map[string]time.Time
}

func (r *recordingTimers) ScheduleAt(key string, when time.Time, fn func()) error {
	r.scheduled[key] = when
	return nil
}

func (r *recordingTimers) Cancel(key string) { delete(r.scheduled, key) }

func (r *recordingTimers) Stop() { r.scheduled = make(map[string]time.Time) }

func (r *recordingTimers) Pending() int { return len(r.scheduled) }

var _ domain.TimerService = (*recordingTimers)(nil)

var monday9 = time.Date(2025, 6, 2, 9, 0, 0, 0, time.Local)

func newTestManager(t *testing.T) (*Manager, *store.Store, *recordingTimers, *schedule.TestClock) {
	t.Helper()
	kv, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	clock := &schedule.TestClock{CurrentTime: monday9}
	st := store.New(kv, clock, nil, nil, zap.NewNop())
	require.NoError(t, st.Init())

	timers := &recordingTimers{scheduled: make(map[string]time.Time)}
	bridge := scheduler.New(st, timers, clock, nil, zap.NewNop())
	return NewManager(st, bridge, clock, zap.NewNop()), st, timers, clock
}

func scheduledRoutine(name string, startHour, endHour int) domain.Routine {
	return domain.Routine{
		Name:    name,
		Enabled: true,
		Schedule: domain.Schedule{
			Type:      domain.ScheduleDaily,
			Start:     &domain.ClockTime{Hour: startHour},
			End:       &domain.ClockTime{Hour: endHour},
			Recurring: true,
		},
		Limits: []domain.AppLimit{{Package: "com.chat", Limit: 30 * time.Minute}},
	}
}

func TestSaveRoutine_AssignsIDAndRegistersTimers(t *testing.T) {
	m, st, timers, _ := newTestManager(t)

	saved, err := m.SaveRoutine(scheduledRoutine("Work", 10, 17))
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)

	got, ok := st.RoutineByID(saved.ID)
	require.True(t, ok)
	assert.Equal(t, saved, got)
	assert.Equal(t, 2, timers.Pending())
}

func TestSaveRoutine_OpenWindowStartsImmediately(t *testing.T) {
	m, st, _, _ := newTestManager(t)

	// 09:00 falls inside the 08:00-17:00 window.
	saved, err := m.SaveRoutine(scheduledRoutine("Work", 8, 17))
	require.NoError(t, err)

	sess, ok := st.SessionFor(saved.ID)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 6, 2, 8, 0, 0, 0, time.Local), sess.StartTime)
}

func TestSaveRoutine_Validation(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	cases := map[string]domain.Routine{
		"missing name": func() domain.Routine {
			r := scheduledRoutine("", 9, 17)
			return r
		}(),
		"missing window": {
			Name:     "X",
			Schedule: domain.Schedule{Type: domain.ScheduleDaily},
		},
		"bad clock time": {
			Name: "X",
			Schedule: domain.Schedule{
				Type:  domain.ScheduleDaily,
				Start: &domain.ClockTime{Hour: 25},
				End:   &domain.ClockTime{Hour: 17},
			},
		},
		"weekly without days": {
			Name: "X",
			Schedule: domain.Schedule{
				Type:  domain.ScheduleWeekly,
				Start: &domain.ClockTime{Hour: 9},
				End:   &domain.ClockTime{Hour: 17},
			},
		},
		"empty limit package": func() domain.Routine {
			r := scheduledRoutine("X", 9, 17)
			r.Limits = []domain.AppLimit{{Limit: time.Minute}}
			return r
		}(),
		"negative limit": func() domain.Routine {
			r := scheduledRoutine("X", 9, 17)
			r.Limits = []domain.AppLimit{{Package: "com.chat", Limit: -time.Minute}}
			return r
		}(),
		"duplicate limit package": func() domain.Routine {
			r := scheduledRoutine("X", 9, 17)
			r.Limits = []domain.AppLimit{
				{Package: "com.chat", Limit: 30 * time.Minute},
				{Package: "com.chat", Limit: 10 * time.Minute},
			}
			return r
		}(),
		"duplicate website domain": func() domain.Routine {
			r := scheduledRoutine("X", 9, 17)
			r.WebsiteLimits = []domain.WebsiteLimit{
				{Domain: "youtube.com", Limit: 0},
				{Domain: "youtube.com", Limit: time.Hour},
			}
			return r
		}(),
	}

	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.SaveRoutine(r)
			assert.ErrorIs(t, err, ErrInvalidRoutine)
		})
	}
}

func TestDeleteRoutine_TearsDownTimersAndSession(t *testing.T) {
	m, st, timers, _ := newTestManager(t)

	saved, err := m.SaveRoutine(scheduledRoutine("Work", 8, 17))
	require.NoError(t, err)
	require.Equal(t, 2, timers.Pending())

	require.NoError(t, m.DeleteRoutine(saved.ID))

	_, ok := st.RoutineByID(saved.ID)
	assert.False(t, ok)
	_, ok = st.SessionFor(saved.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, timers.Pending())
}

func TestToggleRoutine_DisableThenEnable(t *testing.T) {
	m, st, timers, _ := newTestManager(t)

	saved, err := m.SaveRoutine(scheduledRoutine("Work", 8, 17))
	require.NoError(t, err)
	_, ok := st.SessionFor(saved.ID)
	require.True(t, ok)

	r, err := m.ToggleRoutine(saved.ID)
	require.NoError(t, err)
	assert.False(t, r.Enabled)
	_, ok = st.SessionFor(saved.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, timers.Pending())

	r, err = m.ToggleRoutine(saved.ID)
	require.NoError(t, err)
	assert.True(t, r.Enabled)
	// Window is still open at 09:00, so the session comes right back.
	_, ok = st.SessionFor(saved.ID)
	assert.True(t, ok)
	assert.Equal(t, 2, timers.Pending())
}

func TestToggleRoutine_ManualOnStartsSession(t *testing.T) {
	m, st, timers, clock := newTestManager(t)

	saved, err := m.SaveRoutine(domain.Routine{
		Name:     "Deep work",
		Enabled:  true,
		Schedule: domain.Schedule{Type: domain.ScheduleManual},
		Limits:   []domain.AppLimit{{Package: "com.chat", Limit: 0}},
	})
	require.NoError(t, err)

	// Toggle off, then on: the on-toggle alone must start the session.
	_, err = m.ToggleRoutine(saved.ID)
	require.NoError(t, err)
	_, ok := st.SessionFor(saved.ID)
	require.False(t, ok)

	clock.CurrentTime = monday9.Add(time.Hour)
	r, err := m.ToggleRoutine(saved.ID)
	require.NoError(t, err)
	assert.True(t, r.Enabled)

	sess, ok := st.SessionFor(saved.ID)
	require.True(t, ok)
	assert.Equal(t, clock.CurrentTime, sess.StartTime)
	// Still no timers: MANUAL routines are session-driven, not alarm-driven.
	assert.Equal(t, 0, timers.Pending())
}

func TestManualRoutine_StartStop(t *testing.T) {
	m, st, timers, clock := newTestManager(t)

	saved, err := m.SaveRoutine(domain.Routine{
		Name:     "Deep work",
		Enabled:  true,
		Schedule: domain.Schedule{Type: domain.ScheduleManual},
		Limits:   []domain.AppLimit{{Package: "com.chat", Limit: 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, timers.Pending())

	require.NoError(t, m.StartManual(saved.ID))
	sess, ok := st.SessionFor(saved.ID)
	require.True(t, ok)
	assert.Equal(t, clock.CurrentTime, sess.StartTime)

	require.NoError(t, m.StopManual(saved.ID))
	_, ok = st.SessionFor(saved.ID)
	assert.False(t, ok)
}

func TestManualStart_EnablesDisabledRoutine(t *testing.T) {
	m, st, _, _ := newTestManager(t)

	saved, err := m.SaveRoutine(domain.Routine{
		Name:     "Deep work",
		Enabled:  false,
		Schedule: domain.Schedule{Type: domain.ScheduleManual},
	})
	require.NoError(t, err)

	require.NoError(t, m.StartManual(saved.ID))

	r, ok := st.RoutineByID(saved.ID)
	require.True(t, ok)
	assert.True(t, r.Enabled)
	_, ok = st.SessionFor(saved.ID)
	assert.True(t, ok)
}

func TestManualStart_RejectsScheduledRoutine(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	saved, err := m.SaveRoutine(scheduledRoutine("Work", 10, 17))
	require.NoError(t, err)

	assert.ErrorIs(t, m.StartManual(saved.ID), ErrNotManual)
	assert.ErrorIs(t, m.StopManual(saved.ID), ErrNotManual)
}

func TestManualStart_UnknownRoutine(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	assert.Error(t, m.StartManual("missing"))
}

func TestFocus_Delegation(t *testing.T) {
	m, st, _, clock := newTestManager(t)

	require.NoError(t, m.StartFocus(25*time.Minute))
	f := st.Focus()
	assert.True(t, f.Enabled)
	assert.Equal(t, clock.CurrentTime.Add(25*time.Minute), f.EndTime)

	require.NoError(t, m.StopFocus())
	assert.False(t, st.Focus().Enabled)
}
