// Package schedule converts routine schedules into concrete activation
// windows and trigger instants. All functions are pure: given the same
// schedule and instant they return the same answer.
package schedule

import (
	"time"

	"github.com/routined/routined/internal/domain"
)

// fullDay is the staleness fallback when a schedule has no usable
// endpoints.
const fullDay = 24 * time.Hour

// at anchors a wall-clock time on the calendar day of day, in day's
// location.
func at(day time.Time, c domain.ClockTime) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

// windowEnd derives the end instant paired with a window starting at
// start. An end time-of-day earlier than the start's wraps past
// midnight onto the next calendar day.
func windowEnd(start time.Time, s domain.Schedule) time.Time {
	end := at(start, *s.End)
	if s.End.Minutes() < s.Start.Minutes() {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// IsActiveNow reports whether now falls inside an activation window of
// s, and if so returns that window's start instant. The start instant
// is what a session's StartTime must be set to, so usage accounting
// begins at window start rather than at query time.
//
// MANUAL schedules are never active by this function; their activation
// is explicit only.
func IsActiveNow(s domain.Schedule, now time.Time) (bool, time.Time) {
	if s.Type == domain.ScheduleManual || s.Start == nil || s.End == nil {
		return false, time.Time{}
	}
	if s.Type == domain.ScheduleWeekly && len(s.DaysOfWeek) == 0 {
		return false, time.Time{}
	}

	// Two candidates: a window starting today, and one starting
	// yesterday that may still be in progress if it wraps overnight.
	for _, dayOffset := range []int{0, -1} {
		day := now.AddDate(0, 0, dayOffset)
		if !s.OnDay(day.Weekday()) {
			continue
		}
		start := at(day, *s.Start)
		end := windowEnd(start, s)
		if !now.Before(start) && now.Before(end) {
			return true, start
		}
	}
	return false, time.Time{}
}

// WindowEndFor returns the end instant of the window that starts at
// start. Callers pass the start instant obtained from IsActiveNow.
func WindowEndFor(s domain.Schedule, start time.Time) time.Time {
	if s.Start == nil || s.End == nil {
		return start.Add(fullDay)
	}
	return windowEnd(start, s)
}

// NextStart returns the next instant strictly after now at which s
// opens a window, or nil when s is not schedulable (MANUAL, missing
// times, or WEEKLY with an empty day set).
func NextStart(s domain.Schedule, now time.Time) *time.Time {
	return nextTrigger(s, now, true)
}

// NextEnd returns the next instant strictly after now at which a window
// of s closes, or nil when s is not schedulable.
func NextEnd(s domain.Schedule, now time.Time) *time.Time {
	return nextTrigger(s, now, false)
}

func nextTrigger(s domain.Schedule, now time.Time, wantStart bool) *time.Time {
	if s.Type == domain.ScheduleManual || s.Start == nil || s.End == nil {
		return nil
	}

	switch s.Type {
	case domain.ScheduleDaily:
		c := *s.End
		if wantStart {
			c = *s.Start
		}
		t := at(now, c)
		if !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return &t

	case domain.ScheduleWeekly:
		if len(s.DaysOfWeek) == 0 {
			return nil
		}
		// An overnight end belongs to a window that started the
		// previous day, so the end candidate lands one day after a
		// scheduled start day.
		endOffset := 0
		if s.End.Minutes() < s.Start.Minutes() {
			endOffset = 1
		}
		for i := 0; i < 7; i++ {
			day := now.AddDate(0, 0, i)
			var t time.Time
			if wantStart {
				if !s.OnDay(day.Weekday()) {
					continue
				}
				t = at(day, *s.Start)
			} else {
				startDay := day.AddDate(0, 0, -endOffset)
				if !s.OnDay(startDay.Weekday()) {
					continue
				}
				t = at(day, *s.End)
			}
			if t.After(now) {
				return &t
			}
		}
		// Bounded-scan fallback; callers treat an empty day set as
		// unschedulable before reaching here.
		t := now.AddDate(0, 0, 7)
		return &t
	}
	return nil
}

// MaxWindowDuration returns an upper bound on how long any single
// window of s can last. Used as a staleness bound for session expiry
// after missed deactivation alarms, never for usage accounting.
func MaxWindowDuration(s domain.Schedule) time.Duration {
	if s.Start == nil || s.End == nil {
		return fullDay
	}
	diff := s.End.Minutes() - s.Start.Minutes()
	if diff <= 0 {
		diff = (24*60 - s.Start.Minutes()) + s.End.Minutes()
	}
	return time.Duration(diff) * time.Minute
}
