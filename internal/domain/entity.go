// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// ScheduleType determines how a routine's activation window is derived.
type ScheduleType string

const (
	ScheduleDaily  ScheduleType = "DAILY"
	ScheduleWeekly ScheduleType = "WEEKLY"
	ScheduleManual ScheduleType = "MANUAL"
)

// ClockTime is a wall-clock (hour, minute) pair without a date.
type ClockTime struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Minutes returns the time-of-day as minutes since midnight.
func (c ClockTime) Minutes() int {
	return c.Hour*60 + c.Minute
}

// Schedule describes when a routine's window opens and closes.
// End before Start denotes an overnight window: the end falls on the
// day after the start.
type Schedule struct {
	Type       ScheduleType   `json:"type"`
	Start      *ClockTime     `json:"start,omitempty"`
	End        *ClockTime     `json:"end,omitempty"`
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	Recurring  bool           `json:"recurring"`
}

// OnDay reports whether the schedule's day set includes d.
// DAILY schedules match every day.
func (s Schedule) OnDay(d time.Weekday) bool {
	if s.Type != ScheduleWeekly {
		return true
	}
	for _, day := range s.DaysOfWeek {
		if day == d {
			return true
		}
	}
	return false
}

// AppLimit pairs a package name with its usage allowance.
type AppLimit struct {
	Package string        `json:"package"`
	Limit   time.Duration `json:"limit"`
}

// WebsiteLimit pairs a domain with its usage allowance. A zero limit
// means the domain is blocked outright.
type WebsiteLimit struct {
	Domain string        `json:"domain"`
	Limit  time.Duration `json:"limit"`
}

// Routine is a user-defined, optionally recurring schedule that
// activates a set of app and website usage limits.
type Routine struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Enabled       bool           `json:"enabled"`
	Schedule      Schedule       `json:"schedule"`
	Limits        []AppLimit     `json:"limits"`
	WebsiteLimits []WebsiteLimit `json:"website_limits"`
}

// LimitFor returns the routine's limit for pkg, if any.
func (r Routine) LimitFor(pkg string) (time.Duration, bool) {
	for _, l := range r.Limits {
		if l.Package == pkg {
			return l.Limit, true
		}
	}
	return 0, false
}

// Session is one concrete activation of a routine. Limits are a snapshot
// taken at session start, decoupled from later routine edits unless the
// store refreshes them on save.
type Session struct {
	RoutineID     string                   `json:"routine_id"`
	StartTime     time.Time                `json:"start_time"`
	Limits        map[string]time.Duration `json:"limits"`
	WebsiteLimits map[string]time.Duration `json:"website_limits"`
}

// Age returns how long the session has been running at now.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// EventKind is a foreground-activity transition type.
type EventKind int

const (
	EventResumed EventKind = iota
	EventPaused
	EventStopped
)

// Event is one foreground-activity transition reported by the OS
// usage-stats collaborator.
type Event struct {
	Package string
	Kind    EventKind
	Time    time.Time
}

// Verdict is the policy engine's answer for a foreground switch.
type Verdict string

const (
	VerdictAllow Verdict = "ALLOW"
	VerdictBlock Verdict = "BLOCK"
)

// Reason explains a block verdict. It only affects notification text;
// the block action is identical regardless of reason.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonFocusMode    Reason = "FOCUS_MODE"
	ReasonRoutineLimit Reason = "ROUTINE_LIMIT"
	ReasonDailyLimit   Reason = "DAILY_LIMIT"
)

// NoticeKind identifies the template of a notification intent.
type NoticeKind string

const (
	NoticeBlocked            NoticeKind = "blocked"
	NoticeReminder           NoticeKind = "reminder"
	NoticeRoutineActivated   NoticeKind = "routine_activated"
	NoticeRoutineDeactivated NoticeKind = "routine_deactivated"
	NoticeFocusEnded         NoticeKind = "focus_ended"
)

// Notice is a notification intent produced by the engine. The engine
// never posts notifications itself; delivery is the collaborator's job.
type Notice struct {
	Kind     NoticeKind
	Package  string
	Routine  string
	DedupKey string
	Used     time.Duration
	Limit    time.Duration
}

// Decision is the full outcome of one policy evaluation.
type Decision struct {
	Verdict Verdict
	Reason  Reason
	Notices []Notice
}

// Blocked reports whether the decision requires the home-redirect action.
func (d Decision) Blocked() bool {
	return d.Verdict == VerdictBlock
}

// FocusState is the persisted state of the standalone focus mode.
type FocusState struct {
	Enabled bool      `json:"enabled"`
	EndTime time.Time `json:"end_time"`
}

// Active reports whether focus mode is in force at now. A zero EndTime
// with Enabled set means an open-ended focus session.
func (f FocusState) Active(now time.Time) bool {
	if !f.Enabled {
		return false
	}
	return f.EndTime.IsZero() || now.Before(f.EndTime)
}
