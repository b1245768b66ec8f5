// Package usage reconstructs per-package foreground durations from the
// OS transition-event log.
package usage

import (
	"time"

	"github.com/routined/routined/internal/domain"
)

// Accumulate converts a chronological stream of foreground transitions
// within [rangeStart, rangeEnd] into total foreground duration per
// package. A resume that predates the range is clamped to rangeStart; a
// pause past the range is clamped to rangeEnd. Packages still in the
// foreground when the stream ends are credited up to min(rangeEnd, now).
//
// filter, when non-empty, restricts the result to a single package.
// Pure function: identical input yields identical output.
func Accumulate(events []domain.Event, rangeStart, rangeEnd, now time.Time, filter string) map[string]time.Duration {
	totals := make(map[string]time.Duration)
	open := make(map[string]time.Time)

	for _, ev := range events {
		if filter != "" && ev.Package != filter {
			continue
		}
		switch ev.Kind {
		case domain.EventResumed:
			start := ev.Time
			if start.Before(rangeStart) {
				start = rangeStart
			}
			open[ev.Package] = start

		case domain.EventPaused, domain.EventStopped:
			startedAt, ok := open[ev.Package]
			if !ok {
				continue
			}
			end := ev.Time
			if end.After(rangeEnd) {
				end = rangeEnd
			}
			// Non-positive spans come from clock skew or malformed
			// event pairs; drop them rather than subtract.
			if d := end.Sub(startedAt); d > 0 {
				totals[ev.Package] += d
			}
			delete(open, ev.Package)
		}
	}

	// Still-open intervals: foreground when the query window closed.
	creditUntil := rangeEnd
	if now.Before(creditUntil) {
		creditUntil = now
	}
	for pkg, startedAt := range open {
		if d := creditUntil.Sub(startedAt); d > 0 {
			totals[pkg] += d
		}
	}

	return totals
}

// Total returns the foreground duration of a single package over the
// range.
func Total(events []domain.Event, rangeStart, rangeEnd, now time.Time, pkg string) time.Duration {
	return Accumulate(events, rangeStart, rangeEnd, now, pkg)[pkg]
}
