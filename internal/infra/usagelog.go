package infra

import (
	"context"
	"sync"
	"time"

	"github.com/routined/routined/internal/domain"
)

// defaultLogCapacity bounds the in-memory event log. At one transition
// every few seconds this covers several days of history.
const defaultLogCapacity = 100_000

// EventLog is an in-memory usage-stats log fed by the foreground feed.
// It stands in for the OS usage-stats service: the daemon appends every
// observed transition and the policy engine queries arbitrary ranges.
type EventLog struct {
	mu       sync.RWMutex
	events   []domain.Event
	capacity int
}

// NewEventLog creates an empty log.
func NewEventLog() *EventLog {
	return &EventLog{capacity: defaultLogCapacity}
}

// Append records one transition. Oldest events are dropped once the
// capacity is reached.
func (l *EventLog) Append(ev domain.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, ev)
	if len(l.events) > l.capacity {
		l.events = l.events[len(l.events)-l.capacity:]
	}
}

// Events returns the chronological transitions in [start, end].
func (l *EventLog) Events(ctx context.Context, start, end time.Time) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.Event
	for _, ev := range l.events {
		if ev.Time.Before(start) || ev.Time.After(end) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

var _ domain.UsageSource = (*EventLog)(nil)
