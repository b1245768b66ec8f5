package infra

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routined/routined/internal/domain"
)

func TestEventLog_RangeQuery(t *testing.T) {
	log := NewEventLog()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.Local)

	log.Append(domain.Event{Package: "com.chat", Kind: domain.EventResumed, Time: base})
	log.Append(domain.Event{Package: "com.chat", Kind: domain.EventPaused, Time: base.Add(10 * time.Minute)})
	log.Append(domain.Event{Package: "com.mail", Kind: domain.EventResumed, Time: base.Add(2 * time.Hour)})

	events, err := log.Events(context.Background(), base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "com.chat", events[0].Package)
	assert.Equal(t, "com.chat", events[1].Package)
}

func TestEventLog_RangeBoundsInclusive(t *testing.T) {
	log := NewEventLog()
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.Local)

	log.Append(domain.Event{Package: "a", Time: base})
	log.Append(domain.Event{Package: "b", Time: base.Add(time.Hour)})

	events, err := log.Events(context.Background(), base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEventLog_EmptyRange(t *testing.T) {
	log := NewEventLog()
	events, err := log.Events(context.Background(), time.Now(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventLog_CancelledContext(t *testing.T) {
	log := NewEventLog()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := log.Events(ctx, time.Now(), time.Now())
	assert.Error(t, err)
}

func TestEventLog_CapacityBound(t *testing.T) {
	log := NewEventLog()
	log.capacity = 3
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.Local)

	for i := 0; i < 5; i++ {
		log.Append(domain.Event{Package: "a", Time: base.Add(time.Duration(i) * time.Minute)})
	}

	events, err := log.Events(context.Background(), base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Oldest two were dropped.
	assert.Equal(t, base.Add(2*time.Minute), events[0].Time)
}
