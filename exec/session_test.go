package exec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hsx-systems/hsx/config"
)

// TestSaturatedRingNeverDropsNonDroppableEvents: stopped/break/fault/
// cmd_completed events are never dropped, even once the ring is full of
// other unacknowledged events of the same kind.
func TestSaturatedRingNeverDropsNonDroppableEvents(t *testing.T) {
	cfg := config.Default()
	cfg.Budgets.EventRingSize = 2

	e := New(cfg)
	defer e.Close()

	var delivered []Event
	s, err := e.Attach(func(ev Event) { delivered = append(delivered, ev) })
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		s.emit(Event{Category: CategoryStopped, Body: i})
	}

	assert.Len(t, s.ring, 5, "ring must grow rather than drop unacked never-drop events")
	for i, ev := range s.ring {
		assert.Equal(t, uint64(i), ev.Seq)
		assert.False(t, ev.acked)
	}
	assert.Len(t, delivered, 5)
}

// TestValueChangedRateLimitCoalesces: value_changed events arriving
// faster than minEmitInterval coalesce into the pending entry instead of
// queuing, even though the ring has room.
func TestValueChangedRateLimitCoalesces(t *testing.T) {
	cfg := config.Default()
	e := New(cfg)
	defer e.Close()

	s, err := e.Attach(func(Event) {})
	require.NoError(t, err)

	s.emit(Event{Category: CategoryValueChanged, Body: 1})
	s.emit(Event{Category: CategoryValueChanged, Body: 2})

	require.Len(t, s.ring, 1, "second update within the rate-limit window must coalesce")
	assert.Equal(t, 2, s.ring[0].Body)

	s.lastEmit[CategoryValueChanged] = time.Now().Add(-time.Hour)
	s.emit(Event{Category: CategoryValueChanged, Body: 3})
	assert.Len(t, s.ring, 1, "still coalesces once acked slot isn't the blocker; only one pending entry exists")
	assert.Equal(t, 3, s.ring[0].Body)
}

// TestTraceStepRateLimitDropsWithCounter covers the non-coalescing half of
// the per-category rate limit: trace_step is simply dropped and counted.
func TestTraceStepRateLimitDropsWithCounter(t *testing.T) {
	cfg := config.Default()
	e := New(cfg)
	defer e.Close()

	s, err := e.Attach(func(Event) {})
	require.NoError(t, err)

	s.emit(Event{Category: CategoryTraceStep, Body: 1})
	s.emit(Event{Category: CategoryTraceStep, Body: 2})

	require.Len(t, s.ring, 1)
	assert.Equal(t, uint64(1), s.dropCounts[CategoryTraceStep])
}
