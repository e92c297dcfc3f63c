package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmail/core"
)

// Collect drains events until the channel closes.
func Collect(events <-chan core.Event) []core.Event {
	var out []core.Event
	for ev := range events {
		out = append(out, ev)
	}

	return out
}

// Types returns the event types in order.
func Types(evs []core.Event) []core.EventType {
	out := make([]core.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}

	return out
}

// Terminal returns the last event and fails the test unless it is the only
// terminal one.
func Terminal(t *testing.T, evs []core.Event) core.Event {
	t.Helper()

	require.NotEmpty(t, evs)

	for _, ev := range evs[:len(evs)-1] {
		require.False(t, ev.Type.Terminal(), "terminal event %s before the end", ev.Type)
	}

	last := evs[len(evs)-1]
	require.True(t, last.Type.Terminal(), "stream ended with %s", last.Type)

	return last
}

// AssertWellOrdered checks strictly increasing sequence numbers, a single
// terminal event at the end, and that every started tool call finishes
// before a later call at the same depth starts.
func AssertWellOrdered(t *testing.T, evs []core.Event) {
	t.Helper()

	Terminal(t, evs)

	open := map[int]string{}

	for i, ev := range evs {
		if i > 0 {
			assert.Greater(t, ev.Seq, evs[i-1].Seq)
		}

		switch ev.Type {
		case core.EventToolCallStarted:
			assert.Empty(t, open[ev.Depth], "call %s started while %s is open", ev.ToolCall.ID, open[ev.Depth])
			open[ev.Depth] = ev.ToolCall.ID
		case core.EventToolCallFinished:
			assert.Equal(t, open[ev.Depth], ev.ToolCall.ID)
			delete(open, ev.Depth)
		}
	}

	assert.Empty(t, open)
}
