package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStream_SequenceAcrossNestedScopes(t *testing.T) {
	var observed []Event
	s := NewStream(func(o *StreamOptions) {
		o.Buffer = 16
		o.Observers = append(o.Observers, func(ev Event) { observed = append(observed, ev) })
	})

	ctx := context.Background()
	root := s.Scope("parent", "research_agent", 0)
	nested := root.Nested("child", "email_agent")

	require.NoError(t, root.Emit(ctx, NewDeltaEvent("a")))
	require.NoError(t, nested.Emit(ctx, NewDeltaEvent("b")))
	require.NoError(t, root.Emit(ctx, NewDeltaEvent("c")))
	s.Finish(NewDoneEvent("ok"))

	events := drain(s.Events())
	require.Len(t, events, 4)

	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.False(t, ev.Timestamp.IsZero())
	}

	assert.Equal(t, "child", events[1].ConversationID)
	assert.Equal(t, 1, events[1].Depth)
	assert.Equal(t, "email_agent", events[1].Agent)
	assert.Equal(t, EventDone, events[3].Type)
	assert.Len(t, observed, 4)
}

func TestStream_TerminalOnlyOnce(t *testing.T) {
	s := NewStream()
	ctx := context.Background()
	e := s.Scope("c", "a", 0)

	assert.Error(t, e.Emit(ctx, NewDoneEvent("x")))

	s.Finish(NewDoneEvent("first"))
	s.Finish(NewErrorEvent(Errorf(KindInternal, "second")))
	assert.Error(t, e.Emit(ctx, NewDeltaEvent("late")))

	events := drain(s.Events())
	require.Len(t, events, 1)
	assert.Equal(t, "first", events[0].Answer)
}

func TestStream_CancelledEmitLeavesNoGap(t *testing.T) {
	s := NewStream(func(o *StreamOptions) { o.Buffer = 1 })
	e := s.Scope("c", "a", 0)

	require.NoError(t, e.Emit(context.Background(), NewDeltaEvent("1")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Emit(ctx, NewDeltaEvent("2"))
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Equal(t, uint64(1), s.Seq())

	go s.Finish(NewErrorEvent(err))

	events := drain(s.Events())
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, KindCancelled, events[1].Error.Kind)
}

func TestStream_FinishGivesUpOnAbandonedConsumer(t *testing.T) {
	s := NewStream(func(o *StreamOptions) {
		o.Buffer = 0
		o.Grace = 10 * time.Millisecond
	})

	done := make(chan struct{})
	go func() {
		s.Finish(NewDoneEvent("nobody listens"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Finish blocked on an abandoned consumer")
	}

	_, ok := <-s.Events()
	assert.False(t, ok)
}

func TestEmitter_NilIsNoop(t *testing.T) {
	var e *Emitter
	assert.NoError(t, e.Emit(context.Background(), NewDeltaEvent("x")))
	assert.Nil(t, e.Nested("c", "a"))
	assert.Equal(t, 0, e.Depth())
}
