package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmail/core"
)

func openTest(t *testing.T) *Journal {
	t.Helper()

	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	return j
}

func TestJournal_ObserveRecordsStream(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	require.NoError(t, j.StartRun(ctx, "run-1", "research"))

	stream := core.NewStream(func(o *core.StreamOptions) {
		o.Observers = append(o.Observers, func(ev core.Event) { j.Observe("run-1", ev) })
	})

	go func() {
		for range stream.Events() {
		}
	}()

	em := stream.Scope("run-1", "research", 0)
	call := core.ToolCall{ID: "c1", Name: "search_web", Arguments: []byte(`{"query":"solar"}`)}

	require.NoError(t, em.Emit(ctx, core.NewToolCallStartedEvent(call)))
	require.NoError(t, em.Emit(ctx, core.NewToolCallFinishedEvent(call, core.ToolResult{CallID: "c1", Payload: map[string]any{"n": 2}, Attempts: 1})))
	stream.Finish(core.NewDoneEvent("All done."))

	evs, err := j.Events(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.Equal(t, core.EventToolCallStarted, evs[0].Type)
	assert.Equal(t, "c1", evs[1].Result.CallID)
	assert.Equal(t, "All done.", evs[2].Answer)

	run, err := j.Run(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, run.Status)
	assert.Equal(t, 3, run.Events)
	assert.NotNil(t, run.EndedAt)
	assert.Nil(t, run.Error)
}

func TestJournal_ErrorRun(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	ev := core.NewErrorEvent(core.Errorf(core.KindAllProvidersUnavailable, "all model providers are unavailable"))
	ev.Seq = 1
	ev.Agent = "research"

	require.NoError(t, j.Record(ctx, "run-2", ev))

	run, err := j.Run(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, StatusError, run.Status)
	assert.Equal(t, "research", run.Agent)
	require.NotNil(t, run.Error)
	assert.Equal(t, core.KindAllProvidersUnavailable, run.Error.Kind)

	runs, err := j.Runs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestJournal_UnknownRun(t *testing.T) {
	_, err := openTest(t).Run(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}
