package cli

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmail"
	"github.com/hupe1980/researchmail/core"
)

func TestInfo_MasksSecrets(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-very-secret")
	t.Setenv("TAVILY_API_KEY", "tvly-very-secret")

	for _, args := range [][]string{{"info"}, {"info", "--json"}} {
		var out bytes.Buffer

		cmd := NewRootCmd("test")
		cmd.SetOut(&out)
		cmd.SetArgs(args)

		require.NoError(t, cmd.Execute())
		assert.NotContains(t, out.String(), "very-secret")
		assert.Contains(t, out.String(), "***")
		assert.Contains(t, out.String(), "gpt-4o")
	}
}

func TestInfo_InvalidConfig(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("TAVILY_API_KEY", "")

	cmd := NewRootCmd("test")
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"info"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_API_KEY is required")
}

func feed(events ...core.Event) <-chan core.Event {
	ch := make(chan core.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)

	return ch
}

func TestRender(t *testing.T) {
	call := core.ToolCall{ID: "c1", Name: "search_web"}

	var out, info bytes.Buffer

	r := &renderer{out: &out, info: &info, verbose: true}
	err := r.render(feed(
		core.NewToolCallStartedEvent(call),
		core.NewToolCallFinishedEvent(call, core.ToolResult{CallID: "c1", Attempts: 1}),
		core.NewDelegationStartedEvent(core.DelegationInfo{Target: "email"}),
		core.Event{Type: core.EventTurnDelta, Delta: "nested", Depth: 1},
		core.NewDelegationFinishedEvent(core.DelegationInfo{Target: "email", Artifacts: []string{"draft-1"}}),
		core.NewDeltaEvent("Hello "),
		core.NewDeltaEvent("there."),
		core.NewDoneEvent("Hello there."),
	))
	require.NoError(t, err)

	assert.Equal(t, "Hello there.\n", out.String())
	assert.Contains(t, info.String(), "→ search_web")
	assert.Contains(t, info.String(), "✓ search_web (1 attempt)")
	assert.Contains(t, info.String(), "email produced draft-1")
}

func TestRender_Error(t *testing.T) {
	var out bytes.Buffer

	r := &renderer{out: &out, info: &out}
	err := r.render(feed(core.NewErrorEvent(core.Errorf(core.KindAllProvidersUnavailable, "all model providers are unavailable"))))

	require.Error(t, err)
	assert.Equal(t, core.KindAllProvidersUnavailable, core.KindOf(err))
	assert.Empty(t, out.String())
}

func TestChatLoop(t *testing.T) {
	in := strings.NewReader("first\nsecond\n/new\nthird\nfails\n/exit\nignored\n")

	var (
		out, info bytes.Buffer
		reqs      []researchmail.Request
	)

	n := 0
	err := chat(in, &out, &info, &runtime{agent: "email"}, func(req researchmail.Request) (string, error) {
		reqs = append(reqs, req)
		n++

		if req.Input == "fails" {
			return "conv-2", errors.New("boom")
		}

		if req.ConversationID != "" {
			return req.ConversationID, nil
		}

		return "conv-" + string(rune('0'+n)), nil
	})
	require.NoError(t, err)

	require.Len(t, reqs, 4)
	assert.Equal(t, "email", reqs[0].Agent)
	assert.Equal(t, "conv-1", reqs[1].ConversationID)
	assert.Empty(t, reqs[1].Agent)
	assert.Empty(t, reqs[2].ConversationID)
	assert.Equal(t, "conv-3", reqs[3].ConversationID)
	assert.Contains(t, info.String(), "error: boom")
}
