package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmail/agent"
	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/internal/testutil"
	"github.com/hupe1980/researchmail/model"
	"github.com/hupe1980/researchmail/provider"
	"github.com/hupe1980/researchmail/tool"
	"github.com/hupe1980/researchmail/tool/mail"
	"github.com/hupe1980/researchmail/tool/search"
)

type fixture struct {
	model    *model.ScriptedModel
	orch     *Orchestrator
	research *agent.Agent
	drafts   *testutil.Drafts
	searcher *testutil.Searcher
}

func newFixture(t *testing.T, creds mail.Credentials, steps ...model.Step) *fixture {
	t.Helper()

	m := model.NewScriptedModel("scripted", steps...)

	sel, err := provider.NewSelector([]provider.Candidate{{Name: "scripted", Model: m}})
	require.NoError(t, err)

	drafts := &testutil.Drafts{}
	searcher := &testutil.Searcher{}

	email, err := agent.NewEmailAgent(agent.EmailServices{Drafts: drafts, Credentials: creds})
	require.NoError(t, err)

	research, err := agent.NewResearchAgent(searcher, email)
	require.NoError(t, err)

	orch := New(sel, func(o *Options) {
		o.Invoker = tool.NewInvoker(func(o *tool.InvokerOptions) {
			o.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
		})
	})

	return &fixture{model: m, orch: orch, research: research, drafts: drafts, searcher: searcher}
}

// runRoot runs the research agent on a fresh conversation and returns the
// answer, the error and every event including the terminal one.
func (f *fixture) runRoot(ctx context.Context, input string) (*core.Conversation, string, error, []core.Event) {
	conv := core.NewConversation(core.ResearchDependencies{SearchAPIKey: "tvly-key", SessionID: "s1"})
	stream := core.NewStream()

	done := make(chan []core.Event)

	go func() {
		var evs []core.Event
		for ev := range stream.Events() {
			evs = append(evs, ev)
		}
		done <- evs
	}()

	answer, err := f.orch.Run(ctx, Invocation{
		Agent:        f.research,
		Conversation: conv,
		Input:        input,
		Emitter:      stream.Scope(conv.ID(), f.research.Name(), 0),
	})

	if err != nil {
		stream.Finish(core.NewErrorEvent(err))
	} else {
		stream.Finish(core.NewDoneEvent(answer))
	}

	return conv, answer, err, <-done
}

const delegateArgs = `{"instruction":"Email the findings","recipients":["ops@example.com"],"subject":"Renewable energy policy","research_summary":"Solar leads."}`

func TestRun_ResearchThenDraft(t *testing.T) {
	f := newFixture(t, testutil.Credentials{},
		model.Call("c1", search.SearchToolName, `{"query":"renewable energy policy"}`),
		model.Call("c2", "delegate_to_email_agent", delegateArgs),
		model.Call("e1", mail.DraftToolName, `{"to":["ops@example.com"],"subject":"Renewable energy policy","body":"Solar leads."}`),
		model.Step{Deltas: []string{"Draft ", "created."}},
		model.Reply("I researched the topic and drafted the email."),
	)

	conv, answer, err, evs := f.runRoot(context.Background(), "Search for renewable energy policy and draft a summary email to ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, "I researched the topic and drafted the email.", answer)

	assert.Equal(t, []core.EventType{
		core.EventToolCallStarted,
		core.EventToolCallFinished,
		core.EventToolCallStarted,
		core.EventDelegationStarted,
		core.EventToolCallStarted,
		core.EventToolCallFinished,
		core.EventTurnDelta,
		core.EventTurnDelta,
		core.EventDelegationFinished,
		core.EventToolCallFinished,
		core.EventTurnDelta,
		core.EventDone,
	}, testutil.Types(evs))

	testutil.AssertWellOrdered(t, evs)

	assert.Equal(t, 1, evs[4].Depth)
	assert.NotEqual(t, conv.ID(), evs[4].ConversationID)
	assert.Equal(t, []string{"draft-1"}, evs[8].Delegation.Artifacts)
	assert.True(t, evs[9].Result.OK())

	require.Len(t, f.drafts.Created(), 1)
	assert.Equal(t, []string{"ops@example.com"}, f.drafts.Created()[0].To)

	results := conv.Results()
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Empty(t, conv.Pending())

	// The nested email agent never sees the search key.
	for _, req := range f.model.Requests()[2:4] {
		for _, turn := range req.Turns {
			assert.NotContains(t, turn.Content, "tvly-key")
		}
	}
}

func TestRun_AbsentMailCredential(t *testing.T) {
	creds := testutil.MissingMailCredentials()

	f := newFixture(t, creds,
		model.Call("c1", "delegate_to_email_agent", delegateArgs),
		model.Call("e1", mail.DraftToolName, `{"to":["ops@example.com"],"subject":"s","body":"b"}`),
		model.Reply("Mail authorization is missing."),
		model.Reply("I could not create the draft because mail access is not authorized."),
	)

	conv, answer, err, evs := f.runRoot(context.Background(), "Draft an email to ops@example.com")
	require.NoError(t, err)
	assert.Contains(t, answer, "not authorized")

	testutil.AssertWellOrdered(t, evs)
	assert.Equal(t, core.EventDone, evs[len(evs)-1].Type)

	var nested *core.ToolResult

	for _, ev := range evs {
		if ev.Type == core.EventToolCallFinished && ev.Depth == 1 {
			nested = ev.Result
		}
	}

	require.NotNil(t, nested)
	assert.Equal(t, core.KindAuthExpired, nested.Error.Kind)

	results := conv.Results()
	require.Len(t, results, 1)
	assert.Equal(t, core.KindDelegationFailed, results[0].Error.Kind)
	assert.Equal(t, "delegation failed: mail credentials are missing, authorize the account first", results[0].Error.Message)
	assert.Empty(t, f.drafts.Created())
}

func TestRun_ToolFailureIsFedBack(t *testing.T) {
	f := newFixture(t, testutil.Credentials{},
		model.Call("c1", "no_such_tool", `{}`),
		model.Reply("That tool does not exist."),
	)

	conv, answer, err, evs := f.runRoot(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "That tool does not exist.", answer)
	testutil.AssertWellOrdered(t, evs)

	results := conv.Results()
	require.Len(t, results, 1)
	assert.Equal(t, core.KindValidation, results[0].Error.Kind)
	assert.Equal(t, 0, results[0].Attempts)

	// The failed result is visible to the model on the next turn.
	reqs := f.model.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Turns[len(reqs[1].Turns)-1]
	assert.Equal(t, core.RoleTool, last.Role)
}

func TestRun_TurnLimit(t *testing.T) {
	steps := make([]model.Step, 0, 5)
	for i := 0; i < 5; i++ {
		steps = append(steps, model.Step{ToolCalls: []core.ToolCall{{Name: search.SummarizeToolName, Arguments: []byte(`{"topic":"x"}`)}}})
	}

	f := newFixture(t, testutil.Credentials{}, steps...)
	f.orch.opts.MaxTurns = 3

	conv, _, err, evs := f.runRoot(context.Background(), "loop")
	require.Error(t, err)
	assert.Equal(t, core.KindTurnLimitExceeded, core.KindOf(err))
	assert.Equal(t, 3, f.model.Calls())
	assert.Equal(t, core.EventError, evs[len(evs)-1].Type)
	assert.Empty(t, conv.Pending())

	// Calls without ids were given unique ones.
	ids := map[string]bool{}
	for _, r := range conv.Results() {
		assert.NotEmpty(t, r.CallID)
		ids[r.CallID] = true
	}
	assert.Len(t, ids, 3)
}

func TestRun_ModelUnavailable(t *testing.T) {
	f := newFixture(t, testutil.Credentials{}, model.Fail(core.Errorf(core.KindProviderUnavailable, "backend down")))

	_, _, err, evs := f.runRoot(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, core.KindAllProvidersUnavailable, core.KindOf(err))
	assert.Equal(t, []core.EventType{core.EventError}, testutil.Types(evs))
}

func TestRun_CancelDuringTool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blocking := tool.NewFunctionTool("wait", "blocks until cancelled", map[string]any{"type": "object"},
		func(tc *core.ToolContext, _ map[string]any) (any, error) {
			cancel()
			<-tc.Context().Done()
			return nil, tc.Context().Err()
		})

	reg, err := tool.NewRegistry(tool.SpecFor(tool.KindSearch, blocking))
	require.NoError(t, err)

	a, err := agent.New("waiter", agent.NewInstructionFromText("wait"), reg)
	require.NoError(t, err)

	m := model.NewScriptedModel("scripted", model.Step{ToolCalls: []core.ToolCall{
		{ID: "w1", Name: "wait"},
		{ID: "w2", Name: "wait"},
	}})

	sel, err := provider.NewSelector([]provider.Candidate{{Name: "scripted", Model: m}})
	require.NoError(t, err)

	conv := core.NewConversation(core.ResearchDependencies{})
	stream := core.NewStream()

	var evs []core.Event

	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range stream.Events() {
			evs = append(evs, ev)
		}
	}()

	_, err = New(sel).Run(ctx, Invocation{Agent: a, Conversation: conv, Input: "go", Emitter: stream.Scope(conv.ID(), "waiter", 0)})
	require.Error(t, err)
	assert.Equal(t, core.KindCancelled, core.KindOf(err))

	stream.Finish(core.NewErrorEvent(err))
	<-done

	assert.Equal(t, []core.EventType{core.EventToolCallStarted, core.EventToolCallFinished, core.EventError}, testutil.Types(evs))
	assert.Equal(t, core.KindCancelled, evs[1].Result.Error.Kind)

	// Both calls are answered; the second one never ran.
	assert.Empty(t, conv.Pending())
	results := conv.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "w2", results[1].CallID)
	assert.Equal(t, core.KindCancelled, results[1].Error.Kind)
}

func TestNormalizeCalls(t *testing.T) {
	calls := normalizeCalls([]core.ToolCall{{ID: "a"}, {ID: ""}, {ID: "a"}})
	require.Len(t, calls, 3)
	assert.Equal(t, "a", calls[0].ID)
	assert.NotEmpty(t, calls[1].ID)
	assert.NotEqual(t, "a", calls[2].ID)
	assert.Nil(t, normalizeCalls(nil))
}
