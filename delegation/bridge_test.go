package delegation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmail/core"
)

type draftPayload struct{ id string }

func (d draftPayload) ArtifactID() string { return d.id }

func collect(s *core.Stream) func() []core.Event {
	done := make(chan []core.Event)

	go func() {
		var evs []core.Event
		for ev := range s.Events() {
			evs = append(evs, ev)
		}
		done <- evs
	}()

	return func() []core.Event {
		s.Finish(core.NewDoneEvent(""))
		return <-done
	}
}

func delegateCall(args string) core.ToolCall {
	return core.ToolCall{ID: "call-1", Name: DefaultToolName, Arguments: json.RawMessage(args)}
}

func TestBridge_Success(t *testing.T) {
	stream := core.NewStream()
	wait := collect(stream)
	em := stream.Scope("parent", "research", 0)

	var seen Nested

	runner := RunnerFunc(func(ctx context.Context, n Nested) (string, error) {
		seen = n

		require.NoError(t, n.Conversation.Append(core.Turn{Role: core.RoleUser, Content: n.Input}))
		require.NoError(t, n.Conversation.Append(core.Turn{Role: core.RoleModel, ToolCalls: []core.ToolCall{{ID: "d1", Name: "create_email_draft"}}}))
		require.NoError(t, n.Conversation.Append(core.Turn{Role: core.RoleTool, Result: &core.ToolResult{CallID: "d1", Payload: draftPayload{id: "draft-42"}}}))

		return "Draft created.", n.Emitter.Emit(ctx, core.NewDeltaEvent("Draft created."))
	})

	res := NewBridge().Delegate(context.Background(), Request{
		Call:         delegateCall(`{"instruction":"Write to Alice","recipients":["alice@example.com"],"subject":"Energy","research_summary":"Solar grew."}`),
		Dependencies: core.ResearchDependencies{SearchAPIKey: "tvly-secret", MailTokenPath: "token.json", SessionID: "s1"},
		Emitter:      em,
		Target:       "email",
		Runner:       runner,
	})

	require.True(t, res.OK(), res.Content())

	payload := res.Payload.(Result)
	assert.Equal(t, "Draft created.", payload.Response)
	assert.Equal(t, []string{"draft-42"}, payload.Artifacts)

	deps := seen.Conversation.Dependencies().(core.EmailDependencies)
	assert.Equal(t, "token.json", deps.MailTokenPath)
	assert.Equal(t, "s1", deps.SessionID)
	assert.Contains(t, seen.Input, "Recipients: alice@example.com")
	assert.Contains(t, seen.Input, "Research Summary:\nSolar grew.")
	assert.Equal(t, 8, seen.Limiter.Remaining())

	evs := wait()
	require.Len(t, evs, 4)
	assert.Equal(t, core.EventDelegationStarted, evs[0].Type)
	assert.Equal(t, 0, evs[0].Depth)
	assert.Equal(t, core.EventTurnDelta, evs[1].Type)
	assert.Equal(t, 1, evs[1].Depth)
	assert.Equal(t, seen.Conversation.ID(), evs[1].ConversationID)
	assert.Equal(t, core.EventDelegationFinished, evs[2].Type)
	assert.Equal(t, []string{"draft-42"}, evs[2].Delegation.Artifacts)
}

func TestBridge_NestedFailure(t *testing.T) {
	stream := core.NewStream()
	wait := collect(stream)

	runner := RunnerFunc(func(context.Context, Nested) (string, error) {
		return "", core.Errorf(core.KindAuthExpired, "mail credential is absent")
	})

	res := NewBridge().Delegate(context.Background(), Request{
		Call:         delegateCall(`{"instruction":"Write"}`),
		Dependencies: core.ResearchDependencies{},
		Emitter:      stream.Scope("parent", "research", 0),
		Target:       "email",
		Runner:       runner,
	})

	require.False(t, res.OK())
	assert.Equal(t, core.KindDelegationFailed, res.Error.Kind)
	assert.Equal(t, "delegation failed: mail credential is absent", res.Error.Message)

	evs := wait()
	require.Len(t, evs, 3)
	assert.Equal(t, core.EventDelegationFinished, evs[1].Type)
	assert.Equal(t, core.KindDelegationFailed, evs[1].Delegation.Error.Kind)
}

func TestBridge_FatalNestedToolFailure(t *testing.T) {
	runner := RunnerFunc(func(_ context.Context, n Nested) (string, error) {
		require.NoError(t, n.Conversation.Append(core.Turn{Role: core.RoleModel, ToolCalls: []core.ToolCall{{ID: "d1", Name: "create_email_draft"}}}))
		require.NoError(t, n.Conversation.Append(core.Turn{Role: core.RoleTool, Result: &core.ToolResult{
			CallID: "d1",
			Error:  &core.ErrorRecord{Kind: core.KindAuthExpired, Message: "mail credentials are missing"},
		}}))

		return "I could not create the draft.", nil
	})

	res := NewBridge().Delegate(context.Background(), Request{
		Call:         delegateCall(`{"instruction":"Write"}`),
		Dependencies: core.ResearchDependencies{},
		Target:       "email",
		Runner:       runner,
	})

	require.False(t, res.OK())
	assert.Equal(t, core.KindDelegationFailed, res.Error.Kind)
	assert.Equal(t, "delegation failed: mail credentials are missing", res.Error.Message)
}

func TestBridge_Rejections(t *testing.T) {
	runner := RunnerFunc(func(context.Context, Nested) (string, error) {
		t.Fatal("runner must not be called")
		return "", nil
	})

	t.Run("invalid arguments", func(t *testing.T) {
		res := NewBridge().Delegate(context.Background(), Request{Call: delegateCall(`{}`), Dependencies: core.ResearchDependencies{}, Runner: runner})
		assert.Equal(t, core.KindValidation, res.Error.Kind)
	})

	t.Run("depth", func(t *testing.T) {
		stream := core.NewStream()
		wait := collect(stream)

		res := NewBridge().Delegate(context.Background(), Request{
			Call:         delegateCall(`{"instruction":"x"}`),
			Dependencies: core.ResearchDependencies{},
			Emitter:      stream.Scope("c", "email", 1),
			Runner:       runner,
		})
		assert.Equal(t, core.KindDelegationFailed, res.Error.Kind)
		assert.Len(t, wait(), 1)
	})

	t.Run("wrong dependencies", func(t *testing.T) {
		res := NewBridge().Delegate(context.Background(), Request{Call: delegateCall(`{"instruction":"x"}`), Dependencies: core.EmailDependencies{}, Runner: runner})
		assert.Equal(t, core.KindDelegationFailed, res.Error.Kind)
	})
}

func TestBridge_Cancelled(t *testing.T) {
	stream := core.NewStream()
	wait := collect(stream)

	ctx, cancel := context.WithCancel(context.Background())

	runner := RunnerFunc(func(ctx context.Context, _ Nested) (string, error) {
		cancel()
		return "", ctx.Err()
	})

	res := NewBridge().Delegate(ctx, Request{
		Call:         delegateCall(`{"instruction":"x"}`),
		Dependencies: core.ResearchDependencies{},
		Emitter:      stream.Scope("parent", "research", 0),
		Target:       "email",
		Runner:       runner,
	})

	assert.Equal(t, core.KindCancelled, res.Error.Kind)

	evs := wait()
	require.Len(t, evs, 3)
	assert.Equal(t, core.EventDelegationFinished, evs[1].Type)
}

// The search key never reaches the nested conversation, its input, its
// events or the delegation result.
func TestBridge_NeverLeaksSearchKey(t *testing.T) {
	property := func(key, instruction, token string) bool {
		if len(strings.TrimSpace(key)) < 4 || strings.Contains(instruction, key) || strings.Contains(token, key) {
			return true
		}

		if strings.TrimSpace(instruction) == "" {
			instruction = "draft"
		}

		stream := core.NewStream()
		wait := collect(stream)

		var nested Nested

		args, _ := json.Marshal(map[string]any{"instruction": instruction})

		res := NewBridge().Delegate(context.Background(), Request{
			Call:         delegateCall(string(args)),
			Dependencies: core.ResearchDependencies{SearchAPIKey: core.Secret(key), MailTokenPath: token},
			Emitter:      stream.Scope("parent", "research", 0),
			Target:       "email",
			Runner: RunnerFunc(func(_ context.Context, n Nested) (string, error) {
				nested = n
				return "ok", nil
			}),
		})

		dump := fmt.Sprintf("%#v %s %s", nested.Conversation.Dependencies(), nested.Input, res.Content())

		b, _ := json.Marshal(wait())
		dump += string(b)

		return !strings.Contains(dump, key)
	}

	require.NoError(t, quick.Check(property, &quick.Config{MaxCount: 200}))
}

func TestEmailDependenciesFrom(t *testing.T) {
	d := EmailDependenciesFrom(core.ResearchDependencies{SearchAPIKey: "k", MailCredentialsPath: "c", MailTokenPath: "t", SessionID: "s"})
	assert.Equal(t, core.EmailDependencies{MailCredentialsPath: "c", MailTokenPath: "t", SessionID: "s"}, d)
}

func TestSpec(t *testing.T) {
	s := Spec(DefaultToolName, "hand off drafting")
	assert.Equal(t, DefaultToolName, s.Name)
	assert.Nil(t, s.Tool)
	assert.Contains(t, s.Parameters["required"], "instruction")
}
