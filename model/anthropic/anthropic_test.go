package anthropic

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/model"
)

func TestBuildMessages_GroupsToolResults(t *testing.T) {
	turns := []core.Turn{
		{Role: core.RoleUser, Content: "research"},
		{Role: core.RoleModel, ToolCalls: []core.ToolCall{
			{ID: "a", Name: "search_web", Arguments: []byte(`{"query":"x"}`)},
			{ID: "b", Name: "summarize_research", Arguments: []byte(`{}`)},
		}},
		{Role: core.RoleTool, Result: &core.ToolResult{CallID: "a", Payload: "r1"}},
		{Role: core.RoleTool, Result: &core.ToolResult{CallID: "b", Error: &core.ErrorRecord{Kind: core.KindValidation, Message: "bad"}}},
		{Role: core.RoleModel, Content: "done"},
	}

	msgs := buildMessages(turns)
	require.Len(t, msgs, 4)
	assert.Len(t, msgs[2].Content, 2)
}

func TestBuildTools(t *testing.T) {
	tools := buildTools([]model.ToolDefinition{{
		Name:        "search_web",
		Description: "search",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"query": map[string]any{"type": "string"}},
			"required":   []string{"query"},
		},
	}})

	require.Len(t, tools, 1)
	require.NotNil(t, tools[0].OfTool)
	assert.Equal(t, "search_web", tools[0].OfTool.Name)
	assert.Equal(t, []string{"query"}, tools[0].OfTool.InputSchema.Required)
}

func TestGenerate_ClassifiesOverload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
	}))
	defer srv.Close()

	m := NewModel(func(o *Options) {
		o.APIKey = "test"
		o.BaseURL = srv.URL
	})

	_, err := model.Collect(context.Background(), m, model.Request{Turns: []core.Turn{{Role: core.RoleUser, Content: "hi"}}}, nil)
	assert.Equal(t, core.KindProviderUnavailable, core.KindOf(err))
	assert.Equal(t, "anthropic", m.Info().Provider)
}
