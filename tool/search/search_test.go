package search

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmail/core"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(func(o *Options) {
		o.BaseURL = srv.URL
		o.HTTPClient = srv.Client()
	})
}

func TestClient_Search(t *testing.T) {
	var got searchRequest

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"answer": "Solar leads growth.",
			"results": [
				{"title": "IEA report", "url": "https://iea.org/r", "content": "Renewables grew 50%"},
				{"title": "Wind", "url": "https://wind.org", "content": "Offshore wind"}
			]
		}`))
	})

	results, err := c.Search(context.Background(), core.Secret("tvly-key"), Query{Text: "  <renewable> energy\"  ", MaxResults: 99, IncludeAnswer: true})
	require.NoError(t, err)

	assert.Equal(t, "tvly-key", got.APIKey)
	assert.Equal(t, "renewable energy", got.Query)
	assert.Equal(t, 20, got.MaxResults)
	assert.Equal(t, DepthBasic, got.SearchDepth)

	require.Len(t, results, 3)
	assert.Equal(t, "IEA report", results[0].Title)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.InDelta(t, 0.95, results[1].Score, 1e-9)
	assert.Equal(t, AISummaryTitle, results[2].Title)
	assert.Equal(t, "Solar leads growth.", results[2].Content)
}

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		header map[string]string
		kind   core.ErrorKind
		after  time.Duration
	}{
		{name: "rate limited", status: 429, header: map[string]string{"Retry-After": "7"}, kind: core.KindRateLimited, after: 7 * time.Second},
		{name: "server error", status: 503, kind: core.KindTransient},
		{name: "unauthorized", status: 401, kind: core.KindInternal},
		{name: "bad request", status: 400, kind: core.KindInternal},
		{name: "malformed", status: 200, body: `{"results": `, kind: core.KindTransient},
		{name: "results not array", status: 200, body: `{"results": 5}`, kind: core.KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Search(context.Background(), core.Secret("k"), Query{Text: "q"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, core.KindOf(err))
			assert.Equal(t, tt.after, core.RetryAfterOf(err))
		})
	}
}

func TestClient_RejectsBeforeRequest(t *testing.T) {
	var hits atomic.Int32

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"results": []}`))
	})

	_, err := c.Search(context.Background(), "", Query{Text: "q"})
	assert.Equal(t, core.KindInternal, core.KindOf(err))

	_, err = c.Search(context.Background(), "k", Query{Text: `<>"'\`})
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	assert.EqualValues(t, 0, hits.Load())
}

func TestClient_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"results": []}`))
	}))
	defer srv.Close()

	c := NewClient(func(o *Options) {
		o.BaseURL = srv.URL
		o.RequestsPerMinute = 2
	})

	for i := 0; i < 2; i++ {
		_, err := c.Search(context.Background(), "k", Query{Text: "q"})
		require.NoError(t, err)
	}

	_, err := c.Search(context.Background(), "k", Query{Text: "q"})
	require.Error(t, err)
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))
	assert.Greater(t, core.RetryAfterOf(err), time.Duration(0))
}

func TestSanitizeAndClamp(t *testing.T) {
	assert.Equal(t, "hello world", Sanitize("  hello <world>  "))
	assert.Len(t, []rune(Sanitize(strings.Repeat("ä", 600))), MaxQueryLength)

	assert.Equal(t, DefaultMaxResults, ClampMaxResults(0))
	assert.Equal(t, 1, ClampMaxResults(-3))
	assert.Equal(t, 20, ClampMaxResults(50))
	assert.Equal(t, 5, ClampMaxResults(5))
}

type fakeSearcher struct {
	key   core.Secret
	query Query
}

func (f *fakeSearcher) Search(_ context.Context, key core.Secret, q Query) ([]Result, error) {
	f.key, f.query = key, q
	return []Result{{Title: "t", URL: "u", Content: "c", Score: 1}}, nil
}

func TestSearchTool(t *testing.T) {
	fs := &fakeSearcher{}
	st := NewSearchTool(fs)

	tc := core.NewToolContext(context.Background(), core.ToolContextParams{
		CallID:       "c1",
		Dependencies: core.ResearchDependencies{SearchAPIKey: "secret-key"},
	})

	out, err := st.Call(tc, map[string]any{"query": "renewable energy", "max_results": float64(3)})
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, core.Secret("secret-key"), fs.key)
	assert.Equal(t, 3, fs.query.MaxResults)
	assert.True(t, fs.query.IncludeAnswer)

	t.Run("wrong dependencies", func(t *testing.T) {
		tc := core.NewToolContext(context.Background(), core.ToolContextParams{Dependencies: core.EmailDependencies{}})
		_, err := st.Call(tc, map[string]any{"query": "x"})
		assert.Equal(t, core.KindInternal, core.KindOf(err))
	})

	t.Run("invalid depth", func(t *testing.T) {
		_, err := st.Call(tc, map[string]any{"query": "x", "search_depth": "deep"})
		assert.Equal(t, core.KindValidation, core.KindOf(err))
	})
}

func TestSummarize(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		s := Summarize("energy", "", false, nil)
		assert.True(t, strings.HasPrefix(s.Summary, "ERROR"))
	})

	t.Run("empty", func(t *testing.T) {
		s := Summarize("energy", "", true, []any{})
		assert.Equal(t, "No search results provided for summarization.", s.Summary)
	})

	t.Run("single error", func(t *testing.T) {
		s := Summarize("energy", "", true, []any{map[string]any{"error": "boom"}})
		assert.Contains(t, s.Summary, "search error: boom")
	})

	t.Run("findings and sources", func(t *testing.T) {
		var items []any
		for i := 0; i < 12; i++ {
			items = append(items, map[string]any{"title": "T", "url": "https://x", "content": "finding"})
		}
		items = append(items, map[string]any{"error": "skipped"})

		s := Summarize("energy", "solar", true, items)
		assert.Equal(t, 12, s.SourcesCount)
		assert.Len(t, s.KeyPoints, 5)
		assert.Contains(t, s.Summary, "Research Summary: energy")
		assert.Contains(t, s.Summary, "Specific focus areas: solar")
		assert.Equal(t, 10, strings.Count(s.Summary, "- T: https://x"))
	})

	t.Run("tool", func(t *testing.T) {
		out, err := NewSummarizeTool().Call(
			core.NewToolContext(context.Background(), core.ToolContextParams{}),
			map[string]any{"topic": "energy", "search_results": []any{map[string]any{"title": "a", "url": "b", "content": "c"}}},
		)
		require.NoError(t, err)
		assert.Equal(t, 1, out.(Summary).SourcesCount)
	})
}
