package v1

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/researchmail"
	"github.com/hupe1980/researchmail/config"
	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/credential"
	"github.com/hupe1980/researchmail/internal/testutil"
	"github.com/hupe1980/researchmail/model"
	"github.com/hupe1980/researchmail/provider"
	"github.com/hupe1980/researchmail/tool/search"
)

func newTestServer(t *testing.T, steps ...model.Step) (*echo.Echo, *researchmail.App) {
	t.Helper()

	cfg := config.Default()
	cfg.LLMAPIKey = "sk-test"
	cfg.TavilyAPIKey = "tvly-key"
	cfg.JournalPath = filepath.Join(t.TempDir(), "journal.db")

	app, err := researchmail.New(cfg, func(o *researchmail.Options) {
		o.Candidates = []provider.Candidate{{Name: "scripted", Model: model.NewScriptedModel("scripted", steps...)}}
		o.Searcher = &testutil.Searcher{}
		o.Drafts = &testutil.Drafts{}
		o.Credentials = credential.NewManager(map[credential.Kind]credential.Source{
			credential.KindMail: {Store: credential.NewMemoryStore(nil)},
		})
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	e := echo.New()
	NewHandler(app).RegisterRoutes(e)

	return e, app
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	return rec
}

// parseSSE decodes "event:"/"data:" frames.
func parseSSE(t *testing.T, body string) []core.Event {
	t.Helper()

	var (
		evs  []core.Event
		name string
	)

	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()

		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var ev core.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			assert.Equal(t, name, string(ev.Type))
			evs = append(evs, ev)
		}
	}

	require.NoError(t, sc.Err())

	return evs
}

func TestChat_StreamsEvents(t *testing.T) {
	e, _ := newTestServer(t,
		model.Call("c1", search.SearchToolName, `{"query":"solar"}`),
		model.Step{Deltas: []string{"Solar ", "leads."}},
	)

	rec := do(e, http.MethodPost, "/v1/chat", `{"input":"solar?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))

	id := rec.Header().Get(ConversationHeader)
	require.NotEmpty(t, id)

	evs := parseSSE(t, rec.Body.String())
	testutil.AssertWellOrdered(t, evs)
	assert.Equal(t, []core.EventType{
		core.EventToolCallStarted,
		core.EventToolCallFinished,
		core.EventTurnDelta,
		core.EventTurnDelta,
		core.EventDone,
	}, testutil.Types(evs))
	assert.Equal(t, "Solar leads.", evs[len(evs)-1].Answer)
	assert.NotContains(t, rec.Body.String(), "tvly-key")

	// The conversation is listed and can be deleted once idle.
	rec = do(e, http.MethodGet, "/v1/conversations", "")
	assert.Contains(t, rec.Body.String(), id)

	rec = do(e, http.MethodDelete, "/v1/conversations/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestChat_Validation(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/v1/chat", `{"input":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodPost, "/v1/chat", `{"agent":"calendar","input":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(core.KindValidation))

	rec = do(e, http.MethodPost, "/v1/chat", `{"conversation_id":"missing","input":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_ErrorEventEndsStream(t *testing.T) {
	e, _ := newTestServer(t, model.Fail(core.Errorf(core.KindProviderUnavailable, "backend down")))

	rec := do(e, http.MethodPost, "/v1/chat", `{"input":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	evs := parseSSE(t, rec.Body.String())
	require.Len(t, evs, 1)
	assert.Equal(t, core.EventError, evs[0].Type)
	assert.Equal(t, core.KindAllProvidersUnavailable, evs[0].Error.Kind)
}

func TestRuns(t *testing.T) {
	e, app := newTestServer(t, model.Reply("hello"))

	_, err := app.Ask(context.Background(), researchmail.Request{Input: "hi"})
	require.NoError(t, err)

	rec := do(e, http.MethodGet, "/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list struct {
		Runs []struct {
			RunID  string `json:"run_id"`
			Status string `json:"status"`
		} `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "done", list.Runs[0].Status)

	rec = do(e, http.MethodGet, "/v1/runs/"+list.Runs[0].RunID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"answer":"hello"`)

	rec = do(e, http.MethodGet, "/v1/runs/missing/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodGet, "/v1/runs?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoints(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodGet, "/v1/providers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"scripted"`)

	rec = do(e, http.MethodGet, "/v1/credentials/mail", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"absent"`)

	rec = do(e, http.MethodPost, "/v1/conversations/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(e, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChat_ClientDisconnectCancelsRun(t *testing.T) {
	e, app := newTestServer(t, model.Step{Text: "slow", Delay: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(`{"input":"hi"}`)).WithContext(ctx)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()

	done := make(chan struct{})

	go func() {
		defer close(done)
		e.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool { return len(app.Conversations()) == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after disconnect")
	}

	evs := parseSSE(t, rec.Body.String())
	require.NotEmpty(t, evs)
	assert.Equal(t, core.KindCancelled, evs[len(evs)-1].Error.Kind)
}
