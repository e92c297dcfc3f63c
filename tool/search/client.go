// Package search provides the Tavily web search client and the search_web and
// summarize_research tools of the research agent.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/internal/util"
	"github.com/hupe1980/researchmail/logging"
)

const (
	// DefaultBaseURL is the Tavily API endpoint.
	DefaultBaseURL = "https://api.tavily.com"

	// MaxQueryLength bounds sanitized queries.
	MaxQueryLength = 500

	// DefaultMaxResults is used when the caller does not ask for a count.
	DefaultMaxResults = 10

	// AISummaryTitle is the title of the pseudo-result carrying Tavily's answer.
	AISummaryTitle = "AI Summary"

	aiSummaryScore = 0.95
	maxBodyBytes   = 4 << 20
)

// Depth selects Tavily's search depth.
type Depth string

const (
	// DepthBasic is the cheaper default depth.
	DepthBasic Depth = "basic"
	// DepthAdvanced runs a deeper search.
	DepthAdvanced Depth = "advanced"
)

// Query describes one search request.
type Query struct {
	Text          string
	MaxResults    int
	Depth         Depth
	IncludeAnswer bool
}

// Result is one search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Searcher runs web searches. *Client implements it.
type Searcher interface {
	Search(ctx context.Context, apiKey core.Secret, q Query) ([]Result, error)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// RequestsPerMinute is the client side rate limit (default 10).
	RequestsPerMinute int
	Logger            logging.Logger
}

// Client is a Tavily API client. It is safe for concurrent use; all callers
// share one rate limiter.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logging.Logger
}

// NewClient creates a Client.
func NewClient(optFns ...func(o *Options)) *Client {
	opts := Options{
		BaseURL:           DefaultBaseURL,
		HTTPClient:        &http.Client{Timeout: 30 * time.Second},
		RequestsPerMinute: 10,
		Logger:            logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 10
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), opts.RequestsPerMinute),
		logger:     opts.Logger,
	}
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   Depth  `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
}

// Search runs q. The query is sanitized and MaxResults clamped to 1..20
// before the request is sent.
func (c *Client) Search(ctx context.Context, apiKey core.Secret, q Query) ([]Result, error) {
	if apiKey.IsZero() {
		return nil, core.Errorf(core.KindInternal, "search API key is not configured")
	}

	text := Sanitize(q.Text)
	if text == "" {
		return nil, core.Errorf(core.KindValidation, "query cannot be empty after sanitization")
	}

	depth := q.Depth
	if depth == "" {
		depth = DepthBasic
	}

	if r := c.limiter.Reserve(); r.Delay() > 0 {
		delay := r.Delay()
		r.Cancel()

		return nil, &core.Error{Kind: core.KindRateLimited, Reason: "search rate limit exceeded", RetryAfter: delay}
	}

	payload, err := json.Marshal(searchRequest{
		APIKey:        apiKey.Reveal(),
		Query:         text,
		MaxResults:    ClampMaxResults(q.MaxResults),
		SearchDepth:   depth,
		IncludeAnswer: q.IncludeAnswer,
	})
	if err != nil {
		return nil, core.NewError(core.KindInternal, "encode search request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, core.NewError(core.KindInternal, "build search request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Info("search.request", "query_length", len(text), "max_results", ClampMaxResults(q.MaxResults))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}

		return nil, core.NewError(core.KindTransient, "search request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, core.NewError(core.KindTransient, "read search response", err)
	}

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	results, err := parseResults(body, q.IncludeAnswer)
	if err != nil {
		return nil, err
	}

	c.logger.Info("search.completed", "results", len(results))

	return results, nil
}

func classifyStatus(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		return &core.Error{
			Kind:       core.KindRateLimited,
			Reason:     "search provider rate limit exceeded",
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return core.Errorf(core.KindInternal, "search API key rejected")
	case code >= 500 || code == http.StatusRequestTimeout:
		return core.Errorf(core.KindTransient, "search provider error %d", code)
	default:
		return core.Errorf(core.KindInternal, "search request rejected with status %d", code)
	}
}

func parseResults(body []byte, includeAnswer bool) ([]Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, core.Errorf(core.KindTransient, "malformed search response")
	}

	doc := gjson.ParseBytes(body)

	raw := doc.Get("results")
	if raw.Exists() && !raw.IsArray() {
		return nil, core.Errorf(core.KindTransient, "malformed search response")
	}

	var results []Result

	for i, item := range raw.Array() {
		results = append(results, Result{
			Title:   item.Get("title").String(),
			URL:     item.Get("url").String(),
			Content: item.Get("content").String(),
			Score:   positionScore(i),
		})
	}

	if answer := doc.Get("answer").String(); includeAnswer && answer != "" {
		results = append(results, Result{Title: AISummaryTitle, Content: answer, Score: aiSummaryScore})
	}

	return results, nil
}

// positionScore decreases relevance by 0.05 per position with a floor of 0.1.
func positionScore(idx int) float64 {
	return max(1.0-float64(idx)*0.05, 0.1)
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}

// Sanitize strips characters that could be used for injection, trims
// whitespace and truncates to MaxQueryLength runes.
func Sanitize(text string) string {
	return util.SanitizeInput(text, MaxQueryLength)
}

// ClampMaxResults bounds n to 1..20; zero selects DefaultMaxResults.
func ClampMaxResults(n int) int {
	if n == 0 {
		return DefaultMaxResults
	}

	return min(max(n, 1), 20)
}
