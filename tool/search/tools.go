package search

import (
	"fmt"
	"strings"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/tool"
)

const (
	// SearchToolName is the name the research agent calls search by.
	SearchToolName = "search_web"
	// SummarizeToolName is the name of the summary tool.
	SummarizeToolName = "summarize_research"

	summaryFindings = 5
	summarySources  = 10
)

type searchArgs struct {
	Query      string `json:"query" description:"Search query" minLength:"1"`
	MaxResults int    `json:"max_results,omitempty" description:"Maximum number of results to return (1-20)"`
	Depth      string `json:"search_depth,omitempty" description:"Search depth" enum:"basic,advanced"`
}

// NewSearchTool returns the search_web tool. The API key is read from the
// conversation's ResearchDependencies on every call.
func NewSearchTool(s Searcher) *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		SearchToolName,
		"Search the web using Tavily. Returns a list of results with title, url, content and score.",
		searchArgs{},
		func(tc *core.ToolContext, args map[string]any) (any, error) {
			deps, ok := tc.ResearchDependencies()
			if !ok {
				return nil, core.Errorf(core.KindInternal, "search requires research dependencies")
			}

			q := Query{IncludeAnswer: true}
			q.Text, _ = args["query"].(string)

			if n, ok := args["max_results"].(float64); ok {
				q.MaxResults = ClampMaxResults(int(n))
			}

			if d, ok := args["search_depth"].(string); ok {
				q.Depth = Depth(d)
			}

			tc.LogDebug("search.tool.query", "call_id", tc.CallID(), "attempt", tc.Attempt(), "max_results", q.MaxResults, "depth", q.Depth)

			results, err := s.Search(tc.Context(), deps.SearchAPIKey, q)
			if err != nil {
				return nil, err
			}

			tc.LogInfo("search.tool.results", "call_id", tc.CallID(), "count", len(results))

			if results == nil {
				results = []Result{}
			}

			return results, nil
		},
	)
}

type summarizeArgs struct {
	Topic         string           `json:"topic" description:"Main research topic" minLength:"1"`
	SearchResults []map[string]any `json:"search_results,omitempty" description:"Results returned by search_web"`
	FocusAreas    string           `json:"focus_areas,omitempty" description:"Specific areas to focus on"`
}

// Summary is the payload of summarize_research.
type Summary struct {
	Summary      string   `json:"summary"`
	Topic        string   `json:"topic,omitempty"`
	SourcesCount int      `json:"sources_count"`
	KeyPoints    []string `json:"key_points"`
}

// NewSummarizeTool returns the summarize_research tool. It condenses search
// results deterministically without calling any external service.
func NewSummarizeTool() *tool.FunctionTool {
	return tool.NewFunctionToolFromStruct(
		SummarizeToolName,
		"Create a summary of research findings. Requires the results of a previous search_web call.",
		summarizeArgs{},
		func(_ *core.ToolContext, args map[string]any) (any, error) {
			topic, _ := args["topic"].(string)
			focus, _ := args["focus_areas"].(string)

			raw, present := args["search_results"]
			items, _ := raw.([]any)

			return Summarize(topic, focus, present && raw != nil, items), nil
		},
	)
}

// Summarize builds the research summary from decoded search results. Items
// carrying an "error" field are skipped.
func Summarize(topic, focus string, provided bool, items []any) Summary {
	if !provided {
		return Summary{
			Summary:   "ERROR: No search results provided. Call search_web first and pass its results to summarize_research.",
			KeyPoints: []string{},
		}
	}

	if len(items) == 0 {
		return Summary{Summary: "No search results provided for summarization.", KeyPoints: []string{}}
	}

	if len(items) == 1 {
		if m, ok := items[0].(map[string]any); ok {
			if e, ok := m["error"]; ok {
				return Summary{
					Summary:   fmt.Sprintf("Unable to summarize research due to search error: %v", e),
					KeyPoints: []string{},
				}
			}
		}
	}

	var (
		sources  []string
		findings []string
	)

	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}

		if _, isErr := m["error"]; isErr {
			continue
		}

		title, hasTitle := m["title"].(string)
		url, hasURL := m["url"].(string)

		if !hasTitle || !hasURL {
			continue
		}

		sources = append(sources, fmt.Sprintf("- %s: %s", title, url))

		if content, ok := m["content"].(string); ok {
			findings = append(findings, content)
		}
	}

	if len(sources) == 0 {
		return Summary{Summary: "No valid search results available for summarization.", KeyPoints: []string{}}
	}

	keyPoints := findings[:min(len(findings), summaryFindings)]

	var b strings.Builder

	fmt.Fprintf(&b, "Research Summary: %s", topic)

	if focus != "" {
		fmt.Fprintf(&b, "\nSpecific focus areas: %s", focus)
	}

	fmt.Fprintf(&b, "\n\nKey Findings:\n%s\n\nSources:\n%s\n",
		strings.Join(keyPoints, "\n"),
		strings.Join(sources[:min(len(sources), summarySources)], "\n"),
	)

	return Summary{
		Summary:      b.String(),
		Topic:        topic,
		SourcesCount: len(sources),
		KeyPoints:    append([]string{}, keyPoints...),
	}
}
