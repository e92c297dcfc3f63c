// Package openai provides an implementation of model.Model using the OpenAI
// Chat Completions API (including streaming + tool calling). It adapts the
// normalized conversation turns into the SDK's message format and back, and
// classifies SDK failures for the provider selector. Any OpenAI compatible
// endpoint can be targeted through BaseURL.
package openai

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/model"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// allowing reconstruction of complete tool calls when the finish reason is
// emitted.
type aggCall struct{ id, name, args string }

// Options configure the OpenAI model adapter.
type Options struct {
	// Provider is the name reported in Info and error messages.
	Provider            string
	Model               string
	APIKey              core.Secret
	BaseURL             string
	Temperature         float64
	MaxCompletionTokens int64
}

// Model wraps the OpenAI Chat Completions API behind the generic model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

// NewModel creates a new OpenAI model using the official client. SDK level
// retries are disabled; failover is the provider selector's job.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if !opts.APIKey.IsZero() {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey.Reveal()))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := openai.NewClient(reqOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new OpenAI model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Provider:            "openai",
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := m.buildParams(req, buildMessages(req))
		if req.Stream {
			m.handleStreaming(ctx, params, out, errCh)
			return
		}

		m.handleNonStreaming(ctx, params, out, errCh)
	}()

	return out, errCh
}

// buildMessages converts conversation turns into OpenAI chat messages. Tool
// turns follow the assistant turn that issued the call, which the
// conversation already guarantees.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)

	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}

	for _, t := range req.Turns {
		switch t.Role {
		case core.RoleUser:
			messages = append(messages, openai.UserMessage(t.Content))
		case core.RoleModel:
			if len(t.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(t.Content))
				continue
			}

			assistant := &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toToolCallParams(t.ToolCalls),
			}
			if t.Content != "" {
				assistant.Content.OfString = openai.String(t.Content)
			}

			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistant})
		case core.RoleTool:
			if t.Result == nil {
				continue
			}
			messages = append(messages, openai.ToolMessage(t.Result.Content(), t.Result.CallID))
		}
	}

	return messages
}

func toToolCallParams(calls []core.ToolCall) []openai.ChatCompletionMessageToolCallParam {
	out := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
	for i, c := range calls {
		args := string(c.Arguments)
		if args == "" {
			args = "{}"
		}

		out[i] = openai.ChatCompletionMessageToolCallParam{
			ID:   c.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      c.Name,
				Arguments: args,
			},
		}
	}

	return out
}

// buildParams assembles the OpenAI request parameters including tool definitions.
func (m *Model) buildParams(
	req model.Request,
	messages []openai.ChatCompletionMessageParamUnion,
) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}

	if len(req.Tools) == 0 {
		return params
	}

	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Name,
				Description: openai.String(tdef.Description),
				Parameters:  tdef.Parameters,
			},
		}
	}

	params.Tools = tools

	return params
}

// handleStreaming processes streaming responses and forwards partial / final chunks.
func (m *Model) handleStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		textBuilder strings.Builder
		finished    bool
		usage       *model.TokenUsage
	)

	toolAgg := map[int64]*aggCall{}

	for stream.Next() {
		ck := stream.Current()
		if ck.Usage.TotalTokens > 0 {
			usage = toUsage(ck.Usage)
		}

		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				textBuilder.WriteString(ch.Delta.Content)
				if !send(ctx, out, model.Response{ID: ck.ID, Partial: true, Text: ch.Delta.Content}) {
					return
				}
			}

			aggregateToolDeltas(ch, toolAgg)

			if ch.FinishReason != "" && !finished {
				finished = true
				final := model.Response{
					ID:           ck.ID,
					Text:         textBuilder.String(),
					ToolCalls:    flattenCalls(toolAgg),
					FinishReason: ch.FinishReason,
					Usage:        usage,
				}
				if !send(ctx, out, final) {
					return
				}
			}
		}
	}

	if err := stream.Err(); err != nil {
		errCh <- m.classify(err)
		return
	}

	if !finished {
		send(ctx, out, model.Response{Text: textBuilder.String(), ToolCalls: flattenCalls(toolAgg), FinishReason: "stop", Usage: usage})
	}
}

func aggregateToolDeltas(ch openai.ChatCompletionChunkChoice, agg map[int64]*aggCall) {
	for _, tc := range ch.Delta.ToolCalls {
		ac, ok := agg[tc.Index]
		if !ok {
			ac = &aggCall{}
			agg[tc.Index] = ac
		}
		if tc.ID != "" {
			ac.id = tc.ID
		}
		if tc.Function.Name != "" {
			ac.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			ac.args += tc.Function.Arguments
		}
	}
}

func flattenCalls(agg map[int64]*aggCall) []core.ToolCall {
	if len(agg) == 0 {
		return nil
	}

	idx := make([]int64, 0, len(agg))
	for i := range agg {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })

	calls := make([]core.ToolCall, 0, len(agg))
	for _, i := range idx {
		ac := agg[i]
		calls = append(calls, core.ToolCall{ID: ac.id, Name: ac.name, Arguments: []byte(ac.args)})
	}

	return calls
}

// handleNonStreaming processes a normal (non-streaming) completion.
func (m *Model) handleNonStreaming(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
	out chan<- model.Response,
	errCh chan<- error,
) {
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		errCh <- m.classify(err)
		return
	}

	if len(resp.Choices) == 0 {
		errCh <- core.Errorf(core.KindProviderUnavailable, "%s returned no choices", m.opts.Provider)
		return
	}

	ch0 := resp.Choices[0]

	calls := make([]core.ToolCall, 0, len(ch0.Message.ToolCalls))
	for _, tc := range ch0.Message.ToolCalls {
		calls = append(calls, core.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: []byte(tc.Function.Arguments)})
	}

	send(ctx, out, model.Response{
		ID:           resp.ID,
		Text:         ch0.Message.Content,
		ToolCalls:    calls,
		FinishReason: ch0.FinishReason,
		Usage:        toUsage(resp.Usage),
	})
}

func (m *Model) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return model.ClassifyStatus(m.opts.Provider, apiErr.StatusCode, err)
	}

	return model.ClassifyTransport(m.opts.Provider, err)
}

func toUsage(u openai.CompletionUsage) *model.TokenUsage {
	return &model.TokenUsage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

func send(ctx context.Context, out chan<- model.Response, r model.Response) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// Info returns metadata describing this OpenAI model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          m.opts.Model,
		Provider:      m.opts.Provider,
		SupportsTools: true,
	}
}
