// Package anthropic provides a model wrapper for the Anthropic Messages API.
// Requests are always sent non-streaming; the final response carries the
// whole text, which the orchestrator forwards as a single delta.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/researchmail/core"
	"github.com/hupe1980/researchmail/internal/util"
	"github.com/hupe1980/researchmail/model"
)

// Options configures the Anthropic model adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      core.Secret
	BaseURL     string
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates a new Anthropic model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if !opts.APIKey.IsZero() {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey.Reveal()))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{
		client: &client,
		opts:   opts,
	}
}

// NewModelFromClient creates a new Anthropic model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{
		client: client,
		opts:   opts,
	}
}

func defaultOptions() Options {
	return Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

// Generate implements model.Model.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    buildMessages(req.Turns),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}

		if req.Instructions != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
		}

		if len(req.Tools) > 0 {
			params.Tools = buildTools(req.Tools)
		}

		resp, err := m.client.Messages.New(ctx, params)
		if err != nil {
			errCh <- classify(err)
			return
		}

		var (
			text  string
			calls []core.ToolCall
		)

		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text += block.AsText().Text
			case "tool_use":
				toolBlock := block.AsToolUse()
				args := []byte("{}")
				if toolBlock.Input != nil {
					if b, err := json.Marshal(toolBlock.Input); err == nil {
						args = b
					}
				}
				calls = append(calls, core.ToolCall{ID: toolBlock.ID, Name: toolBlock.Name, Arguments: args})
			}
		}

		finishReason := "stop"
		if resp.StopReason != "" {
			finishReason = string(resp.StopReason)
		}

		select {
		case out <- model.Response{
			ID:           resp.ID,
			Text:         text,
			ToolCalls:    calls,
			FinishReason: finishReason,
			Usage: &model.TokenUsage{
				PromptTokens:     int(resp.Usage.InputTokens),
				CompletionTokens: int(resp.Usage.OutputTokens),
				TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
			},
		}:
		case <-ctx.Done():
		}
	}()

	return out, errCh
}

// buildMessages converts conversation turns to Anthropic messages. Results
// of consecutive tool turns are grouped into one user message directly after
// the assistant message carrying the matching tool_use blocks.
func buildMessages(turns []core.Turn) []anthropic.MessageParam {
	var (
		messages []anthropic.MessageParam
		results  []anthropic.ContentBlockParamUnion
	)

	flush := func() {
		if len(results) > 0 {
			messages = append(messages, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, t := range turns {
		switch t.Role {
		case core.RoleTool:
			if t.Result != nil {
				results = append(results, anthropic.NewToolResultBlock(t.Result.CallID, t.Result.Content(), !t.Result.OK()))
			}
		case core.RoleUser:
			flush()
			if t.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
			}
		case core.RoleModel:
			flush()

			var content []anthropic.ContentBlockParamUnion
			if t.Content != "" {
				content = append(content, anthropic.NewTextBlock(t.Content))
			}

			for _, call := range t.ToolCalls {
				var input any = map[string]any{}
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &input); err != nil {
						input = string(call.Arguments)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}

			if len(content) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(content...))
			}
		}
	}

	flush()

	return messages
}

// buildTools converts tool definitions to the Anthropic tool format.
func buildTools(tools []model.ToolDefinition) []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, len(tools))

	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}

		if tool.Parameters != nil {
			if properties, exists := tool.Parameters["properties"]; exists {
				inputSchema.Properties = properties
			}
			inputSchema.Required = util.RequiredFields(tool.Parameters)
		}

		u := anthropic.ToolUnionParamOfTool(inputSchema, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = anthropic.String(tool.Description)
		}

		anthropicTools[i] = u
	}

	return anthropicTools
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return model.ClassifyStatus("anthropic", apiErr.StatusCode, err)
	}

	return model.ClassifyTransport("anthropic", err)
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
