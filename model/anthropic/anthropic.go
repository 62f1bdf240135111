// Package anthropic implements model.Provider on the Anthropic Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/model"
)

// DefaultMaxTokens is used when the request leaves MaxTokens unset; the
// Messages API requires a value.
const DefaultMaxTokens = 4096

// Options configures the Anthropic provider.
type Options struct {
	Model      anthropic.Model
	APIKey     string // falls back to ANTHROPIC_API_KEY
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
}

// Provider wraps the Anthropic Messages API.
type Provider struct {
	client *anthropic.Client
	opts   Options
}

// New creates a provider with its own client.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:      anthropic.ModelClaude3_5Sonnet20241022,
		MaxRetries: 2,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	clientOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Provider{client: &client, opts: opts}
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{Model: anthropic.ModelClaude3_5Sonnet20241022}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Provider{client: client, opts: opts}
}

// Chat implements model.Provider.
func (p *Provider) Chat(ctx context.Context, req model.Request) (model.Response, error) {
	resp, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic api error: %w", err)
	}

	var (
		text  string
		calls []model.ToolCall
	)

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			calls = append(calls, model.ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: rawInput(tu.Input),
			})
		}
	}

	in, out := int(resp.Usage.InputTokens), int(resp.Usage.OutputTokens)

	return model.Response{
		Reply:        model.NewReply(text, calls),
		FinishReason: finishReason(resp.StopReason),
		Usage: model.TokenUsage{
			PromptTokens:     in,
			CompletionTokens: out,
			TotalTokens:      in + out,
		},
	}, nil
}

// ChatStream implements model.Provider. Each tool_use block gets the next
// ordinal as its delta index.
func (p *Provider) ChatStream(ctx context.Context, req model.Request) (<-chan model.Chunk, <-chan error) {
	out := make(chan model.Chunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))
		defer stream.Close()

		send := func(c model.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			}
		}

		var (
			inputTokens, outputTokens int
			finish                    string
			toolIndex                 = -1
			inTool                    bool
		)

		for stream.Next() {
			event := stream.Current()

			switch event.Type {
			case "message_start":
				inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				inTool = block.Type == "tool_use"
				if !inTool {
					continue
				}

				toolIndex++
				tu := block.AsToolUse()
				if !send(model.Chunk{ToolCalls: []model.ToolCallDelta{{Index: toolIndex, ID: tu.ID, Name: tu.Name}}}) {
					return
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta

				switch delta.Type {
				case "text_delta":
					if delta.Text != "" && !send(model.Chunk{Content: delta.Text}) {
						return
					}
				case "input_json_delta":
					if !inTool || delta.PartialJSON == "" {
						continue
					}
					if !send(model.Chunk{ToolCalls: []model.ToolCallDelta{{Index: toolIndex, Arguments: delta.PartialJSON}}}) {
						return
					}
				}
			case "content_block_stop":
				inTool = false
			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					outputTokens = int(md.Usage.OutputTokens)
				}
				if md.Delta.StopReason != "" {
					finish = finishReason(md.Delta.StopReason)
				}
			case "message_stop":
				send(model.Chunk{
					IsFinal:      true,
					FinishReason: finish,
					Usage: &model.TokenUsage{
						PromptTokens:     inputTokens,
						CompletionTokens: outputTokens,
						TotalTokens:      inputTokens + outputTokens,
					},
				})
				return
			}
		}

		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("anthropic streaming error: %w", err)
			return
		}

		// Stream ended without message_stop.
		send(model.Chunk{IsFinal: true, FinishReason: finish})
	}()

	return out, errCh
}

// Info implements model.Provider.
func (p *Provider) Info() model.Info {
	return model.Info{
		Name:          string(p.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}

func (p *Provider) buildParams(req model.Request) anthropic.MessageNewParams {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       p.opts.Model,
		Messages:    buildMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(req.Temperature),
	}

	if system := systemBlocks(req.Messages); len(system) > 0 {
		params.System = system
	}

	if len(req.Tools) > 0 {
		params.Tools = buildTools(req.Tools)
	}

	return params
}

// buildMessages maps the conversation onto alternating user/assistant
// turns. System turns travel separately; tool results are sent back in a
// user turn as tool_result blocks.
func buildMessages(contents []core.Content) []anthropic.MessageParam {
	var messages []anthropic.MessageParam

	for _, c := range contents {
		var blocks []anthropic.ContentBlockParamUnion

		switch c.Role {
		case core.RoleSystem:
			continue
		case core.RoleTool:
			for _, fr := range c.FunctionResponses() {
				blocks = append(blocks, anthropic.NewToolResultBlock(fr.ID, fr.Text(), fr.Error != ""))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewUserMessage(blocks...))
			}
		case core.RoleAssistant:
			if text := c.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, fc := range c.FunctionCalls() {
				blocks = append(blocks, anthropic.NewToolUseBlock(fc.ID, toolInput(fc.Arguments), fc.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			if text := c.Text(); text != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
			}
		}
	}

	return messages
}

func systemBlocks(contents []core.Content) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam

	for _, c := range contents {
		if c.Role != core.RoleSystem {
			continue
		}
		if text := c.Text(); text != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: text})
		}
	}

	return blocks
}

func buildTools(defs []model.ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))

	for _, def := range defs {
		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}

		if params := def.Function.Parameters; params != nil {
			schema.Properties = params["properties"]
			schema.Required = requiredFields(params["required"])
		}

		tp := anthropic.ToolUnionParamOfTool(schema, def.Function.Name)
		if tp.OfTool != nil && def.Function.Description != "" {
			tp.OfTool.Description = anthropic.String(def.Function.Description)
		}

		tools = append(tools, tp)
	}

	return tools
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}

	return nil
}

// toolInput decodes raw model arguments for a tool_use block. Invalid JSON
// is passed through as a string.
func toolInput(args string) any {
	if args == "" {
		return map[string]any{}
	}

	var input any
	if err := json.Unmarshal([]byte(args), &input); err != nil {
		return args
	}

	return input
}

func rawInput(input json.RawMessage) string {
	if len(input) == 0 || string(input) == "null" {
		return ""
	}

	return string(input)
}

func finishReason(r anthropic.StopReason) string {
	switch r {
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	case anthropic.StopReasonMaxTokens:
		return "length"
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence, "":
		return "stop"
	}

	return string(r)
}
