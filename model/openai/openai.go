// Package openai implements model.Provider on the OpenAI Chat Completions
// API, including streaming and tool calling. It adapts the normalized
// Request into the SDK's message format and back.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/model"
)

// Options configure the OpenAI provider.
type Options struct {
	Model      string
	APIKey     string // falls back to OPENAI_API_KEY
	BaseURL    string
	HTTPClient *http.Client
	MaxRetries int
}

// Provider wraps the OpenAI Chat Completions API.
type Provider struct {
	client *openai.Client
	opts   Options
}

// New creates a provider with its own client.
func New(optFns ...func(o *Options)) *Provider {
	opts := Options{
		Model:      openai.ChatModelGPT4oMini,
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

	client := openai.NewClient(clientOpts...)

	return &Provider{client: &client, opts: opts}
}

// NewFromClient creates a provider from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Provider {
	opts := Options{Model: openai.ChatModelGPT4oMini}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Provider{client: client, opts: opts}
}

// Chat implements model.Provider.
func (p *Provider) Chat(ctx context.Context, req model.Request) (model.Response, error) {
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		return model.Response{}, fmt.Errorf("openai api error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return model.Response{}, errors.New("openai: no choices returned")
	}

	ch0 := resp.Choices[0]

	calls := make([]model.ToolCall, 0, len(ch0.Message.ToolCalls))
	for _, tc := range ch0.Message.ToolCalls {
		calls = append(calls, model.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return model.Response{
		Reply:        model.NewReply(ch0.Message.Content, calls),
		FinishReason: ch0.FinishReason,
		Usage:        usage(resp.Usage),
	}, nil
}

// ChatStream implements model.Provider. Tool call fragments are forwarded
// with the index the API assigns; callers merge them.
func (p *Provider) ChatStream(ctx context.Context, req model.Request) (<-chan model.Chunk, <-chan error) {
	out := make(chan model.Chunk, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := p.buildParams(req)
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
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
			finish string
			use    *model.TokenUsage
		)

		for stream.Next() {
			ck := stream.Current()

			if ck.Usage.TotalTokens > 0 {
				u := usage(ck.Usage)
				use = &u
			}

			for _, ch := range ck.Choices {
				c := model.Chunk{Content: ch.Delta.Content}

				for _, tc := range ch.Delta.ToolCalls {
					c.ToolCalls = append(c.ToolCalls, model.ToolCallDelta{
						Index:     int(tc.Index),
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					})
				}

				if ch.FinishReason != "" {
					finish = ch.FinishReason
					c.FinishReason = finish
				}

				if c.Content == "" && len(c.ToolCalls) == 0 && c.FinishReason == "" {
					continue
				}

				if !send(c) {
					return
				}
			}
		}

		if err := stream.Err(); err != nil {
			errCh <- fmt.Errorf("openai streaming error: %w", err)
			return
		}

		send(model.Chunk{IsFinal: true, FinishReason: finish, Usage: use})
	}()

	return out, errCh
}

// Info implements model.Provider.
func (p *Provider) Info() model.Info {
	return model.Info{
		Name:          p.opts.Model,
		Provider:      "openai",
		SupportsTools: true,
	}
}

func (p *Provider) buildParams(req model.Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:    buildMessages(req.Messages),
		Model:       p.opts.Model,
		Temperature: openai.Float(req.Temperature),
	}

	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	if len(req.Tools) == 0 {
		return params
	}

	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tdef := range req.Tools {
		tools[i] = openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tdef.Function.Name,
				Description: openai.String(tdef.Function.Description),
				Parameters:  tdef.Function.Parameters,
			},
		}
	}
	params.Tools = tools

	return params
}

// buildMessages converts the conversation into chat messages. Each tool
// result becomes its own tool message, following the assistant turn that
// requested it.
func buildMessages(contents []core.Content) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(contents))

	for _, c := range contents {
		text := c.Text()

		switch c.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(text))
		case core.RoleAssistant:
			calls := c.FunctionCalls()
			if len(calls) == 0 {
				messages = append(messages, openai.AssistantMessage(text))
				continue
			}

			msg := openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
			if text != "" {
				msg.Content.OfString = openai.String(text)
			}
			for _, fc := range calls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: fc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      fc.Name,
						Arguments: fc.Arguments,
					},
				})
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		case core.RoleTool:
			for _, fr := range c.FunctionResponses() {
				messages = append(messages, openai.ToolMessage(fr.Text(), fr.ID))
			}
		default:
			if text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}

	return messages
}

func usage(u openai.CompletionUsage) model.TokenUsage {
	return model.TokenUsage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}
