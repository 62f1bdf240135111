package model

import (
	"context"

	"github.com/hupe1980/packbot/core"
)

// ToolCall represents a function call request surfaced by a model provider.
// Unified across vendors so downstream logic does not need per-provider branching.
// Arguments is kept as the raw string the model produced; it is untrusted and
// may be malformed JSON.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition declaratively exposes a callable function to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition describes an individual function (tool) exposed to the model.
// Parameters is a JSON Schema object.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by the agent loop.
type Request struct {
	Messages    []core.Content   `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Reply is the closed result of one model call. Callers type-switch over
// FinalAnswer and ToolRequests.
type Reply interface{ isReply() }

// FinalAnswer ends the tool-calling loop with Text.
type FinalAnswer struct {
	Text string
}

func (FinalAnswer) isReply() {}

// ToolRequests asks the caller to execute Calls and report back. Text is any
// assistant content emitted alongside the calls (often empty).
type ToolRequests struct {
	Text  string
	Calls []ToolCall
}

func (ToolRequests) isReply() {}

// NewReply returns ToolRequests when calls is non-empty, FinalAnswer otherwise.
func NewReply(text string, calls []ToolCall) Reply {
	if len(calls) > 0 {
		return ToolRequests{Text: text, Calls: calls}
	}
	return FinalAnswer{Text: text}
}

// AssistantContent renders a reply as the assistant turn appended to history.
func AssistantContent(r Reply) core.Content {
	c := core.Content{Role: core.RoleAssistant}

	switch v := r.(type) {
	case FinalAnswer:
		c.Parts = append(c.Parts, core.TextPart{Text: v.Text})
	case ToolRequests:
		if v.Text != "" {
			c.Parts = append(c.Parts, core.TextPart{Text: v.Text})
		}
		for _, tc := range v.Calls {
			c.Parts = append(c.Parts, core.FunctionCallPart{FunctionCall: core.FunctionCall{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
			}})
		}
	}

	return c
}

// Response is the result of a non-streaming chat call.
type Response struct {
	Reply        Reply      `json:"-"`
	FinishReason string     `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        TokenUsage `json:"usage"`
}

// ToolCallDelta is a (possibly partial) tool call fragment seen on a stream.
// Fragments sharing an Index belong to the same call; ID and Name are set
// once, Arguments are concatenated.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Chunk is one element of a streamed chat response.
type Chunk struct {
	Content      string          `json:"content,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	IsFinal      bool            `json:"is_final"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *TokenUsage     `json:"usage,omitempty"`
}

// Info contains metadata about a provider implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Provider is the minimal interface required by the agent loop to drive generation.
type Provider interface {
	// Chat performs one blocking request.
	Chat(ctx context.Context, req Request) (Response, error)

	// ChatStream streams chunks. The chunk channel is closed when the stream
	// ends; at most one error is delivered on the error channel.
	ChatStream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)

	// Info returns information about the provider implementation.
	Info() Info
}
