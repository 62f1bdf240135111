package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/packbot/core"
)

type scriptStep struct {
	resp Response
	err  error
}

// ScriptedModel is a lightweight in-memory Provider useful for tests, examples
// and the "mock" provider setting. Queued steps are replayed in order; once
// the queue is empty the fallback function (or an echo) answers.
type ScriptedModel struct {
	info Info

	mu       sync.Mutex
	script   []scriptStep
	fallback func(ctx context.Context, req Request) (Response, error)
	requests []Request
}

// NewScriptedModel constructs a ScriptedModel with tool support enabled.
func NewScriptedModel(name string) *ScriptedModel {
	return &ScriptedModel{
		info: Info{
			Name:          name,
			Provider:      "mock",
			SupportsTools: true,
		},
	}
}

// AddReply queues a reply with a small fixed usage.
func (m *ScriptedModel) AddReply(r Reply) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	finish := "stop"
	if _, ok := r.(ToolRequests); ok {
		finish = "tool_calls"
	}

	m.script = append(m.script, scriptStep{resp: Response{
		Reply:        r,
		FinishReason: finish,
		Usage:        TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}})

	return m
}

// AddError queues a provider failure.
func (m *ScriptedModel) AddError(err error) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.script = append(m.script, scriptStep{err: err})

	return m
}

// SetFallback installs the function answering once the script is exhausted.
func (m *ScriptedModel) SetFallback(fn func(ctx context.Context, req Request) (Response, error)) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fallback = fn

	return m
}

// Calls returns how many requests the model has served.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.requests)
}

// Requests returns a copy of the received requests.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Request, len(m.requests))
	copy(out, m.requests)

	return out
}

// Chat implements Provider.
func (m *ScriptedModel) Chat(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var (
		step     scriptStep
		hasStep  bool
		fallback = m.fallback
	)
	if len(m.script) > 0 {
		step, hasStep = m.script[0], true
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if hasStep {
		return step.resp, step.err
	}

	if fallback != nil {
		return fallback(ctx, req)
	}

	return Response{Reply: FinalAnswer{Text: fmt.Sprintf("Mock response to: %s", lastUserText(req))}, FinishReason: "stop"}, nil
}

// ChatStream implements Provider; emits the text rune by rune, then each tool
// call as a single fragment, then a final chunk carrying usage.
func (m *ScriptedModel) ChatStream(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	out := make(chan Chunk, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		resp, err := m.Chat(ctx, req)
		if err != nil {
			errCh <- err
			return
		}

		var (
			text  string
			calls []ToolCall
		)
		switch r := resp.Reply.(type) {
		case FinalAnswer:
			text = r.Text
		case ToolRequests:
			text, calls = r.Text, r.Calls
		}

		send := func(c Chunk) bool {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return false
			case out <- c:
				return true
			}
		}

		for _, r := range text {
			if !send(Chunk{Content: string(r)}) {
				return
			}
		}

		for i, tc := range calls {
			if !send(Chunk{ToolCalls: []ToolCallDelta{{Index: i, ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}}}) {
				return
			}
		}

		usage := resp.Usage
		send(Chunk{IsFinal: true, FinishReason: resp.FinishReason, Usage: &usage})
	}()

	return out, errCh
}

// Info implements Provider.
func (m *ScriptedModel) Info() Info { return m.info }

func lastUserText(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == core.RoleUser {
			return req.Messages[i].Text()
		}
	}
	return ""
}
