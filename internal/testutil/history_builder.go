package testutil

import (
	"github.com/hupe1980/packbot/core"
)

// HistoryBuilder helps construct conversation histories with fluent chaining.
// Example:
//
//	h := NewHistoryBuilder().User("hi").Assistant("hello").Build()
type HistoryBuilder struct {
	turns []core.Content
}

// NewHistoryBuilder creates an empty history builder.
func NewHistoryBuilder() *HistoryBuilder { return &HistoryBuilder{} }

// System appends a system turn (chainable).
func (b *HistoryBuilder) System(t string) *HistoryBuilder {
	b.turns = append(b.turns, core.NewTextContent(core.RoleSystem, t))
	return b
}

// User appends a user turn (chainable).
func (b *HistoryBuilder) User(t string) *HistoryBuilder {
	b.turns = append(b.turns, core.NewTextContent(core.RoleUser, t))
	return b
}

// Assistant appends an assistant text turn (chainable).
func (b *HistoryBuilder) Assistant(t string) *HistoryBuilder {
	b.turns = append(b.turns, core.NewTextContent(core.RoleAssistant, t))
	return b
}

// ToolCall appends an assistant turn requesting one tool call (chainable).
func (b *HistoryBuilder) ToolCall(id, name, args string) *HistoryBuilder {
	b.turns = append(b.turns, core.Content{
		Role:  core.RoleAssistant,
		Parts: []core.Part{core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: id, Name: name, Arguments: args}}},
	})
	return b
}

// ToolResult appends a tool turn answering call id (chainable).
func (b *HistoryBuilder) ToolResult(id, name string, result any) *HistoryBuilder {
	b.turns = append(b.turns, core.Content{
		Role: core.RoleTool,
		Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{
			ID: id, Name: name, Status: "success", Response: result,
		}}},
	})
	return b
}

// Build returns a copy of the accumulated turns.
func (b *HistoryBuilder) Build() []core.Content {
	return append([]core.Content(nil), b.turns...)
}
