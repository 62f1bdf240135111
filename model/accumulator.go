package model

import (
	"sort"
	"strings"
)

type aggCall struct {
	id, name string
	args     strings.Builder
}

// ToolCallAccumulator reassembles streamed tool call fragments into complete
// calls ordered by their stream index. Not safe for concurrent use.
type ToolCallAccumulator struct {
	calls map[int]*aggCall
}

// NewToolCallAccumulator creates an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: map[int]*aggCall{}}
}

// Add merges deltas into the accumulated calls.
func (a *ToolCallAccumulator) Add(deltas ...ToolCallDelta) {
	for _, d := range deltas {
		ac, ok := a.calls[d.Index]
		if !ok {
			ac = &aggCall{}
			a.calls[d.Index] = ac
		}
		if d.ID != "" {
			ac.id = d.ID
		}
		if d.Name != "" {
			ac.name = d.Name
		}
		ac.args.WriteString(d.Arguments)
	}
}

// Len reports how many distinct calls have been seen.
func (a *ToolCallAccumulator) Len() int { return len(a.calls) }

// Calls returns the assembled calls ordered by stream index.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	if len(a.calls) == 0 {
		return nil
	}

	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		ac := a.calls[i]
		out = append(out, ToolCall{ID: ac.id, Name: ac.name, Arguments: ac.args.String()})
	}

	return out
}
