package agent

import (
	"time"

	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/model"
)

// State is a node of the loop's state machine:
//
//	BuildingRequest -> AwaitingModel -> (Finalizing | ExecutingTools)
//	ExecutingTools  -> BuildingRequest | Complete
//	Finalizing      -> Complete
//	any             -> Failed (provider failure)
type State int

const (
	StateBuildingRequest State = iota
	StateAwaitingModel
	StateExecutingTools
	StateFinalizing
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuildingRequest:
		return "BUILDING_REQUEST"
	case StateAwaitingModel:
		return "AWAITING_MODEL"
	case StateExecutingTools:
		return "EXECUTING_TOOLS"
	case StateFinalizing:
		return "FINALIZING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateComplete || s == StateFailed }

// ToolStatus is the closed outcome set of a tool call.
type ToolStatus string

const (
	StatusSuccess   ToolStatus = "success"
	StatusError     ToolStatus = "error"
	StatusTimeout   ToolStatus = "timeout"
	StatusCancelled ToolStatus = "cancelled"
)

// ToolResult is the outcome of one ToolCall, paired back by CallID.
type ToolResult struct {
	CallID  string        `json:"call_id"`
	Name    string        `json:"name"`
	Status  ToolStatus    `json:"status"`
	Result  any           `json:"result,omitempty"` // success only
	Error   string        `json:"error,omitempty"`  // non-success only
	Elapsed time.Duration `json:"elapsed"`
}

// Content renders the result as a tool turn tagged with the call ID.
func (r ToolResult) Content() core.Content {
	return core.Content{
		Role: core.RoleTool,
		Parts: []core.Part{core.FunctionResponsePart{FunctionResponse: core.FunctionResponse{
			ID:       r.CallID,
			Name:     r.Name,
			Status:   string(r.Status),
			Response: r.Result,
			Error:    r.Error,
		}}},
	}
}

// RunState is the per-run mutable state of one loop execution. It is owned by
// the goroutine running the loop and returned to the caller at the end.
type RunState struct {
	Step        int
	Messages    []core.Content
	Usage       model.TokenUsage
	Complete    bool
	Err         error
	State       State
	FinalAnswer string
	TimedOut    bool
	ToolResults []ToolResult
	Elapsed     time.Duration

	lastText string
}

func newRunState(history []core.Content, systemPrompt string) *RunState {
	msgs := make([]core.Content, 0, len(history)+1)
	if systemPrompt != "" && (len(history) == 0 || history[0].Role != core.RoleSystem) {
		msgs = append(msgs, core.NewTextContent(core.RoleSystem, systemPrompt))
	}
	msgs = append(msgs, history...)

	return &RunState{Messages: msgs, State: StateBuildingRequest}
}

// Failed reports whether the run ended with a provider (or callback) error.
func (s *RunState) Failed() bool { return s.Err != nil }

// finish marks completion using the best available content.
func (s *RunState) finish(text string) {
	if text == "" {
		text = s.lastText
	}
	s.FinalAnswer = text
	s.Complete = true
	s.State = StateComplete
}

func (s *RunState) fail(err error) {
	s.Err = err
	s.Complete = true
	s.State = StateFailed
	s.FinalAnswer = s.lastText
}
