package agent

import (
	"context"
	"sync"

	"github.com/hupe1980/packbot/model"
)

// CallbackType defines the lifecycle points of a loop run where callbacks
// can be executed.
//
// Available callback types:
//   - BeforeModel/AfterModel: around each provider call
//   - BeforeTool/AfterTool: around each individual tool execution
//   - OnError: when the run fails
//
// A BeforeModel error fails the run; a BeforeTool error turns that call into
// an error result without executing it. Errors from the other types are
// logged and ignored.
type CallbackType string

const (
	CallbackBeforeModel CallbackType = "before_model"
	CallbackAfterModel  CallbackType = "after_model"
	CallbackBeforeTool  CallbackType = "before_tool"
	CallbackAfterTool   CallbackType = "after_tool"
	CallbackOnError     CallbackType = "on_error"
)

// CallbackContext carries what a callback may inspect. Fields irrelevant to
// the callback type are nil.
type CallbackContext struct {
	Type     CallbackType
	Step     int
	Request  *model.Request
	Response *model.Response
	Call     *model.ToolCall
	Result   *ToolResult
	Err      error
}

// Callback defines the interface for loop lifecycle hooks. Tool callbacks
// run on the executor goroutines and must be safe for concurrent use.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, cbCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	cb := agent.NewFunctionCallback(agent.CallbackAfterTool,
//	    func(ctx context.Context, cbCtx *agent.CallbackContext) error {
//	        log.Printf("tool %s -> %s", cbCtx.Result.Name, cbCtx.Result.Status)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, cbCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, cbCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, cbCtx *CallbackContext) error {
	return c.fn(ctx, cbCtx)
}

// CallbackManager routes callbacks by type. Callbacks execute in
// registration order and the first error stops the remaining ones.
// Registration and execution are safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	t := callback.Type()
	cm.callbacks[t] = append(cm.callbacks[t], callback)
}

// ExecuteCallbacks runs the callbacks registered for cbCtx.Type. A nil
// manager is a no-op.
func (cm *CallbackManager) ExecuteCallbacks(ctx context.Context, cbCtx *CallbackContext) error {
	if cm == nil {
		return nil
	}

	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[cbCtx.Type]...)
	cm.mu.RUnlock()

	for _, cb := range callbacks {
		if err := cb.Execute(ctx, cbCtx); err != nil {
			return err
		}
	}

	return nil
}
