// Package tool implements the catalog of capabilities exposed to the language
// model: explicit descriptors (schema, timeout, sync/async) held in a Registry
// object, schema export in the function-calling shape, and decoding plus
// validation of the model's untrusted JSON arguments.
package tool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error codes carried by ToolError.
const (
	CodeArgumentError   = "ARGUMENT_ERROR"
	CodeValidationError = "VALIDATION_ERROR"
	CodeExecutionError  = "EXECUTION_ERROR"
)

var (
	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrToolNotFound is returned for operations on unknown names.
	ErrToolNotFound = errors.New("tool not found")
)

// Handler executes a tool with arguments decoded from the model's JSON.
// The returned value must be stringifiable for conversation injection; an
// error signals failure.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Descriptor is a registered capability.
type Descriptor struct {
	// Tool identifier (snake_case recommended)
	Name string
	// Human-readable description shown to models
	Description string
	// JSON schema describing accepted arguments
	Parameters map[string]any
	// Implementation
	Handler Handler
	// Per-call timeout; zero means the executor default
	Timeout time.Duration
	// Async handlers observe ctx cancellation; sync handlers are abandoned on timeout
	Async bool
	// Disabled tools are kept but not exported to the model
	Enabled bool
	// Owning pack, empty for core tools
	Source string
}

// Options configure a Descriptor built by NewDescriptor.
type Options struct {
	Timeout time.Duration
	Async   bool
	Source  string
	Enabled bool
}

// NewDescriptor constructs an enabled Descriptor from explicit schema and function.
//
// Example:
//
//	sum := tool.NewDescriptor(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(ctx context.Context, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	  func(o *tool.Options) { o.Timeout = time.Second },
//	)
func NewDescriptor(name, description string, parameters map[string]any, handler Handler, optFns ...func(o *Options)) Descriptor {
	opts := Options{Enabled: true}
	for _, fn := range optFns {
		fn(&opts)
	}

	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	return Descriptor{
		Name:        name,
		Description: description,
		Parameters:  parameters,
		Handler:     handler,
		Timeout:     opts.Timeout,
		Async:       opts.Async,
		Enabled:     opts.Enabled,
		Source:      opts.Source,
	}
}

// NewDescriptorFromStruct derives the parameter schema from a struct using
// reflection (see SchemaFromStruct).
//
// Example:
//
//	type SumArgs struct {
//	  A float64 `json:"a" jsonschema:"description=First addend"`
//	  B float64 `json:"b" jsonschema:"description=Second addend"`
//	}
func NewDescriptorFromStruct(name, description string, structType any, handler Handler, optFns ...func(o *Options)) Descriptor {
	return NewDescriptor(name, description, SchemaFromStruct(structType), handler, optFns...)
}

// ToolError represents errors that occur while invoking a tool.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
