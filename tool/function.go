package tool

import (
	"context"
	"errors"
)

// Prepare decodes the raw argument string and validates it against the
// descriptor's schema. Malformed JSON is a handler-level argument error,
// never a registry failure.
func (r *Registry) Prepare(d Descriptor, raw string) (map[string]any, error) {
	args, err := DecodeArguments(d.Name, raw)
	if err != nil {
		return nil, err
	}

	if err := r.Validate(d, args); err != nil {
		return nil, err
	}

	return args, nil
}

// Call invokes the handler and normalizes failures:
//
//	*ToolError (returned directly)  -> forwarded unchanged
//	other error                     -> *ToolError{Code: "EXECUTION_ERROR"}
//
// Context errors are passed through so callers can classify timeouts and
// cancellation.
func (d Descriptor) Call(ctx context.Context, args map[string]any) (any, error) {
	result, err := d.Handler(ctx, args)
	if err == nil {
		return result, nil
	}

	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return nil, toolErr
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return nil, err
	}

	return nil, &ToolError{
		Tool:    d.Name,
		Message: err.Error(),
		Code:    CodeExecutionError,
	}
}
