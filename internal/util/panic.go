package util

import (
	"fmt"
	"runtime/debug"
)

// PanicError is a recovered panic value together with the stack of the
// goroutine that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

// NewPanicError captures the current stack. Call it from the deferred
// recover.
func NewPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: debug.Stack()}
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic recovered: %v", p.Value) }
