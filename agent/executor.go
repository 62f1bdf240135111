package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/packbot/internal/util"
	"github.com/hupe1980/packbot/logging"
	"github.com/hupe1980/packbot/metrics"
	"github.com/hupe1980/packbot/model"
	"github.com/hupe1980/packbot/tool"
)

// ErrUnknownTool is the error text reported for calls naming an
// unregistered tool.
const ErrUnknownTool = "unknown tool"

// ExecutorConfig configures the parallel tool executor.
type ExecutorConfig struct {
	MaxParallel    int           // 0 or <1 => no explicit limit
	DefaultTimeout time.Duration // used when a descriptor sets no timeout
}

// Executor runs a batch of tool calls concurrently and returns exactly one
// ToolResult per call, in request order. It never returns an error: lookup,
// argument, execution, timeout and panic failures all become results.
type Executor struct {
	registry  *tool.Registry
	cfg       ExecutorConfig
	logger    logging.Logger
	metrics   *metrics.Metrics
	callbacks *CallbackManager
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *tool.Registry, cfg ExecutorConfig, logger logging.Logger, m *metrics.Metrics, cb *CallbackManager) *Executor {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &Executor{
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		callbacks: cb,
	}
}

// Execute runs calls and waits for all of them. Cancelling ctx yields
// StatusCancelled for calls that have not completed.
func (e *Executor) Execute(ctx context.Context, step int, calls []model.ToolCall) []ToolResult {
	n := len(calls)
	if n == 0 {
		return nil
	}

	results := make([]ToolResult, n)
	batchStart := time.Now()

	var g errgroup.Group
	if e.cfg.MaxParallel > 0 {
		g.SetLimit(e.cfg.MaxParallel)
	}

	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.executeOne(ctx, step, call)
			return nil
		})
	}

	_ = g.Wait()

	e.logger.Debug(
		"agent.tools.batch.complete",
		"step", step,
		"count", n,
		"parallelism", e.cfg.MaxParallel,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return results
}

func (e *Executor) executeOne(ctx context.Context, step int, call model.ToolCall) (res ToolResult) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
		attribute.Int("agent.step", step),
	))

	res = ToolResult{CallID: call.ID, Name: call.Name}

	defer func() {
		res.Elapsed = time.Since(start)
		span.SetAttributes(attribute.String("tool.status", string(res.Status)))
		if res.Status != StatusSuccess {
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()

		e.metrics.RecordToolCall(call.Name, string(res.Status), res.Elapsed)
		e.logger.Info(
			"agent.tool.executed",
			"step", step,
			"tool", call.Name,
			"call_id", call.ID,
			"status", string(res.Status),
			"duration_ms", res.Elapsed.Milliseconds(),
		)

		if err := e.callbacks.ExecuteCallbacks(ctx, &CallbackContext{Type: CallbackAfterTool, Step: step, Call: &call, Result: &res}); err != nil {
			e.logger.Warn("agent.callback.error", "type", string(CallbackAfterTool), "error", err.Error())
		}
	}()

	d, ok := e.registry.Get(call.Name)
	if !ok {
		res.Status, res.Error = StatusError, ErrUnknownTool
		return res
	}

	if err := e.callbacks.ExecuteCallbacks(ctx, &CallbackContext{Type: CallbackBeforeTool, Step: step, Call: &call}); err != nil {
		res.Status, res.Error = StatusError, err.Error()
		return res
	}

	args, err := e.registry.Prepare(d, call.Arguments)
	if err != nil {
		res.Status, res.Error = StatusError, err.Error()
		return res
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	result, status, err := e.invoke(ctx, d, args, timeout)
	res.Status = status
	if err != nil {
		res.Error = err.Error()
		var pe *util.PanicError
		if errors.As(err, &pe) {
			e.logger.Error("agent.tool.panic", "tool", call.Name, "recover", fmt.Sprint(pe.Value), "stack", string(pe.Stack))
		}
		return res
	}

	res.Result = result

	return res
}

// invoke runs the handler on its own goroutine and waits for it, the
// per-tool timeout or parent cancellation, whichever comes first. A handler
// that ignores its context keeps running after a timeout; its late result is
// discarded.
func (e *Executor) invoke(parent context.Context, d tool.Descriptor, args map[string]any, timeout time.Duration) (any, ToolStatus, error) {
	if err := parent.Err(); err != nil {
		return nil, StatusCancelled, err
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(parent, timeout)
	} else {
		callCtx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	type outcome struct {
		result any
		err    error
	}

	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: util.NewPanicError(r)}
			}
		}()

		result, err := d.Call(callCtx, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return out.result, StatusSuccess, nil
		}
		if parent.Err() != nil {
			return nil, StatusCancelled, parent.Err()
		}
		if errors.Is(out.err, context.DeadlineExceeded) && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, StatusTimeout, timeoutError(d.Name, timeout)
		}
		return nil, StatusError, out.err
	case <-callCtx.Done():
		if parent.Err() != nil {
			return nil, StatusCancelled, parent.Err()
		}
		if d.Async {
			e.logger.Debug("agent.tool.cancelled", "tool", d.Name, "timeout_ms", timeout.Milliseconds())
		} else {
			e.logger.Warn("agent.tool.abandoned", "tool", d.Name, "timeout_ms", timeout.Milliseconds())
		}
		return nil, StatusTimeout, timeoutError(d.Name, timeout)
	}
}

func timeoutError(name string, timeout time.Duration) error {
	return fmt.Errorf("tool %s exceeded timeout of %s", name, timeout)
}
