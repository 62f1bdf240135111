package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/packbot/internal/util"
	"github.com/hupe1980/packbot/logging"
	"github.com/hupe1980/packbot/metrics"
)

var tracer = otel.Tracer("github.com/hupe1980/packbot/pipeline")

// Next invokes the remainder of the chain.
type Next func() error

// Stage is one layer of the onion. Code before next() runs on the way in,
// code after it on the way out. A stage that does not call next ends the
// chain.
type Stage interface {
	Name() string
	Handle(ctx context.Context, pc *Context, next Next) error
}

type stageFunc struct {
	name string
	fn   func(ctx context.Context, pc *Context, next Next) error
}

// StageFunc adapts a function to the Stage interface.
func StageFunc(name string, fn func(ctx context.Context, pc *Context, next Next) error) Stage {
	return &stageFunc{name: name, fn: fn}
}

func (s *stageFunc) Name() string { return s.name }

func (s *stageFunc) Handle(ctx context.Context, pc *Context, next Next) error {
	return s.fn(ctx, pc, next)
}

// StageError attributes a failure to the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// ErrorHandler observes stage failures.
type ErrorHandler func(ctx context.Context, pc *Context, stage string, err error)

type entry struct {
	stage     Stage
	priority  int
	condition func(*Context) bool
}

// UseOption configures a registered stage.
type UseOption func(*entry)

// WithCondition runs the stage only for contexts where fn holds at the start
// of the execution.
func WithCondition(fn func(*Context) bool) UseOption {
	return func(e *entry) { e.condition = fn }
}

// Options configures an Engine.
type Options struct {
	Logger  logging.Logger
	Metrics *metrics.Metrics
}

// Engine runs an ordered chain of stages over a Context. Registration is
// safe for concurrent use with Execute; each execution works on a snapshot.
type Engine struct {
	mu       sync.RWMutex
	entries  []entry
	handlers []ErrorHandler

	logger  logging.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an empty engine.
func NewEngine(optFns ...func(o *Options)) *Engine {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Engine{
		logger:  logging.With(opts.Logger, "component", "pipeline"),
		metrics: opts.Metrics,
	}
}

// Use registers stage at priority; lower runs earlier and equal priorities
// keep registration order.
func (e *Engine) Use(stage Stage, priority int, opts ...UseOption) *Engine {
	en := entry{stage: stage, priority: priority}
	for _, opt := range opts {
		opt(&en)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.entries = append(e.entries, en)
	sort.SliceStable(e.entries, func(i, j int) bool { return e.entries[i].priority < e.entries[j].priority })

	return e
}

// OnError registers a handler invoked for every stage failure.
func (e *Engine) OnError(h ErrorHandler) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers = append(e.handlers, h)

	return e
}

// Remove unregisters the first stage named name.
func (e *Engine) Remove(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, en := range e.entries {
		if en.stage.Name() == name {
			e.entries = append(e.entries[:i:i], e.entries[i+1:]...)
			return true
		}
	}

	return false
}

// Count returns the number of registered stages.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.entries)
}

// Stages returns stage names in execution order.
func (e *Engine) Stages() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, len(e.entries))
	for i, en := range e.entries {
		names[i] = en.stage.Name()
	}

	return names
}

// Execute runs the chain over pc and returns it. Stage errors and panics
// are recorded on pc, reported to the error handlers and terminate the
// context; they are never returned.
func (e *Engine) Execute(ctx context.Context, pc *Context) *Context {
	e.mu.RLock()
	entries := append([]entry(nil), e.entries...)
	handlers := append([]ErrorHandler(nil), e.handlers...)
	e.mu.RUnlock()

	active := entries[:0:0]
	for _, en := range entries {
		if en.condition == nil || en.condition(pc) {
			active = append(active, en)
		}
	}

	ctx, span := tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("event.id", pc.Event.ID),
		attribute.String("event.origin", pc.Event.Session.Origin()),
		attribute.Int("pipeline.stages", len(active)),
	))
	defer span.End()

	var run func(i int) error
	run = func(i int) error {
		if i >= len(active) || pc.Terminated() {
			return nil
		}

		en := active[i]
		if err := e.runStage(ctx, pc, en.stage, func() error { return run(i + 1) }); err != nil {
			pc.AddError(&StageError{Stage: en.stage.Name(), Err: err})
			pc.Terminate()

			e.logger.Error("pipeline.stage.error", "stage", en.stage.Name(), "event_id", pc.Event.ID, "error", err.Error())
			span.RecordError(err, trace.WithAttributes(attribute.String("pipeline.stage", en.stage.Name())))

			for _, h := range handlers {
				e.notify(ctx, h, pc, en.stage.Name(), err)
			}
		}

		return nil
	}

	_ = run(0)

	if errs := pc.Errors(); len(errs) > 0 {
		span.SetStatus(codes.Error, errs[0].Error())
	}

	e.logger.Debug(
		"pipeline.execute.complete",
		"event_id", pc.Event.ID,
		"terminated", pc.Terminated(),
		"has_response", pc.HasResponse(),
		"errors", len(pc.Errors()),
		"duration_ms", pc.Elapsed().Milliseconds(),
	)

	return pc
}

func (e *Engine) runStage(ctx context.Context, pc *Context, stage Stage, next Next) (err error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "pipeline.stage."+stage.Name())
	defer func() {
		if p := recover(); p != nil {
			pe := util.NewPanicError(p)
			e.logger.Error("pipeline.stage.panic", "stage", stage.Name(), "recover", fmt.Sprint(p), "stack", string(pe.Stack))
			err = pe
		}
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.ObserveStage(stage.Name(), time.Since(start))
	}()

	return stage.Handle(ctx, pc, next)
}

func (e *Engine) notify(ctx context.Context, h ErrorHandler, pc *Context, stage string, err error) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("pipeline.error_handler.panic", "stage", stage, "recover", fmt.Sprint(p))
		}
	}()

	h(ctx, pc, stage, err)
}
