package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/logging"
	"github.com/hupe1980/packbot/metrics"
	"github.com/hupe1980/packbot/model"
	"github.com/hupe1980/packbot/tool"
)

var tracer = otel.Tracer("github.com/hupe1980/packbot/agent")

// Options configures a Loop.
type Options struct {
	MaxSteps           int           // hard bound on model calls per run
	Timeout            time.Duration // overall run deadline; 0 disables it
	SystemPrompt       string        // prepended once at run start
	Temperature        float64
	MaxTokens          int
	DefaultToolTimeout time.Duration // per-tool bound when the descriptor sets none
	MaxParallel        int           // 0 => unbounded fan-out
	Logger             logging.Logger
	Metrics            *metrics.Metrics
	Callbacks          *CallbackManager
}

// Loop drives the iterative tool-calling conversation against a provider.
// A Loop is stateless between runs and safe for concurrent use.
type Loop struct {
	provider model.Provider
	registry *tool.Registry
	executor *Executor
	opts     Options
	logger   logging.Logger
}

// New creates a Loop.
//
// Defaults: 10 steps, 120s timeout, temperature 0.7, 4096 max tokens,
// 30s tool timeout, unbounded fan-out.
func New(provider model.Provider, registry *tool.Registry, optFns ...func(o *Options)) *Loop {
	opts := Options{
		MaxSteps:           10,
		Timeout:            120 * time.Second,
		Temperature:        0.7,
		MaxTokens:          4096,
		DefaultToolTimeout: 30 * time.Second,
		Logger:             logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxSteps < 1 {
		opts.MaxSteps = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if registry == nil {
		registry = tool.NewRegistry()
	}

	logger := logging.With(opts.Logger, "component", "agent", "provider", provider.Info().Name)

	return &Loop{
		provider: provider,
		registry: registry,
		opts:     opts,
		logger:   logger,
		executor: NewExecutor(registry, ExecutorConfig{
			MaxParallel:    opts.MaxParallel,
			DefaultTimeout: opts.DefaultToolTimeout,
		}, logger, opts.Metrics, opts.Callbacks),
	}
}

// Registry returns the tool registry the loop exports and executes from.
func (l *Loop) Registry() *tool.Registry { return l.registry }

// Run executes the loop over history with blocking provider calls.
func (l *Loop) Run(ctx context.Context, history []core.Content) *RunState {
	return l.run(ctx, history, l.chat)
}

// RunStream executes the loop over the provider's streaming API. onChunk
// receives every chunk as it arrives; tool calls are executed once the
// stream of a step has closed.
func (l *Loop) RunStream(ctx context.Context, history []core.Content, onChunk func(model.Chunk)) *RunState {
	return l.run(ctx, history, func(ctx context.Context, req model.Request) (model.Response, error) {
		return l.stream(ctx, req, onChunk)
	})
}

type callFunc func(ctx context.Context, req model.Request) (model.Response, error)

func (l *Loop) run(ctx context.Context, history []core.Content, call callFunc) *RunState {
	start := time.Now()
	state := newRunState(history, l.opts.SystemPrompt)

	runCtx, cancel := l.deadline(ctx)
	defer cancel()

	runCtx, span := tracer.Start(runCtx, "agent.run", trace.WithAttributes(
		attribute.String("model.provider", l.provider.Info().Provider),
		attribute.Int("agent.max_steps", l.opts.MaxSteps),
	))
	defer span.End()

	l.logger.Debug("agent.run.start", "history", len(history), "max_steps", l.opts.MaxSteps)

	for !state.State.Terminal() {
		state.State = StateBuildingRequest

		if err := runCtx.Err(); err != nil {
			l.stopOnContext(ctx, state, err)
			break
		}

		req := model.Request{
			Messages:    append([]core.Content(nil), state.Messages...),
			Tools:       l.registry.ExportSchemas(true),
			Temperature: l.opts.Temperature,
			MaxTokens:   l.opts.MaxTokens,
		}

		if err := l.opts.Callbacks.ExecuteCallbacks(runCtx, &CallbackContext{Type: CallbackBeforeModel, Step: state.Step + 1, Request: &req}); err != nil {
			l.failRun(runCtx, state, fmt.Errorf("before_model callback: %w", err))
			break
		}

		state.State = StateAwaitingModel
		resp, err := l.step(runCtx, state, req, call)
		if err != nil {
			if runCtx.Err() != nil {
				l.stopOnContext(ctx, state, runCtx.Err())
			} else {
				l.failRun(runCtx, state, err)
			}
			break
		}

		if cbErr := l.opts.Callbacks.ExecuteCallbacks(runCtx, &CallbackContext{Type: CallbackAfterModel, Step: state.Step, Request: &req, Response: &resp}); cbErr != nil {
			l.logger.Warn("agent.callback.error", "type", string(CallbackAfterModel), "error", cbErr.Error())
		}

		switch r := resp.Reply.(type) {
		case model.FinalAnswer:
			state.State = StateFinalizing
			state.Messages = append(state.Messages, model.AssistantContent(r))
			state.finish(r.Text)
		case model.ToolRequests:
			if r.Text != "" {
				state.lastText = r.Text
			}

			calls := withCallIDs(r.Calls, state.Step)
			r.Calls = calls
			state.Messages = append(state.Messages, model.AssistantContent(r))

			state.State = StateExecutingTools
			// The caller's context, not runCtx: an expired run deadline lets the
			// current fan-in finish.
			results := l.executor.Execute(trace.ContextWithSpan(ctx, span), state.Step, calls)
			for _, res := range results {
				state.Messages = append(state.Messages, res.Content())
			}
			state.ToolResults = append(state.ToolResults, results...)

			if state.Step >= l.opts.MaxSteps {
				l.logger.Warn("agent.run.max_steps", "steps", state.Step)
				state.finish("")
			}
		default:
			l.failRun(runCtx, state, fmt.Errorf("unsupported reply type %T", resp.Reply))
		}
	}

	state.Elapsed = time.Since(start)

	span.SetAttributes(
		attribute.Int("agent.steps", state.Step),
		attribute.String("agent.state", state.State.String()),
		attribute.Bool("agent.timed_out", state.TimedOut),
	)

	l.logger.Info(
		"agent.run.complete",
		"steps", state.Step,
		"state", state.State.String(),
		"timed_out", state.TimedOut,
		"prompt_tokens", state.Usage.PromptTokens,
		"completion_tokens", state.Usage.CompletionTokens,
		"duration_ms", state.Elapsed.Milliseconds(),
	)

	return state
}

func (l *Loop) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.opts.Timeout > 0 {
		return context.WithTimeout(ctx, l.opts.Timeout)
	}

	return context.WithCancel(ctx)
}

// step performs one model call and accounts for it.
func (l *Loop) step(ctx context.Context, state *RunState, req model.Request, call callFunc) (model.Response, error) {
	state.Step++

	ctx, span := tracer.Start(ctx, "agent.step", trace.WithAttributes(
		attribute.Int("agent.step", state.Step),
		attribute.Int("agent.messages", len(req.Messages)),
		attribute.Int("agent.tools", len(req.Tools)),
	))
	defer span.End()

	resp, err := call(ctx, req)
	state.Usage.Add(resp.Usage)

	outcome := "success"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	l.opts.Metrics.RecordModelCall(l.provider.Info().Provider, outcome, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	return resp, err
}

// stopOnContext finalizes a run whose context ended. An expired run deadline
// completes best-effort; a cancelled caller context fails the run.
func (l *Loop) stopOnContext(parent context.Context, state *RunState, err error) {
	if parent.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		l.logger.Warn("agent.run.timeout", "steps", state.Step, "timeout_ms", l.opts.Timeout.Milliseconds())
		state.TimedOut = true
		state.finish("")
		return
	}

	l.failRun(parent, state, err)
}

func (l *Loop) failRun(ctx context.Context, state *RunState, err error) {
	state.fail(err)

	l.logger.Error("agent.run.error", "steps", state.Step, "error", err.Error())

	if cbErr := l.opts.Callbacks.ExecuteCallbacks(context.WithoutCancel(ctx), &CallbackContext{Type: CallbackOnError, Step: state.Step, Err: err}); cbErr != nil {
		l.logger.Warn("agent.callback.error", "type", string(CallbackOnError), "error", cbErr.Error())
	}
}

func (l *Loop) chat(ctx context.Context, req model.Request) (model.Response, error) {
	return l.provider.Chat(ctx, req)
}

// stream collects a streamed response into a Response.
func (l *Loop) stream(ctx context.Context, req model.Request, onChunk func(model.Chunk)) (model.Response, error) {
	chunks, errs := l.provider.ChatStream(ctx, req)

	var (
		text   []byte
		usage  model.TokenUsage
		finish string
		acc    = model.NewToolCallAccumulator()
	)

recv:
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				break recv
			}

			if onChunk != nil {
				onChunk(c)
			}

			text = append(text, c.Content...)
			acc.Add(c.ToolCalls...)

			if c.FinishReason != "" {
				finish = c.FinishReason
			}
			if c.Usage != nil {
				usage = *c.Usage
			}
		case <-ctx.Done():
			return model.Response{Usage: usage}, ctx.Err()
		}
	}

	if errs != nil {
		if err := <-errs; err != nil {
			return model.Response{Usage: usage}, err
		}
	}

	return model.Response{
		Reply:        model.NewReply(string(text), acc.Calls()),
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

// withCallIDs fills in IDs for providers that omit them so every result can
// be paired with its call.
func withCallIDs(calls []model.ToolCall, step int) []model.ToolCall {
	out := make([]model.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = fmt.Sprintf("call_%d_%d", step, i)
		}
		out[i] = c
	}

	return out
}
