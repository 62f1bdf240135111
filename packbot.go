// Package packbot wires the bus, the stage pipeline, the pack loader and the
// agent loop into a chat bot. Most applications:
//  1. load a config.Config (or start from config.Default())
//  2. create a Bot via New with a Sender, usually an adapter.Router
//  3. call Start, then feed platform events through Submit
//
// Process runs one event synchronously and is what tests and simple
// integrations use.
package packbot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/packbot/adapter"
	"github.com/hupe1980/packbot/agent"
	"github.com/hupe1980/packbot/bus"
	"github.com/hupe1980/packbot/config"
	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/logging"
	"github.com/hupe1980/packbot/metrics"
	"github.com/hupe1980/packbot/model"
	"github.com/hupe1980/packbot/pack"
	"github.com/hupe1980/packbot/pack/builtin"
	"github.com/hupe1980/packbot/pipeline"
	"github.com/hupe1980/packbot/session"
	"github.com/hupe1980/packbot/stage"
	"github.com/hupe1980/packbot/tool"
)

// Message outcomes recorded in packbot_pipeline_messages_total.
const (
	OutcomeReplied     = "replied"
	OutcomeNoReply     = "no_reply"
	OutcomeIgnored     = "ignored"
	OutcomeDenied      = "denied"
	OutcomeRateLimited = "rate_limited"
	OutcomeBlocked     = "blocked"
	OutcomeError       = "error"
)

// Options configures a Bot.
type Options struct {
	// Provider overrides the model built from the provider config. An
	// injected provider survives Reload.
	Provider model.Provider

	// Sender delivers replies (required).
	Sender adapter.Sender

	// Packs are loaded after the builtin pack.
	Packs []pack.Pack

	// Logger defaults to a logger built from the logging config.
	Logger logging.Logger

	// Registerer receives the Prometheus collectors. Nil keeps them
	// unregistered.
	Registerer prometheus.Registerer

	// History defaults to an in-memory store bounded by the context limit.
	History session.Store

	Version   string
	StartedAt time.Time
}

// Bot is a running chat bot. It is safe for concurrent use.
type Bot struct {
	opts Options

	cfg    atomic.Pointer[config.Config]
	engine atomic.Pointer[pipeline.Engine]

	mu       sync.Mutex
	provider model.Provider
	handle   bus.Handle
	stopping bool
	accepted map[string]struct{}
	inflight map[string]context.CancelFunc
	runCtx   context.Context
	cancel   context.CancelFunc

	bus       *bus.Bus
	registry  *tool.Registry
	loader    *pack.Loader
	history   session.Store
	callbacks *agent.CallbackManager
	metrics   *metrics.Metrics
	logger    logging.Logger
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
}

// New builds a bot from cfg. A nil cfg means config.Default().
func New(cfg *config.Config, optFns ...func(o *Options)) (*Bot, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("packbot: invalid config: %w", err)
	}

	opts := Options{
		Version:   "dev",
		StartedAt: time.Now(),
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Sender == nil {
		return nil, errors.New("packbot: sender is required")
	}

	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(cfg.LoggerConfig())
	}

	if opts.History == nil {
		opts.History = session.NewInMemoryStore(cfg.Provider.ContextLimit)
	}

	m := metrics.New(opts.Registerer)

	b := &Bot{
		opts:     opts,
		accepted: make(map[string]struct{}),
		inflight: make(map[string]context.CancelFunc),
		registry: tool.NewRegistry(),
		history:  opts.History,
		metrics:  m,
		logger:   logging.With(opts.Logger, "component", "packbot"),
		sem:      semaphore.NewWeighted(int64(max(cfg.Bus.MaxConcurrent, 1))),
	}

	b.bus = bus.New(func(o *bus.Options) {
		o.QueueSize = cfg.Bus.QueueSize
		o.PollInterval = cfg.Bus.PollInterval
		o.Logger = opts.Logger
		o.Metrics = m
	})

	b.loader = pack.NewLoader(b.registry, func(o *pack.LoaderOptions) {
		o.Bus = b.bus
		o.Logger = opts.Logger
	})

	b.callbacks = b.toolSignals()

	provider := opts.Provider
	if provider == nil {
		p, err := NewProvider(cfg.Provider)
		if err != nil {
			return nil, fmt.Errorf("packbot: %w", err)
		}
		provider = p
	}
	b.provider = provider

	packs := append([]pack.Pack{builtin.New(b.loader, b.registry, func(o *builtin.Options) {
		o.Version = opts.Version
		o.SandboxDir = cfg.Tools.SandboxDir
		o.StartedAt = opts.StartedAt
	})}, opts.Packs...)

	if err := b.loader.Load(context.Background(), packs...); err != nil {
		return nil, fmt.Errorf("packbot: %w", err)
	}

	engine, err := b.buildEngine(cfg, provider)
	if err != nil {
		return nil, err
	}

	b.cfg.Store(cfg)
	b.engine.Store(engine)

	return b, nil
}

// Bus returns the event bus for observers.
func (b *Bot) Bus() *bus.Bus { return b.bus }

// Loader returns the pack loader.
func (b *Bot) Loader() *pack.Loader { return b.loader }

// Registry returns the tool registry.
func (b *Bot) Registry() *tool.Registry { return b.registry }

// Config returns the active configuration.
func (b *Bot) Config() *config.Config { return b.cfg.Load() }

// Stages returns the names of the active pipeline stages in run order.
func (b *Bot) Stages() []string { return b.engine.Load().Stages() }

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("packbot: stopped")

// Start runs the bus drain loop and begins consuming gateway.message_in
// signals. Each message runs on its own goroutine; at most
// Bus.MaxConcurrent run at once. A stopped bot can not be restarted.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return ErrStopped
	}

	if err := b.bus.Start(ctx); err != nil {
		b.mu.Unlock()
		return fmt.Errorf("packbot: %w", err)
	}

	b.runCtx, b.cancel = context.WithCancel(ctx)
	b.handle = b.bus.Connect(bus.KindGatewayMessageIn, b.onMessage, bus.WithName("packbot.message_in"))
	b.mu.Unlock()

	b.bus.EmitNew(ctx, bus.KindSystemReady, map[string]any{
		"version": b.opts.Version,
		"packs":   len(b.loader.Packs()),
		"tools":   b.registry.Len(),
	}, "packbot")

	b.logger.Info("packbot.started", "version", b.opts.Version, "stages", len(b.Stages()))

	return nil
}

// Submit queues ev for asynchronous processing. It returns false when the
// bus queue is full or the bot is stopping. Accepted messages are processed
// before Stop returns unless its context ends first.
func (b *Bot) Submit(ev core.Event) bool {
	sig := bus.NewSignal(bus.KindGatewayMessageIn, ev, ev.Session.Platform)

	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return false
	}
	b.accepted[sig.ID] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	if !b.bus.Enqueue(sig) {
		b.mu.Lock()
		delete(b.accepted, sig.ID)
		b.mu.Unlock()
		b.wg.Done()
		return false
	}

	return true
}

// Process runs ev through the pipeline and returns the finished context.
func (b *Bot) Process(ctx context.Context, ev core.Event) *pipeline.Context {
	pc := b.engine.Load().Execute(ctx, pipeline.NewContext(ev))

	out := outcome(pc)
	b.metrics.RecordMessage(out)
	b.logger.Debug("packbot.message.done", "session", ev.Session.Origin(), "outcome", out, "elapsed_ms", pc.Elapsed().Milliseconds())

	return pc
}

func (b *Bot) onMessage(_ context.Context, sig *bus.Signal) error {
	var ev core.Event
	switch v := sig.Payload.(type) {
	case core.Event:
		ev = v
	case *core.Event:
		ev = *v
	}

	b.mu.Lock()
	_, owned := b.accepted[sig.ID]
	delete(b.accepted, sig.ID)

	// Signals enqueued around Submit are tracked from here on.
	if !owned {
		if b.stopping {
			b.mu.Unlock()
			return errors.New("bot stopping")
		}
		b.wg.Add(1)
	}
	runCtx := b.runCtx
	b.mu.Unlock()

	if ev.ID == "" {
		b.wg.Done()
		return fmt.Errorf("unexpected message payload %T", sig.Payload)
	}

	// Blocks the drain loop while all workers are busy.
	if runCtx == nil || b.sem.Acquire(runCtx, 1) != nil {
		b.wg.Done()
		return errors.New("bot not running")
	}

	msgCtx, cancel := context.WithCancel(runCtx)

	b.mu.Lock()
	b.inflight[sig.ID] = cancel
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)
		defer func() {
			b.mu.Lock()
			delete(b.inflight, sig.ID)
			b.mu.Unlock()
			cancel()
		}()

		b.Process(msgCtx, ev)
	}()

	return nil
}

// Reload validates cfg, rebuilds the pipeline and swaps it in. Messages
// already running finish on the old pipeline. History and loaded packs are
// kept.
func (b *Bot) Reload(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("packbot: nil config")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("packbot: invalid config: %w", err)
	}

	b.mu.Lock()
	provider := b.provider
	b.mu.Unlock()

	if b.opts.Provider == nil {
		p, err := NewProvider(cfg.Provider)
		if err != nil {
			return fmt.Errorf("packbot: %w", err)
		}
		provider = p
	}

	engine, err := b.buildEngine(cfg, provider)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.provider = provider
	b.mu.Unlock()

	b.cfg.Store(cfg)
	b.engine.Store(engine)

	b.bus.EmitNew(context.Background(), bus.KindSystemConfigChanged, map[string]any{
		"provider": provider.Info().Provider,
		"model":    provider.Info().Name,
		"stages":   engine.Stages(),
	}, "packbot")

	b.logger.Info("packbot.config.reloaded", "provider", provider.Info().Provider, "stages", engine.Count())

	return nil
}

// Stop emits system.shutdown, stops accepting messages and waits until the
// accepted ones have been processed. When ctx ends first the running
// messages are cancelled and ctx.Err() is returned. The bus is stopped last.
func (b *Bot) Stop(ctx context.Context) error {
	b.bus.EmitNew(ctx, bus.KindSystemShutdown, nil, "packbot")

	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	var err error

	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()

		b.mu.Lock()
		n := len(b.inflight)
		for _, cancel := range b.inflight {
			cancel()
		}
		b.mu.Unlock()

		b.logger.Warn("packbot.stop.cancelled", "inflight", n, "queued", b.bus.Pending())
	}

	b.mu.Lock()
	if b.handle != "" {
		b.bus.Disconnect(b.handle)
		b.handle = ""
	}
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.runCtx = nil
	b.mu.Unlock()

	b.bus.Stop()
	b.logger.Info("packbot.stopped")

	return err
}

func (b *Bot) buildEngine(cfg *config.Config, provider model.Provider) (*pipeline.Engine, error) {
	loop := agent.New(provider, b.registry, func(o *agent.Options) {
		o.MaxSteps = cfg.Agent.MaxSteps
		o.Timeout = cfg.Agent.Timeout
		o.Temperature = cfg.Provider.Temperature
		o.MaxTokens = cfg.Provider.MaxTokens
		o.DefaultToolTimeout = cfg.Agent.ToolTimeout
		o.MaxParallel = cfg.Agent.MaxParallel
		o.Logger = b.opts.Logger
		o.Metrics = b.metrics
		o.Callbacks = b.callbacks
	})

	engine, err := stage.Build(cfg, stage.Deps{
		Loader:  b.loader,
		Runner:  loop,
		History: b.history,
		Sender:  b.opts.Sender,
		Bus:     b.bus,
		Logger:  b.opts.Logger,
		Metrics: b.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("packbot: %w", err)
	}

	engine.OnError(func(ctx context.Context, pc *pipeline.Context, name string, err error) {
		b.bus.EmitNew(ctx, bus.KindCustom, map[string]any{
			"event":   "pipeline.error",
			"stage":   name,
			"session": pc.Event.Session.Origin(),
			"error":   err.Error(),
		}, "pipeline")
	})

	return engine, nil
}

// toolSignals mirrors tool execution onto the bus.
func (b *Bot) toolSignals() *agent.CallbackManager {
	cm := agent.NewCallbackManager()

	cm.RegisterCallback(agent.NewFunctionCallback(agent.CallbackBeforeTool,
		func(ctx context.Context, cbCtx *agent.CallbackContext) error {
			b.bus.EmitNew(ctx, bus.KindIntellectToolCall, map[string]any{
				"step":      cbCtx.Step,
				"id":        cbCtx.Call.ID,
				"name":      cbCtx.Call.Name,
				"arguments": cbCtx.Call.Arguments,
			}, "agent")
			return nil
		},
	))

	cm.RegisterCallback(agent.NewFunctionCallback(agent.CallbackAfterTool,
		func(ctx context.Context, cbCtx *agent.CallbackContext) error {
			r := cbCtx.Result
			b.bus.EmitNew(ctx, bus.KindIntellectToolResult, map[string]any{
				"step":       cbCtx.Step,
				"id":         r.CallID,
				"name":       r.Name,
				"status":     string(r.Status),
				"error":      r.Error,
				"elapsed_ms": r.Elapsed.Milliseconds(),
			}, "agent")
			return nil
		},
	))

	return cm
}

func outcome(pc *pipeline.Context) string {
	switch {
	case pc.GetBool(pipeline.KeyAccessDenied):
		return OutcomeDenied
	case pc.GetBool(pipeline.KeyRateLimited):
		return OutcomeRateLimited
	case pc.GetString(pipeline.KeyBlockedWord) != "":
		return OutcomeBlocked
	case !pc.GetBool(pipeline.KeyIsAwake):
		return OutcomeIgnored
	}

	if n, ok := pc.Get(pipeline.KeyDelivered); ok {
		if sent, _ := n.(int); sent > 0 {
			return OutcomeReplied
		}
	}

	if len(pc.Errors()) > 0 {
		return OutcomeError
	}

	return OutcomeNoReply
}
