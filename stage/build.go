package stage

import (
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/packbot/adapter"
	"github.com/hupe1980/packbot/bus"
	"github.com/hupe1980/packbot/config"
	"github.com/hupe1980/packbot/logging"
	"github.com/hupe1980/packbot/metrics"
	"github.com/hupe1980/packbot/pack"
	"github.com/hupe1980/packbot/pipeline"
	"github.com/hupe1980/packbot/session"
)

// Deps are the long-lived collaborators shared by the stages.
type Deps struct {
	Loader  *pack.Loader
	Runner  Runner // nil leaves the agent stage out
	History session.Store
	Sender  adapter.Sender
	Bus     *bus.Bus
	Logger  logging.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Build assembles the canonical stage set from cfg.
func Build(cfg *config.Config, deps Deps) (*pipeline.Engine, error) {
	if cfg == nil {
		return nil, errors.New("stage: nil config")
	}
	if deps.Sender == nil {
		return nil, errors.New("stage: sender is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NoOpLogger{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	p := cfg.Platform
	logger := logging.With(deps.Logger, "component", "stage")

	engine := pipeline.NewEngine(func(o *pipeline.Options) {
		o.Logger = deps.Logger
		o.Metrics = deps.Metrics
	})

	limiter, err := NewRateLimit(p.RateLimitPerMinute, func(o *RateLimitOptions) {
		o.Now = deps.Now
		o.Logger = logger
		o.Metrics = deps.Metrics
	})
	if err != nil {
		return nil, fmt.Errorf("stage: %w", err)
	}

	engine.
		Use(NewWake(p.WakePrefix, p.WakeWords, logger), PriorityWake).
		Use(NewAccess(p.Whitelist, p.Blacklist, logger), PriorityAccess).
		Use(limiter, PriorityRateLimit)

	if p.ContentSafetyEnabled {
		engine.Use(NewGuard(p.BlockedWords, logger), PriorityGuard)
	}

	engine.Use(Session{}, PrioritySession)

	if deps.Loader != nil {
		engine.Use(NewDispatch(deps.Loader), PriorityDispatch)
	}

	if cfg.Agent.Enabled && deps.Runner != nil {
		engine.Use(NewAgent(deps.Runner, deps.History, func(o *AgentOptions) {
			o.SystemPrompt = cfg.Provider.SystemPrompt
			o.Streaming = cfg.Provider.Streaming
			o.ErrorReply = p.ErrorReply
			o.Bus = deps.Bus
			o.Logger = logger
		}), PriorityAgent)
	}

	engine.
		Use(NewDecorate(p.ReplyPrefix, p.ReplyWithMention), PriorityDecorate).
		Use(NewDeliver(deps.Sender, func(o *DeliverOptions) {
			o.Segment = p.SegmentReply
			o.Threshold = p.SegmentThreshold
			o.Bus = deps.Bus
			o.Logger = logger
		}), PriorityDeliver)

	return engine, nil
}
