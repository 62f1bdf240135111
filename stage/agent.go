package stage

import (
	"context"
	"time"

	"github.com/hupe1980/packbot/agent"
	"github.com/hupe1980/packbot/bus"
	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/internal/util"
	"github.com/hupe1980/packbot/logging"
	"github.com/hupe1980/packbot/model"
	"github.com/hupe1980/packbot/pack"
	"github.com/hupe1980/packbot/pipeline"
	"github.com/hupe1980/packbot/session"
)

// Dispatch offers the message to the loaded packs.
type Dispatch struct {
	loader *pack.Loader
}

// NewDispatch creates the dispatch stage.
func NewDispatch(loader *pack.Loader) *Dispatch { return &Dispatch{loader: loader} }

func (d *Dispatch) Name() string { return "dispatch" }

func (d *Dispatch) Handle(ctx context.Context, pc *pipeline.Context, next pipeline.Next) error {
	d.loader.Dispatch(ctx, pc)
	return next()
}

// Runner is the part of the agent loop the agent stage drives.
type Runner interface {
	Run(ctx context.Context, history []core.Content) *agent.RunState
	RunStream(ctx context.Context, history []core.Content, onChunk func(model.Chunk)) *agent.RunState
}

// AgentOptions configures the agent stage.
type AgentOptions struct {
	// SystemPrompt is rendered per message; it may reference .platform,
	// .session_id, .sender_id, .sender_name, .is_group and .now.
	SystemPrompt string
	Streaming    bool
	ErrorReply   string
	Bus          *bus.Bus
	Logger       logging.Logger
}

// Agent answers awake messages nobody else answered with the agent loop.
type Agent struct {
	runner  Runner
	history session.Store
	opts    AgentOptions
	logger  logging.Logger
}

// NewAgent creates the agent stage.
func NewAgent(runner Runner, history session.Store, optFns ...func(o *AgentOptions)) *Agent {
	opts := AgentOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if history == nil {
		history = session.NewInMemoryStore(session.DefaultContextLimit)
	}

	return &Agent{runner: runner, history: history, opts: opts, logger: opts.Logger}
}

func (a *Agent) Name() string { return "agent" }

func (a *Agent) Handle(ctx context.Context, pc *pipeline.Context, next pipeline.Next) error {
	text := pc.Text()

	if !pc.GetBool(pipeline.KeyIsAwake) || pc.HasResponse() || pc.GetBool(pipeline.KeySkipAgent) || text == "" {
		return next()
	}

	key := pc.Event.Session.Origin()
	user := core.NewTextContent(core.RoleUser, text)

	messages := a.history.History(key)
	if prompt := a.systemPrompt(pc); prompt != "" {
		messages = append([]core.Content{core.NewTextContent(core.RoleSystem, prompt)}, messages...)
	}
	messages = append(messages, user)

	a.emit(ctx, bus.KindIntellectRequest, map[string]any{"session": key, "text": text})

	var state *agent.RunState
	if a.opts.Streaming {
		// Text deltas are published as partial responses while the
		// reply is still being generated.
		state = a.runner.RunStream(ctx, messages, func(c model.Chunk) {
			if c.Content == "" {
				return
			}
			a.emit(ctx, bus.KindIntellectResponse, map[string]any{
				"session": key,
				"delta":   c.Content,
				"partial": true,
			})
		})
	} else {
		state = a.runner.Run(ctx, messages)
	}

	pc.Set(pipeline.KeyAgentSteps, state.Step)

	if state.Failed() {
		a.logger.Error("stage.agent.error", "session", key, "steps", state.Step, "error", state.Err.Error())
		if a.opts.ErrorReply != "" {
			pc.SetResponse(a.opts.ErrorReply)
		}
		return next()
	}

	if state.FinalAnswer != "" {
		pc.SetResponse(state.FinalAnswer)
		a.history.Append(key, user, core.NewTextContent(core.RoleAssistant, state.FinalAnswer))
	}

	a.emit(ctx, bus.KindIntellectResponse, map[string]any{
		"session":   key,
		"partial":   false,
		"text":      state.FinalAnswer,
		"steps":     state.Step,
		"timed_out": state.TimedOut,
		"usage":     state.Usage,
	})

	return next()
}

func (a *Agent) systemPrompt(pc *pipeline.Context) string {
	if a.opts.SystemPrompt == "" {
		return ""
	}

	s := pc.Event.Session
	out, err := util.RenderTemplate(a.opts.SystemPrompt, map[string]any{
		"platform":    s.Platform,
		"session_id":  s.SessionID,
		"sender_id":   s.SenderID,
		"sender_name": s.SenderName,
		"is_group":    s.IsGroup,
		"now":         time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		a.logger.Warn("stage.agent.prompt_template", "error", err.Error())
		return a.opts.SystemPrompt
	}

	return out
}

func (a *Agent) emit(ctx context.Context, kind bus.Kind, payload any) {
	if a.opts.Bus == nil {
		return
	}

	a.opts.Bus.EmitNew(ctx, kind, payload, "agent")
}
