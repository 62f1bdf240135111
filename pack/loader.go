package pack

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/hupe1980/packbot/bus"
	"github.com/hupe1980/packbot/logging"
	"github.com/hupe1980/packbot/pipeline"
	"github.com/hupe1980/packbot/tool"
)

// Store keys written by Dispatch.
const (
	KeyCommandArgs = "command_args"
	KeyRegexMatch  = "regex_match"
)

var (
	// ErrDuplicatePack is returned when a pack with the same name is loaded.
	ErrDuplicatePack = errors.New("pack: already loaded")
	// ErrPackNotFound is returned for operations on unknown packs.
	ErrPackNotFound = errors.New("pack: not found")
)

// Info summarizes a loaded pack.
type Info struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Enabled bool     `json:"enabled"`
	Hooks   int      `json:"hooks"`
	Tools   []string `json:"tools,omitempty"`
}

type hook struct {
	Descriptor
	pack  string
	order int
	re    *regexp.Regexp
}

type loaded struct {
	pack    Pack
	hooks   []hook
	tools   []string
	enabled bool

	// declared records each tool's enabled state at load time.
	declared map[string]bool
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Bus    *bus.Bus
	Logger logging.Logger
}

// Loader owns the loaded packs, their hooks and their tools.
type Loader struct {
	mu       sync.RWMutex
	packs    map[string]*loaded
	order    []string
	seq      int
	registry *tool.Registry
	bus      *bus.Bus
	logger   logging.Logger
}

// NewLoader creates a loader registering llm_tool hooks into registry.
func NewLoader(registry *tool.Registry, optFns ...func(o *LoaderOptions)) *Loader {
	opts := LoaderOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	if registry == nil {
		registry = tool.NewRegistry()
	}

	return &Loader{
		packs:    make(map[string]*loaded),
		registry: registry,
		bus:      opts.Bus,
		logger:   logging.With(opts.Logger, "component", "pack"),
	}
}

// Load initializes and registers packs. A failing pack is skipped, reported
// as pack.error and included in the returned error; the others still load.
func (l *Loader) Load(ctx context.Context, packs ...Pack) error {
	var errs []error

	for _, p := range packs {
		if err := l.load(ctx, p); err != nil {
			l.logger.Error("pack.load.error", "pack", p.Name(), "error", err.Error())
			l.emit(ctx, bus.KindPackError, map[string]any{"pack": p.Name(), "error": err.Error()})
			errs = append(errs, fmt.Errorf("pack %s: %w", p.Name(), err))
			continue
		}

		l.logger.Info("pack.loaded", "pack", p.Name(), "version", p.Version())
		l.emit(ctx, bus.KindPackLoaded, map[string]any{"pack": p.Name(), "version": p.Version()})
	}

	return errors.Join(errs...)
}

func (l *Loader) load(ctx context.Context, p Pack) error {
	name := p.Name()

	l.mu.RLock()
	_, exists := l.packs[name]
	l.mu.RUnlock()

	if exists {
		return ErrDuplicatePack
	}

	descs, err := p.Init(ctx)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	lp := &loaded{pack: p, enabled: true, declared: make(map[string]bool)}

	for _, d := range descs {
		h := hook{Descriptor: d, pack: name}

		switch d.Kind {
		case HookCommand, HookMessage:
		case HookRegex:
			re, err := regexp.Compile(d.Pattern)
			if err != nil {
				l.rollback(lp)
				return fmt.Errorf("hook %q: %w", d.Pattern, err)
			}
			h.re = re
		case HookLLMTool:
			if d.Tool == nil {
				l.rollback(lp)
				return fmt.Errorf("llm_tool hook %q without tool", d.Pattern)
			}
			td := *d.Tool
			td.Source = name
			td.Enabled = td.Enabled && d.Enabled
			if err := l.registry.Register(td); err != nil {
				l.rollback(lp)
				return err
			}
			lp.tools = append(lp.tools, td.Name)
			lp.declared[td.Name] = td.Enabled
			continue
		default:
			l.rollback(lp)
			return fmt.Errorf("unknown hook kind %q", d.Kind)
		}

		if d.Handler == nil {
			l.rollback(lp)
			return fmt.Errorf("%s hook %q without handler", d.Kind, d.Pattern)
		}

		lp.hooks = append(lp.hooks, h)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.packs[name]; exists {
		l.rollback(lp)
		return ErrDuplicatePack
	}

	for i := range lp.hooks {
		lp.hooks[i].order = l.seq
		l.seq++
	}

	l.packs[name] = lp
	l.order = append(l.order, name)

	return nil
}

func (l *Loader) rollback(lp *loaded) {
	for _, name := range lp.tools {
		l.registry.Unregister(name)
	}
}

// Unload removes a pack with its hooks and tools.
func (l *Loader) Unload(ctx context.Context, name string) bool {
	l.mu.Lock()
	lp, ok := l.packs[name]
	if ok {
		delete(l.packs, name)
		for i, n := range l.order {
			if n == name {
				l.order = append(l.order[:i:i], l.order[i+1:]...)
				break
			}
		}
	}
	l.mu.Unlock()

	if !ok {
		return false
	}

	l.rollback(lp)

	l.logger.Info("pack.unloaded", "pack", name)
	l.emit(ctx, bus.KindPackUnloaded, map[string]any{"pack": name})

	return true
}

// Enable turns a pack's hooks and tools back on.
func (l *Loader) Enable(name string) error { return l.setEnabled(name, true) }

// Disable turns a pack's hooks and tools off without unloading it.
func (l *Loader) Disable(name string) error { return l.setEnabled(name, false) }

func (l *Loader) setEnabled(name string, enabled bool) error {
	l.mu.Lock()
	lp, ok := l.packs[name]
	if ok {
		lp.enabled = enabled
	}
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPackNotFound, name)
	}

	for _, t := range lp.tools {
		var err error
		if enabled {
			if !lp.declared[t] {
				continue
			}
			err = l.registry.Enable(t)
		} else {
			err = l.registry.Disable(t)
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// Packs lists loaded packs in load order.
func (l *Loader) Packs() []Info {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Info, 0, len(l.order))
	for _, name := range l.order {
		lp := l.packs[name]
		out = append(out, Info{
			Name:    name,
			Version: lp.pack.Version(),
			Enabled: lp.enabled,
			Hooks:   len(lp.hooks),
			Tools:   append([]string(nil), lp.tools...),
		})
	}

	return out
}

// Commands returns the enabled command hooks in dispatch order.
func (l *Loader) Commands() []Descriptor {
	var out []Descriptor
	for _, h := range l.activeHooks() {
		if h.Kind == HookCommand {
			out = append(out, h.Descriptor)
		}
	}

	return out
}

// activeHooks snapshots the enabled hooks of enabled packs sorted by
// priority, ties in load order.
func (l *Loader) activeHooks() []hook {
	l.mu.RLock()
	var hooks []hook
	for _, lp := range l.packs {
		if !lp.enabled {
			continue
		}
		for _, h := range lp.hooks {
			if h.Enabled {
				hooks = append(hooks, h)
			}
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Priority != hooks[j].Priority {
			return hooks[i].Priority < hooks[j].Priority
		}
		return hooks[i].order < hooks[j].order
	})

	return hooks
}

// Dispatch offers the message to the hooks. The first command or regex hit
// answers, marks the agent to be skipped and ends dispatch; message hooks
// may answer while dispatch continues. Handler failures are logged and
// reported as pack.error. It reports whether any hook answered.
func (l *Loader) Dispatch(ctx context.Context, pc *pipeline.Context) bool {
	text := pc.Text()
	handled := false

	for _, h := range l.activeHooks() {
		req := &Request{Event: pc.Event, Text: text, Context: pc}

		switch h.Kind {
		case HookCommand:
			ok, args := MatchCommand(text, h.Pattern)
			if !ok {
				continue
			}

			req.Args = args
			pc.Set(KeyCommandArgs, args)
			pc.Set(pipeline.KeyCommand, h.Pattern)
		case HookRegex:
			match := h.re.FindStringSubmatch(text)
			if match == nil {
				continue
			}

			req.Match = match
			pc.Set(KeyRegexMatch, match)
		case HookMessage:
		default:
			continue
		}

		reply, err := l.call(ctx, h, req)
		if err != nil {
			l.logger.Error("pack.hook.error", "pack", h.pack, "hook", hookName(h), "error", err.Error())
			l.emit(ctx, bus.KindPackError, map[string]any{"pack": h.pack, "hook": hookName(h), "error": err.Error()})
			continue
		}

		if h.Kind == HookMessage {
			if reply != "" && !pc.HasResponse() {
				pc.SetResponse(reply)
				handled = true
			}
			continue
		}

		if reply != "" {
			pc.SetResponse(reply)
		}
		pc.Set(pipeline.KeySkipAgent, true)

		l.logger.Debug("pack.hook.matched", "pack", h.pack, "hook", hookName(h), "kind", string(h.Kind))

		return true
	}

	return handled
}

func (l *Loader) call(ctx context.Context, h hook, req *Request) (reply string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook panic: %v", p)
		}
	}()

	return h.Handler(ctx, req)
}

func (l *Loader) emit(ctx context.Context, kind bus.Kind, payload any) {
	if l.bus == nil {
		return
	}

	l.bus.EmitNew(ctx, kind, payload, "pack")
}

func hookName(h hook) string {
	if h.Pattern != "" {
		return h.Pattern
	}

	return string(h.Kind)
}
