package pack

import (
	"context"
	"strings"

	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/pipeline"
	"github.com/hupe1980/packbot/tool"
)

// HookKind selects how a hook matches messages.
type HookKind string

const (
	// HookCommand matches "/name args" (the slash is optional).
	HookCommand HookKind = "command"
	// HookRegex matches when the pattern is found anywhere in the text.
	HookRegex HookKind = "regex"
	// HookMessage sees every message that reaches dispatch.
	HookMessage HookKind = "message"
	// HookLLMTool contributes a tool to the agent's registry.
	HookLLMTool HookKind = "llm_tool"
)

// DefaultPriority is the priority of hooks built by the constructors.
const DefaultPriority = 50

// Request is what a hook handler receives.
type Request struct {
	Event   core.Event
	Text    string   // stripped message text
	Args    string   // command arguments (command hooks)
	Match   []string // full match and groups (regex hooks)
	Context *pipeline.Context
}

// Handler answers a matched message. An empty reply leaves the response
// untouched.
type Handler func(ctx context.Context, req *Request) (string, error)

// Descriptor is one hook contributed by a pack.
type Descriptor struct {
	Kind        HookKind
	Pattern     string // command name or regular expression
	Description string
	Priority    int // lower runs earlier
	Handler     Handler
	Tool        *tool.Descriptor // HookLLMTool only
	Enabled     bool
}

// HookOptions configures hooks built by the constructors.
type HookOptions struct {
	Priority int
	Disabled bool
}

func newDescriptor(kind HookKind, pattern, description string, h Handler, optFns []func(o *HookOptions)) Descriptor {
	opts := HookOptions{Priority: DefaultPriority}
	for _, fn := range optFns {
		fn(&opts)
	}

	return Descriptor{
		Kind:        kind,
		Pattern:     pattern,
		Description: description,
		Priority:    opts.Priority,
		Handler:     h,
		Enabled:     !opts.Disabled,
	}
}

// Command creates a command hook for name.
func Command(name, description string, h Handler, optFns ...func(o *HookOptions)) Descriptor {
	return newDescriptor(HookCommand, strings.TrimPrefix(name, "/"), description, h, optFns)
}

// Regex creates a regex hook.
func Regex(pattern, description string, h Handler, optFns ...func(o *HookOptions)) Descriptor {
	return newDescriptor(HookRegex, pattern, description, h, optFns)
}

// Message creates a hook seeing every dispatched message.
func Message(description string, h Handler, optFns ...func(o *HookOptions)) Descriptor {
	return newDescriptor(HookMessage, "", description, h, optFns)
}

// LLMTool creates a hook contributing d to the tool registry.
func LLMTool(d tool.Descriptor, optFns ...func(o *HookOptions)) Descriptor {
	desc := newDescriptor(HookLLMTool, d.Name, d.Description, nil, optFns)
	desc.Tool = &d

	return desc
}

// Pack is an extension bundle. Init returns the pack's hooks; it is called
// once per Load.
type Pack interface {
	Name() string
	Version() string
	Init(ctx context.Context) ([]Descriptor, error)
}

// MatchCommand reports whether text invokes command and returns the
// remaining arguments. A leading "/" is optional and the name comparison is
// case-insensitive; the name must be a whole token.
func MatchCommand(text, command string) (bool, string) {
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "/"))

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false, ""
	}

	if !strings.EqualFold(fields[0], command) {
		return false, ""
	}

	rest := strings.TrimSpace(text[len(fields[0]):])

	return true, rest
}
