package pack

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/packbot/bus"
	"github.com/hupe1980/packbot/internal/testutil"
	"github.com/hupe1980/packbot/pipeline"
	"github.com/hupe1980/packbot/tool"
)

type stubPack struct {
	name  string
	hooks []Descriptor
	err   error
}

func (p *stubPack) Name() string    { return p.name }
func (p *stubPack) Version() string { return "1.0.0" }
func (p *stubPack) Init(context.Context) ([]Descriptor, error) {
	return p.hooks, p.err
}

func reply(text string) Handler {
	return func(context.Context, *Request) (string, error) { return text, nil }
}

func newContext(text string) *pipeline.Context {
	return pipeline.NewContext(testutil.NewEventBuilder().Text(text).Build())
}

func TestMatchCommand(t *testing.T) {
	tests := []struct {
		text    string
		command string
		ok      bool
		args    string
	}{
		{"/ping", "ping", true, ""},
		{"ping", "ping", true, ""},
		{"  /PING  ", "ping", true, ""},
		{"/ weather Berlin  today ", "weather", true, "Berlin  today"},
		{"/pingpong", "ping", false, ""},
		{"/pi", "ping", false, ""},
		{"", "ping", false, ""},
		{"/", "ping", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			ok, args := MatchCommand(tt.text, tt.command)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestLoader_CommandDispatch(t *testing.T) {
	var got *Request

	l := NewLoader(nil)
	require.NoError(t, l.Load(context.Background(), &stubPack{name: "weather", hooks: []Descriptor{
		Command("/weather", "Show weather", func(_ context.Context, req *Request) (string, error) {
			got = req
			return "sunny in " + req.Args, nil
		}),
	}}))

	pc := newContext("/weather Berlin")
	assert.True(t, l.Dispatch(context.Background(), pc))
	assert.Equal(t, "sunny in Berlin", pc.Response())
	assert.True(t, pc.GetBool(pipeline.KeySkipAgent))
	assert.Equal(t, "weather", pc.GetString(pipeline.KeyCommand))
	assert.Equal(t, "Berlin", pc.GetString(KeyCommandArgs))
	require.NotNil(t, got)
	assert.Equal(t, "/weather Berlin", got.Text)

	pc = newContext("how is the weather")
	assert.False(t, l.Dispatch(context.Background(), pc))
	assert.False(t, pc.HasResponse())
	assert.False(t, pc.GetBool(pipeline.KeySkipAgent))
}

func TestLoader_RegexDispatch(t *testing.T) {
	l := NewLoader(nil)
	require.NoError(t, l.Load(context.Background(), &stubPack{name: "dice", hooks: []Descriptor{
		Regex(`roll (\d+)d(\d+)`, "Roll dice", func(_ context.Context, req *Request) (string, error) {
			return "rolling " + req.Match[1] + " dice with " + req.Match[2] + " sides", nil
		}),
	}}))

	pc := newContext("please roll 2d6 for me")
	assert.True(t, l.Dispatch(context.Background(), pc))
	assert.Equal(t, "rolling 2 dice with 6 sides", pc.Response())

	match, ok := pc.Get(KeyRegexMatch)
	require.True(t, ok)
	assert.Equal(t, []string{"roll 2d6", "2", "6"}, match)
}

func TestLoader_MessageHooksContinue(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	record := func(name, out string) Handler {
		return func(context.Context, *Request) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, name)
			return out, nil
		}
	}

	l := NewLoader(nil)
	require.NoError(t, l.Load(context.Background(), &stubPack{name: "log", hooks: []Descriptor{
		Message("observer", record("observer", "")),
		Message("greeter", record("greeter", "hello!")),
		Message("late", record("late", "ignored")),
	}}))

	pc := newContext("anything")
	assert.True(t, l.Dispatch(context.Background(), pc))
	assert.Equal(t, []string{"observer", "greeter", "late"}, seen)
	assert.Equal(t, "hello!", pc.Response())
	assert.False(t, pc.GetBool(pipeline.KeySkipAgent))
}

func TestLoader_PriorityAndLoadOrder(t *testing.T) {
	l := NewLoader(nil)
	require.NoError(t, l.Load(context.Background(),
		&stubPack{name: "a", hooks: []Descriptor{
			Command("hi", "", reply("from a")),
		}},
		&stubPack{name: "b", hooks: []Descriptor{
			Command("hi", "", reply("from b")),
			Command("hey", "", reply("from b early"), func(o *HookOptions) { o.Priority = 10 }),
		}},
	))

	pc := newContext("/hi")
	l.Dispatch(context.Background(), pc)
	assert.Equal(t, "from a", pc.Response())

	cmds := l.Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, "hey", cmds[0].Pattern)
	assert.Equal(t, "hi", cmds[1].Pattern)
}

func TestLoader_HandlerFailureContinues(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var errs []any
	b.Connect(bus.KindPackError, func(_ context.Context, sig *bus.Signal) error {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, sig.Payload)
		return nil
	})

	l := NewLoader(nil, func(o *LoaderOptions) { o.Bus = b })
	require.NoError(t, l.Load(context.Background(), &stubPack{name: "flaky", hooks: []Descriptor{
		Command("go", "", func(context.Context, *Request) (string, error) { return "", errors.New("boom") }),
		Command("go", "", func(context.Context, *Request) (string, error) { panic("bad") }),
		Command("go", "", reply("went")),
	}}))

	pc := newContext("/go")
	assert.True(t, l.Dispatch(context.Background(), pc))
	assert.Equal(t, "went", pc.Response())
	assert.Len(t, errs, 2)
}

func TestLoader_CommandWithEmptyReplyStillSkipsAgent(t *testing.T) {
	l := NewLoader(nil)
	require.NoError(t, l.Load(context.Background(), &stubPack{name: "quiet", hooks: []Descriptor{
		Command("mute", "", reply("")),
	}}))

	pc := newContext("/mute")
	assert.True(t, l.Dispatch(context.Background(), pc))
	assert.False(t, pc.HasResponse())
	assert.True(t, pc.GetBool(pipeline.KeySkipAgent))
}

func TestLoader_ToolsAndEnableDisable(t *testing.T) {
	reg := tool.NewRegistry()
	l := NewLoader(reg)

	echo := tool.NewDescriptor("echo", "Echo", nil, func(_ context.Context, args map[string]any) (any, error) {
		return args, nil
	})

	require.NoError(t, l.Load(context.Background(), &stubPack{name: "tools", hooks: []Descriptor{
		LLMTool(echo),
		Command("echo", "", reply("cmd")),
	}}))

	d, ok := reg.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "tools", d.Source)
	assert.True(t, d.Enabled)
	assert.Len(t, reg.ExportSchemas(true), 1)

	require.NoError(t, l.Disable("tools"))
	assert.Empty(t, reg.ExportSchemas(true))
	assert.False(t, l.Dispatch(context.Background(), newContext("/echo")))

	require.NoError(t, l.Enable("tools"))
	assert.Len(t, reg.ExportSchemas(true), 1)
	assert.True(t, l.Dispatch(context.Background(), newContext("/echo")))

	assert.ErrorIs(t, l.Disable("missing"), ErrPackNotFound)
}

func TestLoader_DisabledToolHook(t *testing.T) {
	reg := tool.NewRegistry()
	l := NewLoader(reg)

	d := tool.NewDescriptor("hidden", "Hidden", nil, func(context.Context, map[string]any) (any, error) { return nil, nil })
	require.NoError(t, l.Load(context.Background(), &stubPack{name: "p", hooks: []Descriptor{
		LLMTool(d, func(o *HookOptions) { o.Disabled = true }),
	}}))

	got, ok := reg.Get("hidden")
	require.True(t, ok)
	assert.False(t, got.Enabled)
	assert.Empty(t, reg.ExportSchemas(true))
}

func TestLoader_EnableKeepsDeclaredToolState(t *testing.T) {
	reg := tool.NewRegistry()
	l := NewLoader(reg)

	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	require.NoError(t, l.Load(context.Background(), &stubPack{name: "p", hooks: []Descriptor{
		LLMTool(tool.NewDescriptor("hidden", "Hidden", nil, noop), func(o *HookOptions) { o.Disabled = true }),
		LLMTool(tool.NewDescriptor("shown", "Shown", nil, noop)),
	}}))

	require.NoError(t, l.Disable("p"))
	require.NoError(t, l.Enable("p"))

	hidden, _ := reg.Get("hidden")
	shown, _ := reg.Get("shown")
	assert.False(t, hidden.Enabled)
	assert.True(t, shown.Enabled)
	assert.Len(t, reg.ExportSchemas(true), 1)
}

func TestLoader_UnloadRemovesHooksAndTools(t *testing.T) {
	b := bus.New()
	var kinds []bus.Kind
	b.ConnectAll(func(_ context.Context, sig *bus.Signal) error {
		kinds = append(kinds, sig.Kind)
		return nil
	})

	reg := tool.NewRegistry()
	l := NewLoader(reg, func(o *LoaderOptions) { o.Bus = b })

	d := tool.NewDescriptor("t1", "T1", nil, func(context.Context, map[string]any) (any, error) { return nil, nil })
	require.NoError(t, l.Load(context.Background(), &stubPack{name: "p", hooks: []Descriptor{
		LLMTool(d),
		Command("c", "", reply("c")),
	}}))
	require.Len(t, l.Packs(), 1)
	assert.Equal(t, []string{"t1"}, l.Packs()[0].Tools)

	assert.True(t, l.Unload(context.Background(), "p"))
	assert.False(t, l.Unload(context.Background(), "p"))
	assert.Empty(t, l.Packs())
	assert.Equal(t, 0, reg.Len())
	assert.False(t, l.Dispatch(context.Background(), newContext("/c")))

	assert.Equal(t, []bus.Kind{bus.KindPackLoaded, bus.KindPackUnloaded}, kinds)
}

func TestLoader_LoadErrors(t *testing.T) {
	reg := tool.NewRegistry()
	l := NewLoader(reg)

	d := tool.NewDescriptor("dup", "Dup", nil, func(context.Context, map[string]any) (any, error) { return nil, nil })

	err := l.Load(context.Background(),
		&stubPack{name: "good", hooks: []Descriptor{LLMTool(d)}},
		&stubPack{name: "good"},
		&stubPack{name: "broken-init", err: errors.New("no config")},
		&stubPack{name: "bad-regex", hooks: []Descriptor{Regex("(", "", reply("x"))}},
		&stubPack{name: "clash", hooks: []Descriptor{
			LLMTool(tool.NewDescriptor("other", "", nil, d.Handler)),
			LLMTool(d),
		}},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicatePack)
	assert.ErrorIs(t, err, tool.ErrDuplicateTool)
	assert.Contains(t, err.Error(), "no config")
	assert.Contains(t, err.Error(), "bad-regex")

	require.Len(t, l.Packs(), 1)
	assert.Equal(t, "good", l.Packs()[0].Name)

	// The clashing pack's first tool was rolled back.
	_, ok := reg.Get("other")
	assert.False(t, ok)
}
