package stage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/packbot/agent"
	"github.com/hupe1980/packbot/bus"
	"github.com/hupe1980/packbot/config"
	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/internal/testutil"
	"github.com/hupe1980/packbot/metrics"
	"github.com/hupe1980/packbot/model"
	"github.com/hupe1980/packbot/pack"
	"github.com/hupe1980/packbot/pack/builtin"
	"github.com/hupe1980/packbot/pipeline"
	"github.com/hupe1980/packbot/session"
	"github.com/hupe1980/packbot/tool"
)

type sent struct {
	session core.Session
	text    string
	replyTo string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (s *recordingSender) Send(_ context.Context, sess core.Session, text, replyTo string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, sent{session: sess, text: text, replyTo: replyTo})

	return "m" + string(rune('0'+len(s.sent))), nil
}

func (s *recordingSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.sent))
	for _, m := range s.sent {
		out = append(out, m.text)
	}
	return out
}

type fixture struct {
	engine  *pipeline.Engine
	model   *model.ScriptedModel
	sender  *recordingSender
	history *session.InMemoryStore
	bus     *bus.Bus
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	reg := tool.NewRegistry()
	b := bus.New()
	loader := pack.NewLoader(reg, func(o *pack.LoaderOptions) { o.Bus = b })
	require.NoError(t, loader.Load(context.Background(), builtin.New(loader, reg)))

	scripted := model.NewScriptedModel("test")
	f := &fixture{
		model:   scripted,
		sender:  &recordingSender{},
		history: session.NewInMemoryStore(cfg.Provider.ContextLimit),
		bus:     b,
		metrics: metrics.New(prometheus.NewRegistry()),
	}

	engine, err := Build(cfg, Deps{
		Loader:  loader,
		Runner:  agent.New(scripted, reg),
		History: f.history,
		Sender:  f.sender,
		Bus:     b,
		Metrics: f.metrics,
	})
	require.NoError(t, err)
	f.engine = engine

	return f
}

func (f *fixture) run(ev core.Event) *pipeline.Context {
	return f.engine.Execute(context.Background(), pipeline.NewContext(ev))
}

func TestBuild_StageOrder(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Platform.ContentSafetyEnabled = true })

	assert.Equal(t,
		[]string{"wake", "access", "ratelimit", "guard", "session", "dispatch", "agent", "decorate", "deliver"},
		f.engine.Stages())

	f = newFixture(t, func(cfg *config.Config) { cfg.Agent.Enabled = false })
	assert.NotContains(t, f.engine.Stages(), "agent")
	assert.NotContains(t, f.engine.Stages(), "guard")
}

func TestBuild_RequiresSender(t *testing.T) {
	_, err := Build(config.Default(), Deps{})
	assert.Error(t, err)
}

func TestScenario_PingCommand(t *testing.T) {
	f := newFixture(t, nil)

	pc := f.run(testutil.NewEventBuilder().MessageID("42").Text("/ping").Build())

	assert.True(t, pc.GetBool(pipeline.KeyIsAwake))
	assert.Equal(t, "ping", pc.GetString(pipeline.KeyStrippedText))
	assert.True(t, pc.GetBool(pipeline.KeySkipAgent))
	assert.Equal(t, []string{"pong!"}, f.sender.texts())
	assert.Equal(t, "42", f.sender.sent[0].replyTo)
	assert.Equal(t, 0, f.model.Calls())
	assert.Empty(t, pc.Errors())
}

func TestScenario_RateLimitTerminatesBeforeDispatch(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Platform.RateLimitPerMinute = 1 })

	first := f.run(testutil.NewEventBuilder().Text("/ping").Build())
	assert.False(t, first.Terminated())

	second := f.run(testutil.NewEventBuilder().Text("/ping").Build())
	assert.True(t, second.Terminated())
	assert.True(t, second.GetBool(pipeline.KeyRateLimited))
	assert.Empty(t, second.GetString(pipeline.KeyCommand))
	assert.False(t, second.HasResponse())

	assert.Equal(t, []string{"pong!"}, f.sender.texts())
	assert.Equal(t, 0, f.model.Calls())
	assert.InDelta(t, 1, promtestutil.ToFloat64(f.metrics.RateLimitDenied), 0)

	// Another sender in the same chat has its own window.
	other := f.run(testutil.NewEventBuilder().Sender("bob").Text("/ping").Build())
	assert.False(t, other.Terminated())
}

func TestScenario_GroupWakeWordAndMention(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Platform.WakeWords = []string{"bot"} })

	asleep := f.run(testutil.NewEventBuilder().Group("g1").Sender("alice").Text("hello there").Build())
	assert.True(t, asleep.Terminated())
	assert.False(t, asleep.GetBool(pipeline.KeyIsAwake))
	assert.Empty(t, asleep.GetString(pipeline.KeySessionID))

	pc := f.run(testutil.NewEventBuilder().Group("g1").Sender("alice").Text("Bot, what is up?").Build())
	assert.True(t, pc.GetBool(pipeline.KeyIsAwake))
	assert.Equal(t, "what is up?", pc.GetString(pipeline.KeyStrippedText))
	assert.Equal(t, []string{"@alice Mock response to: what is up?"}, f.sender.texts())
	assert.Equal(t, 1, pc.Store()[pipeline.KeyAgentSteps])

	// "botany" is not the wake word.
	pc = f.run(testutil.NewEventBuilder().Group("g1").Sender("alice").Text("botany rocks").Build())
	assert.False(t, pc.GetBool(pipeline.KeyIsAwake))
}

func TestScenario_MentionWakesWithoutPrefix(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Platform.ReplyWithMention = false })

	f.run(testutil.NewEventBuilder().Group("g1").Sender("alice").Mentioned().Text("hi").Build())
	assert.Equal(t, []string{"Mock response to: hi"}, f.sender.texts())
}

func TestScenario_BlacklistWinsOverWhitelist(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Platform.Whitelist = []string{"s1", "mallory"}
		cfg.Platform.Blacklist = []string{"mallory"}
	})

	pc := f.run(testutil.NewEventBuilder().Sender("mallory").Text("/ping").Build())
	assert.True(t, pc.Terminated())
	assert.True(t, pc.GetBool(pipeline.KeyAccessDenied))

	pc = f.run(testutil.NewEventBuilder().Session("s2").Sender("eve").Text("/ping").Build())
	assert.True(t, pc.GetBool(pipeline.KeyAccessDenied))

	pc = f.run(testutil.NewEventBuilder().Sender("alice").Text("/ping").Build())
	assert.False(t, pc.Terminated())
	assert.Equal(t, []string{"pong!"}, f.sender.texts())
}

func TestScenario_ContentGuard(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Platform.ContentSafetyEnabled = true
		cfg.Platform.BlockedWords = []string{"Spam"}
	})

	pc := f.run(testutil.NewEventBuilder().Text("buy spam now").Build())
	assert.True(t, pc.Terminated())
	assert.Equal(t, "Spam", pc.GetString(pipeline.KeyBlockedWord))
	assert.Empty(t, f.sender.texts())
}

func TestScenario_AgentAnswersAndRemembers(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Provider.SystemPrompt = "You talk to {{.sender_name}} on {{.platform}}."
		cfg.Platform.ReplyPrefix = "> "
	})
	f.model.AddReply(model.FinalAnswer{Text: "first"}).AddReply(model.FinalAnswer{Text: "second"})

	pc := f.run(testutil.NewEventBuilder().Sender("ada").Text("hello").Build())
	assert.Equal(t, "> first", pc.Response())
	assert.Equal(t, "s1", pc.GetString(pipeline.KeySessionID))
	assert.Equal(t, "test:private:s1", pc.GetString(pipeline.KeyConversationID))

	f.run(testutil.NewEventBuilder().Sender("ada").Text("again").Build())

	reqs := f.model.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "You talk to ada on test.", reqs[0].Messages[0].Text())

	second := reqs[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, core.RoleSystem, second[0].Role)
	assert.Equal(t, "hello", second[1].Text())
	assert.Equal(t, "first", second[2].Text())
	assert.Equal(t, "again", second[3].Text())

	assert.Len(t, f.history.History("test:private:s1"), 4)
	assert.Equal(t, []string{"> first", "> second"}, f.sender.texts())
}

func TestScenario_ProviderErrorUsesApology(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Platform.ErrorReply = "Sorry, something went wrong." })
	f.model.AddError(errors.New("upstream 500"))

	pc := f.run(testutil.NewEventBuilder().Text("hello").Build())
	assert.Empty(t, pc.Errors())
	assert.Equal(t, []string{"Sorry, something went wrong."}, f.sender.texts())
	assert.Empty(t, f.history.History("test:private:s1"))

	// Without an apology nothing is sent.
	f = newFixture(t, nil)
	f.model.AddError(errors.New("upstream 500"))
	f.run(testutil.NewEventBuilder().Text("hello").Build())
	assert.Empty(t, f.sender.texts())
}

func TestScenario_MessageOutSignal(t *testing.T) {
	f := newFixture(t, nil)

	var got []*bus.Signal
	f.bus.Connect(bus.KindGatewayMessageOut, func(_ context.Context, sig *bus.Signal) error {
		got = append(got, sig)
		return nil
	})

	f.run(testutil.NewEventBuilder().Text("/ping").Build())

	require.Len(t, got, 1)
	payload := got[0].Payload.(map[string]any)
	assert.Equal(t, "pong!", payload["text"])
	assert.Equal(t, 1, payload["segments"])
}

func TestScenario_StreamingPublishesPartials(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Provider.Streaming = true })
	f.model.AddReply(model.FinalAnswer{Text: "hey there"})

	var (
		deltas strings.Builder
		final  []map[string]any
	)
	f.bus.Connect(bus.KindIntellectResponse, func(_ context.Context, sig *bus.Signal) error {
		payload := sig.Payload.(map[string]any)
		if payload["partial"] == true {
			deltas.WriteString(payload["delta"].(string))
			return nil
		}
		final = append(final, payload)
		return nil
	})

	pc := f.run(testutil.NewEventBuilder().Text("hello").Build())

	assert.Equal(t, "hey there", pc.Response())
	assert.Equal(t, "hey there", deltas.String())
	require.Len(t, final, 1)
	assert.Equal(t, "hey there", final[0]["text"])
}

func TestDeliver_SegmentsAndFailures(t *testing.T) {
	sender := &recordingSender{}
	d := NewDeliver(sender, func(o *DeliverOptions) {
		o.Segment = true
		o.Threshold = 10
	})

	pc := pipeline.NewContext(testutil.NewEventBuilder().MessageID("7").Text("x").Build())
	pc.SetResponse("first line\nsecond line here")
	require.NoError(t, d.Handle(context.Background(), pc, func() error { return nil }))

	assert.Equal(t, []string{"first line", "second", "line here"}, sender.texts())
	assert.Equal(t, "7", sender.sent[0].replyTo)
	assert.Empty(t, sender.sent[1].replyTo)
	assert.Equal(t, 3, pc.Store()[pipeline.KeyDelivered])

	failing := &recordingSender{err: errors.New("offline")}
	d = NewDeliver(failing)
	pc = pipeline.NewContext(testutil.NewEventBuilder().Text("x").Build())
	pc.SetResponse("hi")

	called := false
	require.NoError(t, d.Handle(context.Background(), pc, func() error { called = true; return nil }))
	assert.True(t, called)
	assert.Equal(t, 0, pc.Store()[pipeline.KeyDelivered])
}

func TestSegment(t *testing.T) {
	assert.Equal(t, []string{"short"}, Segment("short", 10))
	assert.Equal(t, []string{"abc"}, Segment("abc", 0))
	assert.Equal(t, []string{"ääää", "ää"}, Segment("ääääää", 4))

	long := strings.Repeat("word ", 30)
	for _, part := range Segment(long, 12) {
		assert.LessOrEqual(t, len([]rune(part)), 12)
	}
}

func TestRateLimit_SlidingWindow(t *testing.T) {
	now := time.Unix(0, 0)
	rl, err := NewRateLimit(2, func(o *RateLimitOptions) { o.Now = func() time.Time { return now } })
	require.NoError(t, err)

	assert.True(t, rl.Allow("a"))
	now = now.Add(30 * time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	// The first request leaves the window.
	now = now.Add(31 * time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))

	disabled, err := NewRateLimit(0)
	require.NoError(t, err)
	for range 100 {
		assert.True(t, disabled.Allow("a"))
	}
}

func TestRateLimit_ConcurrentCounting(t *testing.T) {
	rl, err := NewRateLimit(50)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}

func TestWake_NonMessageEvents(t *testing.T) {
	w := NewWake([]string{"/"}, nil, nil)

	p := testutil.NewEventBuilder().Text("/ping").Params()
	p.Kind = core.EventNoticeReceived
	ev, err := core.NewEvent(p)
	require.NoError(t, err)

	pc := pipeline.NewContext(ev)
	require.NoError(t, w.Handle(context.Background(), pc, func() error {
		t.Fatal("next called")
		return nil
	}))
	assert.True(t, pc.Terminated())
}
