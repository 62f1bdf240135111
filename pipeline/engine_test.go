package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/internal/util"
	"github.com/hupe1980/packbot/metrics"
)

func testEvent(t *testing.T, text string) core.Event {
	t.Helper()

	ev, err := core.NewEvent(core.EventParams{
		Platform:  "test",
		SessionID: "s1",
		SenderID:  "u1",
		PlainText: text,
	})
	require.NoError(t, err)

	return ev
}

type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (tr *recorder) add(s string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.steps = append(tr.steps, s)
}

func (tr *recorder) stage(name string) Stage {
	return StageFunc(name, func(ctx context.Context, pc *Context, next Next) error {
		tr.add(name + ":in")
		err := next()
		tr.add(name + ":out")
		return err
	})
}

func TestExecute_OnionOrder(t *testing.T) {
	tr := &recorder{}
	e := NewEngine().
		Use(tr.stage("c"), 30).
		Use(tr.stage("a"), 10).
		Use(tr.stage("b"), 20)

	e.Execute(context.Background(), NewContext(testEvent(t, "hi")))

	assert.Equal(t, []string{"a:in", "b:in", "c:in", "c:out", "b:out", "a:out"}, tr.steps)
	assert.Equal(t, []string{"a", "b", "c"}, e.Stages())
}

func TestExecute_StablePriority(t *testing.T) {
	tr := &recorder{}
	e := NewEngine().
		Use(tr.stage("first"), 50).
		Use(tr.stage("second"), 50).
		Use(tr.stage("early"), 10)

	e.Execute(context.Background(), NewContext(testEvent(t, "hi")))

	assert.Equal(t, []string{"early", "first", "second"}, e.Stages())
	assert.Equal(t, "early:in", tr.steps[0])
	assert.Equal(t, "first:in", tr.steps[1])
	assert.Equal(t, "second:in", tr.steps[2])
}

func TestExecute_TerminateStopsChain(t *testing.T) {
	tr := &recorder{}
	e := NewEngine().
		Use(tr.stage("outer"), 10).
		Use(StageFunc("stopper", func(ctx context.Context, pc *Context, next Next) error {
			pc.Terminate()
			return next()
		}), 20).
		Use(tr.stage("never"), 30)

	pc := e.Execute(context.Background(), NewContext(testEvent(t, "hi")))

	assert.True(t, pc.Terminated())
	assert.Equal(t, []string{"outer:in", "outer:out"}, tr.steps)
}

func TestExecute_NotCallingNextEndsChain(t *testing.T) {
	tr := &recorder{}
	e := NewEngine().
		Use(StageFunc("gate", func(ctx context.Context, pc *Context, next Next) error { return nil }), 10).
		Use(tr.stage("after"), 20)

	e.Execute(context.Background(), NewContext(testEvent(t, "hi")))

	assert.Empty(t, tr.steps)
}

func TestExecute_ErrorRecordedOnce(t *testing.T) {
	var handled []string
	var outerErr error

	e := NewEngine().
		Use(StageFunc("outer", func(ctx context.Context, pc *Context, next Next) error {
			outerErr = next()
			return nil
		}), 10).
		Use(StageFunc("failing", func(ctx context.Context, pc *Context, next Next) error {
			return errors.New("broken")
		}), 20).
		OnError(func(ctx context.Context, pc *Context, stage string, err error) {
			handled = append(handled, stage)
		})

	pc := e.Execute(context.Background(), NewContext(testEvent(t, "hi")))

	require.Len(t, pc.Errors(), 1)
	assert.EqualError(t, pc.Errors()[0], "stage failing: broken")

	var se *StageError
	require.ErrorAs(t, pc.Errors()[0], &se)
	assert.Equal(t, "failing", se.Stage)
	assert.True(t, pc.Terminated())
	assert.NoError(t, outerErr)
	assert.Equal(t, []string{"failing"}, handled)
}

func TestExecute_PanicIsContained(t *testing.T) {
	tr := &recorder{}
	e := NewEngine().
		Use(tr.stage("outer"), 10).
		Use(StageFunc("panicky", func(ctx context.Context, pc *Context, next Next) error {
			panic("oops")
		}), 20)

	var pc *Context
	assert.NotPanics(t, func() {
		pc = e.Execute(context.Background(), NewContext(testEvent(t, "hi")))
	})

	require.Len(t, pc.Errors(), 1)
	assert.Contains(t, pc.Errors()[0].Error(), "oops")
	assert.Equal(t, []string{"outer:in", "outer:out"}, tr.steps)

	var pe *util.PanicError
	require.ErrorAs(t, pc.Errors()[0], &pe)
	assert.Equal(t, "oops", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestExecute_Condition(t *testing.T) {
	tr := &recorder{}
	e := NewEngine().
		Use(tr.stage("always"), 10).
		Use(tr.stage("only-hello"), 20, WithCondition(func(pc *Context) bool {
			return pc.Event.PlainText == "hello"
		}))

	e.Execute(context.Background(), NewContext(testEvent(t, "bye")))
	assert.Equal(t, []string{"always:in", "always:out"}, tr.steps)

	tr.steps = nil
	e.Execute(context.Background(), NewContext(testEvent(t, "hello")))
	assert.Len(t, tr.steps, 4)
}

func TestRemoveAndCount(t *testing.T) {
	e := NewEngine().
		Use(StageFunc("a", func(ctx context.Context, pc *Context, next Next) error { return next() }), 10).
		Use(StageFunc("b", func(ctx context.Context, pc *Context, next Next) error { return next() }), 20)

	assert.Equal(t, 2, e.Count())
	assert.True(t, e.Remove("a"))
	assert.False(t, e.Remove("a"))
	assert.Equal(t, []string{"b"}, e.Stages())
}

func TestExecute_ObservesStages(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	e := NewEngine(func(o *Options) { o.Metrics = m }).
		Use(StageFunc("a", func(ctx context.Context, pc *Context, next Next) error { return next() }), 10).
		Use(StageFunc("b", func(ctx context.Context, pc *Context, next Next) error { return next() }), 20)

	e.Execute(context.Background(), NewContext(testEvent(t, "hi")))

	assert.Equal(t, 2, testutil.CollectAndCount(m.StageDuration))
}

func TestExecute_IndependentContexts(t *testing.T) {
	e := NewEngine().Use(StageFunc("echo", func(ctx context.Context, pc *Context, next Next) error {
		pc.SetResponse(pc.Event.PlainText)
		pc.Set("seen", pc.Event.PlainText)
		return next()
	}), 10)

	events := make([]core.Event, 20)
	for i := range events {
		events[i] = testEvent(t, string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	results := make([]*Context, len(events))
	for i, ev := range events {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.Execute(context.Background(), NewContext(ev))
		}()
	}
	wg.Wait()

	for i, pc := range results {
		want := string(rune('a' + i))
		assert.Equal(t, want, pc.Response())
		assert.Equal(t, want, pc.GetString("seen"))
	}
}

func TestContext_Accessors(t *testing.T) {
	pc := NewContext(testEvent(t, "raw text"))

	assert.False(t, pc.HasResponse())
	assert.Equal(t, "raw text", pc.Text())

	pc.Set(KeyStrippedText, "stripped")
	pc.Set(KeyIsAwake, true)
	pc.SetResponse("reply")

	assert.Equal(t, "stripped", pc.Text())
	assert.True(t, pc.GetBool(KeyIsAwake))
	assert.False(t, pc.GetBool("missing"))
	assert.Equal(t, "", pc.GetString(KeyIsAwake))
	assert.True(t, pc.HasResponse())
	assert.Len(t, pc.Store(), 2)
}

func TestExecute_RandomStagesFollowPriorityAndTerminate(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	type stageSpec struct {
		name      string
		priority  int
		terminate bool
	}

	for round := 0; round < 300; round++ {
		tr := &recorder{}
		e := NewEngine()

		n := 1 + rng.Intn(10)
		specs := make([]stageSpec, 0, n)

		for i := 0; i < n; i++ {
			ss := stageSpec{
				name:      fmt.Sprintf("s%d", i),
				priority:  rng.Intn(5) * 10,
				terminate: rng.Intn(6) == 0,
			}
			specs = append(specs, ss)

			e.Use(StageFunc(ss.name, func(ctx context.Context, pc *Context, next Next) error {
				tr.add(ss.name)
				if ss.terminate {
					pc.Terminate()
				}
				return next()
			}), ss.priority)
		}

		want := append([]stageSpec(nil), specs...)
		sort.SliceStable(want, func(i, j int) bool { return want[i].priority < want[j].priority })

		order := make([]string, 0, n)
		called := make([]string, 0, n)
		cut := false
		for _, ss := range want {
			order = append(order, ss.name)
			if cut {
				continue
			}
			called = append(called, ss.name)
			cut = ss.terminate
		}

		pc := e.Execute(context.Background(), NewContext(testEvent(t, "hi")))

		require.Equal(t, order, e.Stages(), "round %d", round)
		require.Equal(t, called, tr.steps, "round %d", round)
		require.Equal(t, cut, pc.Terminated(), "round %d", round)
	}
}
