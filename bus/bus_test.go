package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/packbot/metrics"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) handler(name string) Handler {
	return func(ctx context.Context, sig *Signal) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		return nil
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestEmit_PriorityOrder(t *testing.T) {
	b := New()
	rec := &recorder{}

	b.Connect(KindCustom, rec.handler("low"), WithPriority(PriorityLow))
	b.Connect(KindCustom, rec.handler("normal-1"))
	b.Connect(KindCustom, rec.handler("highest"), WithPriority(PriorityHighest))
	b.Connect(KindCustom, rec.handler("normal-2"))
	b.ConnectAll(rec.handler("global"), WithPriority(PriorityLowest))

	b.EmitNew(context.Background(), KindCustom, nil, "test")

	assert.Equal(t, []string{"global", "highest", "normal-1", "normal-2", "low"}, rec.snapshot())
}

func TestEmit_ConsumeStopsDispatch(t *testing.T) {
	b := New()
	rec := &recorder{}

	b.Connect(KindCustom, func(ctx context.Context, sig *Signal) error {
		sig.Consume()
		return nil
	}, WithPriority(PriorityHigh))
	b.Connect(KindCustom, rec.handler("after"))

	sig := b.EmitNew(context.Background(), KindCustom, nil, "")

	assert.True(t, sig.Consumed())
	assert.Empty(t, rec.snapshot())
}

func TestEmit_HandlerFailuresAreIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := New(func(o *Options) { o.Metrics = m })
	rec := &recorder{}

	var reported []string
	b.OnError(func(sig *Signal, name string, err error) {
		reported = append(reported, name+": "+err.Error())
	})

	b.Connect(KindCustom, func(ctx context.Context, sig *Signal) error {
		return errors.New("bad")
	}, WithName("failing"), WithPriority(PriorityHighest))
	b.Connect(KindCustom, func(ctx context.Context, sig *Signal) error {
		panic("worse")
	}, WithName("panicking"), WithPriority(PriorityHigh))
	b.Connect(KindCustom, rec.handler("healthy"))

	assert.NotPanics(t, func() {
		b.EmitNew(context.Background(), KindCustom, nil, "")
	})

	assert.Equal(t, []string{"healthy"}, rec.snapshot())
	require.Len(t, reported, 2)
	assert.Equal(t, "failing: bad", reported[0])
	assert.Contains(t, reported[1], "panicking: handler panic: worse")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.BusHandlerErrors.WithLabelValues("custom")))
}

func TestEmit_FilterAndOnce(t *testing.T) {
	b := New()
	rec := &recorder{}

	b.Connect(KindCustom, rec.handler("filtered"), WithFilter(func(s *Signal) bool { return s.Source == "keep" }))
	b.Connect(KindCustom, rec.handler("once"), Once())

	b.EmitNew(context.Background(), KindCustom, nil, "drop")
	b.EmitNew(context.Background(), KindCustom, nil, "keep")

	assert.Equal(t, []string{"once", "filtered"}, rec.snapshot())
	assert.Equal(t, 1, b.HandlerCount(KindCustom))
}

func TestEmit_OnceRetainedAfterFailure(t *testing.T) {
	b := New()
	var calls atomic.Int32

	b.Connect(KindCustom, func(ctx context.Context, sig *Signal) error {
		if calls.Add(1) == 1 {
			return errors.New("first fails")
		}
		return nil
	}, Once())

	b.EmitNew(context.Background(), KindCustom, nil, "")
	assert.Equal(t, 1, b.HandlerCount(KindCustom))

	b.EmitNew(context.Background(), KindCustom, nil, "")
	b.EmitNew(context.Background(), KindCustom, nil, "")

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, b.HandlerCount(KindCustom))
}

func TestEmit_Interceptors(t *testing.T) {
	b := New()
	var got []any

	b.AddInterceptor(func(ctx context.Context, sig *Signal) (*Signal, bool) {
		return sig, sig.Source != "blocked"
	})
	b.AddInterceptor(func(ctx context.Context, sig *Signal) (*Signal, bool) {
		out := NewSignal(sig.Kind, "rewritten", sig.Source)
		return out, true
	})
	b.Connect(KindCustom, func(ctx context.Context, sig *Signal) error {
		got = append(got, sig.Payload)
		return nil
	})

	b.EmitNew(context.Background(), KindCustom, "original", "blocked")
	b.EmitNew(context.Background(), KindCustom, "original", "ok")

	assert.Equal(t, []any{"rewritten"}, got)
}

func TestDisconnect_Idempotent(t *testing.T) {
	b := New()
	h := b.Connect(KindCustom, func(ctx context.Context, sig *Signal) error { return nil })

	assert.True(t, b.Disconnect(h))
	assert.False(t, b.Disconnect(h))
	assert.Equal(t, 0, b.HandlerCount(KindCustom))
}

func TestEmit_ReentrantConnect(t *testing.T) {
	b := New()
	b.Connect(KindCustom, func(ctx context.Context, sig *Signal) error {
		b.Connect(KindCustom, func(ctx context.Context, sig *Signal) error { return nil })
		return nil
	})

	assert.NotPanics(t, func() { b.EmitNew(context.Background(), KindCustom, nil, "") })
	assert.Equal(t, 2, b.HandlerCount(KindCustom))
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	b := New(func(o *Options) {
		o.QueueSize = 2
		o.Metrics = m
	})

	assert.True(t, b.Enqueue(NewSignal(KindCustom, 1, "")))
	assert.True(t, b.Enqueue(NewSignal(KindCustom, 2, "")))
	assert.False(t, b.Enqueue(NewSignal(KindCustom, 3, "")))
	assert.Equal(t, 2, b.Pending())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BusDropped))
}

func TestStartStop_DrainsInOrder(t *testing.T) {
	b := New(func(o *Options) { o.PollInterval = 10 * time.Millisecond })

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	b.Connect(KindCustom, func(ctx context.Context, sig *Signal) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, sig.Payload.(int))
		if len(got) == 5 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 5; i++ {
		require.True(t, b.Enqueue(NewSignal(KindCustom, i, "")))
	}

	require.NoError(t, b.Start(context.Background()))
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyStarted)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("signals were not drained")
	}

	b.Stop()
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestStop_ReturnsPromptly(t *testing.T) {
	b := New(func(o *Options) { o.PollInterval = time.Hour })
	require.NoError(t, b.Start(context.Background()))

	stopped := make(chan struct{})
	go func() {
		b.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on the poll interval")
	}
}

func TestClear(t *testing.T) {
	b := New()
	b.Connect(KindCustom, func(ctx context.Context, sig *Signal) error { return nil })
	b.ConnectAll(func(ctx context.Context, sig *Signal) error { return nil })

	b.Clear()

	assert.Equal(t, 0, b.HandlerCount(KindCustom))
	assert.Equal(t, 0, b.HandlerCount(""))
}

func TestEmit_OnceUnderConcurrentEmits(t *testing.T) {
	for round := 0; round < 100; round++ {
		b := New()
		var calls atomic.Int32

		b.Connect(KindCustom, func(ctx context.Context, sig *Signal) error {
			calls.Add(1)
			return nil
		}, Once())

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				b.EmitNew(context.Background(), KindCustom, nil, "")
			}()
		}
		close(start)
		wg.Wait()

		require.Equal(t, int32(1), calls.Load(), "round %d", round)
		require.Equal(t, 0, b.HandlerCount(KindCustom))
	}
}

func TestEmit_RandomPrioritiesMatchStableOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	priorities := []Priority{PriorityHighest, PriorityHigh, PriorityNormal, PriorityLow, PriorityLowest}

	type handlerSpec struct {
		name     string
		global   bool
		priority Priority
	}

	for round := 0; round < 200; round++ {
		b := New()
		rec := &recorder{}

		n := 1 + rng.Intn(12)
		specs := make([]handlerSpec, 0, n)

		for i := 0; i < n; i++ {
			hs := handlerSpec{
				name:     fmt.Sprintf("h%d", i),
				global:   rng.Intn(3) == 0,
				priority: priorities[rng.Intn(len(priorities))],
			}
			specs = append(specs, hs)

			if hs.global {
				b.ConnectAll(rec.handler(hs.name), WithPriority(hs.priority))
			} else {
				b.Connect(KindCustom, rec.handler(hs.name), WithPriority(hs.priority))
			}
		}

		want := append([]handlerSpec(nil), specs...)
		sort.SliceStable(want, func(i, j int) bool {
			if want[i].global != want[j].global {
				return want[i].global
			}
			return want[i].priority < want[j].priority
		})

		names := make([]string, 0, n)
		for _, hs := range want {
			names = append(names, hs.name)
		}

		b.EmitNew(context.Background(), KindCustom, nil, "test")

		require.Equal(t, names, rec.snapshot(), "round %d", round)
	}
}
