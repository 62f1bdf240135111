package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/packbot/logging"
	"github.com/hupe1980/packbot/metrics"
)

// ErrAlreadyStarted is returned by Start when the drain loop is running.
var ErrAlreadyStarted = errors.New("bus: already started")

// Handler processes a signal. Returned errors are logged and reported to
// error listeners; they never reach the emitter.
type Handler func(ctx context.Context, sig *Signal) error

// Interceptor sees every signal before any handler. It returns the (possibly
// replaced) signal and false to drop it.
type Interceptor func(ctx context.Context, sig *Signal) (*Signal, bool)

// ErrorListener is notified of every handler failure.
type ErrorListener func(sig *Signal, handlerName string, err error)

// Handle identifies a connection for Disconnect.
type Handle string

type registration struct {
	id       Handle
	kind     Kind // empty for global handlers
	name     string
	priority Priority
	filter   func(*Signal) bool
	once     bool
	fired    atomic.Bool
	handler  Handler
}

// ConnectOption configures a connection.
type ConnectOption func(*registration)

// WithPriority sets the handler priority.
func WithPriority(p Priority) ConnectOption {
	return func(r *registration) { r.priority = p }
}

// WithFilter skips signals for which fn returns false.
func WithFilter(fn func(*Signal) bool) ConnectOption {
	return func(r *registration) { r.filter = fn }
}

// WithName sets the handler name used in logs and error reports.
func WithName(name string) ConnectOption {
	return func(r *registration) { r.name = name }
}

// Once removes the handler after its first successful invocation.
func Once() ConnectOption {
	return func(r *registration) { r.once = true }
}

// Options configures a Bus.
type Options struct {
	QueueSize    int           // capacity of the Enqueue FIFO
	PollInterval time.Duration // bounded wait of the drain loop
	Logger       logging.Logger
	Metrics      *metrics.Metrics
}

// Bus is an in-process publish/subscribe hub with synchronous (Emit) and
// queued (Enqueue) delivery. It is safe for concurrent use.
type Bus struct {
	mu           sync.RWMutex
	handlers     map[Kind][]*registration
	global       []*registration
	byID         map[Handle]*registration
	interceptors []Interceptor
	listeners    []ErrorListener

	queue        chan *Signal
	pollInterval time.Duration

	runMu   sync.Mutex
	stop    chan struct{}
	stopped chan struct{}

	logger  logging.Logger
	metrics *metrics.Metrics
}

// New creates a bus. Defaults: queue of 1000 signals, 100ms poll interval.
func New(optFns ...func(o *Options)) *Bus {
	opts := Options{
		QueueSize:    1000,
		PollInterval: 100 * time.Millisecond,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}

	return &Bus{
		handlers:     make(map[Kind][]*registration),
		byID:         make(map[Handle]*registration),
		queue:        make(chan *Signal, opts.QueueSize),
		pollInterval: opts.PollInterval,
		logger:       logging.With(opts.Logger, "component", "bus"),
		metrics:      opts.Metrics,
	}
}

// Connect registers handler for signals of kind.
func (b *Bus) Connect(kind Kind, handler Handler, opts ...ConnectOption) Handle {
	return b.connect(kind, handler, opts)
}

// ConnectAll registers handler for every signal. Global handlers run before
// kind-specific ones.
func (b *Bus) ConnectAll(handler Handler, opts ...ConnectOption) Handle {
	return b.connect("", handler, opts)
}

func (b *Bus) connect(kind Kind, handler Handler, opts []ConnectOption) Handle {
	reg := &registration{
		id:       Handle(uuid.NewString()),
		kind:     kind,
		priority: PriorityNormal,
		handler:  handler,
	}

	for _, opt := range opts {
		opt(reg)
	}

	if reg.name == "" {
		reg.name = string(reg.id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if kind == "" {
		b.global = insertSorted(b.global, reg)
	} else {
		b.handlers[kind] = insertSorted(b.handlers[kind], reg)
	}
	b.byID[reg.id] = reg

	b.logger.Debug("bus.handler.connected", "kind", string(kind), "name", reg.name, "priority", int(reg.priority))

	return reg.id
}

// insertSorted appends reg and restores priority order; equal priorities
// keep registration order.
func insertSorted(list []*registration, reg *registration) []*registration {
	out := make([]*registration, len(list), len(list)+1)
	copy(out, list)
	out = append(out, reg)

	sort.SliceStable(out, func(i, j int) bool { return out[i].priority < out[j].priority })

	return out
}

// Disconnect removes a handler. It returns false when h is unknown, which
// includes a second call for the same handle.
func (b *Bus) Disconnect(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg, ok := b.byID[h]
	if !ok {
		return false
	}

	delete(b.byID, h)

	if reg.kind == "" {
		b.global = without(b.global, h)
	} else {
		b.handlers[reg.kind] = without(b.handlers[reg.kind], h)
		if len(b.handlers[reg.kind]) == 0 {
			delete(b.handlers, reg.kind)
		}
	}

	return true
}

func without(list []*registration, h Handle) []*registration {
	out := make([]*registration, 0, len(list))
	for _, r := range list {
		if r.id != h {
			out = append(out, r)
		}
	}

	return out
}

// AddInterceptor registers an interceptor. Interceptors run in registration
// order.
func (b *Bus) AddInterceptor(i Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.interceptors = append(b.interceptors, i)
}

// OnError registers a listener for handler failures.
func (b *Bus) OnError(l ErrorListener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listeners = append(b.listeners, l)
}

// HandlerCount returns the number of handlers for kind. An empty kind counts
// global handlers.
func (b *Bus) HandlerCount(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if kind == "" {
		return len(b.global)
	}

	return len(b.handlers[kind])
}

// Clear removes all handlers, interceptors and error listeners.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[Kind][]*registration)
	b.global = nil
	b.byID = make(map[Handle]*registration)
	b.interceptors = nil
	b.listeners = nil

	b.logger.Debug("bus.cleared")
}

// Emit dispatches sig synchronously: interceptors, then global handlers,
// then kind-specific handlers, each group in priority order. Dispatch stops
// once the signal is consumed.
func (b *Bus) Emit(ctx context.Context, sig *Signal) {
	if sig == nil {
		return
	}
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}

	// Snapshot so handlers may connect or disconnect re-entrantly.
	b.mu.RLock()
	interceptors := append([]Interceptor(nil), b.interceptors...)
	global := b.global
	specific := b.handlers[sig.Kind]
	b.mu.RUnlock()

	for _, intercept := range interceptors {
		next, keep := intercept(ctx, sig)
		if !keep || next == nil {
			b.logger.Debug("bus.signal.dropped", "kind", string(sig.Kind), "id", sig.ID)
			return
		}
		sig = next
	}

	for _, group := range [][]*registration{global, specific} {
		for _, reg := range group {
			if sig.Consumed() {
				return
			}
			if reg.once && reg.fired.Load() {
				continue
			}
			if reg.filter != nil && !reg.filter(sig) {
				continue
			}
			// A once-handler is claimed before it runs so concurrent emits
			// invoke it at most once.
			if reg.once && !reg.fired.CompareAndSwap(false, true) {
				continue
			}

			if err := b.invoke(ctx, reg, sig); err != nil {
				if reg.once {
					reg.fired.Store(false)
				}
				b.reportError(sig, reg.name, err)
				continue
			}

			if reg.once {
				b.Disconnect(reg.id)
			}
		}
	}
}

// EmitNew builds a signal and emits it.
func (b *Bus) EmitNew(ctx context.Context, kind Kind, payload any, source string) *Signal {
	sig := NewSignal(kind, payload, source)
	b.Emit(ctx, sig)

	return sig
}

func (b *Bus) invoke(ctx context.Context, reg *registration, sig *Signal) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	return reg.handler(ctx, sig)
}

func (b *Bus) reportError(sig *Signal, name string, err error) {
	b.logger.Warn("bus.handler.error", "kind", string(sig.Kind), "signal_id", sig.ID, "handler", name, "error", err.Error())
	b.metrics.RecordBusHandlerError(string(sig.Kind))

	b.mu.RLock()
	listeners := append([]ErrorListener(nil), b.listeners...)
	b.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if p := recover(); p != nil {
					b.logger.Error("bus.listener.panic", "recover", fmt.Sprint(p))
				}
			}()
			l(sig, name, err)
		}()
	}
}

// Enqueue submits sig for asynchronous dispatch by the drain loop. When the
// queue is full the signal is dropped and false is returned; the caller is
// never blocked.
func (b *Bus) Enqueue(sig *Signal) bool {
	if sig == nil {
		return false
	}

	select {
	case b.queue <- sig:
		return true
	default:
		b.logger.Warn("bus.queue.full", "kind", string(sig.Kind), "signal_id", sig.ID, "capacity", cap(b.queue))
		b.metrics.RecordBusDrop()
		return false
	}
}

// Pending returns the number of queued signals.
func (b *Bus) Pending() int { return len(b.queue) }

// Start launches the drain loop, which emits queued signals in submission
// order until Stop is called or ctx is done.
func (b *Bus) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.stop != nil {
		return ErrAlreadyStarted
	}

	b.stop = make(chan struct{})
	b.stopped = make(chan struct{})

	go b.drain(ctx, b.stop, b.stopped)

	b.logger.Info("bus.started", "queue_size", cap(b.queue))

	return nil
}

func (b *Bus) drain(ctx context.Context, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	timer := time.NewTimer(b.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.pollInterval)

		select {
		case sig := <-b.queue:
			b.Emit(ctx, sig)
		case <-timer.C:
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the drain loop and waits for it to exit. Signals still queued
// stay queued. Stop is idempotent.
func (b *Bus) Stop() {
	b.runMu.Lock()
	stop, stopped := b.stop, b.stopped
	b.stop, b.stopped = nil, nil
	b.runMu.Unlock()

	if stop == nil {
		return
	}

	close(stop)
	<-stopped

	b.logger.Info("bus.stopped", "pending", len(b.queue))
}
