// Package adapter defines the contract between chat platforms and the bot.
//
// An Adapter turns platform traffic into core.Event values and sends replies
// back. Concrete platform protocols live in sub-packages; console is the
// reference implementation.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/packbot/core"
)

// ErrUnknownPlatform is returned when no adapter serves a session's platform.
var ErrUnknownPlatform = errors.New("adapter: unknown platform")

// Sender delivers a reply into a session. replyTo is the platform message ID
// being answered and may be empty. It returns the ID of the sent message.
type Sender interface {
	Send(ctx context.Context, session core.Session, text, replyTo string) (string, error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, session core.Session, text, replyTo string) (string, error)

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, session core.Session, text, replyTo string) (string, error) {
	return f(ctx, session, text, replyTo)
}

// Adapter connects one platform.
type Adapter interface {
	Sender

	// Name is the platform name; events produced by the adapter carry it in
	// Session.Platform.
	Name() string

	// Run receives platform traffic until ctx is done or the platform
	// connection ends, handing every well-formed event to sink.
	Run(ctx context.Context, sink func(core.Event)) error
}

// Router is a Sender dispatching by Session.Platform.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRouter creates a router over adapters.
func NewRouter(adapters ...Adapter) *Router {
	r := &Router{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}

	return r
}

// Register adds or replaces the adapter for a.Name().
func (r *Router) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[a.Name()] = a
}

// Get returns the adapter for platform.
func (r *Router) Get(platform string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[platform]

	return a, ok
}

// Platforms returns the registered platform names, sorted.
func (r *Router) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)

	return names
}

// Send implements Sender.
func (r *Router) Send(ctx context.Context, session core.Session, text, replyTo string) (string, error) {
	a, ok := r.Get(session.Platform)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, session.Platform)
	}

	return a.Send(ctx, session, text, replyTo)
}
