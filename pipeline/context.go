package pipeline

import (
	"sync"
	"time"

	"github.com/hupe1980/packbot/core"
)

// Well-known store keys written by the canonical stages.
const (
	KeyIsAwake        = "is_awake"
	KeyStrippedText   = "stripped_text"
	KeyAccessDenied   = "access_denied"
	KeyRateLimited    = "rate_limited"
	KeyBlockedWord    = "blocked_word"
	KeySessionID      = "session_id"
	KeyConversationID = "conversation_id"
	KeySkipAgent      = "skip_agent"
	KeyCommand        = "command"
	KeyAgentSteps     = "agent_steps"
	KeyDelivered      = "delivered"
)

// Context is the per-message state shared by all stages of one execution.
// A Context belongs to exactly one event and is never reused. Stages of one
// execution run sequentially; the mutex covers late readers such as bus
// handlers receiving the context.
type Context struct {
	Event core.Event

	mu         sync.RWMutex
	response   string
	terminated bool
	store      map[string]any
	errors     []error
	startedAt  time.Time
}

// NewContext creates a fresh context for ev.
func NewContext(ev core.Event) *Context {
	return &Context{
		Event:     ev,
		store:     make(map[string]any),
		startedAt: time.Now(),
	}
}

// SetResponse sets the reply text.
func (c *Context) SetResponse(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.response = text
}

// Response returns the reply text.
func (c *Context) Response() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.response
}

// HasResponse reports whether a non-empty reply is set.
func (c *Context) HasResponse() bool { return c.Response() != "" }

// Terminate stops the chain before the next stage.
func (c *Context) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.terminated = true
}

// Terminated reports whether the chain was stopped.
func (c *Context) Terminated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.terminated
}

// Set stores a value under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store[key] = value
}

// Get returns the value under key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.store[key]

	return v, ok
}

// GetString returns the string under key or "".
func (c *Context) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)

	return s
}

// GetBool returns the bool under key or false.
func (c *Context) GetBool(key string) bool {
	v, _ := c.Get(key)
	b, _ := v.(bool)

	return b
}

// Store returns a copy of the key/value store.
func (c *Context) Store() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]any, len(c.store))
	for k, v := range c.store {
		out[k] = v
	}

	return out
}

// AddError records a stage failure.
func (c *Context) AddError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errors = append(c.errors, err)
}

// Errors returns the recorded stage failures.
func (c *Context) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error(nil), c.errors...)
}

// Elapsed returns the time since the context was created.
func (c *Context) Elapsed() time.Duration { return time.Since(c.startedAt) }

// Text returns the stripped text when the wake stage produced one, the
// event's plain text otherwise.
func (c *Context) Text() string {
	if s, ok := c.Get(KeyStrippedText); ok {
		if text, ok := s.(string); ok {
			return text
		}
	}

	return c.Event.PlainText
}
