package testutil

import (
	"time"

	"github.com/hupe1980/packbot/core"
)

// EventBuilder provides a fluent helper for constructing inbound events in
// tests.
// Example:
//
//	ev := testutil.NewEventBuilder().Group("g1").Sender("u1").Text("/ping").Build()
//
// Chain only the parts you need; a private console message from "user" in
// session "s1" is the default.
type EventBuilder struct {
	params core.EventParams
}

// NewEventBuilder creates a builder with default platform "test".
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{params: core.EventParams{
		Platform:   "test",
		SessionID:  "s1",
		SenderID:   "user",
		SenderName: "user",
	}}
}

// Platform sets the originating platform (chainable).
func (b *EventBuilder) Platform(p string) *EventBuilder { b.params.Platform = p; return b }

// Session sets a private session id (chainable).
func (b *EventBuilder) Session(id string) *EventBuilder {
	b.params.SessionID = id
	b.params.IsGroup = false
	return b
}

// Group sets a group session id (chainable).
func (b *EventBuilder) Group(id string) *EventBuilder {
	b.params.SessionID = id
	b.params.IsGroup = true
	return b
}

// Sender sets sender id and name (chainable).
func (b *EventBuilder) Sender(id string) *EventBuilder {
	b.params.SenderID = id
	b.params.SenderName = id
	return b
}

// Mentioned marks the bot as mentioned (chainable).
func (b *EventBuilder) Mentioned() *EventBuilder { b.params.IsMentioned = true; return b }

// MessageID sets the platform message id (chainable).
func (b *EventBuilder) MessageID(id string) *EventBuilder { b.params.MessageID = id; return b }

// At sets the timestamp (chainable).
func (b *EventBuilder) At(ts time.Time) *EventBuilder { b.params.Timestamp = ts; return b }

// Text appends a text segment (chainable).
func (b *EventBuilder) Text(t string) *EventBuilder {
	b.params.Segments = append(b.params.Segments, core.TextSegment{Text: t})
	return b
}

// Segment appends an arbitrary segment (chainable).
func (b *EventBuilder) Segment(s core.Segment) *EventBuilder {
	b.params.Segments = append(b.params.Segments, s)
	return b
}

// Params returns the accumulated constructor input.
func (b *EventBuilder) Params() core.EventParams { return b.params }

// Build constructs the event. It panics on malformed input, which in a test
// is a bug in the test itself.
func (b *EventBuilder) Build() core.Event {
	ev, err := core.NewEvent(b.params)
	if err != nil {
		panic(err)
	}
	return ev
}
