package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedEvent is returned by NewEvent when an adapter hands over input
// that cannot become an Event. Such input never enters the pipeline.
var ErrMalformedEvent = errors.New("malformed event")

// EventKind enumerates inbound occurrence types.
type EventKind string

const (
	EventMessageReceived EventKind = "message.received"
	EventNoticeReceived  EventKind = "notice.received"
	EventRequestReceived EventKind = "request.received"
	EventCustom          EventKind = "custom"
)

// Valid reports whether k is one of the known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventMessageReceived, EventNoticeReceived, EventRequestReceived, EventCustom:
		return true
	}
	return false
}

// Session identifies where an event came from and who sent it.
type Session struct {
	Platform    string            `json:"platform"`
	SessionID   string            `json:"session_id"`
	SenderID    string            `json:"sender_id"`
	SenderName  string            `json:"sender_name,omitempty"`
	IsGroup     bool              `json:"is_group"`
	IsPrivate   bool              `json:"is_private"`
	IsMentioned bool              `json:"is_mentioned"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Origin returns "platform:group|private:session_id", the key for
// per-conversation state such as history.
func (s Session) Origin() string {
	typ := "private"
	if s.IsGroup {
		typ = "group"
	}
	return fmt.Sprintf("%s:%s:%s", s.Platform, typ, s.SessionID)
}

// Event is the immutable description of an inbound occurrence. It is created
// once by a platform adapter through NewEvent and must be treated as read-only
// afterwards; pipeline stages communicate through the pipeline context instead.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	Session   Session   `json:"session"`
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	PlainText string    `json:"plain_text"`
	Segments  []Segment `json:"-"`
	Raw       any       `json:"-"`
}

// EventParams is the adapter-facing constructor input.
type EventParams struct {
	Kind        EventKind
	Platform    string
	SessionID   string
	SenderID    string
	SenderName  string
	IsGroup     bool
	IsMentioned bool
	MessageID   string
	Timestamp   time.Time
	PlainText   string
	Segments    []Segment
	Raw         any
	Extra       map[string]string
}

// NewEvent validates p and builds an Event. Kind defaults to
// message.received; plain text is projected from segments when empty.
func NewEvent(p EventParams) (Event, error) {
	if p.Kind == "" {
		p.Kind = EventMessageReceived
	}

	if !p.Kind.Valid() {
		return Event{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedEvent, p.Kind)
	}

	if p.SessionID == "" {
		return Event{}, fmt.Errorf("%w: empty session id", ErrMalformedEvent)
	}

	if p.SenderID == "" {
		return Event{}, fmt.Errorf("%w: empty sender id", ErrMalformedEvent)
	}

	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	segments := make([]Segment, len(p.Segments))
	copy(segments, p.Segments)

	text := p.PlainText
	if text == "" {
		text = PlainText(segments)
	}

	var extra map[string]string
	if len(p.Extra) > 0 {
		extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			extra[k] = v
		}
	}

	return Event{
		ID:   NewID(),
		Kind: p.Kind,
		Session: Session{
			Platform:    p.Platform,
			SessionID:   p.SessionID,
			SenderID:    p.SenderID,
			SenderName:  p.SenderName,
			IsGroup:     p.IsGroup,
			IsPrivate:   !p.IsGroup,
			IsMentioned: p.IsMentioned,
			Extra:       extra,
		},
		MessageID: p.MessageID,
		Timestamp: ts.UTC(),
		PlainText: text,
		Segments:  segments,
		Raw:       p.Raw,
	}, nil
}

// NewID generates a new unique identifier for events, signals and handles.
func NewID() string { return uuid.NewString() }

// UnixSeconds returns the timestamp as fractional seconds since Unix epoch.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }
