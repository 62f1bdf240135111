package stage

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/hupe1980/packbot/adapter"
	"github.com/hupe1980/packbot/bus"
	"github.com/hupe1980/packbot/logging"
	"github.com/hupe1980/packbot/pipeline"
)

// Decorate applies the reply prefix and, in group chats, the mention of the
// sender. It runs before next so delivery sees the decorated text.
type Decorate struct {
	prefix  string
	mention bool
}

// NewDecorate creates the decorate stage.
func NewDecorate(prefix string, mention bool) *Decorate {
	return &Decorate{prefix: prefix, mention: mention}
}

func (d *Decorate) Name() string { return "decorate" }

func (d *Decorate) Handle(ctx context.Context, pc *pipeline.Context, next pipeline.Next) error {
	if !pc.HasResponse() {
		return next()
	}

	text := d.prefix + pc.Response()

	s := pc.Event.Session
	if d.mention && s.IsGroup {
		name := s.SenderName
		if name == "" {
			name = s.SenderID
		}
		text = "@" + name + " " + text
	}

	pc.SetResponse(text)

	return next()
}

// DeliverOptions configures the deliver stage.
type DeliverOptions struct {
	Segment   bool
	Threshold int // runes per segment
	Bus       *bus.Bus
	Logger    logging.Logger
}

// Deliver sends the response through the platform sender.
type Deliver struct {
	sender adapter.Sender
	opts   DeliverOptions
	logger logging.Logger
}

// NewDeliver creates the deliver stage.
func NewDeliver(sender adapter.Sender, optFns ...func(o *DeliverOptions)) *Deliver {
	opts := DeliverOptions{Threshold: 400, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Deliver{sender: sender, opts: opts, logger: opts.Logger}
}

func (d *Deliver) Name() string { return "deliver" }

// Handle implements pipeline.Stage. Send failures are logged; the number of
// delivered segments is stored under pipeline.KeyDelivered.
func (d *Deliver) Handle(ctx context.Context, pc *pipeline.Context, next pipeline.Next) error {
	text := pc.Response()
	if text == "" {
		return next()
	}

	parts := []string{text}
	if d.opts.Segment {
		parts = Segment(text, d.opts.Threshold)
	}

	replyTo := pc.Event.MessageID
	sent := 0
	var ids []string

	for _, part := range parts {
		id, err := d.sender.Send(ctx, pc.Event.Session, part, replyTo)
		if err != nil {
			d.logger.Error("stage.deliver.error", "session", pc.Event.Session.Origin(), "error", err.Error())
			break
		}

		sent++
		ids = append(ids, id)
		replyTo = ""
	}

	pc.Set(pipeline.KeyDelivered, sent)

	if sent > 0 && d.opts.Bus != nil {
		d.opts.Bus.EmitNew(ctx, bus.KindGatewayMessageOut, map[string]any{
			"session":     pc.Event.Session,
			"text":        text,
			"message_ids": ids,
			"segments":    sent,
		}, "deliver")
	}

	d.logger.Debug("stage.deliver.sent", "session", pc.Event.Session.Origin(), "segments", sent, "elapsed_ms", pc.Elapsed().Milliseconds())

	return next()
}

// Segment splits text into pieces of at most limit runes, preferring to cut
// after a newline, then after a space. A limit of 0 or less disables it.
func Segment(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var out []string

	for utf8.RuneCountInString(text) > limit {
		cut := byteOffset(text, limit)

		// One rune past the limit so a separator right at the limit counts.
		window := text[:byteOffset(text, limit+1)]
		if i := strings.LastIndexByte(window, '\n'); i > 0 {
			cut = i + 1
		} else if i := strings.LastIndexByte(window, ' '); i > 0 {
			cut = i + 1
		}

		if piece := strings.TrimSpace(text[:cut]); piece != "" {
			out = append(out, piece)
		}
		text = text[cut:]
	}

	if rest := strings.TrimSpace(text); rest != "" {
		out = append(out, rest)
	}

	return out
}

func byteOffset(s string, runes int) int {
	n := 0
	for i := range s {
		if n == runes {
			return i
		}
		n++
	}
	return len(s)
}
