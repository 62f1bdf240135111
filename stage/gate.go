package stage

import (
	"context"
	"slices"
	"strings"

	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/logging"
	"github.com/hupe1980/packbot/pipeline"
)

// Default priorities of the canonical stages.
const (
	PriorityWake      = 10
	PriorityAccess    = 20
	PriorityRateLimit = 30
	PriorityGuard     = 35
	PrioritySession   = 40
	PriorityDispatch  = 50
	PriorityAgent     = 60
	PriorityDecorate  = 80
	PriorityDeliver   = 90
)

// Wake decides whether a message merits a response.
type Wake struct {
	prefixes []string
	words    []string
	logger   logging.Logger
}

// NewWake creates the wake stage. Prefixes are tried before words, each in
// the given order.
func NewWake(prefixes, words []string, logger logging.Logger) *Wake {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &Wake{
		prefixes: slices.Clone(prefixes),
		words:    slices.Clone(words),
		logger:   logger,
	}
}

func (w *Wake) Name() string { return "wake" }

// Handle implements pipeline.Stage. Private messages and mentions are
// always awake; a matched prefix or word is stripped either way.
func (w *Wake) Handle(ctx context.Context, pc *pipeline.Context, next pipeline.Next) error {
	if pc.Event.Kind != core.EventMessageReceived {
		pc.Set(pipeline.KeyIsAwake, false)
		pc.Terminate()
		return nil
	}

	text := pc.Event.PlainText
	stripped, matched := w.strip(text)

	s := pc.Event.Session
	if !matched && !s.IsPrivate && !s.IsMentioned {
		pc.Set(pipeline.KeyIsAwake, false)
		pc.Terminate()
		w.logger.Debug("stage.wake.asleep", "session", s.Origin())
		return nil
	}

	pc.Set(pipeline.KeyIsAwake, true)
	pc.Set(pipeline.KeyStrippedText, stripped)

	return next()
}

func (w *Wake) strip(text string) (string, bool) {
	for _, p := range w.prefixes {
		if p != "" && strings.HasPrefix(text, p) {
			return strings.TrimSpace(text[len(p):]), true
		}
	}

	for _, word := range w.words {
		if word == "" || len(text) < len(word) || !strings.EqualFold(text[:len(word)], word) {
			continue
		}
		rest := text[len(word):]
		if rest != "" && !isBoundary(rest[0]) {
			continue
		}
		return strings.TrimSpace(strings.TrimLeft(rest, " ,:;!")), true
	}

	return strings.TrimSpace(text), false
}

func isBoundary(b byte) bool {
	return strings.IndexByte(" ,:;!?\t\n", b) >= 0
}

// Access allows or denies by session or sender id. The blacklist wins over
// the whitelist; an empty whitelist allows everyone.
type Access struct {
	allow  map[string]struct{}
	deny   map[string]struct{}
	logger logging.Logger
}

// NewAccess creates the access stage.
func NewAccess(whitelist, blacklist []string, logger logging.Logger) *Access {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &Access{allow: set(whitelist), deny: set(blacklist), logger: logger}
}

func (a *Access) Name() string { return "access" }

func (a *Access) Handle(ctx context.Context, pc *pipeline.Context, next pipeline.Next) error {
	s := pc.Event.Session

	if contains(a.deny, s.SessionID, s.SenderID) {
		return a.refuse(pc, "blacklist")
	}

	if len(a.allow) > 0 && !contains(a.allow, s.SessionID, s.SenderID) {
		return a.refuse(pc, "whitelist")
	}

	return next()
}

func (a *Access) refuse(pc *pipeline.Context, list string) error {
	pc.Set(pipeline.KeyAccessDenied, true)
	pc.Terminate()

	a.logger.Info("stage.access.denied", "session", pc.Event.Session.Origin(), "sender", pc.Event.Session.SenderID, "list", list)

	return nil
}

func set(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

func contains(m map[string]struct{}, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

// Guard drops messages containing a blocked word (case-insensitive).
type Guard struct {
	words  []string
	logger logging.Logger
}

// NewGuard creates the content guard stage.
func NewGuard(blocked []string, logger logging.Logger) *Guard {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	words := make([]string, 0, len(blocked))
	for _, w := range blocked {
		if w = strings.TrimSpace(w); w != "" {
			words = append(words, w)
		}
	}

	return &Guard{words: words, logger: logger}
}

func (g *Guard) Name() string { return "guard" }

func (g *Guard) Handle(ctx context.Context, pc *pipeline.Context, next pipeline.Next) error {
	text := strings.ToLower(pc.Text())

	for _, w := range g.words {
		if strings.Contains(text, strings.ToLower(w)) {
			pc.Set(pipeline.KeyBlockedWord, w)
			pc.Terminate()
			g.logger.Warn("stage.guard.blocked", "session", pc.Event.Session.Origin(), "word", w)
			return nil
		}
	}

	return next()
}

// Session stores the session and conversation ids.
type Session struct{}

func (Session) Name() string { return "session" }

func (Session) Handle(ctx context.Context, pc *pipeline.Context, next pipeline.Next) error {
	pc.Set(pipeline.KeySessionID, pc.Event.Session.SessionID)
	pc.Set(pipeline.KeyConversationID, pc.Event.Session.Origin())

	return next()
}
