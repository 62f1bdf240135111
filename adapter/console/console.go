// Package console implements a line based stdin/stdout adapter. Every input
// line becomes a private message event; replies are printed in colour.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/hupe1980/packbot/core"
	"github.com/hupe1980/packbot/logging"
)

// Platform is the platform name reported by console events.
const Platform = "console"

// Options configures the console adapter.
type Options struct {
	Input      io.Reader
	Output     io.Writer
	SessionID  string
	SenderID   string
	SenderName string
	NoColor    bool
	Logger     logging.Logger
}

// Adapter reads messages from Input and writes replies to Output.
type Adapter struct {
	opts Options

	mu    sync.Mutex // serializes writes
	reply *color.Color
	info  *color.Color
	seq   int
}

// New creates a console adapter. Defaults: stdin, stdout, session "local",
// sender "user".
func New(optFns ...func(o *Options)) *Adapter {
	opts := Options{
		Input:      os.Stdin,
		Output:     os.Stdout,
		SessionID:  "local",
		SenderID:   "user",
		SenderName: "user",
		Logger:     logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	reply := color.New(color.FgCyan)
	info := color.New(color.FgHiBlack)
	if opts.NoColor {
		reply.DisableColor()
		info.DisableColor()
	}

	return &Adapter{opts: opts, reply: reply, info: info}
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return Platform }

// Run implements adapter.Adapter. It returns nil at end of input or when
// ctx is done.
func (a *Adapter) Run(ctx context.Context, sink func(core.Event)) error {
	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(a.opts.Input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return fmt.Errorf("console: read input: %w", err)
					}
				default:
				}
				return nil
			}

			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}

			ev, err := core.NewEvent(core.EventParams{
				Platform:   Platform,
				SessionID:  a.opts.SessionID,
				SenderID:   a.opts.SenderID,
				SenderName: a.opts.SenderName,
				MessageID:  a.nextID(),
				Segments:   []core.Segment{core.TextSegment{Text: text}},
				Raw:        line,
			})
			if err != nil {
				a.opts.Logger.Warn("console.event.malformed", "error", err.Error())
				continue
			}

			sink(ev)
		}
	}
}

// Send implements adapter.Sender.
func (a *Adapter) Send(ctx context.Context, session core.Session, text, replyTo string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.reply.Fprintln(a.opts.Output, text); err != nil {
		return "", fmt.Errorf("console: write reply: %w", err)
	}

	a.seq++

	return fmt.Sprintf("out-%d", a.seq), nil
}

// Notice prints an informational line, such as a startup banner.
func (a *Adapter) Notice(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, _ = a.info.Fprintf(a.opts.Output, format+"\n", args...)
}

func (a *Adapter) nextID() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.seq++

	return fmt.Sprintf("in-%d", a.seq)
}
