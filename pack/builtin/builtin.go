// Package builtin provides the pack loaded into every bot: the help, ping,
// version and status commands plus the read_file and current_time tools.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hupe1980/packbot/pack"
	"github.com/hupe1980/packbot/tool"
)

// Name is the pack name.
const Name = "builtin"

// DefaultSandboxDir is the directory read_file serves when none is
// configured.
const DefaultSandboxDir = "data/temp"

// MaxReadChars bounds the content returned by read_file.
const MaxReadChars = 10000

// Options configures the builtin pack.
type Options struct {
	AppName    string
	Version    string
	SandboxDir string
	StartedAt  time.Time
	Now        func() time.Time
}

// Pack implements pack.Pack.
type Pack struct {
	loader   *pack.Loader
	registry *tool.Registry
	opts     Options
}

// New creates the builtin pack. loader and registry back the help and
// status commands.
func New(loader *pack.Loader, registry *tool.Registry, optFns ...func(o *Options)) *Pack {
	opts := Options{
		AppName:    "packbot",
		Version:    "dev",
		SandboxDir: DefaultSandboxDir,
		StartedAt:  time.Now(),
		Now:        time.Now,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Pack{loader: loader, registry: registry, opts: opts}
}

func (p *Pack) Name() string    { return Name }
func (p *Pack) Version() string { return p.opts.Version }

// Init implements pack.Pack.
func (p *Pack) Init(ctx context.Context) ([]pack.Descriptor, error) {
	return []pack.Descriptor{
		pack.Command("help", "Show available commands", p.help),
		pack.Command("ping", "Check whether the bot is online", p.ping),
		pack.Command("version", "Show version information", p.version),
		pack.Command("status", "Show running status", p.status),
		pack.LLMTool(p.readFileTool()),
		pack.LLMTool(p.currentTimeTool()),
	}, nil
}

func (p *Pack) help(ctx context.Context, req *pack.Request) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s - available commands:\n", p.opts.AppName)

	for _, c := range p.loader.Commands() {
		desc := c.Description
		if desc == "" {
			desc = "no description"
		}
		fmt.Fprintf(&b, "\n/%s - %s", c.Pattern, desc)
	}

	return b.String(), nil
}

func (p *Pack) ping(ctx context.Context, req *pack.Request) (string, error) {
	return "pong!", nil
}

func (p *Pack) version(ctx context.Context, req *pack.Request) (string, error) {
	return fmt.Sprintf("%s v%s", p.opts.AppName, p.opts.Version), nil
}

func (p *Pack) status(ctx context.Context, req *pack.Request) (string, error) {
	uptime := p.opts.Now().Sub(p.opts.StartedAt).Truncate(time.Second)

	return fmt.Sprintf("%s running\nuptime: %s\npacks loaded: %d\ntools registered: %d",
		p.opts.AppName, uptime, len(p.loader.Packs()), p.registry.Len()), nil
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"description=File path relative to the sandbox directory"`
}

func (p *Pack) readFileTool() tool.Descriptor {
	return tool.NewDescriptorFromStruct("read_file", "Read a text file from the sandbox directory", readFileArgs{},
		func(ctx context.Context, args map[string]any) (any, error) {
			path, _ := args["path"].(string)
			return ReadSandboxed(p.opts.SandboxDir, path)
		},
		func(o *tool.Options) { o.Timeout = 5 * time.Second },
	)
}

func (p *Pack) currentTimeTool() tool.Descriptor {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA time zone name, e.g. Europe/Berlin; defaults to UTC",
			},
		},
	}

	return tool.NewDescriptor("current_time", "Return the current date and time", params,
		func(ctx context.Context, args map[string]any) (any, error) {
			loc := time.UTC
			if tz, _ := args["timezone"].(string); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				loc = l
			}
			return p.opts.Now().In(loc).Format(time.RFC3339), nil
		},
	)
}

// ReadSandboxed reads rel below dir and returns at most MaxReadChars
// characters. The file is opened through an os.Root, so neither ".."
// components nor symlinks can reach outside dir.
func ReadSandboxed(dir, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("path is required")
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return "", fmt.Errorf("open sandbox: %w", err)
	}
	defer root.Close()

	// Leading ".." segments are clamped to the sandbox root.
	name := strings.TrimPrefix(filepath.Clean(string(filepath.Separator)+rel), string(filepath.Separator))
	if name == "" {
		return "", fmt.Errorf("file not found: %s", rel)
	}

	f, err := root.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("file not found: %s", rel)
		}
		return "", fmt.Errorf("path outside sandbox: %s", rel)
	}
	defer f.Close()

	if fi, err := f.Stat(); err != nil || fi.IsDir() {
		return "", fmt.Errorf("file not found: %s", rel)
	}

	data, err := io.ReadAll(io.LimitReader(f, MaxReadChars*utf8.UTFMax))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}

	return truncateRunes(string(data), MaxReadChars), nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	i := 0
	for pos := range s {
		if i == limit {
			return s[:pos]
		}
		i++
	}

	return s
}
