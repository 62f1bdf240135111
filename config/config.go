package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/packbot/logging"
)

// Provider types understood by the façade.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// Config is the root configuration document.
type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	Provider ProviderConfig `yaml:"provider"`
	Agent    AgentConfig    `yaml:"agent"`
	Bus      BusConfig      `yaml:"bus"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tools    ToolsConfig    `yaml:"tools"`
}

// PlatformConfig controls how inbound chat messages are gated and how
// replies are shaped.
type PlatformConfig struct {
	WakePrefix           []string `yaml:"wake_prefix"`
	WakeWords            []string `yaml:"wake_words"`
	ReplyPrefix          string   `yaml:"reply_prefix"`
	ReplyWithMention     bool     `yaml:"reply_with_mention"`
	RateLimitPerMinute   int      `yaml:"rate_limit_per_minute"`
	Whitelist            []string `yaml:"whitelist"`
	Blacklist            []string `yaml:"blacklist"`
	ContentSafetyEnabled bool     `yaml:"content_safety_enabled"`
	BlockedWords         []string `yaml:"blocked_words"`
	SegmentReply         bool     `yaml:"segment_reply"`
	SegmentThreshold     int      `yaml:"segment_threshold"`
	ErrorReply           string   `yaml:"error_reply"`
}

// ProviderConfig selects and parameterizes the language model.
type ProviderConfig struct {
	Type         string  `yaml:"type"`
	Model        string  `yaml:"model"`
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	SystemPrompt string  `yaml:"system_prompt"`
	Temperature  float64 `yaml:"temperature"`
	MaxTokens    int     `yaml:"max_tokens"`
	Streaming    bool    `yaml:"streaming"`
	ContextLimit int     `yaml:"context_limit"`
}

// AgentConfig bounds the tool-calling loop.
type AgentConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxSteps    int           `yaml:"max_steps"`
	ToolTimeout time.Duration `yaml:"tool_timeout"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxParallel int           `yaml:"max_parallel"`
}

// BusConfig sizes the event bus and the message worker bound.
type BusConfig struct {
	QueueSize     int           `yaml:"queue_size"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type ToolsConfig struct {
	SandboxDir string `yaml:"sandbox_dir"`
}

// Default returns the configuration used for every key a document omits.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			WakePrefix:         []string{"/"},
			ReplyWithMention:   true,
			RateLimitPerMinute: 30,
			SegmentThreshold:   400,
		},
		Provider: ProviderConfig{
			Type:         ProviderMock,
			SystemPrompt: "You are a helpful assistant.",
			Temperature:  0.7,
			MaxTokens:    4096,
			ContextLimit: 20,
		},
		Agent: AgentConfig{
			Enabled:     true,
			MaxSteps:    10,
			ToolTimeout: 30 * time.Second,
			Timeout:     120 * time.Second,
		},
		Bus: BusConfig{
			QueueSize:     1000,
			PollInterval:  100 * time.Millisecond,
			MaxConcurrent: 16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		Tools: ToolsConfig{
			SandboxDir: "data/temp",
		},
	}
}

// Load reads, expands and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Parse decodes a YAML document over Default(), expanding ${VAR}
// references, and validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Provider.Type {
	case ProviderMock:
	case ProviderOpenAI, ProviderAnthropic:
		if strings.TrimSpace(c.Provider.APIKey) == "" {
			add("provider.api_key is required for provider %q", c.Provider.Type)
		}
	default:
		add("provider.type must be one of openai, anthropic, mock (got %q)", c.Provider.Type)
	}

	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2 {
		add("provider.temperature must be within [0, 2] (got %v)", c.Provider.Temperature)
	}
	if c.Provider.MaxTokens < 1 {
		add("provider.max_tokens must be positive")
	}
	if c.Provider.ContextLimit < 1 {
		add("provider.context_limit must be positive")
	}

	if c.Platform.RateLimitPerMinute < 0 {
		add("platform.rate_limit_per_minute must not be negative")
	}
	if c.Platform.SegmentReply && c.Platform.SegmentThreshold < 1 {
		add("platform.segment_threshold must be positive when segment_reply is enabled")
	}

	if c.Agent.MaxSteps < 1 {
		add("agent.max_steps must be at least 1")
	}
	if c.Agent.ToolTimeout <= 0 {
		add("agent.tool_timeout must be positive")
	}
	if c.Agent.Timeout < 0 {
		add("agent.timeout must not be negative")
	}
	if c.Agent.MaxParallel < 0 {
		add("agent.max_parallel must not be negative")
	}

	if c.Bus.QueueSize < 1 {
		add("bus.queue_size must be at least 1")
	}
	if c.Bus.PollInterval <= 0 {
		add("bus.poll_interval must be positive")
	}
	if c.Bus.MaxConcurrent < 1 {
		add("bus.max_concurrent must be at least 1")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		add("logging.format must be json or text (got %q)", c.Logging.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr is required when metrics are enabled")
	}

	return errors.Join(errs...)
}

// LoggerConfig derives the logging setup. The level has been validated.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	lc := logging.DefaultLoggerConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = lvl
	}
	lc.Format = c.Logging.Format

	return lc
}
