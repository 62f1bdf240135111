package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"INFO":    LogLevelInfo,
		"":        LogLevelInfo,
		"warning": LogLevelWarn,
		"error":   LogLevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewLogger_JSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf, Component: "bus"})

	With(logger, "kind", "gateway.message_in").Warn("bus.queue.full", "size", 2)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "bus.queue.full", entry["msg"])
	assert.Equal(t, "bus", entry["component"])
	assert.Equal(t, "gateway.message_in", entry["kind"])
	assert.EqualValues(t, 2, entry["size"])
}

func TestNewLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&LoggerConfig{Level: LogLevelWarn, Format: "text", Output: &buf})

	logger.Info("hidden")
	assert.Empty(t, buf.String())

	logger.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

type recordingLogger struct {
	NoOpLogger
	args []any
}

func (r *recordingLogger) Info(_ string, args ...any) { r.args = args }

func TestWith_WrapsForeignLogger(t *testing.T) {
	rec := &recordingLogger{}
	With(rec, "stage", "wake").Info("x", "k", "v")
	assert.Equal(t, []any{"stage", "wake", "k", "v"}, rec.args)

	assert.Equal(t, NoOpLogger{}, With(nil, "a", "b"))
}
