package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/packbot/model"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := buildRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	err := cmd.Execute()

	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "packbot dev")
}

func TestToolsCmd(t *testing.T) {
	out, err := execute(t, "", "tools")
	require.NoError(t, err)

	var defs []model.ToolDefinition
	require.NoError(t, json.Unmarshal([]byte(out), &defs))

	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Function.Name)
	}
	assert.ElementsMatch(t, []string{"current_time", "read_file"}, names)
}

func TestConfigSchemaCmd(t *testing.T) {
	out, err := execute(t, "", "config", "schema")
	require.NoError(t, err)
	assert.Contains(t, out, "rate_limit_per_minute")
}

func TestConfigValidateCmd(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.yaml")
	require.NoError(t, os.WriteFile(good, []byte("platform:\n  reply_prefix: \"> \"\n"), 0o600))

	out, err := execute(t, "", "config", "validate", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("agent:\n  max_steps: 0\n"), 0o600))

	_, err = execute(t, "", "config", "validate", "--config", bad)
	require.Error(t, err)
}

func TestServeCmd_Console(t *testing.T) {
	out, err := execute(t, "/ping\nhello\n", "serve", "--no-color")
	require.NoError(t, err)

	assert.Contains(t, out, "ready")
	assert.Contains(t, out, "pong!")
	assert.Contains(t, out, "Mock response to: hello")
}
