package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbench.dev/core/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, c.WorkerPollInterval)
	assert.Equal(t, 50, c.DefaultMaxTurns)
	assert.Equal(t, 1200*time.Second, c.DefaultTimeout)
	assert.Equal(t, 300*time.Second, c.StaleThreshold)
	assert.Equal(t, 60*time.Second, c.RetryBaseDelay)
	assert.Equal(t, 200, c.MaxToolCalls)
	assert.Equal(t, 800, c.MaxDiffLines)
	assert.Equal(t, 40, c.MaxFilesTouched)
	assert.Equal(t, "claude", c.AgentBinaryPath)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WORKER_POLL_INTERVAL_SECONDS", "1")
	t.Setenv("CLAUDE_DEFAULT_MAX_TURNS", "10")
	t.Setenv("CLAUDE_MOCK_SCENARIO", "success")
	t.Setenv("CLAUDE_ALLOWED_TOOLS", "Read, Edit,Bash")

	c, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, time.Second, c.WorkerPollInterval)
	assert.Equal(t, 10, c.DefaultMaxTurns)
	assert.Equal(t, "success", c.MockScenario)
	assert.Equal(t, []string{"Read", "Edit", "Bash"}, c.AllowedTools)
}

func TestLoad_RejectsUnparsableInt(t *testing.T) {
	t.Setenv("CLAUDE_DEFAULT_MAX_TURNS", "lots")
	_, err := config.Load()
	require.Error(t, err)
}

// The YAML overlay fills in settings the environment leaves unset;
// environment values still win, and defaults cover the rest.
func TestLoad_YAMLOverlay(t *testing.T) {
	overlay := filepath.Join(t.TempDir(), "workbench.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte(
		"database_url: postgresql://overlay:overlay@db:5432/workbench\n"+
			"claude_default_max_turns: 25\n"+
			"queue_max_tool_calls: 99\n"), 0o644))
	t.Setenv("WORKBENCH_CONFIG_FILE", overlay)
	t.Setenv("CLAUDE_DEFAULT_MAX_TURNS", "10")

	c, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "postgresql://overlay:overlay@db:5432/workbench", c.DatabaseURL)
	assert.Equal(t, 10, c.DefaultMaxTurns, "environment wins over the overlay")
	assert.Equal(t, 99, c.MaxToolCalls)
	assert.Equal(t, 800, c.MaxDiffLines, "defaults still cover keys in neither source")
}

func TestLoad_MissingOverlayFileErrors(t *testing.T) {
	t.Setenv("WORKBENCH_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoad_MalformedOverlayErrors(t *testing.T) {
	overlay := filepath.Join(t.TempDir(), "workbench.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte("{not yaml\n"), 0o644))
	t.Setenv("WORKBENCH_CONFIG_FILE", overlay)
	_, err := config.Load()
	require.Error(t, err)
}
