package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectorforge/forge/pkg/checkpoint"
)

// clearOrchEnv unsets every ORCH_ variable the loader reads so tests are
// hermetic regardless of the invoking shell.
func clearOrchEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ORCH_HOST", "ORCH_PORT",
		"ORCH_CHECKPOINTER_TYPE", "ORCH_SQLITE_DB_PATH", "ORCH_POSTGRES_URL",
		"ORCH_MAX_TEST_RETRIES", "ORCH_MAX_GEN_FIX_RETRIES",
		"ORCH_MAX_REVIEW_RETRIES", "ORCH_MAX_RESEARCH_RETRIES",
		"ORCH_MAX_CONCURRENT_PIPELINES", "ORCH_PIPELINE_TIMEOUT", "ORCH_RUN_RETENTION",
		"ORCH_SESSION_SERVICE_URL", "ORCH_WORK_ROOT", "ORCH_AGENTS_CONFIG",
		"ORCH_REPO_OWNER", "ORCH_REPO_NAME", "ORCH_REPO_TOKEN_ENV",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearOrchEnv(t)
	t.Setenv("ORCH_AGENTS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8000", cfg.Addr())
	assert.Equal(t, checkpoint.TypeMemory, cfg.Checkpointer.Type)
	assert.Equal(t, "orchestrator_checkpoints.db", cfg.Checkpointer.SQLitePath)
	assert.Equal(t, 3, cfg.Limits.MaxTestRetries)
	assert.Equal(t, 3, cfg.Limits.MaxGenFixRetries)
	assert.Equal(t, 2, cfg.Limits.MaxReviewRetries)
	assert.Equal(t, 1, cfg.Limits.MaxResearchRetries)
	assert.Equal(t, 10, cfg.MaxConcurrentPipelines)
	assert.Equal(t, 1200*time.Second, cfg.PipelineTimeout)
	assert.Equal(t, time.Hour, cfg.RunRetention)
	assert.Nil(t, cfg.Phases)
}

func TestLoad_Overrides(t *testing.T) {
	clearOrchEnv(t)
	t.Setenv("ORCH_AGENTS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("ORCH_PORT", "9000")
	t.Setenv("ORCH_CHECKPOINTER_TYPE", "sqlite")
	t.Setenv("ORCH_SQLITE_DB_PATH", "/tmp/forge.db")
	t.Setenv("ORCH_MAX_TEST_RETRIES", "5")
	t.Setenv("ORCH_PIPELINE_TIMEOUT", "600")
	t.Setenv("ORCH_RUN_RETENTION", "30m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, checkpoint.TypeSQLite, cfg.Checkpointer.Type)
	assert.Equal(t, "/tmp/forge.db", cfg.Checkpointer.SQLitePath)
	assert.Equal(t, 5, cfg.Limits.MaxTestRetries)
	assert.Equal(t, 600*time.Second, cfg.PipelineTimeout, "bare seconds accepted")
	assert.Equal(t, 30*time.Minute, cfg.RunRetention, "duration syntax accepted")
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "ORCH_PORT", "not-a-number"},
		{"bad retry count", "ORCH_MAX_TEST_RETRIES", "three"},
		{"bad timeout", "ORCH_PIPELINE_TIMEOUT", "soon"},
		{"unknown checkpointer", "ORCH_CHECKPOINTER_TYPE", "redis"},
		{"zero concurrency", "ORCH_MAX_CONCURRENT_PIPELINES", "0"},
		{"negative retries", "ORCH_MAX_REVIEW_RETRIES", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearOrchEnv(t)
			t.Setenv("ORCH_AGENTS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate_PostgresRequiresURL(t *testing.T) {
	clearOrchEnv(t)
	t.Setenv("ORCH_AGENTS_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("ORCH_CHECKPOINTER_TYPE", "postgres")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ORCH_POSTGRES_URL")
}

func TestLoadPhaseOverrides(t *testing.T) {
	t.Run("missing file is not an error", func(t *testing.T) {
		phases, err := LoadPhaseOverrides(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Nil(t, phases)
	})

	t.Run("parses overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agents.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
agents:
  generator:
    max_turns: 80
  tester:
    tools: [read-file, run-shell]
`), 0o644))

		phases, err := LoadPhaseOverrides(path)
		require.NoError(t, err)
		assert.Equal(t, 80, phases["generator"].MaxTurns)
		assert.Empty(t, phases["generator"].Tools, "unset fields stay zero")
		assert.Equal(t, []string{"read-file", "run-shell"}, phases["tester"].Tools)
	})

	t.Run("unknown phase is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agents.yaml")
		require.NoError(t, os.WriteFile(path, []byte("agents:\n  deployer:\n    max_turns: 5\n"), 0o644))

		_, err := LoadPhaseOverrides(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown phase")
	})

	t.Run("malformed yaml is rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agents.yaml")
		require.NoError(t, os.WriteFile(path, []byte("agents: [not a map"), 0o644))

		_, err := LoadPhaseOverrides(path)
		assert.Error(t, err)
	})
}
