// Package config loads orchestrator configuration from environment
// variables (prefix ORCH_) with compiled-in defaults, plus optional
// per-phase agent overrides from agents.yaml.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/connectorforge/forge/pkg/agent"
	"github.com/connectorforge/forge/pkg/checkpoint"
	"github.com/connectorforge/forge/pkg/state"
)

// Config is the resolved orchestrator configuration.
type Config struct {
	// HTTP server.
	Host string
	Port int

	// Checkpoint store selection.
	Checkpointer checkpoint.Config

	// Retry ceilings injected into every new pipeline state.
	Limits state.Limits

	// Run lifecycle.
	MaxConcurrentPipelines int
	PipelineTimeout        time.Duration
	RunRetention           time.Duration

	// Agent session service.
	SessionServiceURL string
	WorkRoot          string
	AgentsConfigPath  string

	// Publisher target. Token is read from the env var named by TokenEnv.
	RepoOwner string
	RepoName  string
	TokenEnv  string

	// Phase overrides loaded from AgentsConfigPath, nil when the file is
	// absent.
	Phases map[string]agent.PhaseConfig
}

// Load resolves configuration from the environment and the optional
// agents.yaml file.
func Load() (*Config, error) {
	port, err := intEnv("ORCH_PORT", 8000)
	if err != nil {
		return nil, err
	}
	maxConcurrent, err := intEnv("ORCH_MAX_CONCURRENT_PIPELINES", 10)
	if err != nil {
		return nil, err
	}
	timeout, err := durationEnv("ORCH_PIPELINE_TIMEOUT", 1200*time.Second)
	if err != nil {
		return nil, err
	}
	retention, err := durationEnv("ORCH_RUN_RETENTION", time.Hour)
	if err != nil {
		return nil, err
	}
	limits, err := loadLimits()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host: envOrDefault("ORCH_HOST", "0.0.0.0"),
		Port: port,
		Checkpointer: checkpoint.Config{
			Type:        envOrDefault("ORCH_CHECKPOINTER_TYPE", checkpoint.TypeMemory),
			SQLitePath:  envOrDefault("ORCH_SQLITE_DB_PATH", "orchestrator_checkpoints.db"),
			PostgresURL: os.Getenv("ORCH_POSTGRES_URL"),
		},
		Limits:                 limits,
		MaxConcurrentPipelines: maxConcurrent,
		PipelineTimeout:        timeout,
		RunRetention:           retention,
		SessionServiceURL:      envOrDefault("ORCH_SESSION_SERVICE_URL", "http://localhost:8100"),
		WorkRoot:               envOrDefault("ORCH_WORK_ROOT", "./workdirs"),
		AgentsConfigPath:       envOrDefault("ORCH_AGENTS_CONFIG", "agents.yaml"),
		RepoOwner:              os.Getenv("ORCH_REPO_OWNER"),
		RepoName:               os.Getenv("ORCH_REPO_NAME"),
		TokenEnv:               envOrDefault("ORCH_REPO_TOKEN_ENV", "GITHUB_TOKEN"),
	}

	phases, err := LoadPhaseOverrides(cfg.AgentsConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Phases = phases

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot start with.
func (c *Config) Validate() error {
	switch c.Checkpointer.Type {
	case checkpoint.TypeMemory:
	case checkpoint.TypeSQLite:
		if c.Checkpointer.SQLitePath == "" {
			return fmt.Errorf("ORCH_SQLITE_DB_PATH is required for the sqlite checkpointer")
		}
	case checkpoint.TypePostgres:
		if c.Checkpointer.PostgresURL == "" {
			return fmt.Errorf("ORCH_POSTGRES_URL is required for the postgres checkpointer")
		}
	default:
		return fmt.Errorf("unknown checkpointer type %q (want memory, sqlite, or postgres)", c.Checkpointer.Type)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxConcurrentPipelines <= 0 {
		return fmt.Errorf("ORCH_MAX_CONCURRENT_PIPELINES must be positive, got %d", c.MaxConcurrentPipelines)
	}
	if c.PipelineTimeout <= 0 {
		return fmt.Errorf("ORCH_PIPELINE_TIMEOUT must be positive, got %s", c.PipelineTimeout)
	}
	for name, v := range map[string]int{
		"ORCH_MAX_TEST_RETRIES":     c.Limits.MaxTestRetries,
		"ORCH_MAX_GEN_FIX_RETRIES":  c.Limits.MaxGenFixRetries,
		"ORCH_MAX_REVIEW_RETRIES":   c.Limits.MaxReviewRetries,
		"ORCH_MAX_RESEARCH_RETRIES": c.Limits.MaxResearchRetries,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", name, v)
		}
	}
	return nil
}

// RepoToken reads the publisher token from the configured env var.
func (c *Config) RepoToken() string {
	return os.Getenv(c.TokenEnv)
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func loadLimits() (state.Limits, error) {
	defaults := state.DefaultLimits()
	testRetries, err := intEnv("ORCH_MAX_TEST_RETRIES", defaults.MaxTestRetries)
	if err != nil {
		return state.Limits{}, err
	}
	genFixRetries, err := intEnv("ORCH_MAX_GEN_FIX_RETRIES", defaults.MaxGenFixRetries)
	if err != nil {
		return state.Limits{}, err
	}
	reviewRetries, err := intEnv("ORCH_MAX_REVIEW_RETRIES", defaults.MaxReviewRetries)
	if err != nil {
		return state.Limits{}, err
	}
	researchRetries, err := intEnv("ORCH_MAX_RESEARCH_RETRIES", defaults.MaxResearchRetries)
	if err != nil {
		return state.Limits{}, err
	}
	return state.Limits{
		MaxTestRetries:     testRetries,
		MaxGenFixRetries:   genFixRetries,
		MaxReviewRetries:   reviewRetries,
		MaxResearchRetries: researchRetries,
	}, nil
}

func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

// durationEnv accepts either a Go duration string ("20m") or a bare
// number of seconds ("1200").
func durationEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
