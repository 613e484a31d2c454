package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DaemonConfig holds the runtime parameters for one agent daemon.
// Built once at startup from the environment; secrets stay env-only.
type DaemonConfig struct {
	AgentType        string
	AgentID          string // override; empty = resolve from store by type
	ProfilePath      string
	LoopInterval     time.Duration
	LoopEnabled      bool
	OrchestratorURL  string
	HealthPort       int
	StatusServiceURL string

	WorkerMaxConcurrent int
	MaxConcurrentTasks  int

	SessionPoolEnabled bool
	SessionMaxLoops    int
	SessionIdleTimeout time.Duration

	DryRun        bool
	MCPConfigPath string

	// Broker / store / RAG endpoints and tokens (env only, never persisted).
	RedisAddr    string
	RedisPass    string
	PostgresDSN  string
	RAGURL       string
	RAGToken     string
	TrackerURL   string
	TrackerToken string

	WorkspaceDir string
	SettingsPath string
	BrandPath    string
}

// FromEnv builds a DaemonConfig from the recognised environment variables.
// An empty AGENT_ID means the daemon resolves the persistent id from the
// fleet registry by type during start, failing if no row exists.
func FromEnv() *DaemonConfig {
	cfg := &DaemonConfig{
		AgentType:           envStr("AGENT_TYPE", "ceo"),
		AgentID:             os.Getenv("AGENT_ID"),
		ProfilePath:         os.Getenv("PROFILE_PATH"),
		LoopInterval:        time.Duration(envInt("LOOP_INTERVAL", 3600)) * time.Second,
		LoopEnabled:         os.Getenv("LOOP_ENABLED") != "false",
		OrchestratorURL:     os.Getenv("ORCHESTRATOR_URL"),
		HealthPort:          envInt("HEALTH_PORT", 3001),
		StatusServiceURL:    os.Getenv("STATUS_SERVICE_URL"),
		WorkerMaxConcurrent: envInt("WORKER_MAX_CONCURRENT", 3),
		MaxConcurrentTasks:  envInt("MAX_CONCURRENT_TASKS", 2),
		SessionPoolEnabled:  os.Getenv("SESSION_POOL_ENABLED") == "true",
		SessionMaxLoops:     envInt("SESSION_MAX_LOOPS", 50),
		SessionIdleTimeout:  time.Duration(envInt("SESSION_IDLE_TIMEOUT_MS", 600_000)) * time.Millisecond,
		DryRun:              os.Getenv("DRY_RUN") == "true",
		MCPConfigPath:       os.Getenv("MCP_CONFIG_PATH"),
		RedisAddr:           envStr("REDIS_ADDR", "localhost:6379"),
		RedisPass:           os.Getenv("REDIS_PASSWORD"),
		PostgresDSN:         os.Getenv("POSTGRES_DSN"),
		RAGURL:              os.Getenv("RAG_URL"),
		RAGToken:            os.Getenv("RAG_TOKEN"),
		TrackerURL:          os.Getenv("TRACKER_URL"),
		TrackerToken:        os.Getenv("TRACKER_TOKEN"),
		WorkspaceDir:        os.Getenv("WORKSPACE_DIR"),
		SettingsPath:        os.Getenv("SETTINGS_PATH"),
		BrandPath:           os.Getenv("BRAND_CONFIG_PATH"),
	}
	return cfg
}

// Validate checks the fields a daemon cannot start without.
func (c *DaemonConfig) Validate() error {
	if c.AgentType == "" {
		return fmt.Errorf("AGENT_TYPE must not be empty")
	}
	if c.ProfilePath == "" {
		return fmt.Errorf("PROFILE_PATH is required")
	}
	if c.LoopInterval <= 0 {
		return fmt.Errorf("LOOP_INTERVAL must be positive, got %s", c.LoopInterval)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
