// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the execution and billing core.
type Config struct {
	// DatabaseURL is the postgres connection string for the ledger store.
	DatabaseURL string

	// LiteLLMBaseURL is the base URL of the upstream LLM proxy.
	LiteLLMBaseURL string

	// LiteLLMMasterKey authenticates every upstream call. Tenant identity is
	// passed as request metadata, never as a per-user key.
	LiteLLMMasterKey string

	// RedisURL enables the redis pub/sub backend when set. Empty means the
	// in-memory backend is used.
	RedisURL string

	// DockerHost is the container runtime endpoint for sandbox runs.
	DockerHost string

	// OTELServiceName names this process in emitted traces.
	OTELServiceName string

	// Langfuse trace sink credentials. All three must be set for the HTTP
	// sink to be enabled; otherwise traces go to the log sink.
	LangfuseHost      string
	LangfusePublicKey string
	LangfuseSecretKey string

	// CreditsPerUSD is the fixed conversion between provider USD cost and
	// ledger credits.
	CreditsPerUSD int64

	// SettleFloor, when non-nil, marks post-call settlements that drive the
	// balance below the floor for out-of-band reconciliation. The write
	// itself always completes.
	SettleFloor *int64

	// SandboxImage is the default agent container image.
	SandboxImage string

	// SandboxProxyImage is the egress proxy container image.
	SandboxProxyImage string

	// SandboxRuntimeLimit is the wall-clock limit for a sandbox run.
	SandboxRuntimeLimit time.Duration

	// SandboxMemoryBytes caps sandbox container memory.
	SandboxMemoryBytes int64

	// SandboxPidsLimit caps the number of processes inside the sandbox.
	SandboxPidsLimit int64
}

const (
	defaultCreditsPerUSD    = 1000
	defaultSandboxRuntime   = 300 * time.Second
	defaultSandboxMemory    = 1 << 30 // 1 GiB
	defaultSandboxPidsLimit = 256
)

// Load reads configuration from the environment. A .env file is loaded
// first if present (development convenience; missing file is not an error).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		LiteLLMBaseURL:      getEnv("LITELLM_BASE_URL", "http://localhost:4000"),
		LiteLLMMasterKey:    os.Getenv("LITELLM_MASTER_KEY"),
		RedisURL:            os.Getenv("REDIS_URL"),
		DockerHost:          getEnv("DOCKER_HOST", "unix:///var/run/docker.sock"),
		OTELServiceName:     getEnv("OTEL_SERVICE_NAME", "cogni-core"),
		LangfuseHost:        os.Getenv("LANGFUSE_HOST"),
		LangfusePublicKey:   os.Getenv("LANGFUSE_PUBLIC_KEY"),
		LangfuseSecretKey:   os.Getenv("LANGFUSE_SECRET_KEY"),
		CreditsPerUSD:       defaultCreditsPerUSD,
		SandboxImage:        getEnv("SANDBOX_IMAGE", "cogni/sandbox-agent:latest"),
		SandboxProxyImage:   getEnv("SANDBOX_PROXY_IMAGE", "cogni/llm-proxy:latest"),
		SandboxRuntimeLimit: getDurationEnv("SANDBOX_RUNTIME_LIMIT", defaultSandboxRuntime),
		SandboxMemoryBytes:  getInt64Env("SANDBOX_MEMORY_BYTES", defaultSandboxMemory),
		SandboxPidsLimit:    getInt64Env("SANDBOX_PIDS_LIMIT", defaultSandboxPidsLimit),
	}

	if v := os.Getenv("CREDITS_PER_USD"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CREDITS_PER_USD %q", v)
		}
		cfg.CreditsPerUSD = n
	}

	if v := os.Getenv("SETTLE_FLOOR"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SETTLE_FLOOR %q", v)
		}
		cfg.SettleFloor = &n
	}

	return cfg, nil
}

// Validate checks that required settings for server mode are present.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.LiteLLMMasterKey == "" {
		return fmt.Errorf("LITELLM_MASTER_KEY is required")
	}
	return nil
}

// LangfuseEnabled reports whether the HTTP trace sink is fully configured.
func (c *Config) LangfuseEnabled() bool {
	return c.LangfuseHost != "" && c.LangfusePublicKey != "" && c.LangfuseSecretKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
