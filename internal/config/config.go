package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the toolplane server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Crypto    CryptoConfig
	Pool      PoolConfig
	Confirm   ConfirmConfig
	Executor  ExecutorConfig
	LLM       LLMConfig
}

type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty selects the
	// in-memory store.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type CryptoConfig struct {
	// Key is the hex-encoded 32-byte AES key used to encrypt credentials.
	Key string
}

type PoolConfig struct {
	// IdleTTL is how long a credentialed connection may sit unused
	// before the sweeper closes it.
	IdleTTL time.Duration
	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration
}

type ConfirmConfig struct {
	// Timeout is how long a pending confirmation waits before auto-deny.
	Timeout time.Duration
	// SweepInterval is how often expired confirmations are collected.
	SweepInterval time.Duration
}

type ExecutorConfig struct {
	// MaxLoops bounds the model/tool iteration count per turn.
	MaxLoops int
	// MaxDelegationDepth bounds recursive agent delegation.
	MaxDelegationDepth int
	// ToolTimeout bounds a single tool execution once it starts.
	// It does not cover the time spent waiting for human approval.
	ToolTimeout time.Duration
}

type LLMConfig struct {
	// Provider selects the model client: "anthropic" or "openai"
	// (any OpenAI-compatible endpoint).
	Provider string
	APIKey   string
	// Endpoint overrides the provider's default base URL.
	Endpoint string
	// DefaultModel is used when an agent does not pin a model.
	DefaultModel string
	MaxTokens    int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("TOOLPLANE_PORT", 8080),
		Version: envStr("TOOLPLANE_VERSION", "0.1.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "toolplane"),
		},
		Crypto: CryptoConfig{
			Key: envStr("TOOLPLANE_ENCRYPTION_KEY", ""),
		},
		Pool: PoolConfig{
			IdleTTL:       envDur("POOL_IDLE_TTL", 5*time.Minute),
			SweepInterval: envDur("POOL_SWEEP_INTERVAL", 60*time.Second),
		},
		Confirm: ConfirmConfig{
			Timeout:       envDur("CONFIRM_TIMEOUT", 5*time.Minute),
			SweepInterval: envDur("CONFIRM_SWEEP_INTERVAL", 30*time.Second),
		},
		Executor: ExecutorConfig{
			MaxLoops:           envInt("EXECUTOR_MAX_LOOPS", 10),
			MaxDelegationDepth: envInt("EXECUTOR_MAX_DELEGATION_DEPTH", 1),
			ToolTimeout:        envDur("EXECUTOR_TOOL_TIMEOUT", 30*time.Second),
		},
		LLM: LLMConfig{
			Provider:     envStr("LLM_PROVIDER", "anthropic"),
			APIKey:       envStr("LLM_API_KEY", ""),
			Endpoint:     envStr("LLM_ENDPOINT", ""),
			DefaultModel: envStr("LLM_MODEL", "claude-sonnet-4-20250514"),
			MaxTokens:    envInt("LLM_MAX_TOKENS", 4096),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
