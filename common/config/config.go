package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all engine-wide configuration, driven entirely by
// environment variables per spec §6.
type Config struct {
	Service  ServiceConfig
	Engine   EngineConfig
	Features FeatureFlags
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name      string
	LogLevel  string
	LogFormat string
}

// EngineConfig holds the recognized environment keys from spec §6,
// each clamped to its documented range.
type EngineConfig struct {
	NodeMaxRetries        int
	NodeTimeoutMS         int
	MaxConcurrentBranches int
	MaxPersistedRuns      int
	RunStuckThresholdMS   int
}

// FeatureFlags toggles optional ambient integrations.
type FeatureFlags struct {
	EnableRedisArchiveMirror bool
	EnableStoreWatch         bool
}

// Load reads configuration from the environment, applying the defaults and
// bounds documented in spec §6.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:      serviceName,
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "text"),
		},
		Engine: EngineConfig{
			NodeMaxRetries:        clampInt(getEnvInt("WORKFLOW_NODE_MAX_RETRIES", 3), 0, 20),
			NodeTimeoutMS:         clampInt(getEnvInt("WORKFLOW_NODE_TIMEOUT_MS", 600_000), 1_000, 21_600_000),
			MaxConcurrentBranches: clampInt(getEnvInt("WORKFLOW_MAX_CONCURRENT_BRANCHES", 8), 1, 64),
			MaxPersistedRuns:      clampInt(getEnvInt("WORKFLOW_MAX_PERSISTED_RUNS", 200), 20, 5000),
			RunStuckThresholdMS:   clampInt(getEnvInt("WORKFLOW_RUN_STUCK_THRESHOLD_MS", 300_000), 10_000, 7_200_000),
		},
		Features: FeatureFlags{
			EnableRedisArchiveMirror: getEnvBool("WORKFLOW_ENABLE_REDIS_MIRROR", false),
			EnableStoreWatch:         getEnvBool("WORKFLOW_ENABLE_STORE_WATCH", false),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Engine.MaxConcurrentBranches < 1 {
		return fmt.Errorf("max concurrent branches must be >= 1")
	}
	if c.Engine.NodeTimeoutMS < 1000 {
		return fmt.Errorf("node timeout must be >= 1000ms")
	}
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
