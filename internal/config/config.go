// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration for the alignment pipeline.
type Config struct {
	LLM          LLMConfig
	HSDS         HSDSConfig
	Claude       ClaudeConfig
	Redis        RedisConfig
	ContentStore ContentStoreConfig
	Worker       WorkerConfig
}

// LLMConfig chooses and parameterises the provider.
type LLMConfig struct {
	Provider      string // "http" or "cli"
	ModelName     string
	Temperature   float64
	MaxTokens     int
	Stream        bool
	ClaudeCLIPath string // path to the local CLI binary, for Provider=="cli"
	APIKey        string // HTTP provider API key
	BaseURL       string // HTTP provider base URL override
}

// HSDSConfig parameterises the aligner's retry loop.
type HSDSConfig struct {
	MinConfidence  float64
	RetryThreshold float64
	MaxRetries     int
}

// ClaudeConfig parameterises the CLI provider's quota backoff schedule.
type ClaudeConfig struct {
	QuotaRetryDelay        time.Duration
	QuotaMaxDelay          time.Duration
	QuotaBackoffMultiplier float64
}

// RedisConfig parameterises the queue and auth-state backends.
type RedisConfig struct {
	URL        string
	PoolSize   int
	MaxRetries int
	RetryDelay time.Duration
}

// ContentStoreConfig parameterises the content store. An empty Path
// disables dedup.
type ContentStoreConfig struct {
	Path string
}

// WorkerConfig parameterises the worker pool's poll loop and shutdown
// behaviour.
type WorkerConfig struct {
	Concurrency         int
	PollInterval        time.Duration
	MaxPollInterval     time.Duration
	ShutdownGracePeriod time.Duration
	AuthCheckInterval   time.Duration
	IdleShutdownTimeout time.Duration // 0 disables scale-to-zero idle shutdown
}

// Load builds a Config from the process environment, applying the same
// defaults the original implementation used.
func Load() (*Config, error) {
	cfg := &Config{
		LLM: LLMConfig{
			Provider:      getEnv("LLM_PROVIDER", "cli"),
			ModelName:     getEnv("LLM_MODEL_NAME", "claude-sonnet-4-5"),
			Temperature:   getEnvFloat("LLM_TEMPERATURE", 0.7),
			MaxTokens:     getEnvInt("LLM_MAX_TOKENS", 64768),
			Stream:        getEnvBool("LLM_STREAM", false),
			ClaudeCLIPath: getEnv("LLM_CLAUDE_CLI_PATH", "claude"),
			APIKey:        getEnv("LLM_API_KEY", ""),
			BaseURL:       getEnv("LLM_BASE_URL", ""),
		},
		HSDS: HSDSConfig{
			MinConfidence:  getEnvFloat("HSDS_MIN_CONFIDENCE", 0.82),
			RetryThreshold: getEnvFloat("HSDS_RETRY_THRESHOLD", 0.65),
			MaxRetries:     getEnvInt("HSDS_MAX_RETRIES", 5),
		},
		Claude: ClaudeConfig{
			QuotaRetryDelay:        getEnvDuration("CLAUDE_QUOTA_RETRY_DELAY", 5*time.Minute),
			QuotaMaxDelay:          getEnvDuration("CLAUDE_QUOTA_MAX_DELAY", 1*time.Hour),
			QuotaBackoffMultiplier: getEnvFloat("CLAUDE_QUOTA_BACKOFF_MULTIPLIER", 2.0),
		},
		Redis: RedisConfig{
			URL:        getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:   getEnvInt("REDIS_POOL_SIZE", 10),
			MaxRetries: getEnvInt("REDIS_MAX_RETRIES", 3),
			RetryDelay: getEnvDuration("REDIS_RETRY_DELAY", 100*time.Millisecond),
		},
		ContentStore: ContentStoreConfig{
			Path: getEnv("CONTENT_STORE_PATH", ""),
		},
		Worker: WorkerConfig{
			Concurrency:         getEnvInt("WORKER_CONCURRENCY", 3),
			PollInterval:        getEnvDuration("WORKER_POLL_INTERVAL", 1*time.Second),
			MaxPollInterval:     getEnvDuration("WORKER_MAX_POLL_INTERVAL", 30*time.Second),
			ShutdownGracePeriod: getEnvDuration("WORKER_SHUTDOWN_GRACE_PERIOD", 5*time.Minute),
			AuthCheckInterval:   getEnvDuration("WORKER_AUTH_CHECK_INTERVAL", 30*time.Second),
			IdleShutdownTimeout: getEnvDuration("WORKER_IDLE_SHUTDOWN_TIMEOUT", 0),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.LLM.Provider != "http" && c.LLM.Provider != "cli" {
		return fmt.Errorf("config: llm.provider must be %q or %q, got %q", "http", "cli", c.LLM.Provider)
	}
	if c.LLM.Stream {
		return fmt.Errorf("config: llm.stream is not supported; the alignment loop requires complete responses")
	}
	if c.HSDS.MinConfidence < 0 || c.HSDS.MinConfidence > 1 {
		return fmt.Errorf("config: hsds.min_confidence must be in [0,1], got %v", c.HSDS.MinConfidence)
	}
	if c.HSDS.RetryThreshold < 0 || c.HSDS.RetryThreshold > 1 {
		return fmt.Errorf("config: hsds.retry_threshold must be in [0,1], got %v", c.HSDS.RetryThreshold)
	}
	if c.HSDS.MaxRetries < 1 {
		return fmt.Errorf("config: hsds.max_retries must be >= 1, got %d", c.HSDS.MaxRetries)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("config: worker.concurrency must be >= 1, got %d", c.Worker.Concurrency)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}
