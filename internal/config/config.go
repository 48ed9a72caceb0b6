// Package config loads the routing core's tunables from the environment,
// following the same ROUTINGCORE_-prefixed, getEnv*-helper convention the
// rest of the ambient stack uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every tunable spec §6 enumerates, grouped by the stage that
// consumes it.
type Config struct {
	ListenAddr string
	LogLevel   string

	// Batcher/Dispatcher (C4).
	MaxBatchSize     int
	MinBatchSize     int
	MaxWaitTimeMs    int
	ConcurrencyLimit int

	// Executor/Recovery (C5).
	MaxRetries       int
	BaseRetryDelayMs int
	MaxRetryDelayMs  int
	RetryJitter      float64
	BreakerThreshold int
	BreakerTimeoutMs int

	// Cache (C7).
	CacheTTLSec int

	// Cross-cutting recovery behavior.
	FallbackEnabled    bool
	DegradationEnabled bool
	EmergencyAgentID   string

	// Backpressure (C1/C4).
	HighWater     int
	LowWater      int
	MaxContentLen int

	// OpenTelemetry tracing (opt-in).
	OTelEnabled     bool
	OTelEndpoint    string
	OTelServiceName string

	// Temporal-backed batch scheduling (opt-in).
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string

	// Cache backend selection: "memory", "redis", or "sqlite".
	CacheBackend string
	RedisAddr    string
	SQLiteDSN    string

	// RoutingPolicyFile, if set, points at a YAML file overriding the
	// Router's strategy weights and priorities (see LoadRoutingPolicy).
	RoutingPolicyFile string

	// Backend provider credentials/endpoints (cmd/routingcore registers one
	// Agent + Provider per configured model).
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModels  []string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModels  []string

	VLLMEndpoints []string
	VLLMModel     string
}

// Load reads Config from the environment, applying the spec's documented
// defaults wherever a variable is unset.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("ROUTINGCORE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("ROUTINGCORE_LOG_LEVEL", "info"),

		MaxBatchSize:     getEnvInt("ROUTINGCORE_MAX_BATCH_SIZE", 50),
		MinBatchSize:     getEnvInt("ROUTINGCORE_MIN_BATCH_SIZE", 3),
		MaxWaitTimeMs:    getEnvInt("ROUTINGCORE_MAX_WAIT_TIME_MS", 5000),
		ConcurrencyLimit: getEnvInt("ROUTINGCORE_CONCURRENCY_LIMIT", 10),

		MaxRetries:       getEnvInt("ROUTINGCORE_MAX_RETRIES", 3),
		BaseRetryDelayMs: getEnvInt("ROUTINGCORE_BASE_RETRY_DELAY_MS", 200),
		MaxRetryDelayMs:  getEnvInt("ROUTINGCORE_MAX_RETRY_DELAY_MS", 8000),
		RetryJitter:      getEnvFloat("ROUTINGCORE_RETRY_JITTER", 0.5),
		BreakerThreshold: getEnvInt("ROUTINGCORE_BREAKER_THRESHOLD", 10),
		BreakerTimeoutMs: getEnvInt("ROUTINGCORE_BREAKER_TIMEOUT_MS", 60000),

		CacheTTLSec: getEnvInt("ROUTINGCORE_CACHE_TTL_SEC", 86400),

		FallbackEnabled:    getEnvBool("ROUTINGCORE_FALLBACK_ENABLED", true),
		DegradationEnabled: getEnvBool("ROUTINGCORE_DEGRADATION_ENABLED", true),
		EmergencyAgentID:   getEnv("ROUTINGCORE_EMERGENCY_AGENT_ID", ""),

		HighWater:     getEnvInt("ROUTINGCORE_HIGH_WATER", 1000),
		LowWater:      getEnvInt("ROUTINGCORE_LOW_WATER", 200),
		MaxContentLen: getEnvInt("ROUTINGCORE_MAX_CONTENT_LEN", 32768),

		OTelEnabled:     getEnvBool("ROUTINGCORE_OTEL_ENABLED", false),
		OTelEndpoint:    getEnv("ROUTINGCORE_OTEL_ENDPOINT", "localhost:4318"),
		OTelServiceName: getEnv("ROUTINGCORE_OTEL_SERVICE_NAME", "routingcore"),

		TemporalEnabled:   getEnvBool("ROUTINGCORE_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("ROUTINGCORE_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("ROUTINGCORE_TEMPORAL_NAMESPACE", "routingcore"),
		TemporalTaskQueue: getEnv("ROUTINGCORE_TEMPORAL_TASK_QUEUE", "routingcore-batches"),

		CacheBackend: getEnv("ROUTINGCORE_CACHE_BACKEND", "memory"),
		RedisAddr:    getEnv("ROUTINGCORE_REDIS_ADDR", "localhost:6379"),
		SQLiteDSN:    getEnv("ROUTINGCORE_SQLITE_DSN", "file:/data/routingcore.sqlite"),

		RoutingPolicyFile: getEnv("ROUTINGCORE_ROUTING_POLICY_FILE", ""),

		AnthropicAPIKey:  getEnv("ROUTINGCORE_ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL: getEnv("ROUTINGCORE_ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		AnthropicModels:  getEnvStringSlice("ROUTINGCORE_ANTHROPIC_MODELS", nil),

		OpenAIAPIKey:  getEnv("ROUTINGCORE_OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("ROUTINGCORE_OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModels:  getEnvStringSlice("ROUTINGCORE_OPENAI_MODELS", nil),

		VLLMEndpoints: getEnvStringSlice("ROUTINGCORE_VLLM_ENDPOINTS", nil),
		VLLMModel:     getEnv("ROUTINGCORE_VLLM_MODEL", ""),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects config combinations the pipeline's invariants forbid.
func (c Config) Validate() error {
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("ROUTINGCORE_MAX_BATCH_SIZE must be > 0, got %d", c.MaxBatchSize)
	}
	if c.MinBatchSize <= 0 || c.MinBatchSize > c.MaxBatchSize {
		return fmt.Errorf("ROUTINGCORE_MIN_BATCH_SIZE must be in (0, %d], got %d", c.MaxBatchSize, c.MinBatchSize)
	}
	if c.ConcurrencyLimit <= 0 {
		return fmt.Errorf("ROUTINGCORE_CONCURRENCY_LIMIT must be > 0, got %d", c.ConcurrencyLimit)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("ROUTINGCORE_MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("ROUTINGCORE_BREAKER_THRESHOLD must be > 0, got %d", c.BreakerThreshold)
	}
	if c.HighWater <= c.LowWater {
		return fmt.Errorf("ROUTINGCORE_HIGH_WATER (%d) must be > ROUTINGCORE_LOW_WATER (%d)", c.HighWater, c.LowWater)
	}
	if c.MaxContentLen <= 0 {
		return fmt.Errorf("ROUTINGCORE_MAX_CONTENT_LEN must be > 0, got %d", c.MaxContentLen)
	}
	switch c.CacheBackend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("ROUTINGCORE_CACHE_BACKEND must be one of memory|redis|sqlite, got %q", c.CacheBackend)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
