// Package config handles loading and validating proxy configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the llmrouter proxy. It covers
// everything the Router, Schema Mapper, Stream Bridge, Token Scaler,
// Context Manager, Chunk Store, Env-Deduper, Upstream Client, and Async
// Log Sink need at startup.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Routing  RoutingConfig  `koanf:"routing"`
	Windows  WindowConfig   `koanf:"windows"`
	Condense CondenseConfig `koanf:"condensation"`
	Chunk    ChunkConfig    `koanf:"chunking"`
	EnvDedup EnvDedupConfig `koanf:"env_dedup"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// UpstreamConfig holds the settings for the two upstream endpoint families
// that live behind one provider: an Anthropic-style Messages API and an
// OpenAI-style Chat Completions API.
type UpstreamConfig struct {
	AnthropicBase    string        `koanf:"anthropic_base"`
	OpenAIBase       string        `koanf:"openai_base"`
	ServerAPIKey     string        `koanf:"server_api_key"`
	ForwardClientKey bool          `koanf:"forward_client_key"`
	AnthropicVersion string        `koanf:"anthropic_version"`
	AnthropicBeta    string        `koanf:"anthropic_beta"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	StreamTimeout    time.Duration `koanf:"stream_timeout"`
	RetryBackoff     time.Duration `koanf:"retry_backoff"`
	RetryAttempts    int           `koanf:"retry_attempts"`
}

// RoutingConfig drives the Router (internal/router): which client-declared
// model aliases map to which upstream model id, and which aliases act as
// the "auto text" / "auto vision" routing targets.
type RoutingConfig struct {
	ModelMap                  map[string]string `koanf:"model_map"`
	AutoTextModel             string            `koanf:"autotext_model"`
	AutoVisionModel           string            `koanf:"autovision_model"`
	ScaleCountTokensForVision bool              `koanf:"scale_count_tokens_for_vision"`
	VisionCountScale          float64           `koanf:"vision_count_scale"`
}

// WindowConfig carries the context-window regimes the Token Scaler
// rescales between, and the hard limits the Context Manager analyzes
// utilization against.
type WindowConfig struct {
	AnthropicTextTokens int `koanf:"anthropic_text_tokens"`
	OpenAITextTokens    int `koanf:"openai_text_tokens"`
	OpenAIVisionTokens  int `koanf:"openai_vision_tokens"`
}

// CondenseConfig configures the Condenser and Context Manager thresholds.
type CondenseConfig struct {
	CautionThreshold  float64       `koanf:"caution_threshold"`
	WarningThreshold  float64       `koanf:"warning_threshold"`
	CriticalThreshold float64       `koanf:"critical_threshold"`
	MinMessages       int           `koanf:"min_messages"`
	DefaultStrategy   string        `koanf:"default_strategy"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	CacheSize         int           `koanf:"cache_size"`
	Timeout           time.Duration `koanf:"timeout"`
}

// ChunkConfig configures the Chunk Store (internal/chunkstore).
type ChunkConfig struct {
	Enabled         bool          `koanf:"enabled"`
	SizeMessages    int           `koanf:"size_messages"`
	MaxTokens       int           `koanf:"max_tokens"`
	OverlapMessages int           `koanf:"overlap_messages"`
	CacheSize       int           `koanf:"cache_size"`
	CacheTTL        time.Duration `koanf:"cache_ttl"`
	AgeThreshold    time.Duration `koanf:"age_threshold"`
	CacheDir        string        `koanf:"cache_dir"`
}

// EnvDedupConfig configures the Env-Deduper (internal/envdedup).
type EnvDedupConfig struct {
	Strategy string        `koanf:"strategy"`
	MaxAge   time.Duration `koanf:"max_age"`
}

// LoggingConfig configures the Async Log Sink (internal/logsink).
type LoggingConfig struct {
	PerformanceLevel string        `koanf:"performance_level"`
	Dir              string        `koanf:"dir"`
	BatchSize        int           `koanf:"batch_size"`
	BatchTimeout     time.Duration `koanf:"batch_timeout"`
}

// defaults returns the configuration baseline described in spec.md §6.3,
// so that an empty or partial config file still produces a usable proxy.
func defaults() map[string]any {
	return map[string]any{
		"server.port":          8080,
		"server.read_timeout":  "30s",
		"server.write_timeout": "300s",

		"upstream.anthropic_base":    "https://api.anthropic.com/v1",
		"upstream.openai_base":       "https://api.openai.com/v1",
		"upstream.forward_client_key": true,
		"upstream.anthropic_version": "2023-06-01",
		"upstream.connect_timeout":   "10s",
		"upstream.request_timeout":   "120s",
		"upstream.stream_timeout":    "300s",
		"upstream.retry_backoff":     "100ms",
		"upstream.retry_attempts":    3,

		"routing.scale_count_tokens_for_vision": false,
		"routing.vision_count_scale":            1.0,

		"windows.anthropic_text_tokens": 200000,
		"windows.openai_text_tokens":    131072,
		"windows.openai_vision_tokens":  65535,

		"condensation.caution_threshold":  0.70,
		"condensation.warning_threshold":  0.80,
		"condensation.critical_threshold": 0.90,
		"condensation.min_messages":       3,
		"condensation.default_strategy":   "conversation_summary",
		"condensation.cache_ttl":          "3600s",
		"condensation.cache_size":         100,
		"condensation.timeout":            "30s",

		"chunking.enabled":          true,
		"chunking.size_messages":    8,
		"chunking.max_tokens":       4000,
		"chunking.overlap_messages": 2,
		"chunking.cache_size":       100,
		"chunking.cache_ttl":        "3600s",
		"chunking.age_threshold":    "1800s",
		"chunking.cache_dir":        "./cache",

		"env_dedup.strategy": "keep_latest",
		"env_dedup.max_age":  "1440m",

		"logging.performance_level": "balanced",
		"logging.dir":               "./logs",
		"logging.batch_size":        50,
		"logging.batch_timeout":     "5s",
	}
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Layer environment variables on top. Any env var starting with
	// "LLMROUTER_" can override a config value, e.g.
	//   LLMROUTER_UPSTREAM_ANTHROPIC_BASE -> upstream.anthropic_base
	// Names matching an already-known key (from the defaults or the file)
	// map onto that key; any other name has every "_" turned into ".".
	if err := k.Load(env.Provider("LLMROUTER_", ".", func(s string) string {
		name := strings.ToLower(strings.TrimPrefix(s, "LLMROUTER_"))
		for _, key := range k.Keys() {
			if strings.ReplaceAll(key, ".", "_") == name {
				return key
			}
		}
		return strings.ReplaceAll(name, "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// Layer the literal env var names spec.md §6.3 documents as the
	// external config contract — the same names original_source/main.py
	// reads with os.getenv(...). These take precedence over both the
	// config file and the LLMROUTER_-prefixed vars above.
	if err := k.Load(confmap.Provider(literalEnvOverrides(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading literal env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// MODEL_MAP_JSON carries a JSON object rather than a scalar, so it's
	// decoded and applied directly instead of going through koanf.
	if raw := os.Getenv("MODEL_MAP_JSON"); raw != "" {
		modelMap := make(map[string]string)
		if err := json.Unmarshal([]byte(raw), &modelMap); err != nil {
			return nil, fmt.Errorf("parsing MODEL_MAP_JSON: %w", err)
		}
		cfg.Routing.ModelMap = modelMap
	}

	// Expand ${VAR_NAME} placeholders in the server credential.
	cfg.Upstream.ServerAPIKey = expandEnvPlaceholder(cfg.Upstream.ServerAPIKey)

	return &cfg, nil
}

// literalEnvOverrides reads the non-namespaced env vars spec.md §6.3 lists
// and returns only the ones actually set, keyed by their koanf dotted path.
// Booleans follow the original's "1/true/yes" (case-insensitive) convention;
// the *_TIMEOUT/*_BACKOFF vars carry float seconds, matching main.py.
func literalEnvOverrides() map[string]any {
	out := make(map[string]any)

	str := func(key, env string) {
		if v, ok := os.LookupEnv(env); ok {
			out[key] = v
		}
	}
	boolean := func(key, env string) {
		if v, ok := os.LookupEnv(env); ok {
			out[key] = isTruthy(v)
		}
	}
	integer := func(key, env string) {
		if v, ok := os.LookupEnv(env); ok {
			if n, err := strconv.Atoi(v); err == nil {
				out[key] = n
			}
		}
	}
	float := func(key, env string) {
		if v, ok := os.LookupEnv(env); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				out[key] = f
			}
		}
	}
	seconds := func(key, env string) {
		if v, ok := os.LookupEnv(env); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				out[key] = time.Duration(f * float64(time.Second))
			}
		}
	}
	minutes := func(key, env string) {
		if v, ok := os.LookupEnv(env); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				out[key] = time.Duration(f * float64(time.Minute))
			}
		}
	}

	str("upstream.anthropic_base", "UPSTREAM_BASE")
	str("upstream.openai_base", "OPENAI_UPSTREAM_BASE")
	str("upstream.server_api_key", "SERVER_API_KEY")
	boolean("upstream.forward_client_key", "FORWARD_CLIENT_KEY")
	seconds("upstream.connect_timeout", "CONNECT_TIMEOUT")
	seconds("upstream.request_timeout", "REQUEST_TIMEOUT")
	seconds("upstream.stream_timeout", "STREAM_TIMEOUT")
	seconds("upstream.retry_backoff", "RETRY_BACKOFF")

	str("routing.autotext_model", "AUTOTEXT_MODEL")
	str("routing.autovision_model", "AUTOVISION_MODEL")
	boolean("routing.scale_count_tokens_for_vision", "SCALE_COUNT_TOKENS_FOR_VISION")

	integer("windows.anthropic_text_tokens", "REAL_TEXT_MODEL_TOKENS")
	integer("windows.openai_vision_tokens", "REAL_VISION_MODEL_TOKENS")

	float("condensation.caution_threshold", "CONDENSATION_CAUTION_THRESHOLD")
	float("condensation.warning_threshold", "CONDENSATION_WARNING_THRESHOLD")
	float("condensation.critical_threshold", "CONDENSATION_CRITICAL_THRESHOLD")
	integer("condensation.min_messages", "CONDENSATION_MIN_MESSAGES")
	str("condensation.default_strategy", "CONDENSATION_DEFAULT_STRATEGY")
	seconds("condensation.timeout", "CONDENSATION_TIMEOUT")
	seconds("condensation.cache_ttl", "CONDENSATION_CACHE_TTL")

	boolean("chunking.enabled", "ENABLE_CHUNK_BASED_CONDENSATION")
	integer("chunking.size_messages", "CHUNK_SIZE_MESSAGES")
	integer("chunking.max_tokens", "CHUNK_MAX_TOKENS")
	integer("chunking.overlap_messages", "CHUNK_OVERLAP_MESSAGES")
	seconds("chunking.cache_ttl", "CHUNK_CACHE_TTL")
	seconds("chunking.age_threshold", "CHUNK_AGE_THRESHOLD")
	str("chunking.cache_dir", "CACHE_DIR")

	str("env_dedup.strategy", "ENV_DEDUPLICATION_STRATEGY")
	minutes("env_dedup.max_age", "ENV_DETAILS_MAX_AGE_MINUTES")

	str("logging.performance_level", "LOGGING_PERFORMANCE_LEVEL")

	return out
}

// isTruthy matches the original's os.getenv(...).lower() in ("1", "true", "yes").
func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// expandEnvPlaceholder resolves a "${VAR_NAME}" style placeholder against
// the process environment. koanf doesn't do this automatically, so callers
// that accept secrets by reference use this helper explicitly.
func expandEnvPlaceholder(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}
