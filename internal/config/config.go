// Package config provides configuration management for OpenViking.
// Configuration is loaded from a JSON or YAML file with environment
// overrides, with a clear precedence order: env > file > defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openviking/openviking/internal/backend"
)

// EnvConfigPath names the environment variable that points at the
// config file when no explicit path is given.
const EnvConfigPath = "OPENVIKING_CONFIG"

// Config is the complete OpenViking configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Embedding EmbeddingConfig `json:"embedding" yaml:"embedding"`
	VLM       VLMConfig       `json:"vlm" yaml:"vlm"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Auth      AuthConfig      `json:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	Sentry    SentryConfig    `json:"sentry" yaml:"sentry"`

	LogLevel         string `json:"log_level" yaml:"log_level"`
	LogOutput        string `json:"log_output" yaml:"log_output"`
	LogFormat        string `json:"log_format" yaml:"log_format"`
	LanguageFallback string `json:"language_fallback" yaml:"language_fallback"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// APIKey protects /api/v1/*; empty disables auth (local-dev mode).
	APIKey string `json:"api_key" yaml:"api_key"`
	// APIKeyHash is a bcrypt hash alternative to the plain APIKey.
	APIKeyHash string `json:"api_key_hash" yaml:"api_key_hash"`
	// JWTSecret enables the JWT bearer auth mode when set.
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	// MetricsEnabled serves Prometheus metrics on /metrics.
	MetricsEnabled bool `json:"metrics_enabled" yaml:"metrics_enabled"`
}

// StorageConfig groups the physical stores.
type StorageConfig struct {
	VectorDB VectorDBConfig `json:"vectordb" yaml:"vectordb"`
	AGFS     AGFSConfig     `json:"agfs" yaml:"agfs"`
}

// VectorDBConfig holds vector collection configuration.
type VectorDBConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `json:"backend" yaml:"backend"`
	Path    string `json:"path" yaml:"path"`
	// Dimension is the dense vector dimension of the collection.
	Dimension int `json:"dimension" yaml:"dimension"`
}

// AGFSConfig holds the filesystem backend configuration.
type AGFSConfig struct {
	// Backend is "local" or "s3".
	Backend string           `json:"backend" yaml:"backend"`
	Root    string           `json:"root" yaml:"root"`
	S3      backend.S3Config `json:"s3" yaml:"s3"`
}

// EmbeddingConfig holds embedding provider configuration.
type EmbeddingConfig struct {
	Provider   string         `json:"provider" yaml:"provider"`
	Model      string         `json:"model" yaml:"model"`
	Dimensions int            `json:"dimensions" yaml:"dimensions"`
	Config     map[string]any `json:"config" yaml:"config"`
}

// VLMConfig holds completion provider configuration.
type VLMConfig struct {
	Provider string         `json:"provider" yaml:"provider"`
	Model    string         `json:"model" yaml:"model"`
	Config   map[string]any `json:"config" yaml:"config"`
}

// QueueConfig tunes the processing queues.
type QueueConfig struct {
	Capacity         int `json:"capacity" yaml:"capacity"`
	EmbeddingWorkers int `json:"embedding_workers" yaml:"embedding_workers"`
	SemanticWorkers  int `json:"semantic_workers" yaml:"semantic_workers"`
	MaxAttempts      int `json:"max_attempts" yaml:"max_attempts"`
}

// MemoryConfig tunes long-term memory extraction.
type MemoryConfig struct {
	// DedupThreshold is the cosine similarity above which a candidate
	// merges into an existing memory.
	DedupThreshold float64 `json:"dedup_threshold" yaml:"dedup_threshold"`
	// ConfidenceThreshold gates extracted candidates.
	ConfidenceThreshold float64 `json:"confidence_threshold" yaml:"confidence_threshold"`
}

// AuthConfig holds the optional JWT bearer auth mode.
type AuthConfig struct {
	Issuer   string `json:"issuer" yaml:"issuer"`
	Audience string `json:"audience" yaml:"audience"`
}

// RateLimitConfig tunes request rate limiting.
type RateLimitConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// RequestsPerMinute applies per client key (IP or API key).
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	// RedisAddr enables the distributed limiter when set.
	RedisAddr     string `json:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `json:"redis_password" yaml:"redis_password"`
	RedisDB       int    `json:"redis_db" yaml:"redis_db"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled    bool    `json:"enabled" yaml:"enabled"`
	Endpoint   string  `json:"endpoint" yaml:"endpoint"`
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`
}

// SentryConfig holds Sentry error monitoring configuration.
type SentryConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	DSN         string `json:"dsn" yaml:"dsn"`
	Environment string `json:"environment" yaml:"environment"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".openviking")
	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           1933,
			MetricsEnabled: true,
		},
		Storage: StorageConfig{
			VectorDB: VectorDBConfig{
				Backend:   "sqlite",
				Path:      filepath.Join(base, "vectordb.sqlite"),
				Dimension: 128,
			},
			AGFS: AGFSConfig{
				Backend: "local",
				Root:    filepath.Join(base, "agfs"),
			},
		},
		Embedding: EmbeddingConfig{Provider: "mock"},
		VLM:       VLMConfig{Provider: "mock"},
		Queue: QueueConfig{
			Capacity:         10000,
			EmbeddingWorkers: 4,
			SemanticWorkers:  2,
			MaxAttempts:      3,
		},
		Memory: MemoryConfig{
			DedupThreshold:      0.90,
			ConfidenceThreshold: 0.5,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 600,
		},
		LogLevel:         "info",
		LogOutput:        "stdout",
		LogFormat:        "json",
		LanguageFallback: "en",
	}
}

// ResolvePath finds the config file: explicit path, then the
// OPENVIKING_CONFIG environment variable, then the default user-home
// location. The explicit path and the environment value are returned
// as given; the user-home default is returned only when that file
// exists. Returns "" otherwise.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	candidate := filepath.Join(home, ".openviking", "config.json")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

// Load reads configuration from path (JSON or YAML by extension),
// merged over defaults, then applies environment overrides and
// validates. An empty path loads defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse yaml config %s: %w", path, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse json config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENVIKING_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("OPENVIKING_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OPENVIKING_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("OPENVIKING_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPENVIKING_AGFS_ROOT"); v != "" {
		cfg.Storage.AGFS.Root = v
	}
	if v := os.Getenv("OPENVIKING_VECTORDB_PATH"); v != "" {
		cfg.Storage.VectorDB.Path = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		cfg.Sentry.DSN = v
		cfg.Sentry.Enabled = true
	}
}

// Validate checks required keys per component with actionable messages.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	switch c.Storage.AGFS.Backend {
	case "local":
		if c.Storage.AGFS.Root == "" {
			return fmt.Errorf("storage.agfs.root is required for the local backend")
		}
	case "s3":
		if c.Storage.AGFS.S3.Bucket == "" {
			return fmt.Errorf("storage.agfs.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.agfs.backend must be \"local\" or \"s3\", got %q", c.Storage.AGFS.Backend)
	}
	switch c.Storage.VectorDB.Backend {
	case "sqlite":
		if c.Storage.VectorDB.Path == "" {
			return fmt.Errorf("storage.vectordb.path is required for the sqlite backend")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.vectordb.backend must be \"sqlite\" or \"memory\", got %q", c.Storage.VectorDB.Backend)
	}
	if c.Storage.VectorDB.Dimension <= 0 {
		return fmt.Errorf("storage.vectordb.dimension must be positive, got %d", c.Storage.VectorDB.Dimension)
	}
	if c.Embedding.Provider == "" {
		return fmt.Errorf("embedding.provider is required (use \"mock\" for local development)")
	}
	if c.Embedding.Dimensions > 0 && c.Embedding.Dimensions != c.Storage.VectorDB.Dimension {
		return fmt.Errorf("embedding.dimensions (%d) must match storage.vectordb.dimension (%d)",
			c.Embedding.Dimensions, c.Storage.VectorDB.Dimension)
	}
	if c.VLM.Provider == "" {
		return fmt.Errorf("vlm.provider is required (use \"mock\" for local development)")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be positive, got %d", c.Queue.Capacity)
	}
	if c.Queue.EmbeddingWorkers <= 0 || c.Queue.SemanticWorkers <= 0 {
		return fmt.Errorf("queue worker counts must be positive")
	}
	if c.Memory.DedupThreshold < 0 || c.Memory.DedupThreshold > 1 {
		return fmt.Errorf("memory.dedup_threshold must be in [0, 1], got %f", c.Memory.DedupThreshold)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be \"json\" or \"text\", got %q", c.LogFormat)
	}
	return nil
}
