// Package config loads and validates the memory service configuration.
// Configuration comes from a YAML file with environment-variable overrides
// for secrets and deployment-specific endpoints.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all memory service configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// StateDir holds logs and the default sqlite database.
	StateDir string `yaml:"state_dir"`

	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Database    DatabaseConfig    `yaml:"database"`
	Models      ModelsConfig      `yaml:"models"`
	Memory      MemoryConfig      `yaml:"memory"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Resilience  ResilienceConfig  `yaml:"resilience"`
	Project     ProjectConfig     `yaml:"project"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// VectorStoreConfig configures the remote vector index.
type VectorStoreConfig struct {
	URL            string `yaml:"url"`
	CollectionName string `yaml:"collection_name"`
	APIKey         string `yaml:"api_key"`
	// VectorSize is the collection-wide dimension D. It must match the
	// embedding provider's output; a mismatch is a fatal startup error.
	VectorSize int `yaml:"vector_size"`
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	// URL is the sqlite DSN (a file path, or ":memory:" for tests).
	URL string `yaml:"url"`
}

// ModelsConfig names the models the gateway routes to.
type ModelsConfig struct {
	DefaultEmbeddingModel string `yaml:"default_embedding_model"`
	DefaultRerankModel    string `yaml:"default_rerank_model"`
	// Light model serves conversation/archive compression, heavy serves
	// global/decision compression.
	DefaultLightModel string   `yaml:"default_light_model"`
	DefaultHeavyModel string   `yaml:"default_heavy_model"`
	ProviderPriority  []string `yaml:"provider_priority"`

	// Provider credentials and endpoints.
	GenAIAPIKey    string `yaml:"genai_api_key"`
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OpenAIBaseURL  string `yaml:"openai_base_url"`
	OpenAIAPIKey   string `yaml:"openai_api_key"`
}

// MemoryConfig tunes retrieval and retention.
type MemoryConfig struct {
	RetrievalTopK int  `yaml:"retrieval_top_k"`
	RerankTopK    int  `yaml:"rerank_top_k"`
	FuserEnabled  bool `yaml:"fuser_enabled"`
	// DefaultTTLDays sets expires_at on new memory units; 0 disables
	// expiry entirely (the default).
	DefaultTTLDays int `yaml:"default_ttl_days"`
	// QualityThreshold discards compression outputs scored below it.
	QualityThreshold float64 `yaml:"quality_threshold"`
}

// ConcurrencyConfig bounds the shared resources.
type ConcurrencyConfig struct {
	MaxConnections int    `yaml:"max_connections"`
	MinConnections int    `yaml:"min_connections"`
	CacheSize      int    `yaml:"cache_size"`
	CacheTTL       string `yaml:"cache_ttl"`
	MaxWorkers     int    `yaml:"max_workers"`
	BatchSize      int    `yaml:"batch_size"`
	BatchTimeout   string `yaml:"batch_timeout"`
	QueueCapacity  int    `yaml:"queue_capacity"`
}

// ResilienceConfig controls the gateway retry policy.
type ResilienceConfig struct {
	MaxRetries     int     `yaml:"max_retries"`
	RetryDelayBase float64 `yaml:"retry_delay_base"` // seconds
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// ProjectConfig controls the permission gate policy.
type ProjectConfig struct {
	ProjectIsolationMode     string              `yaml:"project_isolation_mode"` // "strict" or "open"
	EnableCrossProjectSearch bool                `yaml:"enable_cross_project_search"`
	SystemPrincipal          string              `yaml:"system_principal"`
	Grants                   map[string][]Grant  `yaml:"grants"` // principal -> grants
}

// Grant gives one principal a permission level on one project.
type Grant struct {
	ProjectID string `yaml:"project_id"`
	Level     string `yaml:"level"` // none|read|write|admin|owner
}

// ServerConfig controls the HTTP transport.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// LoggingConfig controls the categorized file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns production defaults. No expiry, strict retrieval
// caps matching the deployment the service was tuned for.
func DefaultConfig() *Config {
	return &Config{
		Name:     "memd",
		Version:  "1.0.0",
		StateDir: ".memd",
		VectorStore: VectorStoreConfig{
			URL:            "http://localhost:6333",
			CollectionName: "memory_units_v4096",
			VectorSize:     4096,
		},
		Database: DatabaseConfig{
			URL: ".memd/memory.db",
		},
		Models: ModelsConfig{
			DefaultEmbeddingModel: "qwen3-embedding",
			DefaultRerankModel:    "qwen3-reranker",
			DefaultLightModel:     "gemini-2.5-flash",
			DefaultHeavyModel:     "gemini-2.5-pro",
			ProviderPriority:      []string{"genai", "openai", "ollama"},
			OllamaEndpoint:        "http://localhost:11434",
		},
		Memory: MemoryConfig{
			RetrievalTopK:    20,
			RerankTopK:       5,
			FuserEnabled:     true,
			DefaultTTLDays:   0,
			QualityThreshold: 0.3,
		},
		Concurrency: ConcurrencyConfig{
			MaxConnections: 10,
			MinConnections: 2,
			CacheSize:      500,
			CacheTTL:       "120s",
			MaxWorkers:     4,
			BatchSize:      16,
			BatchTimeout:   "2s",
			QueueCapacity:  256,
		},
		Resilience: ResilienceConfig{
			MaxRetries:     3,
			RetryDelayBase: 0.5,
			TimeoutSeconds: 60,
		},
		Project: ProjectConfig{
			ProjectIsolationMode:     "strict",
			EnableCrossProjectSearch: false,
			SystemPrincipal:          "system",
		},
		Server: ServerConfig{
			HTTPAddr: ":8765",
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Load reads the config file at path, merges it over the defaults, applies
// environment overrides, and validates the result. A missing file is not an
// error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments inject secrets and
// endpoints without editing the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEMD_VECTOR_STORE_URL"); v != "" {
		c.VectorStore.URL = v
	}
	if v := os.Getenv("MEMD_VECTOR_COLLECTION"); v != "" {
		c.VectorStore.CollectionName = v
	}
	if v := os.Getenv("MEMD_VECTOR_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.VectorStore.VectorSize = n
		}
	}
	if v := os.Getenv("MEMD_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Models.GenAIAPIKey = v
	}
	if v := os.Getenv("MEMD_OPENAI_API_KEY"); v != "" {
		c.Models.OpenAIAPIKey = v
	}
	if v := os.Getenv("MEMD_OPENAI_BASE_URL"); v != "" {
		c.Models.OpenAIBaseURL = v
	}
	if v := os.Getenv("MEMD_OLLAMA_ENDPOINT"); v != "" {
		c.Models.OllamaEndpoint = v
	}
	if v := os.Getenv("MEMD_HTTP_ADDR"); v != "" {
		c.Server.HTTPAddr = v
	}
	if v := os.Getenv("MEMD_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

// Validate checks invariants that would otherwise fail deep inside the
// pipeline. Fatal configuration errors belong here, not at request time.
func (c *Config) Validate() error {
	if c.VectorStore.VectorSize <= 0 {
		return fmt.Errorf("vector_store.vector_size must be positive, got %d", c.VectorStore.VectorSize)
	}
	if c.VectorStore.CollectionName == "" {
		return fmt.Errorf("vector_store.collection_name is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Concurrency.MaxConnections <= 0 {
		return fmt.Errorf("concurrency.max_connections must be positive")
	}
	if c.Concurrency.MinConnections < 0 || c.Concurrency.MinConnections > c.Concurrency.MaxConnections {
		return fmt.Errorf("concurrency.min_connections must be in [0, max_connections]")
	}
	if len(c.Models.ProviderPriority) == 0 {
		return fmt.Errorf("models.provider_priority must name at least one provider")
	}
	if c.Memory.RetrievalTopK <= 0 || c.Memory.RerankTopK <= 0 {
		return fmt.Errorf("memory.retrieval_top_k and memory.rerank_top_k must be positive")
	}
	if c.Memory.QualityThreshold < 0 || c.Memory.QualityThreshold > 1 {
		return fmt.Errorf("memory.quality_threshold must be in [0,1]")
	}
	switch c.Project.ProjectIsolationMode {
	case "strict", "open":
	default:
		return fmt.Errorf("project.project_isolation_mode must be 'strict' or 'open', got %q", c.Project.ProjectIsolationMode)
	}
	return nil
}

// CacheTTL parses the cache TTL duration, defaulting to two minutes.
func (c *Config) CacheTTL() time.Duration {
	return parseDuration(c.Concurrency.CacheTTL, 2*time.Minute)
}

// BatchTimeout parses the batch flush timeout, defaulting to two seconds.
func (c *Config) BatchTimeout() time.Duration {
	return parseDuration(c.Concurrency.BatchTimeout, 2*time.Second)
}

// RequestTimeout returns the facade deadline.
func (c *Config) RequestTimeout() time.Duration {
	if c.Resilience.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Resilience.TimeoutSeconds) * time.Second
}

// RetryDelayBase returns the base delay for gateway retries.
func (c *Config) RetryDelayBase() time.Duration {
	if c.Resilience.RetryDelayBase <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.Resilience.RetryDelayBase * float64(time.Second))
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
