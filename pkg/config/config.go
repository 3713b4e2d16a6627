// Package config holds mucode configuration.
//
// Settings come from three layers, later layers winning: built-in defaults
// (DefaultConfig), an optional YAML file (LoadFile) and MUCODE_* environment
// variables (ApplyEnv). Validate should be called before the config is used.
//
// Example Usage:
//
//	cfg, err := config.LoadFile("mucode.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	cfg.ApplyEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//   - MUCODE_DATA_DIR="./data"
//   - MUCODE_IN_MEMORY=false
//   - MUCODE_READ_ONLY=false
//   - MUCODE_SYNC_WRITES=false
//   - MUCODE_QUERY_MAX_STEPS=1000000
//   - MUCODE_QUERY_DEFAULT_MAX_HOPS=10
//   - MUCODE_QUERY_DEFAULT_LIMIT=0
//   - MUCODE_PLAN_CACHE_SIZE=1000
//   - MUCODE_BUILD_WORKERS=0 (one per CPU)
//   - MUCODE_BUILD_LANGUAGES="go,python"
//   - MUCODE_BUILD_MAX_FILE_SIZE="2MB"
//   - MUCODE_BUILD_IGNORE="vendor/,*_pb2.py"
//   - MUCODE_EMBEDDING_PROVIDER="none", "ollama" or "openai"
//   - MUCODE_EMBEDDING_API_URL, MUCODE_EMBEDDING_API_KEY (or OPENAI_API_KEY)
//   - MUCODE_EMBEDDING_MODEL, MUCODE_EMBEDDING_DIMENSIONS
//   - MUCODE_EMBEDDING_TIMEOUT=30s, MUCODE_EMBEDDING_CACHE_SIZE=10000
//   - MUCODE_SERVER_ADDRESS=":7475"
//   - MUCODE_LOG_LEVEL="info", MUCODE_LOG_FORMAT="console" or "json"
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all mucode configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Query     QueryConfig     `yaml:"query"`
	Build     BuildConfig     `yaml:"build"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig holds persistent store settings.
type StorageConfig struct {
	// DataDir is the Badger directory. Ignored when InMemory is set.
	DataDir  string `yaml:"data_dir"`
	InMemory bool   `yaml:"in_memory"`
	// ReadOnly opens the store without write access; builds and migrations
	// then fail with storage.ErrReadOnly.
	ReadOnly   bool `yaml:"read_only"`
	SyncWrites bool `yaml:"sync_writes"`
}

// QueryConfig holds MUQL execution settings.
type QueryConfig struct {
	// MaxSteps caps graph work per query.
	MaxSteps       int `yaml:"max_steps"`
	DefaultMaxHops int `yaml:"default_max_hops"`
	// DefaultLimit caps SELECT and FIND without LIMIT; 0 = unlimited.
	DefaultLimit  int `yaml:"default_limit"`
	PlanCacheSize int `yaml:"plan_cache_size"`
}

// BuildConfig holds build pipeline settings.
type BuildConfig struct {
	// Workers bounds parallel parsing; 0 means one per CPU.
	Workers   int      `yaml:"workers"`
	Languages []string `yaml:"languages"`
	// MaxFileSize skips larger files ("2MB", "512K", plain bytes).
	MaxFileSize ByteSize `yaml:"max_file_size"`
	// Ignore holds extra gitignore-style patterns.
	Ignore []string `yaml:"ignore"`
	// NoGit walks the tree even inside a git work tree.
	NoGit bool `yaml:"no_git"`
	// Force reparses files whose content is unchanged.
	Force bool `yaml:"force"`
	// Tolerant indexes files with syntax errors instead of failing them.
	Tolerant       bool `yaml:"tolerant"`
	EmbedBatchSize int  `yaml:"embed_batch_size"`
}

// EmbeddingConfig selects the embedding model.
type EmbeddingConfig struct {
	// Provider is "none", "ollama" or "openai".
	Provider   string        `yaml:"provider"`
	APIURL     string        `yaml:"api_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	// CacheSize bounds the embedding cache; 0 disables it.
	CacheSize int `yaml:"cache_size"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Address string `yaml:"address"`
	// Metrics enables GET /metrics.
	Metrics bool `yaml:"metrics"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is console or json.
	Format string `yaml:"format"`
}

// ByteSize is a size that reads "2MB", "512k" or a plain byte count.
type ByteSize int64

// UnmarshalYAML accepts both numbers and size strings.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseByteSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = v
	return nil
}

// MarshalYAML writes the size in its shortest unit.
func (b ByteSize) MarshalYAML() (interface{}, error) { return b.String(), nil }

func (b ByteSize) String() string { return FormatMemorySize(int64(b)) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{DataDir: "./data"},
		Query: QueryConfig{
			MaxSteps:       1_000_000,
			DefaultMaxHops: 10,
			PlanCacheSize:  1000,
		},
		Build: BuildConfig{
			Languages:      []string{"go", "python"},
			MaxFileSize:    2 << 20,
			EmbedBatchSize: 32,
		},
		Embedding: EmbeddingConfig{
			Provider:   "none",
			APIURL:     "http://localhost:11434",
			Model:      "mxbai-embed-large",
			Dimensions: 1024,
			Timeout:    30 * time.Second,
			CacheSize:  10000,
		},
		Server:  ServerConfig{Address: ":7475", Metrics: true},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// LoadFile reads a YAML file over the defaults. Keys missing from the file
// keep their default values.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv returns the defaults with environment overrides applied.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

// ApplyEnv overrides fields from MUCODE_* environment variables. Unset or
// unparseable variables leave the current value.
func (c *Config) ApplyEnv() {
	c.Storage.DataDir = getEnv("MUCODE_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("MUCODE_IN_MEMORY", c.Storage.InMemory)
	c.Storage.ReadOnly = getEnvBool("MUCODE_READ_ONLY", c.Storage.ReadOnly)
	c.Storage.SyncWrites = getEnvBool("MUCODE_SYNC_WRITES", c.Storage.SyncWrites)

	c.Query.MaxSteps = getEnvInt("MUCODE_QUERY_MAX_STEPS", c.Query.MaxSteps)
	c.Query.DefaultMaxHops = getEnvInt("MUCODE_QUERY_DEFAULT_MAX_HOPS", c.Query.DefaultMaxHops)
	c.Query.DefaultLimit = getEnvInt("MUCODE_QUERY_DEFAULT_LIMIT", c.Query.DefaultLimit)
	c.Query.PlanCacheSize = getEnvInt("MUCODE_PLAN_CACHE_SIZE", c.Query.PlanCacheSize)

	c.Build.Workers = getEnvInt("MUCODE_BUILD_WORKERS", c.Build.Workers)
	c.Build.Languages = getEnvStringSlice("MUCODE_BUILD_LANGUAGES", c.Build.Languages)
	if v := os.Getenv("MUCODE_BUILD_MAX_FILE_SIZE"); v != "" {
		if size, err := ParseByteSize(v); err == nil {
			c.Build.MaxFileSize = size
		}
	}
	c.Build.Ignore = getEnvStringSlice("MUCODE_BUILD_IGNORE", c.Build.Ignore)
	c.Build.NoGit = getEnvBool("MUCODE_BUILD_NO_GIT", c.Build.NoGit)
	c.Build.Force = getEnvBool("MUCODE_BUILD_FORCE", c.Build.Force)
	c.Build.Tolerant = getEnvBool("MUCODE_BUILD_TOLERANT", c.Build.Tolerant)
	c.Build.EmbedBatchSize = getEnvInt("MUCODE_BUILD_EMBED_BATCH_SIZE", c.Build.EmbedBatchSize)

	c.Embedding.Provider = getEnv("MUCODE_EMBEDDING_PROVIDER", c.Embedding.Provider)
	c.Embedding.APIURL = getEnv("MUCODE_EMBEDDING_API_URL", c.Embedding.APIURL)
	c.Embedding.APIKey = getEnv("MUCODE_EMBEDDING_API_KEY", getEnv("OPENAI_API_KEY", c.Embedding.APIKey))
	c.Embedding.Model = getEnv("MUCODE_EMBEDDING_MODEL", c.Embedding.Model)
	c.Embedding.Dimensions = getEnvInt("MUCODE_EMBEDDING_DIMENSIONS", c.Embedding.Dimensions)
	c.Embedding.Timeout = getEnvDuration("MUCODE_EMBEDDING_TIMEOUT", c.Embedding.Timeout)
	c.Embedding.CacheSize = getEnvInt("MUCODE_EMBEDDING_CACHE_SIZE", c.Embedding.CacheSize)

	c.Server.Address = getEnv("MUCODE_SERVER_ADDRESS", c.Server.Address)
	c.Server.Metrics = getEnvBool("MUCODE_SERVER_METRICS", c.Server.Metrics)

	c.Logging.Level = getEnv("MUCODE_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("MUCODE_LOG_FORMAT", c.Logging.Format)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("%w: storage.data_dir is required unless storage.in_memory is set", ErrInvalidConfig)
	}
	if c.Query.MaxSteps <= 0 {
		return fmt.Errorf("%w: query.max_steps must be positive, got %d", ErrInvalidConfig, c.Query.MaxSteps)
	}
	if c.Query.DefaultMaxHops <= 0 {
		return fmt.Errorf("%w: query.default_max_hops must be positive, got %d", ErrInvalidConfig, c.Query.DefaultMaxHops)
	}
	if c.Query.DefaultLimit < 0 {
		return fmt.Errorf("%w: query.default_limit must not be negative", ErrInvalidConfig)
	}
	if c.Query.PlanCacheSize <= 0 {
		return fmt.Errorf("%w: query.plan_cache_size must be positive", ErrInvalidConfig)
	}
	if c.Build.Workers < 0 {
		return fmt.Errorf("%w: build.workers must not be negative", ErrInvalidConfig)
	}
	if c.Build.MaxFileSize <= 0 {
		return fmt.Errorf("%w: build.max_file_size must be positive", ErrInvalidConfig)
	}
	for _, lang := range c.Build.Languages {
		switch lang {
		case "go", "python":
		default:
			return fmt.Errorf("%w: unsupported build language %q", ErrInvalidConfig, lang)
		}
	}

	switch c.Embedding.Provider {
	case "none", "":
	case "ollama", "openai":
		if c.Embedding.Dimensions <= 0 {
			return fmt.Errorf("%w: invalid embedding dimensions: %d", ErrInvalidConfig, c.Embedding.Dimensions)
		}
		if c.Embedding.Model == "" {
			return fmt.Errorf("%w: embedding.model is required for %s", ErrInvalidConfig, c.Embedding.Provider)
		}
		if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
			return fmt.Errorf("%w: embedding.api_key is required for openai", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown embedding provider %q", ErrInvalidConfig, c.Embedding.Provider)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// String returns a one-line summary without secrets.
func (c *Config) String() string {
	dir := c.Storage.DataDir
	if c.Storage.InMemory {
		dir = "(memory)"
	}
	return fmt.Sprintf(
		"Config{DataDir: %s, ReadOnly: %v, Embedding: %s/%s, Server: %s, MaxSteps: %d}",
		dir, c.Storage.ReadOnly,
		c.Embedding.Provider, c.Embedding.Model,
		c.Server.Address, c.Query.MaxSteps,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultVal
}

// ParseByteSize parses sizes like "1024", "512K", "2MB" or "1g".
func ParseByteSize(s string) (ByteSize, error) {
	orig := s
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	}

	val, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("invalid size %q", orig)
	}
	return ByteSize(val * multiplier), nil
}

// FormatMemorySize formats bytes in the largest whole unit.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB && bytes%GB == 0:
		return fmt.Sprintf("%dGB", bytes/GB)
	case bytes >= MB && bytes%MB == 0:
		return fmt.Sprintf("%dMB", bytes/MB)
	case bytes >= KB && bytes%KB == 0:
		return fmt.Sprintf("%dKB", bytes/KB)
	default:
		return fmt.Sprintf("%d", bytes)
	}
}
