// Package config loads the daemon configuration: defaults, an optional YAML
// file, and INDEXD_* environment overrides, in increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level indexd configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Source    SourceConfig    `mapstructure:"source"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Index     IndexConfig     `mapstructure:"index"`
	Sync      SyncConfig      `mapstructure:"sync"`
	GC        GCConfig        `mapstructure:"gc"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig controls the management API listener.
type ServerConfig struct {
	// Port is bound on 127.0.0.1 only; the daemon is a local companion,
	// not a network service.
	Port int `mapstructure:"port"`
	// APIToken protects the management API. Empty means mint one and keep
	// it in the data dir.
	APIToken string `mapstructure:"api_token"`
}

// StorageConfig locates the daemon's own state.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// SourceConfig locates the writing app's primary database, opened read-only.
type SourceConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"` // "ollama" or "openai"
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
	BatchSize int    `mapstructure:"batch_size"`
}

// IndexConfig selects the vector index backend.
type IndexConfig struct {
	Backend    string `mapstructure:"backend"` // "sqlite" or "http"
	BaseURL    string `mapstructure:"base_url"`
	APIKey     string `mapstructure:"api_key"`
	Collection string `mapstructure:"collection"`
}

// SyncConfig tunes job scheduling and the executor.
type SyncConfig struct {
	Workers        int           `mapstructure:"workers"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DebounceWindow time.Duration `mapstructure:"debounce_window"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	MaxChunkChars  int           `mapstructure:"max_chunk_chars"`
	MaxChunkScan   int           `mapstructure:"max_chunk_scan"`
}

// GCConfig tunes lease recovery and dead-row pruning.
type GCConfig struct {
	StaleCheckInterval time.Duration `mapstructure:"stale_check_interval"`
	CleanupInterval    time.Duration `mapstructure:"cleanup_interval"`
	FailedRetention    time.Duration `mapstructure:"failed_retention"`
	OrphanScanLimit    int           `mapstructure:"orphan_scan_limit"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// File receives a JSON copy of the log in addition to stderr text.
	// Empty disables the file copy.
	File string `mapstructure:"file"`
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load reads configuration from the given path with INDEXD_* environment
// overrides. An empty path falls back to DefaultConfigPath when that file
// exists, otherwise defaults plus environment only.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 4810)
	v.SetDefault("server.api_token", "")

	v.SetDefault("storage.data_dir", DefaultDataDir())
	v.SetDefault("source.db_path", "")

	v.SetDefault("embedding.provider", "ollama")
	v.SetDefault("embedding.base_url", "http://localhost:11434")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.dimension", 768)
	v.SetDefault("embedding.batch_size", 16)

	v.SetDefault("index.backend", "sqlite")
	v.SetDefault("index.base_url", "")
	v.SetDefault("index.api_key", "")
	v.SetDefault("index.collection", "chunks")

	v.SetDefault("sync.workers", 2)
	v.SetDefault("sync.poll_interval", 5*time.Second)
	v.SetDefault("sync.debounce_window", 3*time.Second)
	v.SetDefault("sync.max_attempts", 5)
	v.SetDefault("sync.backoff_base", 30*time.Second)
	v.SetDefault("sync.backoff_cap", 15*time.Minute)
	v.SetDefault("sync.lease_ttl", 5*time.Minute)
	v.SetDefault("sync.max_chunk_chars", 2000)
	v.SetDefault("sync.max_chunk_scan", 512)

	v.SetDefault("gc.stale_check_interval", time.Minute)
	v.SetDefault("gc.cleanup_interval", time.Hour)
	v.SetDefault("gc.failed_retention", 14*24*time.Hour)
	v.SetDefault("gc.orphan_scan_limit", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetEnvPrefix("INDEXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if p := DefaultConfigPath(); fileExists(p) {
			path = p
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for logical errors, collecting every
// problem found rather than stopping at the first one.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validatePaths()...)
	errs = append(errs, c.validateEmbedding()...)
	errs = append(errs, c.validateIndex()...)
	errs = append(errs, c.validateSync()...)
	errs = append(errs, c.validateGC()...)
	errs = append(errs, c.validateLog()...)
	return errs
}

func (c *Config) validateServer() []error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	return errs
}

func (c *Config) validatePaths() []error {
	var errs []error
	if c.Storage.DataDir == "" {
		errs = append(errs, fmt.Errorf("config: storage.data_dir must not be empty"))
	}
	if c.Source.DBPath == "" {
		errs = append(errs, fmt.Errorf("config: source.db_path must point at the app database (set INDEXD_SOURCE_DB_PATH)"))
	}
	return errs
}

func (c *Config) validateEmbedding() []error {
	var errs []error
	switch c.Embedding.Provider {
	case "ollama", "openai":
	default:
		errs = append(errs, fmt.Errorf("config: embedding.provider must be one of [ollama, openai], got %q", c.Embedding.Provider))
	}
	if c.Embedding.BaseURL == "" {
		errs = append(errs, fmt.Errorf("config: embedding.base_url must not be empty"))
	}
	if c.Embedding.Model == "" {
		errs = append(errs, fmt.Errorf("config: embedding.model must not be empty"))
	}
	if c.Embedding.Dimension < 0 {
		errs = append(errs, fmt.Errorf("config: embedding.dimension must not be negative, got %d", c.Embedding.Dimension))
	}
	if c.Embedding.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("config: embedding.batch_size must be greater than 0, got %d", c.Embedding.BatchSize))
	}
	return errs
}

func (c *Config) validateIndex() []error {
	var errs []error
	switch c.Index.Backend {
	case "sqlite":
	case "http":
		if c.Index.BaseURL == "" {
			errs = append(errs, fmt.Errorf("config: index.base_url is required for the http backend"))
		}
		if c.Index.Collection == "" {
			errs = append(errs, fmt.Errorf("config: index.collection is required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: index.backend must be one of [sqlite, http], got %q", c.Index.Backend))
	}
	return errs
}

func (c *Config) validateSync() []error {
	var errs []error
	if c.Sync.Workers <= 0 {
		errs = append(errs, fmt.Errorf("config: sync.workers must be greater than 0, got %d", c.Sync.Workers))
	}
	if c.Sync.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("config: sync.max_attempts must be greater than 0, got %d", c.Sync.MaxAttempts))
	}
	for key, d := range map[string]time.Duration{
		"sync.poll_interval":   c.Sync.PollInterval,
		"sync.debounce_window": c.Sync.DebounceWindow,
		"sync.backoff_base":    c.Sync.BackoffBase,
		"sync.backoff_cap":     c.Sync.BackoffCap,
		"sync.lease_ttl":       c.Sync.LeaseTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be a positive duration, got %v", key, d))
		}
	}
	if c.Sync.MaxChunkChars <= 0 {
		errs = append(errs, fmt.Errorf("config: sync.max_chunk_chars must be greater than 0, got %d", c.Sync.MaxChunkChars))
	}
	if c.Sync.MaxChunkScan <= 0 {
		errs = append(errs, fmt.Errorf("config: sync.max_chunk_scan must be greater than 0, got %d", c.Sync.MaxChunkScan))
	}
	return errs
}

func (c *Config) validateGC() []error {
	var errs []error
	for key, d := range map[string]time.Duration{
		"gc.stale_check_interval": c.GC.StaleCheckInterval,
		"gc.cleanup_interval":     c.GC.CleanupInterval,
		"gc.failed_retention":     c.GC.FailedRetention,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be a positive duration, got %v", key, d))
		}
	}
	if c.GC.OrphanScanLimit <= 0 {
		errs = append(errs, fmt.Errorf("config: gc.orphan_scan_limit must be greater than 0, got %d", c.GC.OrphanScanLimit))
	}
	return errs
}

func (c *Config) validateLog() []error {
	var errs []error
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	return errs
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
