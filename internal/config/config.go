// Package config provides configuration for the folio binary.
// Loads from: CLI flags > env vars (FOLIO_*) > folio.toml > built-in defaults.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/foliant-labs/folio/internal/faults"
)

// Defaults that are part of the protocol rather than tuning knobs.
const (
	// EstimatedSearchableInMS is the fixed visibility estimate returned
	// by publish and rollback responses.
	EstimatedSearchableInMS = 5000

	// DefaultMaxTokensPerChunk bounds passage size.
	DefaultMaxTokensPerChunk = 180
	// DefaultOverlapTokens keeps consecutive passages under 50% shared tokens.
	DefaultOverlapTokens = 64

	// DefaultTopKRetrieve and DefaultTopKRerank size the retrieval funnel.
	DefaultTopKRetrieve = 128
	DefaultTopKRerank   = 64
	// BackoffTopKRerank is the reduced rerank budget applied to sessions
	// whose P95 search latency exceeds the SLO threshold.
	BackoffTopKRerank = 32
	// BackoffLatencyThresholdMS triggers the rerank backoff.
	BackoffLatencyThresholdMS = 500

	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Config is the loaded configuration tree.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Chunking ChunkingConfig `toml:"chunking"`
	Search   SearchConfig   `toml:"search"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Addr            string  `toml:"addr"`
	RateLimit       float64 `toml:"rate_limit"` // req/s per client, 0 = unlimited
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// StorageConfig selects and locates the storage backend.
type StorageConfig struct {
	Backend string `toml:"backend"` // sqlite|memory
	DataDir string `toml:"data_dir"`
}

// ChunkingConfig configures the passage chunker.
type ChunkingConfig struct {
	MaxTokensPerChunk int `toml:"max_tokens_per_chunk"`
	OverlapTokens     int `toml:"overlap_tokens"`
}

// SearchConfig configures the retrieval funnel.
type SearchConfig struct {
	TopKRetrieve int `toml:"top_k_retrieve"`
	TopKRerank   int `toml:"top_k_rerank"`
	PageSize     int `toml:"page_size"`
}

// PipelineConfig configures the visibility worker.
type PipelineConfig struct {
	PollInterval duration `toml:"poll_interval"`
	MaxAttempts  int      `toml:"max_attempts"`
	BatchSize    int      `toml:"batch_size"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level      string `toml:"level"`  // debug|info|warn|error
	Format     string `toml:"format"` // text|json
	File       string `toml:"file"`   // empty = stderr
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// duration lets TOML carry values like "500ms" or "5s".
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d duration) Std() time.Duration { return time.Duration(d) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:7333",
			RateLimit:       0,
			RequestTimeout:  duration(15 * time.Second),
			ShutdownTimeout: duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: defaultDataDir(),
		},
		Chunking: ChunkingConfig{
			MaxTokensPerChunk: DefaultMaxTokensPerChunk,
			OverlapTokens:     DefaultOverlapTokens,
		},
		Search: SearchConfig{
			TopKRetrieve: DefaultTopKRetrieve,
			TopKRerank:   DefaultTopKRerank,
			PageSize:     DefaultPageSize,
		},
		Pipeline: PipelineConfig{
			PollInterval: duration(250 * time.Millisecond),
			MaxAttempts:  5,
			BatchSize:    32,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}
}

// Load reads the config file at path (or the default location when
// path is empty), then applies env overrides. A missing file is not an
// error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		dataDir := cfg.Storage.DataDir
		if v := os.Getenv("FOLIO_DATA_DIR"); v != "" {
			dataDir = v
		}
		path = filepath.Join(dataDir, "folio.toml")
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, faults.Wrap(faults.Validation, err, "parse %s", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, faults.Wrap(faults.StorageIO, err, "read %s", path)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the chunker or funnel cannot honor.
func (c *Config) Validate() error {
	if c.Chunking.MaxTokensPerChunk < 10 {
		return faults.New(faults.Validation, "chunking.max_tokens_per_chunk must be >= 10, got %d", c.Chunking.MaxTokensPerChunk)
	}
	if c.Chunking.OverlapTokens >= c.Chunking.MaxTokensPerChunk {
		return faults.New(faults.Validation, "chunking.overlap_tokens (%d) must be < max_tokens_per_chunk (%d)",
			c.Chunking.OverlapTokens, c.Chunking.MaxTokensPerChunk)
	}
	if c.Storage.Backend != "sqlite" && c.Storage.Backend != "memory" {
		return faults.New(faults.Validation, "storage.backend must be sqlite or memory, got %q", c.Storage.Backend)
	}
	if c.Search.TopKRetrieve <= 0 || c.Search.TopKRerank <= 0 || c.Search.TopKRerank > c.Search.TopKRetrieve {
		return faults.New(faults.Validation, "search top-k settings out of range")
	}
	if c.Search.PageSize <= 0 || c.Search.PageSize > MaxPageSize {
		return faults.New(faults.Validation, "search.page_size must be 1..%d", MaxPageSize)
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return faults.New(faults.Validation, "pipeline.max_attempts must be positive")
	}
	return nil
}

// DBPath returns the sqlite database path under the data dir.
func (c *Config) DBPath() string {
	return filepath.Join(c.Storage.DataDir, "folio.db")
}

// LockPath returns the serve-lock path under the data dir.
func (c *Config) LockPath() string {
	return filepath.Join(c.Storage.DataDir, "folio.lock")
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("FOLIO_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("FOLIO_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("FOLIO_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("FOLIO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FOLIO_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("FOLIO_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Server.RateLimit = f
		}
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".folio"
	}
	return filepath.Join(home, ".folio")
}
