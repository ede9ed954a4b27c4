package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("FOLIO_DATA_DIR", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Storage.Backend)
	require.Equal(t, DefaultTopKRetrieve, cfg.Search.TopKRetrieve)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "folio.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = "0.0.0.0:9000"
request_timeout = "30s"

[chunking]
max_tokens_per_chunk = 120
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	require.Equal(t, 30*time.Second, cfg.Server.RequestTimeout.Std())
	require.Equal(t, 120, cfg.Chunking.MaxTokensPerChunk)
	// Untouched sections keep defaults.
	require.Equal(t, DefaultOverlapTokens, cfg.Chunking.OverlapTokens)
	require.Equal(t, DefaultPageSize, cfg.Search.PageSize)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "folio.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server]\naddr = \"1.2.3.4:1\"\n"), 0o644))
	t.Setenv("FOLIO_ADDR", "127.0.0.1:8080")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestDefaultConfigPathHonorsDataDirEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FOLIO_DATA_DIR", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "folio.toml"),
		[]byte("[log]\nlevel = \"debug\"\n"), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Chunking.MaxTokensPerChunk = 5 },
		func(c *Config) { c.Chunking.OverlapTokens = c.Chunking.MaxTokensPerChunk },
		func(c *Config) { c.Storage.Backend = "postgres" },
		func(c *Config) { c.Search.TopKRerank = c.Search.TopKRetrieve + 1 },
		func(c *Config) { c.Search.PageSize = MaxPageSize + 1 },
		func(c *Config) { c.Pipeline.MaxAttempts = 0 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		require.Errorf(t, cfg.Validate(), "case %d should fail", i)
	}
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "folio.toml")
	require.NoError(t, os.WriteFile(path, []byte("not toml ==="), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}
