package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foliant-labs/folio/internal/faults"
)

func TestExitCode(t *testing.T) {
	require.Equal(t, 2, exitCode(faults.New(faults.Validation, "bad")))
	require.Equal(t, 2, exitCode(faults.New(faults.NotFound, "gone")))
	require.Equal(t, 2, exitCode(faults.New(faults.Conflict, "dup")))
	require.Equal(t, 1, exitCode(faults.New(faults.StorageIO, "disk")))
	require.Equal(t, 1, exitCode(os.ErrClosed))
}

func TestInitCreatesWorkspace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "workspace")
	t.Setenv("FOLIO_DATA_DIR", dir)

	require.NoError(t, runInit(""))
	require.FileExists(t, filepath.Join(dir, "folio.toml"))
	require.FileExists(t, filepath.Join(dir, "folio.db"))

	// Second init keeps the existing config.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "folio.toml"),
		[]byte("[log]\nlevel = \"debug\"\n"), 0o644))
	require.NoError(t, runInit(""))
	data, err := os.ReadFile(filepath.Join(dir, "folio.toml"))
	require.NoError(t, err)
	require.Contains(t, string(data), "debug")
}

func TestOpenStackSQLite(t *testing.T) {
	t.Setenv("FOLIO_DATA_DIR", t.TempDir())

	st, err := openStack()
	require.NoError(t, err)
	defer st.Close()
	require.Equal(t, "sqlite", st.cfg.Storage.Backend)

	opts := st.chunking()
	require.Equal(t, 180, opts.MaxTokensPerChunk)
	require.Equal(t, 64, opts.OverlapTokens)
}

func TestOpenStackMemoryBackend(t *testing.T) {
	t.Setenv("FOLIO_DATA_DIR", t.TempDir())
	t.Setenv("FOLIO_BACKEND", "memory")

	st, err := openStack()
	require.NoError(t, err)
	defer st.Close()
	require.Equal(t, "memory", st.cfg.Storage.Backend)
}
