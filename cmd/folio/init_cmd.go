package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/foliant-labs/folio/internal/cli"
	"github.com/foliant-labs/folio/internal/config"
	"github.com/foliant-labs/folio/internal/storage/sqlite"
)

const configTemplate = `# folio configuration. Every key is optional; these are the defaults.

[server]
addr = "127.0.0.1:7333"
rate_limit = 0.0
request_timeout = "15s"
shutdown_timeout = "10s"

[storage]
backend = "sqlite"

[chunking]
max_tokens_per_chunk = 180
overlap_tokens = 64

[search]
top_k_retrieve = 128
top_k_rerank = 64
page_size = 10

[pipeline]
poll_interval = "250ms"
max_attempts = 5
batch_size = 32

[log]
level = "info"
format = "text"
`

func initCmd() *cobra.Command {
	var dataDir string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the folio workspace",
		Long:  "Creates the data directory, a default folio.toml, and the database schema.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(dataDir)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "Workspace location (default: ~/.folio)")
	return cmd
}

func runInit(dataDir string) error {
	if dataDir != "" {
		os.Setenv("FOLIO_DATA_DIR", dataDir)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tomlPath := filepath.Join(cfg.Storage.DataDir, "folio.toml")
	wroteConfig := false
	if _, err := os.Stat(tomlPath); os.IsNotExist(err) {
		if err := os.WriteFile(tomlPath, []byte(configTemplate), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		wroteConfig = true
	}

	// Opening runs the migrations.
	store, err := sqlite.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	store.Close()

	lines := []string{
		"Workspace ready",
		"",
		"Dir:    " + cli.ShortenHome(cfg.Storage.DataDir),
		"DB:     " + cli.ShortenHome(cfg.DBPath()),
	}
	if wroteConfig {
		lines = append(lines, "Config: "+cli.ShortenHome(tomlPath))
	} else {
		lines = append(lines, "Config: kept existing "+filepath.Base(tomlPath))
	}
	cli.Box(lines)
	fmt.Printf("\n  Next: %sfolio serve%s\n\n", cli.Bold, cli.Reset)
	return nil
}
