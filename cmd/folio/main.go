// Package main is the entrypoint for the folio CLI.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/foliant-labs/folio/internal/config"
	"github.com/foliant-labs/folio/internal/corpus"
	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/logging"
	"github.com/foliant-labs/folio/internal/passage"
	"github.com/foliant-labs/folio/internal/storage"
	"github.com/foliant-labs/folio/internal/storage/memory"
	"github.com/foliant-labs/folio/internal/storage/sqlite"
)

// Version is set at build time via ldflags.
var Version = "dev"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "folio",
		Short: "Versioned knowledge repository",
		Long:  "folio: draft, publish, and search immutable versions of your notes with cited answers.",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to folio.toml (default: <data_dir>/folio.toml)")

	root.AddCommand(initCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(publishCmd())
	root.AddCommand(rollbackCmd())
	root.AddCommand(snapshotCmd())
	root.AddCommand(watchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the folio version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("folio %s\n", Version)
		},
	}
}

// stack is everything a command needs against one workspace.
type stack struct {
	cfg   *config.Config
	store storage.Store
	index corpus.Index
	log   *logrus.Logger
}

// openStack loads config and opens the configured backend. The corpus
// index shares the sqlite connection so CLI reads see exactly what the
// visibility worker committed.
func openStack() (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.New(cfg.Log)

	switch cfg.Storage.Backend {
	case "memory":
		store := memory.Open()
		return &stack{cfg: cfg, store: store, index: corpus.NewMemIndex(), log: log}, nil
	default:
		store, err := sqlite.Open(cfg.DBPath())
		if err != nil {
			return nil, err
		}
		index, err := corpus.NewSQLIndex(store.Conn())
		if err != nil {
			store.Close()
			return nil, err
		}
		return &stack{cfg: cfg, store: store, index: index, log: log}, nil
	}
}

func (s *stack) Close() {
	if err := s.store.Close(); err != nil {
		s.log.WithError(err).Warn("store close failed")
	}
}

// chunking converts config into chunker options.
func (s *stack) chunking() passage.Options {
	return passage.Options{
		MaxTokensPerChunk: s.cfg.Chunking.MaxTokensPerChunk,
		OverlapTokens:     s.cfg.Chunking.OverlapTokens,
	}
}

// exitCode maps the error taxonomy onto process exit codes so scripts
// can tell caller mistakes from system trouble.
func exitCode(err error) int {
	switch faults.KindOf(err) {
	case faults.Validation, faults.NotFound, faults.Conflict:
		return 2
	default:
		return 1
	}
}
