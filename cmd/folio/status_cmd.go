package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foliant-labs/folio/internal/cli"
	"github.com/foliant-labs/folio/internal/corpus"
	"github.com/foliant-labs/folio/internal/storage"
)

func statusCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show workspace health and backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

type statusData struct {
	Health *storage.Health `json:"health"`
	Corpus *corpus.Stats   `json:"corpus"`
	DBPath string          `json:"db_path,omitempty"`
	SizeMB float64         `json:"db_size_mb,omitempty"`
}

func runStatus(jsonOut bool) error {
	ctx := context.Background()
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	health, err := st.store.Health(ctx)
	if err != nil {
		return err
	}
	stats, err := st.index.Stats(ctx)
	if err != nil {
		return err
	}

	data := statusData{Health: health, Corpus: stats}
	if st.cfg.Storage.Backend == "sqlite" {
		data.DBPath = st.cfg.DBPath()
		if info, err := os.Stat(data.DBPath); err == nil {
			data.SizeMB = float64(info.Size()) / (1024 * 1024)
		}
	}

	if jsonOut {
		out, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	cli.Header("folio status")

	cli.Section("Store")
	state := cli.Green + "ok" + cli.Reset
	if !health.OK {
		state = cli.Red + "degraded" + cli.Reset
	}
	fmt.Printf("  Backend:  %s (%s)\n", health.Backend, state)
	fmt.Printf("  Notes:    %s\n", cli.FormatNumber(health.Notes))
	fmt.Printf("  Versions: %s\n", cli.FormatNumber(health.Versions))
	if data.DBPath != "" {
		fmt.Printf("  DB:       %s (%.1f MB)\n", cli.ShortenHome(data.DBPath), data.SizeMB)
	}

	cli.Section("Corpus")
	fmt.Printf("  Notes:    %s indexed\n", cli.FormatNumber(stats.Notes))
	fmt.Printf("  Versions: %s\n", cli.FormatNumber(stats.Versions))
	fmt.Printf("  Passages: %s\n", cli.FormatNumber(stats.Passages))

	cli.Section("Pipeline")
	if health.PendingEvents == 0 && health.ParkedEvents == 0 {
		fmt.Printf("  %sall published versions visible%s\n", cli.Green, cli.Reset)
	} else {
		fmt.Printf("  Pending: %d\n", health.PendingEvents)
		if health.ParkedEvents > 0 {
			fmt.Printf("  Parked:  %s%d%s (needs attention)\n", cli.Yellow, health.ParkedEvents, cli.Reset)
		}
	}
	fmt.Println()
	return nil
}
