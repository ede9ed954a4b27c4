package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/frontmatter"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/foliant-labs/folio/internal/cli"
	"github.com/foliant-labs/folio/internal/logging"
	"github.com/foliant-labs/folio/internal/metrics"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/publish"
	"github.com/foliant-labs/folio/internal/visibility"
)

func publishCmd() *cobra.Command {
	var (
		noteID      string
		collections []string
		label       string
		token       string
		noWait      bool
	)
	cmd := &cobra.Command{
		Use:   "publish <file.md>",
		Short: "Publish a markdown file as an immutable version",
		Long: `Reads the file, saves it as a draft, and publishes it into the given
collections. Without --note a new note is created from the file's
frontmatter title (or its filename). By default the command waits for
the version to become searchable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(args[0], noteID, collections, label, token, !noWait)
		},
	}
	cmd.Flags().StringVar(&noteID, "note", "", "Publish onto an existing note")
	cmd.Flags().StringSliceVarP(&collections, "collections", "c", nil, "Target collections (ids or names, required)")
	cmd.Flags().StringVar(&label, "label", "", "Version label: major|minor|patch")
	cmd.Flags().StringVar(&token, "token", "", "Client token for safe retries (default: random)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Return before the version is searchable")
	cmd.MarkFlagRequired("collections")
	return cmd
}

func runPublish(path, noteID string, collections []string, label, token string, wait bool) error {
	ctx := context.Background()
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fm struct {
		Title string            `yaml:"title" toml:"title"`
		Tags  []string          `yaml:"tags" toml:"tags"`
		Field map[string]string `yaml:"fields" toml:"fields"`
	}
	body, err := frontmatter.Parse(strings.NewReader(string(data)), &fm)
	if err != nil {
		body = data
	}
	meta := model.Metadata{Tags: fm.Tags, Fields: fm.Field}

	coord := publish.New(st.store, st.log)
	if noteID == "" {
		title := fm.Title
		if title == "" {
			title = strings.TrimSuffix(filepath.Base(path), ".md")
		}
		note, err := coord.CreateNote(ctx, title, string(body), meta)
		if err != nil {
			return err
		}
		noteID = note.ID
	} else {
		if _, err := coord.SaveDraft(ctx, noteID, string(body), meta); err != nil {
			return err
		}
	}

	if token == "" {
		token = uuid.NewString()
	}
	resp, err := coord.Publish(ctx, publish.PublishRequest{
		NoteID:      noteID,
		Collections: collections,
		Label:       label,
		ClientToken: token,
	})
	if err != nil {
		return err
	}

	fmt.Printf("\n  Published %s%s%s as %s\n", cli.Bold, noteID, cli.Reset, resp.VersionID)

	if wait {
		opts := visibility.DefaultOptions()
		opts.Chunking = st.chunking()
		worker := visibility.NewWorker(st.store, st.index, metrics.New(logging.Discard()), st.log, opts)
		if _, err := worker.Drain(ctx); err != nil {
			return err
		}
		fmt.Printf("  %ssearchable now%s\n\n", cli.Green, cli.Reset)
	} else {
		fmt.Printf("  %ssearchable in ~%dms once serve drains the pipeline%s\n\n",
			cli.Dim, resp.EstimatedSearchableIn, cli.Reset)
	}
	return nil
}

func rollbackCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "rollback <note-id> <version-id>",
		Short: "Roll a note back to an earlier version",
		Long: `Creates a new version whose content equals the target version. History
is never rewritten; the rollback is itself an ordinary publish.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(args[0], args[1], token)
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Client token for safe retries (default: random)")
	return cmd
}

func runRollback(noteID, targetVersionID, token string) error {
	ctx := context.Background()
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	if token == "" {
		token = uuid.NewString()
	}
	coord := publish.New(st.store, st.log)
	resp, err := coord.Rollback(ctx, publish.RollbackRequest{
		NoteID:          noteID,
		TargetVersionID: targetVersionID,
		ClientToken:     token,
	})
	if err != nil {
		return err
	}
	fmt.Printf("\n  Rolled %s back to %s\n  New head: %s%s%s\n\n",
		noteID, resp.TargetVersionID, cli.Bold, resp.NewVersionID, cli.Reset)
	return nil
}
