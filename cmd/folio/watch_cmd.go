package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foliant-labs/folio/internal/publish"
	"github.com/foliant-labs/folio/internal/watcher"
)

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Autosave drafts from markdown files in a directory",
		Long: `Watches the directory and turns every markdown write into a draft
autosave. Nothing is published; use folio publish (or the HTTP API)
when a draft is ready.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(args[0])
		},
	}
	return cmd
}

func runWatch(dir string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	coord := publish.New(st.store, st.log)
	w, err := watcher.New(coord, st.log, watcher.Options{Dir: dir})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Sync(ctx); err != nil {
		st.log.WithError(err).Warn("startup draft sync failed")
	}
	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
