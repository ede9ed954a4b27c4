package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/foliant-labs/folio/internal/answer"
	"github.com/foliant-labs/folio/internal/metrics"
	"github.com/foliant-labs/folio/internal/publish"
	"github.com/foliant-labs/folio/internal/visibility"
	"github.com/foliant-labs/folio/internal/watcher"
	"github.com/foliant-labs/folio/internal/web"
)

func serveCmd() *cobra.Command {
	var watchDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the visibility pipeline",
		Long: `Serves the workspace over HTTP and keeps the search corpus in sync
with published versions. Only one serve per workspace: a lock file
guards against concurrent writers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(watchDir)
		},
	}
	cmd.Flags().StringVar(&watchDir, "watch", "", "Also autosave drafts from markdown files in this directory")
	return cmd
}

func runServe(watchDir string) error {
	st, err := openStack()
	if err != nil {
		return err
	}
	defer st.Close()

	lock := flock.New(st.cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another folio serve holds %s", st.cfg.LockPath())
	}
	defer lock.Unlock()

	reg := metrics.New(st.log)
	coord := publish.New(st.store, st.log)
	composer, err := answer.New(st.store, st.index, reg, st.log, st.cfg.Search, st.chunking())
	if err != nil {
		return err
	}
	workerOpts := visibility.Options{
		PollInterval: st.cfg.Pipeline.PollInterval.Std(),
		MaxAttempts:  st.cfg.Pipeline.MaxAttempts,
		BatchSize:    st.cfg.Pipeline.BatchSize,
		Chunking:     st.chunking(),
	}
	worker := visibility.NewWorker(st.store, st.index, reg, st.log, workerOpts)
	srv := web.New(st.store, coord, composer, st.index, reg, st.log, st.cfg.Server)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return srv.Start(st.cfg.Server.Addr) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), st.cfg.Server.ShutdownTimeout.Std())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if watchDir != "" {
		w, err := watcher.New(coord, st.log, watcher.Options{Dir: watchDir})
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := w.Sync(ctx); err != nil {
				st.log.WithError(err).Warn("startup draft sync failed")
			}
			return w.Run(ctx)
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				reg.Prune()
				if err := st.store.Maintain(ctx); err != nil {
					st.log.WithError(err).Warn("maintenance failed")
				}
			}
		}
	})

	st.log.WithField("addr", st.cfg.Server.Addr).Info("folio serving")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
