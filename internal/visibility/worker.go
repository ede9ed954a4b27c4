// Package visibility drains the outbox into the corpus. It is the only
// writer of corpus state: publish and rollback enqueue, the worker
// commits. Delivery is at-least-once; the index keys on version_id, so
// the corpus converges to exactly-once per (version, op).
package visibility

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/foliant-labs/folio/internal/corpus"
	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/metrics"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/passage"
	"github.com/foliant-labs/folio/internal/storage"
)

// Options tunes the worker loop.
type Options struct {
	PollInterval time.Duration
	MaxAttempts  int
	BatchSize    int
	Chunking     passage.Options
}

// DefaultOptions matches the shipped config defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval: 250 * time.Millisecond,
		MaxAttempts:  5,
		BatchSize:    32,
		Chunking:     passage.DefaultOptions(),
	}
}

// Worker is the outbox consumer.
type Worker struct {
	store storage.Store
	index corpus.Index
	reg   *metrics.Registry
	log   *logrus.Logger
	opts  Options
}

// NewWorker wires a worker over the store and index.
func NewWorker(store storage.Store, index corpus.Index, reg *metrics.Registry, log *logrus.Logger, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	return &Worker{store: store, index: index, reg: reg, log: log, opts: opts}
}

// Run polls until ctx is cancelled. Inflight events finish their
// attempt; the loop exits between batches.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.log.WithError(err).Warn("visibility drain failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Drain processes one batch of pending events and reports how many it
// handled. Exposed so tests and the CLI can pump the pipeline without
// the polling loop.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	events, err := w.store.PendingVisibility(ctx, w.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		w.handle(ctx, ev)
	}
	if pending, parked, err := w.store.VisibilityBacklog(ctx); err == nil {
		w.reg.SetGauge("visibility.pending", float64(pending))
		w.reg.SetGauge("visibility.parked", float64(parked))
	}
	return len(events), nil
}

// handle commits one event with bounded exponential retries; exhausted
// or fatal events are parked for operator intervention.
func (w *Worker) handle(ctx context.Context, ev *model.VisibilityEvent) {
	attempts := ev.Attempts
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(50*time.Millisecond),
			backoff.WithMaxInterval(2*time.Second),
		),
		uint64(w.opts.MaxAttempts-1)), ctx)

	var lastErr error
	err := backoff.Retry(func() error {
		attempts++
		err := w.commit(ctx, ev)
		if err == nil {
			return nil
		}
		lastErr = err
		if !faults.KindOf(err).Retriable() {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if err != nil {
		w.reg.Inc("visibility.parked_total", 1)
		w.reg.Event("visibility.parked", logrus.Fields{
			"seq":        ev.Seq,
			"version_id": ev.VersionID,
			"op":         ev.Op,
			"attempts":   attempts,
		})
		if lastErr == nil {
			lastErr = err
		}
		if mErr := w.store.MarkVisibility(ctx, ev.Seq, model.EventParked, attempts, lastErr.Error()); mErr != nil {
			w.log.WithError(mErr).WithField("seq", ev.Seq).Error("park failed")
		}
		return
	}

	if mErr := w.store.MarkVisibility(ctx, ev.Seq, model.EventCommitted, attempts, ""); mErr != nil {
		w.log.WithError(mErr).WithField("seq", ev.Seq).Error("mark committed failed")
		return
	}
	w.reg.Inc("visibility.committed_total", 1)
	if !ev.EnqueuedAt.IsZero() {
		w.reg.Observe(metrics.VisibilityLatencyMS, time.Since(ev.EnqueuedAt))
	}
	w.log.WithFields(logrus.Fields{
		"seq":        ev.Seq,
		"version_id": ev.VersionID,
		"op":         ev.Op,
	}).Debug("visibility committed")
}

// commit fetches the version and hands its passages to the index.
// Retract events carry no indexable content; they drop the note.
func (w *Worker) commit(ctx context.Context, ev *model.VisibilityEvent) error {
	if ev.Op == model.OpRetract {
		return w.index.Remove(ctx, ev.NoteID)
	}
	version, err := w.store.GetVersion(ctx, ev.VersionID)
	if err != nil {
		if faults.Is(err, faults.NotFound) {
			// The version vanished (snapshot restore); nothing to index.
			return faults.Wrap(faults.Integrity, err, "version %s gone", ev.VersionID)
		}
		return err
	}
	note, err := w.store.GetNote(ctx, ev.NoteID)
	if err != nil {
		return err
	}
	// Superseded events still commit: the index replaces the head only
	// when this version IS the head, keeping note-order processing safe.
	if note.CurrentVersionID != "" && note.CurrentVersionID != version.ID {
		has, err := w.index.HasVersion(ctx, note.CurrentVersionID)
		if err != nil {
			return err
		}
		if has {
			return nil
		}
	}

	doc, err := corpus.BuildDocument(note.ID, version.ID, note.Title, version.ContentMD, ev.Collections, w.opts.Chunking)
	if err != nil {
		return err
	}
	return w.index.Commit(ctx, doc)
}
