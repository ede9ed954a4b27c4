package visibility_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foliant-labs/folio/internal/corpus"
	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/logging"
	"github.com/foliant-labs/folio/internal/metrics"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/publish"
	"github.com/foliant-labs/folio/internal/storage/memory"
	"github.com/foliant-labs/folio/internal/visibility"
)

func quickOptions() visibility.Options {
	opts := visibility.DefaultOptions()
	opts.MaxAttempts = 2
	opts.PollInterval = 5 * time.Millisecond
	return opts
}

type failingIndex struct {
	corpus.Index
	fail int
}

func (f *failingIndex) Commit(ctx context.Context, doc *corpus.Document) error {
	if f.fail > 0 {
		f.fail--
		return faults.New(faults.Indexing, "index unavailable")
	}
	return f.Index.Commit(ctx, doc)
}

func setup(t *testing.T) (*publish.Coordinator, *memory.Store, *model.Collection) {
	t.Helper()
	store := memory.Open()
	t.Cleanup(func() { store.Close() })
	coord := publish.New(store, logging.Discard())
	col, err := coord.CreateCollection(context.Background(), "c1", "")
	require.NoError(t, err)
	return coord, store, col
}

func TestDrainCommitsPublishedVersion(t *testing.T) {
	ctx := context.Background()
	coord, store, col := setup(t)
	idx := corpus.NewMemIndex()
	reg := metrics.New(logging.Discard())
	w := visibility.NewWorker(store, idx, reg, logging.Discard(), quickOptions())

	note, err := coord.CreateNote(ctx, "Raft", "# Raft\n\nleader election basics\n", model.Metadata{})
	require.NoError(t, err)
	resp, err := coord.Publish(ctx, publish.PublishRequest{
		NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k",
	})
	require.NoError(t, err)

	n, err := w.Drain(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	ok, err := idx.HasVersion(ctx, resp.VersionID)
	require.NoError(t, err)
	require.True(t, ok)

	pending, parked, err := store.VisibilityBacklog(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
	require.Zero(t, parked)
	require.EqualValues(t, 1, reg.Counter("visibility.committed_total"))
}

func TestTransientFailureRetries(t *testing.T) {
	ctx := context.Background()
	coord, store, col := setup(t)
	idx := &failingIndex{Index: corpus.NewMemIndex(), fail: 1}
	reg := metrics.New(logging.Discard())
	w := visibility.NewWorker(store, idx, reg, logging.Discard(), quickOptions())

	note, err := coord.CreateNote(ctx, "Raft", "body", model.Metadata{})
	require.NoError(t, err)
	resp, err := coord.Publish(ctx, publish.PublishRequest{
		NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k",
	})
	require.NoError(t, err)

	_, err = w.Drain(ctx)
	require.NoError(t, err)

	ok, err := idx.HasVersion(ctx, resp.VersionID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExhaustedRetriesPark(t *testing.T) {
	ctx := context.Background()
	coord, store, col := setup(t)
	idx := &failingIndex{Index: corpus.NewMemIndex(), fail: 10}
	reg := metrics.New(logging.Discard())
	w := visibility.NewWorker(store, idx, reg, logging.Discard(), quickOptions())

	note, err := coord.CreateNote(ctx, "Raft", "body", model.Metadata{})
	require.NoError(t, err)
	_, err = coord.Publish(ctx, publish.PublishRequest{
		NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k",
	})
	require.NoError(t, err)

	_, err = w.Drain(ctx)
	require.NoError(t, err)

	pending, parked, err := store.VisibilityBacklog(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)
	require.Equal(t, 1, parked)
	require.EqualValues(t, 1, reg.Counter("visibility.parked_total"))

	// Parked events are not retried by later drains.
	n, err := w.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestSupersededEventSkipsCommit(t *testing.T) {
	ctx := context.Background()
	coord, store, col := setup(t)
	idx := corpus.NewMemIndex()
	reg := metrics.New(logging.Discard())
	w := visibility.NewWorker(store, idx, reg, logging.Discard(), quickOptions())

	note, err := coord.CreateNote(ctx, "Raft", "alpha body", model.Metadata{})
	require.NoError(t, err)
	p1, err := coord.Publish(ctx, publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k1"})
	require.NoError(t, err)
	_, err = coord.SaveDraft(ctx, note.ID, "bravo body", model.Metadata{})
	require.NoError(t, err)
	p2, err := coord.Publish(ctx, publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k2"})
	require.NoError(t, err)

	// Both events drain; the head ends at p2 regardless of order.
	_, err = w.Drain(ctx)
	require.NoError(t, err)

	head, ok, err := idx.VersionForNote(ctx, note.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p2.VersionID, head)

	// The superseded version stays readable by id but is out of the
	// retrieval set.
	ps, err := idx.PassagesForVersion(ctx, p1.VersionID)
	require.NoError(t, err)
	require.NotEmpty(t, ps)
	hits, err := idx.Retrieve(ctx, corpus.Query{Terms: []string{"alpha"}, TopK: 10})
	require.NoError(t, err)
	require.Empty(t, hits)

	// Draining again (at-least-once redelivery) changes nothing.
	_, err = w.Drain(ctx)
	require.NoError(t, err)
	head, _, _ = idx.VersionForNote(ctx, note.ID)
	require.Equal(t, p2.VersionID, head)
}

func TestRestoreDropsVanishedNotesFromCorpus(t *testing.T) {
	ctx := context.Background()
	coord, store, col := setup(t)
	idx := corpus.NewMemIndex()
	reg := metrics.New(logging.Discard())
	w := visibility.NewWorker(store, idx, reg, logging.Discard(), quickOptions())

	alpha, err := coord.CreateNote(ctx, "Alpha", "alpha body", model.Metadata{})
	require.NoError(t, err)
	_, err = coord.Publish(ctx, publish.PublishRequest{NoteID: alpha.ID, Collections: []string{col.ID}, ClientToken: "k1"})
	require.NoError(t, err)
	_, err = w.Drain(ctx)
	require.NoError(t, err)

	snap, err := coord.CreateSnapshot(ctx, "", "")
	require.NoError(t, err)

	ghost, err := coord.CreateNote(ctx, "Ghost", "ghostly zanzibar content", model.Metadata{})
	require.NoError(t, err)
	_, err = coord.Publish(ctx, publish.PublishRequest{NoteID: ghost.ID, Collections: []string{col.ID}, ClientToken: "k2"})
	require.NoError(t, err)
	_, err = w.Drain(ctx)
	require.NoError(t, err)

	hits, err := idx.Retrieve(ctx, corpus.Query{Terms: []string{"zanzibar"}, TopK: 10})
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	require.NoError(t, coord.RestoreSnapshot(ctx, snap.ID))
	_, err = w.Drain(ctx)
	require.NoError(t, err)

	// The note erased by the restore no longer answers searches.
	hits, err = idx.Retrieve(ctx, corpus.Query{Terms: []string{"zanzibar"}, TopK: 10})
	require.NoError(t, err)
	require.Empty(t, hits)

	// The restored workspace still does.
	hits, err = idx.Retrieve(ctx, corpus.Query{Terms: []string{"alpha"}, TopK: 10})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

func TestRunStopsOnCancel(t *testing.T) {
	_, store, _ := setup(t)
	w := visibility.NewWorker(store, corpus.NewMemIndex(), metrics.New(logging.Discard()), logging.Discard(), quickOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
