package publish_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/logging"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/publish"
	"github.com/foliant-labs/folio/internal/storage/memory"
)

func newCoordinator(t *testing.T) (*publish.Coordinator, *memory.Store) {
	t.Helper()
	store := memory.Open()
	t.Cleanup(func() { store.Close() })
	return publish.New(store, logging.Discard()), store
}

func mustCollection(t *testing.T, c *publish.Coordinator, name string) *model.Collection {
	t.Helper()
	col, err := c.CreateCollection(context.Background(), name, "")
	require.NoError(t, err)
	return col
}

func TestPublishLifecycle(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t)
	col := mustCollection(t, c, "c1")

	note, err := c.CreateNote(ctx, "Hello", "", model.Metadata{})
	require.NoError(t, err)
	_, err = c.SaveDraft(ctx, note.ID, "A", model.Metadata{})
	require.NoError(t, err)

	resp, err := c.Publish(ctx, publish.PublishRequest{
		NoteID:      note.ID,
		Collections: []string{col.ID},
		ClientToken: "k",
	})
	require.NoError(t, err)
	require.Equal(t, "version_created", resp.Status)
	require.LessOrEqual(t, resp.EstimatedSearchableIn, 5000)

	v, err := store.GetVersion(ctx, resp.VersionID)
	require.NoError(t, err)
	require.Equal(t, "A", v.ContentMD)
	require.Equal(t, model.LabelMinor, v.Label)
	require.Empty(t, v.ParentVersionID)

	got, err := store.GetNote(ctx, note.ID)
	require.NoError(t, err)
	require.Equal(t, resp.VersionID, got.CurrentVersionID)

	_, err = store.GetDraft(ctx, note.ID)
	require.True(t, faults.Is(err, faults.NotFound))

	pending, err := store.PendingVisibility(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, model.OpPublish, pending[0].Op)
	require.Equal(t, resp.VersionID, pending[0].VersionID)
	require.Equal(t, []string{col.ID}, pending[0].Collections)
}

func TestPublishIdempotentByToken(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t)
	col := mustCollection(t, c, "c1")

	note, err := c.CreateNote(ctx, "Hello", "A", model.Metadata{})
	require.NoError(t, err)

	req := publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k"}
	first, err := c.Publish(ctx, req)
	require.NoError(t, err)

	// The draft is gone, yet the replay returns the original response.
	second, err := c.Publish(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first, second)
	third, err := c.Publish(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first, third)

	vs, err := store.ListVersions(ctx, note.ID)
	require.NoError(t, err)
	require.Len(t, vs, 1)

	// Replays do not enqueue extra events either.
	pending, err := store.PendingVisibility(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestPublishValidation(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)
	col := mustCollection(t, c, "c1")

	note, err := c.CreateNote(ctx, "Hello", "A", model.Metadata{})
	require.NoError(t, err)

	cases := []struct {
		name string
		req  publish.PublishRequest
		kind faults.Kind
	}{
		{"missing token", publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}}, faults.Validation},
		{"empty collections", publish.PublishRequest{NoteID: note.ID, ClientToken: "t1"}, faults.Validation},
		{"unknown collection", publish.PublishRequest{NoteID: note.ID, Collections: []string{"nope"}, ClientToken: "t2"}, faults.Validation},
		{"bad label", publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, Label: "huge", ClientToken: "t3"}, faults.Validation},
		{"unknown note", publish.PublishRequest{NoteID: "note_missing", Collections: []string{col.ID}, ClientToken: "t4"}, faults.NotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.Publish(ctx, tc.req)
			require.True(t, faults.Is(err, tc.kind), "got %v", err)
		})
	}
}

func TestPublishWithoutDraft(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t)
	col := mustCollection(t, c, "c1")

	note, err := c.CreateNote(ctx, "Hello", "A", model.Metadata{})
	require.NoError(t, err)
	require.NoError(t, store.DeleteDraft(ctx, note.ID))

	_, err = c.Publish(ctx, publish.PublishRequest{
		NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k",
	})
	require.True(t, faults.Is(err, faults.NotFound))
}

func TestRollbackCreatesNewVersion(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t)
	col := mustCollection(t, c, "c1")

	note, err := c.CreateNote(ctx, "Hello", "A", model.Metadata{})
	require.NoError(t, err)

	p1, err := c.Publish(ctx, publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k1"})
	require.NoError(t, err)
	_, err = c.SaveDraft(ctx, note.ID, "B", model.Metadata{})
	require.NoError(t, err)
	p2, err := c.Publish(ctx, publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k2"})
	require.NoError(t, err)

	rb, err := c.Rollback(ctx, publish.RollbackRequest{
		NoteID: note.ID, TargetVersionID: p1.VersionID, ClientToken: "k3",
	})
	require.NoError(t, err)
	require.Equal(t, "rolled_back", rb.Status)
	require.Equal(t, p1.VersionID, rb.TargetVersionID)

	vs, err := store.ListVersions(ctx, note.ID)
	require.NoError(t, err)
	require.Len(t, vs, 3)

	v3, err := store.GetVersion(ctx, rb.NewVersionID)
	require.NoError(t, err)
	require.Equal(t, "A", v3.ContentMD)
	require.Equal(t, p1.VersionID, v3.ParentVersionID)
	require.Equal(t, model.LabelMajor, v3.Label)

	// The target is untouched.
	v1, err := store.GetVersion(ctx, p1.VersionID)
	require.NoError(t, err)
	require.Equal(t, "A", v1.ContentMD)
	require.Empty(t, v1.ParentVersionID)

	// created_at stays strictly decreasing newest-first.
	require.True(t, vs[0].CreatedAt.After(vs[1].CreatedAt))
	require.True(t, vs[1].CreatedAt.After(vs[2].CreatedAt))

	v2, err := store.GetVersion(ctx, p2.VersionID)
	require.NoError(t, err)
	require.Equal(t, "B", v2.ContentMD)

	got, err := store.GetNote(ctx, note.ID)
	require.NoError(t, err)
	require.Equal(t, rb.NewVersionID, got.CurrentVersionID)
}

func TestRollbackValidation(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)
	col := mustCollection(t, c, "c1")

	note, err := c.CreateNote(ctx, "Hello", "A", model.Metadata{})
	require.NoError(t, err)
	_, err = c.Publish(ctx, publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k1"})
	require.NoError(t, err)

	other, err := c.CreateNote(ctx, "Other", "X", model.Metadata{})
	require.NoError(t, err)
	pOther, err := c.Publish(ctx, publish.PublishRequest{NoteID: other.ID, Collections: []string{col.ID}, ClientToken: "k2"})
	require.NoError(t, err)

	_, err = c.Rollback(ctx, publish.RollbackRequest{NoteID: note.ID, TargetVersionID: "ver_missing", ClientToken: "r1"})
	require.True(t, faults.Is(err, faults.NotFound))

	// A version belonging to a different note is rejected.
	_, err = c.Rollback(ctx, publish.RollbackRequest{NoteID: note.ID, TargetVersionID: pOther.VersionID, ClientToken: "r2"})
	require.True(t, faults.Is(err, faults.Validation))
}

func TestClientTokenNotReusableAcrossOps(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t)
	col := mustCollection(t, c, "c1")

	note, err := c.CreateNote(ctx, "Hello", "A", model.Metadata{})
	require.NoError(t, err)
	p1, err := c.Publish(ctx, publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k"})
	require.NoError(t, err)

	// The same token on a rollback is a conflict, not a second version.
	_, err = c.Rollback(ctx, publish.RollbackRequest{
		NoteID: note.ID, TargetVersionID: p1.VersionID, ClientToken: "k",
	})
	require.True(t, faults.Is(err, faults.Conflict), "got %v", err)

	vs, err := store.ListVersions(ctx, note.ID)
	require.NoError(t, err)
	require.Len(t, vs, 1)
}

func TestRollbackIdempotent(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t)
	col := mustCollection(t, c, "c1")

	note, err := c.CreateNote(ctx, "Hello", "A", model.Metadata{})
	require.NoError(t, err)
	p1, err := c.Publish(ctx, publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k1"})
	require.NoError(t, err)

	req := publish.RollbackRequest{NoteID: note.ID, TargetVersionID: p1.VersionID, ClientToken: "r"}
	first, err := c.Rollback(ctx, req)
	require.NoError(t, err)
	second, err := c.Rollback(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first, second)

	vs, err := store.ListVersions(ctx, note.ID)
	require.NoError(t, err)
	require.Len(t, vs, 2)
}

func TestCreateNoteBoundaries(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)

	_, err := c.CreateNote(ctx, "", "", model.Metadata{})
	require.True(t, faults.Is(err, faults.Validation))

	_, err = c.CreateNote(ctx, strings.Repeat("x", model.MaxTitleLen), "", model.Metadata{})
	require.NoError(t, err)

	_, err = c.CreateNote(ctx, strings.Repeat("x", model.MaxTitleLen+1), "", model.Metadata{})
	require.True(t, faults.Is(err, faults.Validation))

	tags := make([]string, model.MaxTags+1)
	for i := range tags {
		tags[i] = "t"
	}
	_, err = c.CreateNote(ctx, "ok", "", model.Metadata{Tags: tags})
	require.True(t, faults.Is(err, faults.Validation))
}

func TestCreateCollectionRules(t *testing.T) {
	ctx := context.Background()
	c, _ := newCoordinator(t)

	_, err := c.CreateCollection(ctx, "Docs", "")
	require.NoError(t, err)
	_, err = c.CreateCollection(ctx, "Docs", "")
	require.True(t, faults.Is(err, faults.Conflict))

	_, err = c.CreateCollection(ctx, "all", "")
	require.True(t, faults.Is(err, faults.Validation))
	_, err = c.CreateCollection(ctx, "", "")
	require.True(t, faults.Is(err, faults.Validation))
	_, err = c.CreateCollection(ctx, "-leading-dash", "")
	require.True(t, faults.Is(err, faults.Validation))
}

func TestSnapshotRestoreEnqueuesRepublish(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t)
	col := mustCollection(t, c, "c1")

	note, err := c.CreateNote(ctx, "Hello", "A", model.Metadata{})
	require.NoError(t, err)
	p1, err := c.Publish(ctx, publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k1"})
	require.NoError(t, err)

	snap, err := c.CreateSnapshot(ctx, "", "before edits")
	require.NoError(t, err)

	_, err = c.SaveDraft(ctx, note.ID, "B", model.Metadata{})
	require.NoError(t, err)
	_, err = c.Publish(ctx, publish.PublishRequest{NoteID: note.ID, Collections: []string{col.ID}, ClientToken: "k2"})
	require.NoError(t, err)

	require.NoError(t, c.RestoreSnapshot(ctx, snap.ID))

	got, err := store.GetNote(ctx, note.ID)
	require.NoError(t, err)
	require.Equal(t, p1.VersionID, got.CurrentVersionID)

	pending, err := store.PendingVisibility(ctx, 10)
	require.NoError(t, err)
	var republished bool
	for _, ev := range pending {
		if ev.Op == model.OpRepublish && ev.VersionID == p1.VersionID {
			republished = true
		}
	}
	require.True(t, republished)

	// Unsupported scopes are rejected.
	_, err = c.CreateSnapshot(ctx, "note", "")
	require.True(t, faults.Is(err, faults.Validation))
}

func TestSnapshotRestoreRetractsLaterNotes(t *testing.T) {
	ctx := context.Background()
	c, store := newCoordinator(t)
	col := mustCollection(t, c, "c1")

	alpha, err := c.CreateNote(ctx, "Alpha", "alpha body", model.Metadata{})
	require.NoError(t, err)
	_, err = c.Publish(ctx, publish.PublishRequest{NoteID: alpha.ID, Collections: []string{col.ID}, ClientToken: "k1"})
	require.NoError(t, err)

	snap, err := c.CreateSnapshot(ctx, "", "")
	require.NoError(t, err)

	ghost, err := c.CreateNote(ctx, "Ghost", "ghostly zanzibar content", model.Metadata{})
	require.NoError(t, err)
	pGhost, err := c.Publish(ctx, publish.PublishRequest{NoteID: ghost.ID, Collections: []string{col.ID}, ClientToken: "k2"})
	require.NoError(t, err)

	require.NoError(t, c.RestoreSnapshot(ctx, snap.ID))

	// The ghost note is gone from the store and a retract event tells
	// the pipeline to drop it from the corpus.
	_, err = store.GetNote(ctx, ghost.ID)
	require.True(t, faults.Is(err, faults.NotFound))

	pending, err := store.PendingVisibility(ctx, 20)
	require.NoError(t, err)
	var retracted bool
	for _, ev := range pending {
		if ev.Op == model.OpRetract {
			require.Equal(t, ghost.ID, ev.NoteID)
			require.Equal(t, pGhost.VersionID, ev.VersionID)
			retracted = true
		}
	}
	require.True(t, retracted)
}
