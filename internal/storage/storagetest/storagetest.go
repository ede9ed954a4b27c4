// Package storagetest runs one conformance suite against every storage
// backend so the sqlite and memory implementations cannot drift apart.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/ident"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/storage"
)

// Factory returns a fresh, empty store per subtest.
type Factory func(t *testing.T) storage.Store

// Run executes the conformance suite against the given backend.
func Run(t *testing.T, open Factory) {
	t.Run("NoteLifecycle", func(t *testing.T) { testNoteLifecycle(t, open(t)) })
	t.Run("DraftUpsert", func(t *testing.T) { testDraftUpsert(t, open(t)) })
	t.Run("VersionAppendOnly", func(t *testing.T) { testVersionAppendOnly(t, open(t)) })
	t.Run("VersionHashIntegrity", func(t *testing.T) { testVersionHashIntegrity(t, open(t)) })
	t.Run("CollectionNameUnique", func(t *testing.T) { testCollectionNameUnique(t, open(t)) })
	t.Run("MembershipLimits", func(t *testing.T) { testMembershipLimits(t, open(t)) })
	t.Run("SessionSteps", func(t *testing.T) { testSessionSteps(t, open(t)) })
	t.Run("SnapshotRoundTrip", func(t *testing.T) { testSnapshotRoundTrip(t, open(t)) })
	t.Run("IdempotencyRecord", func(t *testing.T) { testIdempotencyRecord(t, open(t)) })
	t.Run("OutboxDedup", func(t *testing.T) { testOutboxDedup(t, open(t)) })
	t.Run("TransactionRollback", func(t *testing.T) { testTransactionRollback(t, open(t)) })
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func newNote(title string) *model.Note {
	ts := now()
	return &model.Note{ID: ident.New(ident.PrefixNote), Title: title, CreatedAt: ts, UpdatedAt: ts}
}

func newVersion(noteID, content, parent, label string) *model.Version {
	return &model.Version{
		ID:              ident.New(ident.PrefixVersion),
		NoteID:          noteID,
		ContentMD:       content,
		ContentHash:     model.HashContent(content),
		CreatedAt:       now(),
		ParentVersionID: parent,
		Label:           label,
	}
}

func newCollection(name string) *model.Collection {
	ts := now()
	return &model.Collection{ID: ident.New(ident.PrefixCollection), Name: name, CreatedAt: ts, UpdatedAt: ts}
}

func testNoteLifecycle(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	n := newNote("Raft in practice")
	n.Metadata.Tags = []string{"consensus", "raft"}
	require.NoError(t, s.PutNote(ctx, n))
	require.True(t, faults.Is(s.PutNote(ctx, n), faults.Conflict))

	got, err := s.GetNote(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, n.Title, got.Title)
	require.Equal(t, []string{"consensus", "raft"}, got.Metadata.Tags)

	got.Title = "Raft, revisited"
	require.NoError(t, s.UpdateNote(ctx, got))
	got2, err := s.GetNote(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, "Raft, revisited", got2.Title)

	other := newNote("Paxos made simple")
	require.NoError(t, s.PutNote(ctx, other))

	byTitle, err := s.ListNotes(ctx, storage.NoteFilter{TitleSubstr: "paxos"})
	require.NoError(t, err)
	require.Len(t, byTitle, 1)
	require.Equal(t, other.ID, byTitle[0].ID)

	byTag, err := s.ListNotes(ctx, storage.NoteFilter{Tag: "raft"})
	require.NoError(t, err)
	require.Len(t, byTag, 1)

	require.NoError(t, s.DeleteNote(ctx, other.ID))
	_, err = s.GetNote(ctx, other.ID)
	require.True(t, faults.Is(err, faults.NotFound))
}

func testDraftUpsert(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	n := newNote("Working notes")
	require.NoError(t, s.PutNote(ctx, n))

	d := &model.Draft{NoteID: n.ID, BodyMD: "# first pass", AutosaveTS: now()}
	require.NoError(t, s.PutDraft(ctx, d))

	d.BodyMD = "# second pass"
	d.AutosaveTS = now()
	require.NoError(t, s.PutDraft(ctx, d))

	got, err := s.GetDraft(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, "# second pass", got.BodyMD)

	require.NoError(t, s.DeleteDraft(ctx, n.ID))
	_, err = s.GetDraft(ctx, n.ID)
	require.True(t, faults.Is(err, faults.NotFound))
}

func testVersionAppendOnly(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	n := newNote("Log compaction")
	require.NoError(t, s.PutNote(ctx, n))

	v1 := newVersion(n.ID, "# v1", "", model.LabelMinor)
	require.NoError(t, s.PutVersion(ctx, v1))
	v2 := newVersion(n.ID, "# v2", v1.ID, model.LabelMajor)
	v2.CreatedAt = v1.CreatedAt.Add(time.Second)
	require.NoError(t, s.PutVersion(ctx, v2))

	latest, err := s.LatestVersion(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, v2.ID, latest.ID)

	all, err := s.ListVersions(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, v2.ID, all[0].ID)
	require.Equal(t, v1.ID, all[1].ID)

	// Stored content is bit-identical across reads.
	again, err := s.GetVersion(ctx, v1.ID)
	require.NoError(t, err)
	require.Equal(t, v1.ContentMD, again.ContentMD)
	require.Equal(t, v1.ContentHash, again.ContentHash)
}

func testVersionHashIntegrity(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	n := newNote("Checksums")
	require.NoError(t, s.PutNote(ctx, n))

	v := newVersion(n.ID, "# body", "", model.LabelMinor)
	v.ContentHash = model.HashContent("something else")
	err := s.PutVersion(ctx, v)
	require.True(t, faults.Is(err, faults.Integrity))
}

func testCollectionNameUnique(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	c := newCollection("distributed-systems")
	require.NoError(t, s.PutCollection(ctx, c))

	dup := newCollection("distributed-systems")
	require.True(t, faults.Is(s.PutCollection(ctx, dup), faults.Conflict))

	byName, err := s.GetCollectionByName(ctx, "distributed-systems")
	require.NoError(t, err)
	require.Equal(t, c.ID, byName.ID)
}

func testMembershipLimits(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	n := newNote("Everywhere at once")
	require.NoError(t, s.PutNote(ctx, n))

	var last string
	for i := 0; i < model.MaxCollectionsPerNote; i++ {
		c := newCollection("shelf-" + string(rune('a'+i)))
		require.NoError(t, s.PutCollection(ctx, c))
		require.NoError(t, s.AddNoteToCollection(ctx, n.ID, c.ID))
		last = c.ID
	}

	overflow := newCollection("one-too-many")
	require.NoError(t, s.PutCollection(ctx, overflow))
	err := s.AddNoteToCollection(ctx, n.ID, overflow.ID)
	require.True(t, faults.Is(err, faults.Validation))

	// Repeating an existing membership is a conflict, not a limit error.
	require.True(t, faults.Is(s.AddNoteToCollection(ctx, n.ID, last), faults.Conflict))

	cols, err := s.CollectionsForNote(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, cols, model.MaxCollectionsPerNote)

	require.NoError(t, s.RemoveNoteFromCollection(ctx, n.ID, last))
	require.NoError(t, s.AddNoteToCollection(ctx, n.ID, overflow.ID))
}

func testSessionSteps(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	sess := &model.Session{ID: ident.New(ident.PrefixSession), CreatedAt: now(), UpdatedAt: now()}
	require.NoError(t, s.PutSession(ctx, sess))

	require.NoError(t, s.AppendSessionSteps(ctx, sess.ID, []model.SessionStep{
		{Type: "query", RefIDs: []string{"q1"}},
		{Type: "open", RefIDs: []string{"ver_x"}},
	}))
	require.NoError(t, s.AppendSessionSteps(ctx, sess.ID, []model.SessionStep{
		{Type: "cite", RefIDs: []string{"ver_x"}},
	}))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 3)
	for i, step := range got.Steps {
		require.Equal(t, i, step.StepIndex)
	}

	require.NoError(t, s.PinSession(ctx, sess.ID, true))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, got.Pinned)
}

func testSnapshotRoundTrip(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	c := newCollection("keep")
	require.NoError(t, s.PutCollection(ctx, c))
	n := newNote("Snapshot me")
	require.NoError(t, s.PutNote(ctx, n))
	v := newVersion(n.ID, "# snapshotted", "", model.LabelMinor)
	require.NoError(t, s.PutVersion(ctx, v))
	require.NoError(t, s.AddNoteToCollection(ctx, n.ID, c.ID))

	var snapID string
	err := s.RunInTransaction(ctx, func(tx storage.Ops) error {
		state, err := tx.CaptureState(ctx)
		if err != nil {
			return err
		}
		snap := &model.Snapshot{ID: ident.New(ident.PrefixSnapshot), Scope: model.SnapshotScopeWorkspace, CreatedAt: now()}
		snapID = snap.ID
		return tx.PutSnapshot(ctx, snap, state)
	})
	require.NoError(t, err)

	// Mutate after the capture.
	late := newNote("Added later")
	require.NoError(t, s.PutNote(ctx, late))
	require.NoError(t, s.DeleteNote(ctx, n.ID))

	err = s.RunInTransaction(ctx, func(tx storage.Ops) error {
		state, err := tx.GetSnapshotState(ctx, snapID)
		if err != nil {
			return err
		}
		return tx.RestoreState(ctx, state)
	})
	require.NoError(t, err)

	restored, err := s.GetNote(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, "Snapshot me", restored.Title)
	_, err = s.GetNote(ctx, late.ID)
	require.True(t, faults.Is(err, faults.NotFound))

	cols, err := s.CollectionsForNote(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, []string{c.ID}, cols)

	vs, err := s.ListVersions(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	require.Equal(t, v.ContentHash, vs[0].ContentHash)

	// The snapshot row itself survives the restore.
	_, err = s.GetSnapshot(ctx, snapID)
	require.NoError(t, err)
}

func testIdempotencyRecord(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	rec := &model.IdempotencyRecord{
		NoteID:      "note_1",
		Op:          model.OpPublish,
		ClientToken: "tok-abc",
		Response:    []byte(`{"version_id":"ver_1"}`),
		CreatedAt:   now(),
	}
	require.NoError(t, s.PutIdempotency(ctx, rec))
	require.True(t, faults.Is(s.PutIdempotency(ctx, rec), faults.Conflict))

	got, err := s.GetIdempotency(ctx, "note_1", "tok-abc")
	require.NoError(t, err)
	require.Equal(t, model.OpPublish, got.Op)
	require.JSONEq(t, `{"version_id":"ver_1"}`, string(got.Response))

	// The token is claimed for the note regardless of op.
	other := *rec
	other.Op = model.OpRollback
	require.True(t, faults.Is(s.PutIdempotency(ctx, &other), faults.Conflict))

	// A different note may reuse the token.
	_, err = s.GetIdempotency(ctx, "note_2", "tok-abc")
	require.True(t, faults.Is(err, faults.NotFound))
}

func testOutboxDedup(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	ev := &model.VisibilityEvent{
		NoteID:      "note_1",
		VersionID:   "ver_1",
		Collections: []string{"col_1"},
		Op:          model.OpPublish,
		EnqueuedAt:  now(),
	}
	require.NoError(t, s.EnqueueVisibility(ctx, ev))
	require.NoError(t, s.EnqueueVisibility(ctx, ev)) // dedup, not error

	pending, err := s.PendingVisibility(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, model.EventPending, pending[0].Status)

	// Same version under a different op is a distinct event.
	ev2 := *ev
	ev2.Op = model.OpRepublish
	require.NoError(t, s.EnqueueVisibility(ctx, &ev2))
	pending, err = s.PendingVisibility(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Less(t, pending[0].Seq, pending[1].Seq)

	require.NoError(t, s.MarkVisibility(ctx, pending[0].Seq, model.EventCommitted, 1, ""))
	require.NoError(t, s.MarkVisibility(ctx, pending[1].Seq, model.EventParked, 5, "index unavailable"))

	p, parked, err := s.VisibilityBacklog(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, p)
	require.Equal(t, 1, parked)
}

func testTransactionRollback(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()

	n := newNote("Atomic or nothing")
	boom := faults.New(faults.Internal, "induced failure")
	err := s.RunInTransaction(ctx, func(tx storage.Ops) error {
		if err := tx.PutNote(ctx, n); err != nil {
			return err
		}
		v := newVersion(n.ID, "# body", "", model.LabelMinor)
		if err := tx.PutVersion(ctx, v); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetNote(ctx, n.ID)
	require.True(t, faults.Is(err, faults.NotFound))

	// A committed transaction sticks.
	err = s.RunInTransaction(ctx, func(tx storage.Ops) error {
		return tx.PutNote(ctx, n)
	})
	require.NoError(t, err)
	_, err = s.GetNote(ctx, n.ID)
	require.NoError(t, err)
}
