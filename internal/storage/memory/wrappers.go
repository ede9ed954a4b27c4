package memory

import (
	"context"

	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/storage"
)

// Locked delegation to data. Kept mechanical on purpose.

func (s *Store) PutNote(ctx context.Context, n *model.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.PutNote(ctx, n)
}

func (s *Store) UpdateNote(ctx context.Context, n *model.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.UpdateNote(ctx, n)
}

func (s *Store) GetNote(ctx context.Context, id string) (*model.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetNote(ctx, id)
}

func (s *Store) ListNotes(ctx context.Context, f storage.NoteFilter) ([]*model.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListNotes(ctx, f)
}

func (s *Store) DeleteNote(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.DeleteNote(ctx, id)
}

func (s *Store) PutDraft(ctx context.Context, d *model.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.PutDraft(ctx, d)
}

func (s *Store) GetDraft(ctx context.Context, noteID string) (*model.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetDraft(ctx, noteID)
}

func (s *Store) DeleteDraft(ctx context.Context, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.DeleteDraft(ctx, noteID)
}

func (s *Store) PutVersion(ctx context.Context, v *model.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.PutVersion(ctx, v)
}

func (s *Store) GetVersion(ctx context.Context, id string) (*model.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetVersion(ctx, id)
}

func (s *Store) ListVersions(ctx context.Context, noteID string) ([]*model.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListVersions(ctx, noteID)
}

func (s *Store) LatestVersion(ctx context.Context, noteID string) (*model.Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.LatestVersion(ctx, noteID)
}

func (s *Store) PutPublication(ctx context.Context, p *model.Publication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.PutPublication(ctx, p)
}

func (s *Store) GetPublicationForVersion(ctx context.Context, versionID string) (*model.Publication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetPublicationForVersion(ctx, versionID)
}

func (s *Store) ListPublications(ctx context.Context, noteID string) ([]*model.Publication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListPublications(ctx, noteID)
}

func (s *Store) PutCollection(ctx context.Context, c *model.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.PutCollection(ctx, c)
}

func (s *Store) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetCollection(ctx, id)
}

func (s *Store) GetCollectionByName(ctx context.Context, name string) (*model.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetCollectionByName(ctx, name)
}

func (s *Store) ListCollections(ctx context.Context) ([]*model.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListCollections(ctx)
}

func (s *Store) UpdateCollection(ctx context.Context, c *model.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.UpdateCollection(ctx, c)
}

func (s *Store) DeleteCollection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.DeleteCollection(ctx, id)
}

func (s *Store) AddNoteToCollection(ctx context.Context, noteID, collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.AddNoteToCollection(ctx, noteID, collectionID)
}

func (s *Store) RemoveNoteFromCollection(ctx context.Context, noteID, collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.RemoveNoteFromCollection(ctx, noteID, collectionID)
}

func (s *Store) CollectionsForNote(ctx context.Context, noteID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.CollectionsForNote(ctx, noteID)
}

func (s *Store) NotesInCollection(ctx context.Context, collectionID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.NotesInCollection(ctx, collectionID)
}

func (s *Store) PutSession(ctx context.Context, sess *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.PutSession(ctx, sess)
}

func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetSession(ctx, id)
}

func (s *Store) ListSessions(ctx context.Context) ([]*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListSessions(ctx)
}

func (s *Store) AppendSessionSteps(ctx context.Context, id string, steps []model.SessionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.AppendSessionSteps(ctx, id, steps)
}

func (s *Store) PinSession(ctx context.Context, id string, pinned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.PinSession(ctx, id, pinned)
}

func (s *Store) PutSnapshot(ctx context.Context, snap *model.Snapshot, state *model.SnapshotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.PutSnapshot(ctx, snap, state)
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetSnapshot(ctx, id)
}

func (s *Store) GetSnapshotState(ctx context.Context, id string) (*model.SnapshotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetSnapshotState(ctx, id)
}

func (s *Store) ListSnapshots(ctx context.Context) ([]*model.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.ListSnapshots(ctx)
}

func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.DeleteSnapshot(ctx, id)
}

func (s *Store) CaptureState(ctx context.Context) (*model.SnapshotState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.CaptureState(ctx)
}

func (s *Store) RestoreState(ctx context.Context, state *model.SnapshotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.RestoreState(ctx, state)
}

func (s *Store) GetIdempotency(ctx context.Context, noteID, token string) (*model.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.GetIdempotency(ctx, noteID, token)
}

func (s *Store) PutIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.PutIdempotency(ctx, rec)
}

func (s *Store) EnqueueVisibility(ctx context.Context, ev *model.VisibilityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.EnqueueVisibility(ctx, ev)
}

func (s *Store) PendingVisibility(ctx context.Context, limit int) ([]*model.VisibilityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.PendingVisibility(ctx, limit)
}

func (s *Store) MarkVisibility(ctx context.Context, seq int64, status string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.MarkVisibility(ctx, seq, status, attempts, lastError)
}

func (s *Store) VisibilityBacklog(ctx context.Context) (pending, parked int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.VisibilityBacklog(ctx)
}
