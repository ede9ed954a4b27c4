// Package storage defines the port every workspace storage backend
// implements. The entity store is the single source of truth; the
// corpus is derived from it through the visibility outbox.
package storage

import (
	"context"

	"github.com/foliant-labs/folio/internal/model"
)

// NoteFilter narrows ListNotes.
type NoteFilter struct {
	CollectionID string
	Tag          string
	TitleSubstr  string
	Limit        int
	Offset       int
}

// Health summarizes backend state for /health and the status command.
type Health struct {
	Backend       string `json:"backend"`
	OK            bool   `json:"ok"`
	Notes         int    `json:"notes"`
	Versions      int    `json:"versions"`
	PendingEvents int    `json:"pending_events"`
	ParkedEvents  int    `json:"parked_events"`
	Detail        string `json:"detail,omitempty"`
}

// Ops is the full entity operation set. Every method is available both
// directly on a Store and inside RunInTransaction; direct calls are
// individually atomic.
//
// Error discipline: missing entities are faults.NotFound, uniqueness
// breaks are faults.Conflict, bad input is faults.Validation, backend
// I/O trouble is faults.StorageIO (retriable), and broken invariants
// are faults.Integrity (fatal).
type Ops interface {
	// Notes
	PutNote(ctx context.Context, n *model.Note) error
	UpdateNote(ctx context.Context, n *model.Note) error
	GetNote(ctx context.Context, id string) (*model.Note, error)
	ListNotes(ctx context.Context, f NoteFilter) ([]*model.Note, error)
	// DeleteNote removes the note, its draft, and its memberships.
	// Versions and publications stay queryable through history.
	DeleteNote(ctx context.Context, id string) error

	// Drafts (at most one per note; upsert semantics)
	PutDraft(ctx context.Context, d *model.Draft) error
	GetDraft(ctx context.Context, noteID string) (*model.Draft, error)
	DeleteDraft(ctx context.Context, noteID string) error

	// Versions (append-only)
	PutVersion(ctx context.Context, v *model.Version) error
	GetVersion(ctx context.Context, id string) (*model.Version, error)
	ListVersions(ctx context.Context, noteID string) ([]*model.Version, error) // newest first
	LatestVersion(ctx context.Context, noteID string) (*model.Version, error)

	// Publications
	PutPublication(ctx context.Context, p *model.Publication) error
	GetPublicationForVersion(ctx context.Context, versionID string) (*model.Publication, error)
	ListPublications(ctx context.Context, noteID string) ([]*model.Publication, error)

	// Collections and memberships
	PutCollection(ctx context.Context, c *model.Collection) error
	GetCollection(ctx context.Context, id string) (*model.Collection, error)
	GetCollectionByName(ctx context.Context, name string) (*model.Collection, error)
	ListCollections(ctx context.Context) ([]*model.Collection, error)
	UpdateCollection(ctx context.Context, c *model.Collection) error
	DeleteCollection(ctx context.Context, id string) error
	AddNoteToCollection(ctx context.Context, noteID, collectionID string) error
	RemoveNoteFromCollection(ctx context.Context, noteID, collectionID string) error
	CollectionsForNote(ctx context.Context, noteID string) ([]string, error)
	NotesInCollection(ctx context.Context, collectionID string) ([]string, error)

	// Sessions. Steps append atomically; ref_ids are opaque and stored
	// verbatim whether or not the targets still exist.
	PutSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListSessions(ctx context.Context) ([]*model.Session, error)
	AppendSessionSteps(ctx context.Context, id string, steps []model.SessionStep) error
	PinSession(ctx context.Context, id string, pinned bool) error

	// Snapshots
	PutSnapshot(ctx context.Context, s *model.Snapshot, state *model.SnapshotState) error
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	GetSnapshotState(ctx context.Context, id string) (*model.SnapshotState, error)
	ListSnapshots(ctx context.Context) ([]*model.Snapshot, error) // creation order
	DeleteSnapshot(ctx context.Context, id string) error
	// CaptureState copies the restorable workspace state; RestoreState
	// atomically swaps it back in.
	CaptureState(ctx context.Context) (*model.SnapshotState, error)
	RestoreState(ctx context.Context, state *model.SnapshotState) error

	// Idempotency map, keyed (note_id, client_token). The stored record
	// carries the op so a token reused across ops can be rejected.
	GetIdempotency(ctx context.Context, noteID, token string) (*model.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error

	// Visibility outbox. Enqueue deduplicates on (version_id, op) and
	// is a no-op for repeats so publish retries stay exactly-once.
	EnqueueVisibility(ctx context.Context, ev *model.VisibilityEvent) error
	PendingVisibility(ctx context.Context, limit int) ([]*model.VisibilityEvent, error)
	MarkVisibility(ctx context.Context, seq int64, status string, attempts int, lastError string) error
	VisibilityBacklog(ctx context.Context) (pending, parked int, err error)
}

// Store is a storage backend: the operation set plus transactions and
// lifecycle. Transaction handles never leak across this boundary; the
// callback's Ops is only valid until the callback returns.
type Store interface {
	Ops

	// RunInTransaction executes fn atomically: commit on nil, full
	// rollback on error or panic.
	RunInTransaction(ctx context.Context, fn func(tx Ops) error) error

	Health(ctx context.Context) (*Health, error)
	// Maintain prunes committed outbox rows past retention and compacts
	// the backend where that applies.
	Maintain(ctx context.Context) error
	Close() error
}
