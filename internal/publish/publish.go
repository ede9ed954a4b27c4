// Package publish owns the write path: note and draft authoring, the
// publish and rollback state machines, and snapshot capture/restore.
// Every mutation that must be atomic runs inside one storage
// transaction, with the visibility event enqueued in the same
// transaction (outbox pattern).
package publish

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/foliant-labs/folio/internal/config"
	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/ident"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/storage"
)

// Coordinator drives the author-side state machines over the storage
// port.
type Coordinator struct {
	store storage.Store
	log   *logrus.Logger
	now   func() time.Time
}

// New returns a coordinator over the given store.
func New(store storage.Store, log *logrus.Logger) *Coordinator {
	return &Coordinator{store: store, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// PublishRequest asks to turn a note's draft into a visible version.
// Collections may be ids or names. ClientToken is the caller's
// idempotency key and is required.
type PublishRequest struct {
	NoteID      string   `json:"note_id"`
	Collections []string `json:"collections"`
	Label       string   `json:"label,omitempty"`
	ClientToken string   `json:"client_token"`
}

// PublishResponse is returned for the first call and replayed verbatim
// for every retry of the same client token.
type PublishResponse struct {
	VersionID             string `json:"version_id"`
	Status                string `json:"status"`
	EstimatedSearchableIn int    `json:"estimated_searchable_in"`
}

// RollbackRequest asks for a new version carrying a prior version's
// content.
type RollbackRequest struct {
	NoteID          string `json:"note_id"`
	TargetVersionID string `json:"target_version_id"`
	ClientToken     string `json:"client_token"`
}

// RollbackResponse mirrors PublishResponse for the rollback machine.
type RollbackResponse struct {
	NewVersionID    string `json:"new_version_id"`
	TargetVersionID string `json:"target_version_id"`
	Status          string `json:"status"`
}

// CreateNote creates a note together with its initial draft.
func (c *Coordinator) CreateNote(ctx context.Context, title, initialContent string, meta model.Metadata) (*model.Note, error) {
	if err := model.ValidateTitle(title); err != nil {
		return nil, err
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if len(initialContent) > model.MaxContentBytes {
		return nil, faults.New(faults.Validation, "content exceeds %d bytes", model.MaxContentBytes)
	}

	ts := c.now()
	note := &model.Note{
		ID:        ident.New(ident.PrefixNote),
		Title:     title,
		Metadata:  meta.Clone(),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	err := c.store.RunInTransaction(ctx, func(tx storage.Ops) error {
		if err := tx.PutNote(ctx, note); err != nil {
			return err
		}
		return tx.PutDraft(ctx, &model.Draft{
			NoteID:     note.ID,
			BodyMD:     initialContent,
			Metadata:   meta.Clone(),
			AutosaveTS: ts,
		})
	})
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"note_id": note.ID}).Info("note created")
	return note, nil
}

// SaveDraft upserts the note's working copy.
func (c *Coordinator) SaveDraft(ctx context.Context, noteID, bodyMD string, meta model.Metadata) (*model.Draft, error) {
	if len(bodyMD) > model.MaxContentBytes {
		return nil, faults.New(faults.Validation, "content exceeds %d bytes", model.MaxContentBytes)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	if _, err := c.store.GetNote(ctx, noteID); err != nil {
		return nil, err
	}
	draft := &model.Draft{
		NoteID:     noteID,
		BodyMD:     bodyMD,
		Metadata:   meta.Clone(),
		AutosaveTS: c.now(),
	}
	if err := c.store.PutDraft(ctx, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// Publish runs Received -> Validated -> Versioned -> Visible. The
// versioned phase and the outbox write share one transaction; a
// replayed client token short-circuits with the stored response.
func (c *Coordinator) Publish(ctx context.Context, req PublishRequest) (*PublishResponse, error) {
	if req.ClientToken == "" {
		return nil, faults.New(faults.Validation, "client_token is required")
	}
	if len(req.Collections) == 0 {
		return nil, faults.New(faults.Validation, "publish requires at least one collection")
	}
	label := req.Label
	if label == "" {
		label = model.LabelMinor
	}
	if label != model.LabelMinor && label != model.LabelMajor {
		return nil, faults.New(faults.Validation, "label must be %q or %q", model.LabelMinor, model.LabelMajor)
	}

	var resp *PublishResponse
	replayed := false
	err := c.store.RunInTransaction(ctx, func(tx storage.Ops) error {
		// Received: replay check first, before any validation that
		// could now fail (the draft is gone after the first success).
		if rec, err := tx.GetIdempotency(ctx, req.NoteID, req.ClientToken); err == nil {
			if rec.Op != model.OpPublish {
				return faults.New(faults.Conflict, "client_token %q was already used for %s", req.ClientToken, rec.Op)
			}
			var stored PublishResponse
			if err := json.Unmarshal(rec.Response, &stored); err != nil {
				return faults.Wrap(faults.Integrity, err, "decode stored publish response")
			}
			resp = &stored
			replayed = true
			return nil
		} else if !faults.Is(err, faults.NotFound) {
			return err
		}

		note, err := tx.GetNote(ctx, req.NoteID)
		if err != nil {
			return err
		}
		draft, err := tx.GetDraft(ctx, req.NoteID)
		if err != nil {
			return err
		}

		// Validated.
		if err := model.ValidateTitle(note.Title); err != nil {
			return err
		}
		if len(draft.BodyMD) > model.MaxContentBytes {
			return faults.New(faults.Validation, "draft exceeds %d bytes", model.MaxContentBytes)
		}
		collections, err := resolveCollections(ctx, tx, req.Collections)
		if err != nil {
			return err
		}

		// Versioned.
		version := &model.Version{
			ID:              ident.New(ident.PrefixVersion),
			NoteID:          note.ID,
			ContentMD:       draft.BodyMD,
			Metadata:        draft.Metadata.Clone(),
			ContentHash:     model.HashContent(draft.BodyMD),
			CreatedAt:       c.nextVersionTime(ctx, tx, note.ID),
			ParentVersionID: note.CurrentVersionID,
			Label:           label,
		}
		if err := tx.PutVersion(ctx, version); err != nil {
			return err
		}

		pub := &model.Publication{
			ID:          ident.New(ident.PrefixPub),
			NoteID:      note.ID,
			VersionID:   version.ID,
			Collections: collections,
			PublishedAt: version.CreatedAt,
			Label:       label,
		}
		if err := tx.PutPublication(ctx, pub); err != nil {
			return err
		}
		for _, colID := range collections {
			if err := tx.AddNoteToCollection(ctx, note.ID, colID); err != nil && !faults.Is(err, faults.Conflict) {
				return err
			}
		}
		if err := tx.DeleteDraft(ctx, note.ID); err != nil {
			return err
		}
		note.CurrentVersionID = version.ID
		note.UpdatedAt = version.CreatedAt
		if err := tx.UpdateNote(ctx, note); err != nil {
			return err
		}

		resp = &PublishResponse{
			VersionID:             version.ID,
			Status:                "version_created",
			EstimatedSearchableIn: config.EstimatedSearchableInMS,
		}
		if err := c.storeIdempotency(ctx, tx, note.ID, model.OpPublish, req.ClientToken, resp); err != nil {
			return err
		}

		// Visible: one outbox row, deduplicated by (version_id, op).
		return tx.EnqueueVisibility(ctx, &model.VisibilityEvent{
			NoteID:      note.ID,
			VersionID:   version.ID,
			Collections: collections,
			Op:          model.OpPublish,
			EnqueuedAt:  c.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"note_id":    req.NoteID,
		"version_id": resp.VersionID,
		"replayed":   replayed,
	}).Info("publish")
	return resp, nil
}

// Rollback creates a new version carrying the target's content. The
// target stays untouched; history only grows.
func (c *Coordinator) Rollback(ctx context.Context, req RollbackRequest) (*RollbackResponse, error) {
	if req.ClientToken == "" {
		return nil, faults.New(faults.Validation, "client_token is required")
	}
	if req.TargetVersionID == "" {
		return nil, faults.New(faults.Validation, "target_version_id is required")
	}

	var resp *RollbackResponse
	replayed := false
	err := c.store.RunInTransaction(ctx, func(tx storage.Ops) error {
		if rec, err := tx.GetIdempotency(ctx, req.NoteID, req.ClientToken); err == nil {
			if rec.Op != model.OpRollback {
				return faults.New(faults.Conflict, "client_token %q was already used for %s", req.ClientToken, rec.Op)
			}
			var stored RollbackResponse
			if err := json.Unmarshal(rec.Response, &stored); err != nil {
				return faults.Wrap(faults.Integrity, err, "decode stored rollback response")
			}
			resp = &stored
			replayed = true
			return nil
		} else if !faults.Is(err, faults.NotFound) {
			return err
		}

		note, err := tx.GetNote(ctx, req.NoteID)
		if err != nil {
			return err
		}
		target, err := tx.GetVersion(ctx, req.TargetVersionID)
		if err != nil {
			return err
		}
		if target.NoteID != note.ID {
			return faults.New(faults.Validation, "version %s does not belong to note %s", target.ID, note.ID)
		}

		version := &model.Version{
			ID:              ident.New(ident.PrefixVersion),
			NoteID:          note.ID,
			ContentMD:       target.ContentMD,
			Metadata:        target.Metadata.Clone(),
			ContentHash:     target.ContentHash,
			CreatedAt:       c.nextVersionTime(ctx, tx, note.ID),
			ParentVersionID: target.ID,
			Label:           model.LabelMajor,
		}
		if err := tx.PutVersion(ctx, version); err != nil {
			return err
		}

		collections := c.rollbackCollections(ctx, tx, note.ID, target.ID)
		pub := &model.Publication{
			ID:          ident.New(ident.PrefixPub),
			NoteID:      note.ID,
			VersionID:   version.ID,
			Collections: collections,
			PublishedAt: version.CreatedAt,
			Label:       model.LabelMajor,
		}
		if err := tx.PutPublication(ctx, pub); err != nil {
			return err
		}

		note.CurrentVersionID = version.ID
		note.UpdatedAt = version.CreatedAt
		if err := tx.UpdateNote(ctx, note); err != nil {
			return err
		}

		resp = &RollbackResponse{
			NewVersionID:    version.ID,
			TargetVersionID: target.ID,
			Status:          "rolled_back",
		}
		if err := c.storeIdempotency(ctx, tx, note.ID, model.OpRollback, req.ClientToken, resp); err != nil {
			return err
		}

		return tx.EnqueueVisibility(ctx, &model.VisibilityEvent{
			NoteID:      note.ID,
			VersionID:   version.ID,
			Collections: collections,
			Op:          model.OpRollback,
			EnqueuedAt:  c.now(),
		})
	})
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"note_id":    req.NoteID,
		"version_id": resp.NewVersionID,
		"target":     resp.TargetVersionID,
		"replayed":   replayed,
	}).Info("rollback")
	return resp, nil
}

// CreateCollection validates the name and inserts; uniqueness rides on
// the storage conflict.
func (c *Coordinator) CreateCollection(ctx context.Context, name, description string) (*model.Collection, error) {
	if err := model.ValidateCollectionName(name); err != nil {
		return nil, err
	}
	ts := c.now()
	col := &model.Collection{
		ID:          ident.New(ident.PrefixCollection),
		Name:        name,
		Description: description,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := c.store.PutCollection(ctx, col); err != nil {
		return nil, err
	}
	return col, nil
}

// CreateSnapshot captures the restorable workspace state.
func (c *Coordinator) CreateSnapshot(ctx context.Context, scope, description string) (*model.Snapshot, error) {
	if scope == "" {
		scope = model.SnapshotScopeWorkspace
	}
	if scope != model.SnapshotScopeWorkspace {
		return nil, faults.New(faults.Validation, "unsupported snapshot scope %q", scope)
	}
	snap := &model.Snapshot{
		ID:          ident.New(ident.PrefixSnapshot),
		Scope:       scope,
		Description: description,
		CreatedAt:   c.now(),
	}
	err := c.store.RunInTransaction(ctx, func(tx storage.Ops) error {
		state, err := tx.CaptureState(ctx)
		if err != nil {
			return err
		}
		return tx.PutSnapshot(ctx, snap, state)
	})
	if err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"snapshot_id": snap.ID}).Info("snapshot created")
	return snap, nil
}

// RestoreSnapshot swaps the workspace back to the captured state and
// enqueues a republish for every restored head version so the corpus
// converges on the restored truth. Notes that exist only after the
// snapshot get a retract event: the corpus is derived state and must
// not keep serving content the store no longer holds.
func (c *Coordinator) RestoreSnapshot(ctx context.Context, id string) error {
	err := c.store.RunInTransaction(ctx, func(tx storage.Ops) error {
		state, err := tx.GetSnapshotState(ctx, id)
		if err != nil {
			return err
		}

		restored := make(map[string]bool, len(state.Notes))
		for _, n := range state.Notes {
			restored[n.ID] = true
		}
		current, err := tx.ListNotes(ctx, storage.NoteFilter{})
		if err != nil {
			return err
		}
		for _, n := range current {
			if restored[n.ID] || n.CurrentVersionID == "" {
				continue
			}
			if err := tx.EnqueueVisibility(ctx, &model.VisibilityEvent{
				NoteID:     n.ID,
				VersionID:  n.CurrentVersionID,
				Op:         model.OpRetract,
				EnqueuedAt: c.now(),
			}); err != nil {
				return err
			}
		}

		if err := tx.RestoreState(ctx, state); err != nil {
			return err
		}
		for _, n := range state.Notes {
			if n.CurrentVersionID == "" {
				continue
			}
			pub, err := tx.GetPublicationForVersion(ctx, n.CurrentVersionID)
			var collections []string
			if err == nil {
				collections = pub.Collections
			} else if !faults.Is(err, faults.NotFound) {
				return err
			}
			if err := tx.EnqueueVisibility(ctx, &model.VisibilityEvent{
				NoteID:      n.ID,
				VersionID:   n.CurrentVersionID,
				Collections: collections,
				Op:          model.OpRepublish,
				EnqueuedAt:  c.now(),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{"snapshot_id": id}).Info("snapshot restored")
	return nil
}

// storeIdempotency persists the response for token replays.
func (c *Coordinator) storeIdempotency(ctx context.Context, tx storage.Ops, noteID, op, token string, resp any) error {
	blob, err := json.Marshal(resp)
	if err != nil {
		return faults.Wrap(faults.Internal, err, "encode response")
	}
	return tx.PutIdempotency(ctx, &model.IdempotencyRecord{
		NoteID:      noteID,
		Op:          op,
		ClientToken: token,
		Response:    blob,
		CreatedAt:   c.now(),
	})
}

// nextVersionTime keeps per-note created_at strictly increasing even
// under a coarse clock.
func (c *Coordinator) nextVersionTime(ctx context.Context, tx storage.Ops, noteID string) time.Time {
	ts := c.now()
	latest, err := tx.LatestVersion(ctx, noteID)
	if err == nil && !ts.After(latest.CreatedAt) {
		ts = latest.CreatedAt.Add(time.Microsecond)
	}
	return ts
}

// resolveCollections maps ids or names to collection ids, failing on
// the first unknown entry.
func resolveCollections(ctx context.Context, tx storage.Ops, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		col, err := tx.GetCollection(ctx, ref)
		if faults.Is(err, faults.NotFound) {
			col, err = tx.GetCollectionByName(ctx, ref)
		}
		if err != nil {
			if faults.Is(err, faults.NotFound) {
				return nil, faults.New(faults.Validation, "unknown collection %q", ref)
			}
			return nil, err
		}
		if seen[col.ID] {
			continue
		}
		seen[col.ID] = true
		out = append(out, col.ID)
	}
	return out, nil
}

// rollbackCollections picks the scope for the rolled-back version: the
// target's own publication first, then the note's most recent one.
func (c *Coordinator) rollbackCollections(ctx context.Context, tx storage.Ops, noteID, targetVersionID string) []string {
	if pub, err := tx.GetPublicationForVersion(ctx, targetVersionID); err == nil {
		return pub.Collections
	}
	if pubs, err := tx.ListPublications(ctx, noteID); err == nil && len(pubs) > 0 {
		return pubs[0].Collections
	}
	return nil
}
