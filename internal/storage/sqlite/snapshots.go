package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/storage"
)

func (o *ops) PutSnapshot(ctx context.Context, s *model.Snapshot, state *model.SnapshotState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return faults.Wrap(faults.Internal, err, "encode snapshot state")
	}
	_, err = o.q.ExecContext(ctx,
		`INSERT INTO snapshots (id, scope, description, state, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Scope, s.Description, string(blob), s.CreatedAt.UnixNano())
	return classify(err, "insert snapshot")
}

func (o *ops) GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error) {
	var s model.Snapshot
	var created int64
	err := o.q.QueryRowContext(ctx,
		`SELECT id, scope, description, created_at FROM snapshots WHERE id = ?`, id).
		Scan(&s.ID, &s.Scope, &s.Description, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("snapshot", id)
	}
	if err != nil {
		return nil, classify(err, "get snapshot")
	}
	s.CreatedAt = timeOrZero(created)
	return &s, nil
}

func (o *ops) GetSnapshotState(ctx context.Context, id string) (*model.SnapshotState, error) {
	var blob string
	err := o.q.QueryRowContext(ctx, `SELECT state FROM snapshots WHERE id = ?`, id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("snapshot", id)
	}
	if err != nil {
		return nil, classify(err, "get snapshot state")
	}
	var state model.SnapshotState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, faults.Wrap(faults.Integrity, err, "decode snapshot %s", id)
	}
	return &state, nil
}

func (o *ops) ListSnapshots(ctx context.Context) ([]*model.Snapshot, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT id, scope, description, created_at FROM snapshots ORDER BY created_at, id`)
	if err != nil {
		return nil, classify(err, "list snapshots")
	}
	defer rows.Close()

	var out []*model.Snapshot
	for rows.Next() {
		var s model.Snapshot
		var created int64
		if err := rows.Scan(&s.ID, &s.Scope, &s.Description, &created); err != nil {
			return nil, classify(err, "scan snapshot")
		}
		s.CreatedAt = timeOrZero(created)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (o *ops) DeleteSnapshot(ctx context.Context, id string) error {
	res, err := o.q.ExecContext(ctx, `DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return classify(err, "delete snapshot")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return faults.NotFoundf("snapshot", id)
	}
	return nil
}

// CaptureState copies notes, drafts, versions, publications,
// collections, and memberships. Sessions and snapshots are excluded:
// they survive restores.
func (o *ops) CaptureState(ctx context.Context) (*model.SnapshotState, error) {
	state := &model.SnapshotState{Memberships: map[string][]string{}}

	notes, err := o.ListNotes(ctx, storage.NoteFilter{})
	if err != nil {
		return nil, err
	}
	state.Notes = notes

	for _, n := range notes {
		if d, err := o.GetDraft(ctx, n.ID); err == nil {
			state.Drafts = append(state.Drafts, d)
		} else if !faults.Is(err, faults.NotFound) {
			return nil, err
		}
		vs, err := o.ListVersions(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		state.Versions = append(state.Versions, vs...)
		ps, err := o.ListPublications(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		state.Publications = append(state.Publications, ps...)
		cols, err := o.CollectionsForNote(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		if len(cols) > 0 {
			state.Memberships[n.ID] = cols
		}
	}

	collections, err := o.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	state.Collections = collections
	return state, nil
}

// RestoreState swaps the restorable tables wholesale. Callers run it
// inside RunInTransaction so readers never observe a half-restored
// workspace.
func (o *ops) RestoreState(ctx context.Context, state *model.SnapshotState) error {
	for _, table := range []string{"memberships", "drafts", "publications", "versions", "notes", "collections"} {
		if _, err := o.q.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return classify(err, "clear "+table)
		}
	}
	for _, c := range state.Collections {
		if err := o.PutCollection(ctx, c); err != nil {
			return err
		}
	}
	for _, n := range state.Notes {
		if err := o.PutNote(ctx, n); err != nil {
			return err
		}
	}
	for _, d := range state.Drafts {
		if err := o.PutDraft(ctx, d); err != nil {
			return err
		}
	}
	for _, v := range state.Versions {
		if err := o.PutVersion(ctx, v); err != nil {
			return err
		}
	}
	for _, p := range state.Publications {
		if err := o.PutPublication(ctx, p); err != nil {
			return err
		}
	}
	for noteID, cols := range state.Memberships {
		for _, col := range cols {
			if err := o.AddNoteToCollection(ctx, noteID, col); err != nil {
				return err
			}
		}
	}
	return nil
}
