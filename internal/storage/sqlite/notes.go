package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/model"
	"github.com/foliant-labs/folio/internal/storage"
)

func marshalMeta(m model.Metadata) string {
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalMeta(s string) model.Metadata {
	var m model.Metadata
	json.Unmarshal([]byte(s), &m)
	return m
}

func (o *ops) PutNote(ctx context.Context, n *model.Note) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO notes (id, title, metadata, created_at, updated_at, current_version_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.Title, marshalMeta(n.Metadata), n.CreatedAt.UnixNano(), n.UpdatedAt.UnixNano(), n.CurrentVersionID)
	return classify(err, "insert note")
}

func (o *ops) UpdateNote(ctx context.Context, n *model.Note) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE notes SET title = ?, metadata = ?, updated_at = ?, current_version_id = ? WHERE id = ?`,
		n.Title, marshalMeta(n.Metadata), n.UpdatedAt.UnixNano(), n.CurrentVersionID, n.ID)
	if err != nil {
		return classify(err, "update note")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return faults.NotFoundf("note", n.ID)
	}
	return nil
}

func (o *ops) GetNote(ctx context.Context, id string) (*model.Note, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT id, title, metadata, created_at, updated_at, current_version_id FROM notes WHERE id = ?`, id)
	return scanNote(row, id)
}

func scanNote(row *sql.Row, id string) (*model.Note, error) {
	var n model.Note
	var meta string
	var created, updated int64
	err := row.Scan(&n.ID, &n.Title, &meta, &created, &updated, &n.CurrentVersionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("note", id)
	}
	if err != nil {
		return nil, classify(err, "scan note")
	}
	n.Metadata = unmarshalMeta(meta)
	n.CreatedAt = timeOrZero(created)
	n.UpdatedAt = timeOrZero(updated)
	return &n, nil
}

func (o *ops) ListNotes(ctx context.Context, f storage.NoteFilter) ([]*model.Note, error) {
	var (
		where []string
		args  []any
	)
	base := `SELECT n.id, n.title, n.metadata, n.created_at, n.updated_at, n.current_version_id FROM notes n`
	if f.CollectionID != "" {
		base += ` JOIN memberships m ON m.note_id = n.id`
		where = append(where, `m.collection_id = ?`)
		args = append(args, f.CollectionID)
	}
	if f.TitleSubstr != "" {
		where = append(where, `LOWER(n.title) LIKE LOWER(?)`)
		args = append(args, "%"+f.TitleSubstr+"%")
	}
	query := base
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY n.id`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, f.Limit, f.Offset)
	}

	rows, err := o.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err, "list notes")
	}
	defer rows.Close()

	var notes []*model.Note
	for rows.Next() {
		var n model.Note
		var meta string
		var created, updated int64
		if err := rows.Scan(&n.ID, &n.Title, &meta, &created, &updated, &n.CurrentVersionID); err != nil {
			return nil, classify(err, "scan note")
		}
		n.Metadata = unmarshalMeta(meta)
		n.CreatedAt = timeOrZero(created)
		n.UpdatedAt = timeOrZero(updated)
		// Tag filtering happens here rather than in SQL: tags live in
		// the metadata JSON and the set is small per note.
		if f.Tag != "" && !hasTag(n.Metadata.Tags, f.Tag) {
			continue
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func (o *ops) DeleteNote(ctx context.Context, id string) error {
	res, err := o.q.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return classify(err, "delete note")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return faults.NotFoundf("note", id)
	}
	// Draft goes via FK cascade; memberships are keyed loosely, clear them here.
	if _, err := o.q.ExecContext(ctx, `DELETE FROM memberships WHERE note_id = ?`, id); err != nil {
		return classify(err, "delete memberships")
	}
	return nil
}

func (o *ops) PutDraft(ctx context.Context, d *model.Draft) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO drafts (note_id, body_md, metadata, autosave_ts) VALUES (?, ?, ?, ?)
		 ON CONFLICT(note_id) DO UPDATE SET body_md = excluded.body_md,
			metadata = excluded.metadata, autosave_ts = excluded.autosave_ts`,
		d.NoteID, d.BodyMD, marshalMeta(d.Metadata), d.AutosaveTS.UnixNano())
	return classify(err, "upsert draft")
}

func (o *ops) GetDraft(ctx context.Context, noteID string) (*model.Draft, error) {
	var d model.Draft
	var meta string
	var ts int64
	err := o.q.QueryRowContext(ctx,
		`SELECT note_id, body_md, metadata, autosave_ts FROM drafts WHERE note_id = ?`, noteID).
		Scan(&d.NoteID, &d.BodyMD, &meta, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("draft", noteID)
	}
	if err != nil {
		return nil, classify(err, "get draft")
	}
	d.Metadata = unmarshalMeta(meta)
	d.AutosaveTS = timeOrZero(ts)
	return &d, nil
}

func (o *ops) DeleteDraft(ctx context.Context, noteID string) error {
	res, err := o.q.ExecContext(ctx, `DELETE FROM drafts WHERE note_id = ?`, noteID)
	if err != nil {
		return classify(err, "delete draft")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return faults.NotFoundf("draft", noteID)
	}
	return nil
}
