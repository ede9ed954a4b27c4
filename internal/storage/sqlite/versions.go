package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/model"
)

func marshalStrings(ss []string) string {
	if ss == nil {
		return "[]"
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	json.Unmarshal([]byte(s), &out)
	return out
}

// PutVersion appends an immutable version row. The primary key makes a
// duplicate id a conflict; there is deliberately no UPDATE path.
func (o *ops) PutVersion(ctx context.Context, v *model.Version) error {
	if v.ContentHash != model.HashContent(v.ContentMD) {
		return faults.New(faults.Integrity, "version %s content hash mismatch", v.ID)
	}
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO versions (id, note_id, content_md, metadata, content_hash, created_at, parent_version_id, label)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.NoteID, v.ContentMD, marshalMeta(v.Metadata), v.ContentHash,
		v.CreatedAt.UnixNano(), v.ParentVersionID, v.Label)
	return classify(err, "insert version")
}

func (o *ops) GetVersion(ctx context.Context, id string) (*model.Version, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT id, note_id, content_md, metadata, content_hash, created_at, parent_version_id, label
		 FROM versions WHERE id = ?`, id)
	v, err := scanVersionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("version", id)
	}
	return v, err
}

func scanVersionRow(row *sql.Row) (*model.Version, error) {
	var v model.Version
	var meta string
	var created int64
	err := row.Scan(&v.ID, &v.NoteID, &v.ContentMD, &meta, &v.ContentHash, &created, &v.ParentVersionID, &v.Label)
	if err != nil {
		return nil, err
	}
	v.Metadata = unmarshalMeta(meta)
	v.CreatedAt = timeOrZero(created)
	return &v, nil
}

func (o *ops) ListVersions(ctx context.Context, noteID string) ([]*model.Version, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT id, note_id, content_md, metadata, content_hash, created_at, parent_version_id, label
		 FROM versions WHERE note_id = ? ORDER BY created_at DESC, id DESC`, noteID)
	if err != nil {
		return nil, classify(err, "list versions")
	}
	defer rows.Close()

	var versions []*model.Version
	for rows.Next() {
		var v model.Version
		var meta string
		var created int64
		if err := rows.Scan(&v.ID, &v.NoteID, &v.ContentMD, &meta, &v.ContentHash, &created, &v.ParentVersionID, &v.Label); err != nil {
			return nil, classify(err, "scan version")
		}
		v.Metadata = unmarshalMeta(meta)
		v.CreatedAt = timeOrZero(created)
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

func (o *ops) LatestVersion(ctx context.Context, noteID string) (*model.Version, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT id, note_id, content_md, metadata, content_hash, created_at, parent_version_id, label
		 FROM versions WHERE note_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, noteID)
	v, err := scanVersionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("version for note", noteID)
	}
	return v, err
}

func (o *ops) PutPublication(ctx context.Context, p *model.Publication) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO publications (id, note_id, version_id, collections, published_at, label)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.NoteID, p.VersionID, marshalStrings(p.Collections), p.PublishedAt.UnixNano(), p.Label)
	return classify(err, "insert publication")
}

func (o *ops) GetPublicationForVersion(ctx context.Context, versionID string) (*model.Publication, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT id, note_id, version_id, collections, published_at, label
		 FROM publications WHERE version_id = ? ORDER BY published_at DESC LIMIT 1`, versionID)
	var p model.Publication
	var cols string
	var published int64
	err := row.Scan(&p.ID, &p.NoteID, &p.VersionID, &cols, &published, &p.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("publication for version", versionID)
	}
	if err != nil {
		return nil, classify(err, "get publication")
	}
	p.Collections = unmarshalStrings(cols)
	p.PublishedAt = timeOrZero(published)
	return &p, nil
}

func (o *ops) ListPublications(ctx context.Context, noteID string) ([]*model.Publication, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT id, note_id, version_id, collections, published_at, label
		 FROM publications WHERE note_id = ? ORDER BY published_at DESC, id DESC`, noteID)
	if err != nil {
		return nil, classify(err, "list publications")
	}
	defer rows.Close()

	var pubs []*model.Publication
	for rows.Next() {
		var p model.Publication
		var cols string
		var published int64
		if err := rows.Scan(&p.ID, &p.NoteID, &p.VersionID, &cols, &published, &p.Label); err != nil {
			return nil, classify(err, "scan publication")
		}
		p.Collections = unmarshalStrings(cols)
		p.PublishedAt = timeOrZero(published)
		pubs = append(pubs, &p)
	}
	return pubs, rows.Err()
}
