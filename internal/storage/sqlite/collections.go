package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/model"
)

func (o *ops) PutCollection(ctx context.Context, c *model.Collection) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO collections (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Description, c.CreatedAt.UnixNano(), c.UpdatedAt.UnixNano())
	if err != nil {
		// Unique index on name turns duplicates into a Conflict.
		return classify(err, "insert collection")
	}
	return nil
}

func scanCollection(row *sql.Row) (*model.Collection, error) {
	var c model.Collection
	var created, updated int64
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &created, &updated); err != nil {
		return nil, err
	}
	c.CreatedAt = timeOrZero(created)
	c.UpdatedAt = timeOrZero(updated)
	return &c, nil
}

func (o *ops) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM collections WHERE id = ?`, id)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("collection", id)
	}
	if err != nil {
		return nil, classify(err, "get collection")
	}
	return c, nil
}

func (o *ops) GetCollectionByName(ctx context.Context, name string) (*model.Collection, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM collections WHERE name = ?`, name)
	c, err := scanCollection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("collection", name)
	}
	if err != nil {
		return nil, classify(err, "get collection by name")
	}
	return c, nil
}

func (o *ops) ListCollections(ctx context.Context) ([]*model.Collection, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT id, name, description, created_at, updated_at FROM collections ORDER BY name`)
	if err != nil {
		return nil, classify(err, "list collections")
	}
	defer rows.Close()

	var out []*model.Collection
	for rows.Next() {
		var c model.Collection
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &created, &updated); err != nil {
			return nil, classify(err, "scan collection")
		}
		c.CreatedAt = timeOrZero(created)
		c.UpdatedAt = timeOrZero(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (o *ops) UpdateCollection(ctx context.Context, c *model.Collection) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE collections SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		c.Name, c.Description, c.UpdatedAt.UnixNano(), c.ID)
	if err != nil {
		return classify(err, "update collection")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return faults.NotFoundf("collection", c.ID)
	}
	return nil
}

func (o *ops) DeleteCollection(ctx context.Context, id string) error {
	res, err := o.q.ExecContext(ctx, `DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return classify(err, "delete collection")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return faults.NotFoundf("collection", id)
	}
	_, err = o.q.ExecContext(ctx, `DELETE FROM memberships WHERE collection_id = ?`, id)
	return classify(err, "delete memberships")
}

func (o *ops) AddNoteToCollection(ctx context.Context, noteID, collectionID string) error {
	var count int
	if err := o.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE note_id = ?`, noteID).Scan(&count); err != nil {
		return classify(err, "count memberships")
	}
	if count >= model.MaxCollectionsPerNote {
		return faults.New(faults.Validation, "note %s already belongs to %d collections (max %d)",
			noteID, count, model.MaxCollectionsPerNote)
	}
	res, err := o.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO memberships (note_id, collection_id, added_at) VALUES (?, ?, ?)`,
		noteID, collectionID, time.Now().UTC().UnixNano())
	if err != nil {
		return classify(err, "add membership")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return faults.New(faults.Conflict, "note %s already in collection %s", noteID, collectionID)
	}
	return nil
}

func (o *ops) RemoveNoteFromCollection(ctx context.Context, noteID, collectionID string) error {
	res, err := o.q.ExecContext(ctx,
		`DELETE FROM memberships WHERE note_id = ? AND collection_id = ?`, noteID, collectionID)
	if err != nil {
		return classify(err, "remove membership")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return faults.NotFoundf("membership", noteID+"/"+collectionID)
	}
	return nil
}

func (o *ops) CollectionsForNote(ctx context.Context, noteID string) ([]string, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT collection_id FROM memberships WHERE note_id = ? ORDER BY collection_id`, noteID)
	if err != nil {
		return nil, classify(err, "collections for note")
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (o *ops) NotesInCollection(ctx context.Context, collectionID string) ([]string, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT note_id FROM memberships WHERE collection_id = ? ORDER BY note_id`, collectionID)
	if err != nil {
		return nil, classify(err, "notes in collection")
	}
	defer rows.Close()
	return scanStrings(rows)
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, classify(err, "scan id")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
