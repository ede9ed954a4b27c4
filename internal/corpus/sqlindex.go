package corpus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/passage"
)

// SQLIndex persists the corpus in the entity database. Candidate
// passages are prefiltered with LIKE over the lowercased text and
// scored in Go with the same scorer as MemIndex, so both backends rank
// identically.
type SQLIndex struct {
	conn *sql.DB
}

var _ Index = (*SQLIndex)(nil)

// NewSQLIndex prepares the corpus tables on an already-open handle.
// The handle is shared with the sqlite entity store; the index never
// closes it.
func NewSQLIndex(conn *sql.DB) (*SQLIndex, error) {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS corpus_passages (
			id TEXT PRIMARY KEY,
			note_id TEXT NOT NULL,
			version_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			structure_path TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			text_lower TEXT NOT NULL,
			char_offset INTEGER NOT NULL,
			char_length INTEGER NOT NULL,
			token_offset INTEGER NOT NULL,
			token_length INTEGER NOT NULL,
			anchor TEXT NOT NULL DEFAULT '{}',
			collections TEXT NOT NULL DEFAULT '[]',
			head INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_corpus_note ON corpus_passages(note_id, head)`,
		`CREATE INDEX IF NOT EXISTS idx_corpus_version ON corpus_passages(version_id, position)`,
	}
	for _, m := range migrations {
		if _, err := conn.Exec(m); err != nil {
			return nil, faults.Wrap(faults.Indexing, err, "corpus migration")
		}
	}
	return &SQLIndex{conn: conn}, nil
}

func (s *SQLIndex) Close() error { return nil }

// Commit stores doc's passages and marks its version the note's head,
// all in one transaction. Earlier versions keep their rows with the
// head flag cleared so the reading view can still serve them by id.
func (s *SQLIndex) Commit(ctx context.Context, doc *Document) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.Indexing, err, "begin corpus tx")
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	// Re-committing the same version replaces its passage set.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM corpus_passages WHERE version_id = ?`, doc.VersionID); err != nil {
		return faults.Wrap(faults.Indexing, err, "clear version passages")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE corpus_passages SET head = 0 WHERE note_id = ?`, doc.NoteID); err != nil {
		return faults.Wrap(faults.Indexing, err, "demote note head")
	}

	cols, _ := json.Marshal(doc.Collections)
	for i, p := range doc.Passages {
		anchor, err := json.Marshal(p.Anchor)
		if err != nil {
			return faults.Wrap(faults.Internal, err, "encode anchor")
		}
		id := fmt.Sprintf("%s:%04d", doc.VersionID, i)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO corpus_passages
			 (id, note_id, version_id, position, structure_path, text, text_lower,
			  char_offset, char_length, token_offset, token_length, anchor, collections, head)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			id, doc.NoteID, doc.VersionID, i, p.StructurePath, p.Text, strings.ToLower(p.Text),
			p.CharOffset, p.CharLength, p.TokenOffset, p.TokenLength, string(anchor), string(cols)); err != nil {
			return faults.Wrap(faults.Indexing, err, "insert passage")
		}
	}

	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.Indexing, err, "commit corpus tx")
	}
	committed = true
	return nil
}

// Remove takes a note and all of its committed versions out of the
// corpus.
func (s *SQLIndex) Remove(ctx context.Context, noteID string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM corpus_passages WHERE note_id = ?`, noteID)
	if err != nil {
		return faults.Wrap(faults.Indexing, err, "remove note passages")
	}
	return nil
}

func (s *SQLIndex) HasVersion(ctx context.Context, versionID string) (bool, error) {
	var one int
	err := s.conn.QueryRowContext(ctx,
		`SELECT 1 FROM corpus_passages WHERE version_id = ? LIMIT 1`, versionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, faults.Wrap(faults.Indexing, err, "has version")
	}
	return true, nil
}

func (s *SQLIndex) VersionForNote(ctx context.Context, noteID string) (string, bool, error) {
	var v string
	err := s.conn.QueryRowContext(ctx,
		`SELECT version_id FROM corpus_passages WHERE note_id = ? AND head = 1 LIMIT 1`, noteID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, faults.Wrap(faults.Indexing, err, "version for note")
	}
	return v, true, nil
}

const passageColumns = `id, note_id, version_id, position, structure_path, text,
	char_offset, char_length, token_offset, token_length, anchor, collections`

func scanPassage(rows *sql.Rows) (*Passage, error) {
	var p Passage
	var anchor, cols string
	if err := rows.Scan(&p.ID, &p.NoteID, &p.VersionID, &p.Position, &p.StructurePath, &p.Text,
		&p.CharOffset, &p.CharLength, &p.TokenOffset, &p.TokenLength, &anchor, &cols); err != nil {
		return nil, faults.Wrap(faults.Indexing, err, "scan passage")
	}
	if err := json.Unmarshal([]byte(anchor), &p.Anchor); err != nil {
		return nil, faults.Wrap(faults.Integrity, err, "decode anchor for %s", p.ID)
	}
	json.Unmarshal([]byte(cols), &p.Collections)
	return &p, nil
}

func (s *SQLIndex) PassagesForVersion(ctx context.Context, versionID string) ([]*Passage, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+passageColumns+` FROM corpus_passages WHERE version_id = ? ORDER BY position`, versionID)
	if err != nil {
		return nil, faults.Wrap(faults.Indexing, err, "passages for version")
	}
	defer rows.Close()

	var out []*Passage
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Retrieve prefilters head candidates with OR'd LIKE conditions and
// lets the shared scorer rank them. Superseded versions never surface
// here; they are only reachable by id.
func (s *SQLIndex) Retrieve(ctx context.Context, q Query) ([]*Hit, error) {
	if len(q.Terms) == 0 {
		return nil, nil
	}

	conds := make([]string, 0, len(q.Terms))
	args := make([]any, 0, len(q.Terms))
	for _, term := range q.Terms {
		conds = append(conds, `text_lower LIKE ?`)
		args = append(args, "%"+term+"%")
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+passageColumns+` FROM corpus_passages
		 WHERE head = 1 AND (`+strings.Join(conds, " OR ")+`)`, args...)
	if err != nil {
		return nil, faults.Wrap(faults.Indexing, err, "retrieve")
	}
	defer rows.Close()

	var hits []*Hit
	for rows.Next() {
		p, err := scanPassage(rows)
		if err != nil {
			return nil, err
		}
		if !inScope(p, q.CollectionIDs) {
			continue
		}
		sc := score(q.Terms, p.Text)
		if sc <= 0 {
			continue
		}
		hits = append(hits, &Hit{Passage: p, Score: sc})
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Wrap(faults.Indexing, err, "retrieve rows")
	}

	sortHits(hits)
	if q.TopK > 0 && len(hits) > q.TopK {
		hits = hits[:q.TopK]
	}
	return hits, nil
}

func (s *SQLIndex) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	if err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT CASE WHEN head = 1 THEN note_id END),
		        COUNT(DISTINCT version_id), COUNT(*) FROM corpus_passages`).
		Scan(&st.Notes, &st.Versions, &st.Passages); err != nil {
		return nil, faults.Wrap(faults.Indexing, err, "corpus stats")
	}
	return st, nil
}

// BuildDocument chunks a published version into a commit-ready
// document using the shared chunking and anchor engines.
func BuildDocument(noteID, versionID, title, contentMD string, collections []string, opts passage.Options) (*Document, error) {
	engine, err := passage.NewEngine(opts)
	if err != nil {
		return nil, err
	}
	chunks, err := engine.Chunk(contentMD)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		NoteID:      noteID,
		VersionID:   versionID,
		Title:       title,
		Collections: append([]string(nil), collections...),
	}
	for i, c := range chunks {
		doc.Passages = append(doc.Passages, &Passage{
			ID:            fmt.Sprintf("%s:%04d", versionID, i),
			NoteID:        noteID,
			VersionID:     versionID,
			Position:      i,
			StructurePath: c.StructurePath,
			Text:          c.Text,
			CharOffset:    c.CharOffset,
			CharLength:    c.CharLength,
			TokenOffset:   c.TokenOffset,
			TokenLength:   c.TokenLength,
			Anchor:        c.Anchor,
			Collections:   doc.Collections,
		})
	}
	return doc, nil
}
