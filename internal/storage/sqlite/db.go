// Package sqlite implements the storage port on SQLite. Entities, the
// idempotency map, and the visibility outbox live in one database so
// publish commits them in a single transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/storage"
)

// dbtx is the query surface shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ops carries every entity operation over either a connection or a
// transaction. Store embeds it bound to the connection.
type ops struct {
	q dbtx
}

// Store is the SQLite-backed storage port.
type Store struct {
	ops
	conn *sql.DB
	mu   sync.Mutex // serialize writers; readers go straight to WAL
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, faults.Wrap(faults.StorageIO, err, "create data dir")
	}

	conn, err := sql.Open("sqlite3",
		path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, faults.Wrap(faults.StorageIO, err, "open db")
	}

	s := &Store{ops: ops{q: conn}, conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, faults.Wrap(faults.StorageIO, err, "migrate")
	}
	return s, nil
}

// OpenMemory opens a private in-memory database, used in tests.
func OpenMemory() (*Store, error) {
	conn, err := sql.Open("sqlite3", "file::memory:?mode=memory&cache=shared&_foreign_keys=on")
	if err != nil {
		return nil, faults.Wrap(faults.StorageIO, err, "open db")
	}
	// A shared-cache memory db disappears with its last connection.
	conn.SetMaxOpenConns(1)

	s := &Store{ops: ops{q: conn}, conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, faults.Wrap(faults.StorageIO, err, "migrate")
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

// Conn exposes the raw handle for sibling stores (the corpus index
// shares the database file).
func (s *Store) Conn() *sql.DB { return s.conn }

// RunInTransaction executes fn atomically. Commit on nil return; full
// rollback on error or panic.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Ops) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return faults.Wrap(faults.StorageIO, err, "begin tx")
	}

	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if err := fn(&ops{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return faults.Wrap(faults.StorageIO, err, "commit tx")
	}
	committed = true
	return nil
}

// Health reports row counts and outbox depth.
func (s *Store) Health(ctx context.Context) (*storage.Health, error) {
	h := &storage.Health{Backend: "sqlite", OK: true}
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&h.Notes); err != nil {
		h.OK = false
		h.Detail = err.Error()
		return h, nil
	}
	s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM versions`).Scan(&h.Versions)
	pending, parked, err := s.VisibilityBacklog(ctx)
	if err == nil {
		h.PendingEvents = pending
		h.ParkedEvents = parked
	}
	return h, nil
}

// Maintain prunes committed outbox rows older than 30 days and vacuums.
func (s *Store) Maintain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -30).UnixNano()
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM visibility_events WHERE status = 'committed' AND enqueued_at < ?`, cutoff); err != nil {
		return faults.Wrap(faults.StorageIO, err, "prune outbox")
	}
	if _, err := s.conn.ExecContext(ctx, `VACUUM`); err != nil {
		return faults.Wrap(faults.StorageIO, err, "vacuum")
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			current_version_id TEXT DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS drafts (
			note_id TEXT PRIMARY KEY REFERENCES notes(id) ON DELETE CASCADE,
			body_md TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			autosave_ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS versions (
			id TEXT PRIMARY KEY,
			note_id TEXT NOT NULL,
			content_md TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			content_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			parent_version_id TEXT DEFAULT '',
			label TEXT NOT NULL DEFAULT 'minor'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_versions_note ON versions(note_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS publications (
			id TEXT PRIMARY KEY,
			note_id TEXT NOT NULL,
			version_id TEXT NOT NULL,
			collections TEXT NOT NULL DEFAULT '[]',
			published_at INTEGER NOT NULL,
			label TEXT NOT NULL DEFAULT 'minor'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_publications_note ON publications(note_id)`,
		`CREATE INDEX IF NOT EXISTS idx_publications_version ON publications(version_id)`,
		`CREATE TABLE IF NOT EXISTS collections (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			note_id TEXT NOT NULL,
			collection_id TEXT NOT NULL,
			added_at INTEGER NOT NULL,
			PRIMARY KEY (note_id, collection_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memberships_collection ON memberships(collection_id)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			steps TEXT NOT NULL DEFAULT '[]',
			pinned INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			ended_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			description TEXT DEFAULT '',
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			note_id TEXT NOT NULL,
			op TEXT NOT NULL,
			client_token TEXT NOT NULL,
			response TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (note_id, client_token)
		)`,
		`CREATE TABLE IF NOT EXISTS visibility_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			note_id TEXT NOT NULL,
			version_id TEXT NOT NULL,
			collections TEXT NOT NULL DEFAULT '[]',
			op TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT DEFAULT '',
			UNIQUE (version_id, op)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_visibility_status ON visibility_events(status, seq)`,
	}

	for _, m := range migrations {
		if _, err := s.conn.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// classify maps driver errors to the shared taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return faults.Wrap(faults.Conflict, err, "%s", op)
	}
	return faults.Wrap(faults.StorageIO, err, "%s", op)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOrZero(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
