package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/model"
)

func (o *ops) GetIdempotency(ctx context.Context, noteID, token string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	var response string
	var created int64
	err := o.q.QueryRowContext(ctx,
		`SELECT note_id, op, client_token, response, created_at FROM idempotency
		 WHERE note_id = ? AND client_token = ?`, noteID, token).
		Scan(&rec.NoteID, &rec.Op, &rec.ClientToken, &response, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("idempotency record", token)
	}
	if err != nil {
		return nil, classify(err, "get idempotency")
	}
	rec.Response = []byte(response)
	rec.CreatedAt = timeOrZero(created)
	return &rec, nil
}

func (o *ops) PutIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO idempotency (note_id, op, client_token, response, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.NoteID, rec.Op, rec.ClientToken, string(rec.Response), rec.CreatedAt.UnixNano())
	return classify(err, "insert idempotency")
}

// EnqueueVisibility writes an outbox row. The (version_id, op) unique
// index makes repeats a no-op, so retried publishes cannot fan out twice.
func (o *ops) EnqueueVisibility(ctx context.Context, ev *model.VisibilityEvent) error {
	_, err := o.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO visibility_events (note_id, version_id, collections, op, enqueued_at, attempts, status)
		 VALUES (?, ?, ?, ?, ?, 0, 'pending')`,
		ev.NoteID, ev.VersionID, marshalStrings(ev.Collections), ev.Op, ev.EnqueuedAt.UnixNano())
	return classify(err, "enqueue visibility event")
}

// PendingVisibility returns pending events in enqueue (FIFO) order.
func (o *ops) PendingVisibility(ctx context.Context, limit int) ([]*model.VisibilityEvent, error) {
	if limit <= 0 {
		limit = 32
	}
	rows, err := o.q.QueryContext(ctx,
		`SELECT seq, note_id, version_id, collections, op, enqueued_at, attempts, status, last_error
		 FROM visibility_events WHERE status = 'pending' ORDER BY seq LIMIT ?`, limit)
	if err != nil {
		return nil, classify(err, "pending visibility")
	}
	defer rows.Close()

	var out []*model.VisibilityEvent
	for rows.Next() {
		var ev model.VisibilityEvent
		var cols string
		var enqueued int64
		if err := rows.Scan(&ev.Seq, &ev.NoteID, &ev.VersionID, &cols, &ev.Op, &enqueued, &ev.Attempts, &ev.Status, &ev.LastError); err != nil {
			return nil, classify(err, "scan visibility event")
		}
		ev.Collections = unmarshalStrings(cols)
		ev.EnqueuedAt = timeOrZero(enqueued)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (o *ops) MarkVisibility(ctx context.Context, seq int64, status string, attempts int, lastError string) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE visibility_events SET status = ?, attempts = ?, last_error = ? WHERE seq = ?`,
		status, attempts, lastError, seq)
	if err != nil {
		return classify(err, "mark visibility event")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return faults.New(faults.NotFound, "visibility event %d not found", seq)
	}
	return nil
}

func (o *ops) VisibilityBacklog(ctx context.Context) (pending, parked int, err error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM visibility_events GROUP BY status`)
	if err != nil {
		return 0, 0, classify(err, "visibility backlog")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, 0, classify(err, "scan backlog")
		}
		switch status {
		case model.EventPending:
			pending = count
		case model.EventParked:
			parked = count
		}
	}
	return pending, parked, rows.Err()
}
