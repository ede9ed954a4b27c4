package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/foliant-labs/folio/internal/faults"
	"github.com/foliant-labs/folio/internal/model"
)

func marshalSteps(steps []model.SessionStep) string {
	if steps == nil {
		return "[]"
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func (o *ops) PutSession(ctx context.Context, s *model.Session) error {
	var ended any
	if s.EndedAt != nil {
		ended = s.EndedAt.UnixNano()
	}
	_, err := o.q.ExecContext(ctx,
		`INSERT INTO sessions (id, steps, pinned, created_at, updated_at, ended_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, marshalSteps(s.Steps), boolInt(s.Pinned), s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano(), ended)
	return classify(err, "insert session")
}

func (o *ops) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := o.q.QueryRowContext(ctx,
		`SELECT id, steps, pinned, created_at, updated_at, ended_at FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFoundf("session", id)
	}
	if err != nil {
		return nil, classify(err, "get session")
	}
	return s, nil
}

func scanSession(row *sql.Row) (*model.Session, error) {
	var s model.Session
	var steps string
	var pinned int
	var created, updated int64
	var ended sql.NullInt64
	if err := row.Scan(&s.ID, &steps, &pinned, &created, &updated, &ended); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(steps), &s.Steps)
	s.Pinned = pinned != 0
	s.CreatedAt = timeOrZero(created)
	s.UpdatedAt = timeOrZero(updated)
	if ended.Valid {
		t := timeOrZero(ended.Int64)
		s.EndedAt = &t
	}
	return &s, nil
}

func (o *ops) ListSessions(ctx context.Context) ([]*model.Session, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT id, steps, pinned, created_at, updated_at, ended_at FROM sessions ORDER BY id`)
	if err != nil {
		return nil, classify(err, "list sessions")
	}
	defer rows.Close()

	var out []*model.Session
	for rows.Next() {
		var s model.Session
		var steps string
		var pinned int
		var created, updated int64
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &steps, &pinned, &created, &updated, &ended); err != nil {
			return nil, classify(err, "scan session")
		}
		json.Unmarshal([]byte(steps), &s.Steps)
		s.Pinned = pinned != 0
		s.CreatedAt = timeOrZero(created)
		s.UpdatedAt = timeOrZero(updated)
		if ended.Valid {
			t := timeOrZero(ended.Int64)
			s.EndedAt = &t
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// AppendSessionSteps re-indexes the incoming steps after the existing
// tail and writes the combined list in one statement. RefIDs are kept
// verbatim; nothing checks whether their targets exist.
func (o *ops) AppendSessionSteps(ctx context.Context, id string, steps []model.SessionStep) error {
	existing, err := o.GetSession(ctx, id)
	if err != nil {
		return err
	}
	next := len(existing.Steps)
	for i := range steps {
		steps[i].StepIndex = next + i
		if steps[i].Timestamp.IsZero() {
			steps[i].Timestamp = time.Now().UTC()
		}
	}
	combined := append(existing.Steps, steps...)
	_, err = o.q.ExecContext(ctx,
		`UPDATE sessions SET steps = ?, updated_at = ? WHERE id = ?`,
		marshalSteps(combined), time.Now().UTC().UnixNano(), id)
	return classify(err, "append session steps")
}

func (o *ops) PinSession(ctx context.Context, id string, pinned bool) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE sessions SET pinned = ?, updated_at = ? WHERE id = ?`,
		boolInt(pinned), time.Now().UTC().UnixNano(), id)
	if err != nil {
		return classify(err, "pin session")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return faults.NotFoundf("session", id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
