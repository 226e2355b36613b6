package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// InsertOutput persists the durable artifact of a successful pipeline run.
func (s *Store) InsertOutput(ctx context.Context, o Output) error {
	if o.ProducedAt.IsZero() {
		o.ProducedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outputs(id, user_id, title, body, category, source_job_id, meta, produced_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		o.ID, o.UserID, o.Title, o.Body, o.Category, o.SourceJobID,
		nullStr(o.MetaJSON), ms(o.ProducedAt),
	)
	return err
}

// GetOutput fetches one output by id.
func (s *Store) GetOutput(ctx context.Context, id string) (Output, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, body, category, source_job_id, meta, produced_at
		 FROM outputs WHERE id = ?`, id)
	o, err := scanOutput(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Output{}, ErrNotFound
	}
	return o, err
}

// RecentOutputs lists a user's outputs produced since the cutoff, newest
// first. The anti-repetition heuristic reads titles and meta from here.
func (s *Store) RecentOutputs(ctx context.Context, userID string, since time.Time, limit int) ([]Output, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, body, category, source_job_id, meta, produced_at
		 FROM outputs WHERE user_id = ? AND produced_at >= ?
		 ORDER BY produced_at DESC LIMIT ?`,
		userID, ms(since), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Output
	for rows.Next() {
		o, err := scanOutput(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// AppendQuery logs a search/selection query for anti-repetition steering.
func (s *Store) AppendQuery(ctx context.Context, q QueryLog) error {
	if q.At.IsZero() {
		q.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_log(user_id, session_type, query, at) VALUES(?,?,?,?)`,
		q.UserID, string(q.SessionType), q.Query, ms(q.At),
	)
	return err
}

// RecentQueries lists a user's queries since the cutoff, newest first.
func (s *Store) RecentQueries(ctx context.Context, userID string, since time.Time, limit int) ([]QueryLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, session_type, query, at FROM query_log
		 WHERE user_id = ? AND at >= ? ORDER BY at DESC LIMIT ?`,
		userID, ms(since), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueryLog
	for rows.Next() {
		var (
			q   QueryLog
			typ string
			at  int64
		)
		if err := rows.Scan(&q.UserID, &typ, &q.Query, &at); err != nil {
			return nil, err
		}
		q.SessionType = SessionType(typ)
		q.At = fromMS(at)
		out = append(out, q)
	}
	return out, rows.Err()
}

func scanOutput(r rowScanner) (Output, error) {
	var (
		o    Output
		meta sql.NullString
		at   int64
	)
	err := r.Scan(&o.ID, &o.UserID, &o.Title, &o.Body, &o.Category, &o.SourceJobID, &meta, &at)
	if err != nil {
		return Output{}, err
	}
	o.MetaJSON = meta.String
	o.ProducedAt = fromMS(at)
	return o, nil
}
