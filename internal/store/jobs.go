package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// InsertJob inserts a pending job. It returns created=false when a job for
// the same (user, session type, local day) already exists; concurrent
// schedulers racing on the same day land here instead of erroring.
func (s *Store) InsertJob(ctx context.Context, j Job) (created bool, err error) {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, user_id, session_type, status, local_day, scheduled_for, result_count, meta, created_at)
		 VALUES(?,?,?,?,?,?,0,?,?)
		 ON CONFLICT(user_id, session_type, local_day) DO NOTHING`,
		j.ID, j.UserID, string(j.SessionType), string(JobPending), j.LocalDay,
		ms(j.ScheduledFor), nullStr(j.MetaJSON), ms(j.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

// JobsForUserDay lists all jobs for one user on one local day.
func (s *Store) JobsForUserDay(ctx context.Context, userID, localDay string) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE user_id = ? AND local_day = ? ORDER BY scheduled_for`,
		userID, localDay,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DueJobs returns pending jobs whose trigger instant falls inside
// [now-lookback, now], oldest first, capped at limit. Jobs older than the
// lookback window are deliberately never resurrected.
func (s *Store) DueJobs(ctx context.Context, now time.Time, lookback time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs
		 WHERE status = ? AND scheduled_for >= ? AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC
		 LIMIT ?`,
		string(JobPending), ms(now.Add(-lookback)), ms(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ClaimJob atomically moves a pending job to running. It returns false when
// the job is gone or no longer pending (another claimer won).
func (s *Store) ClaimJob(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(JobRunning), ms(startedAt), id, string(JobPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteJob terminates a running job as completed. A zero result count with
// an empty output ref is the valid "nothing to report" outcome.
func (s *Store) CompleteJob(ctx context.Context, id string, at time.Time, resultCount int, outputRef string) error {
	return s.finishJob(ctx, id, JobCompleted, at, "", resultCount, outputRef)
}

// FailJob terminates a running job as failed with a reason.
func (s *Store) FailJob(ctx context.Context, id string, at time.Time, errMsg string) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return s.finishJob(ctx, id, JobFailed, at, errMsg, 0, "")
}

// SkipJob terminates a job as skipped (ineligibility, not an error).
// Unlike complete/fail it also accepts pending jobs, so ineligible work can
// be retired without a claim round-trip.
func (s *Store) SkipJob(ctx context.Context, id string, at time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, error_message = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(JobSkipped), ms(at), nullStr(reason), id, string(JobPending), string(JobRunning),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) finishJob(ctx context.Context, id string, st JobStatus, at time.Time, errMsg string, count int, ref string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, error_message = ?, result_count = ?, output_ref = ?
		 WHERE id = ? AND status = ?`,
		string(st), ms(at), nullStr(errMsg), count, nullStr(ref), id, string(JobRunning),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RecentJobs lists a user's newest jobs across days (diagnostics).
func (s *Store) RecentJobs(ctx context.Context, userID string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// PruneJobs deletes terminal jobs created before the cutoff. Running and
// pending jobs are never pruned.
func (s *Store) PruneJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE created_at < ? AND status IN (?, ?, ?)`,
		ms(before), string(JobCompleted), string(JobFailed), string(JobSkipped),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const jobCols = `id, user_id, session_type, status, local_day, scheduled_for,
	started_at, completed_at, error_message, result_count, output_ref, meta, created_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(r rowScanner) (Job, error) {
	var (
		j              Job
		st             string
		typ            string
		schedMS        int64
		createdMS      int64
		startedAt      sql.NullInt64
		completedAt    sql.NullInt64
		errMsg, ref, m sql.NullString
	)
	err := r.Scan(&j.ID, &j.UserID, &typ, &st, &j.LocalDay, &schedMS,
		&startedAt, &completedAt, &errMsg, &j.ResultCount, &ref, &m, &createdMS)
	if err != nil {
		return Job{}, err
	}
	j.SessionType = SessionType(typ)
	j.Status = JobStatus(st)
	j.ScheduledFor = fromMS(schedMS)
	j.CreatedAt = fromMS(createdMS)
	j.StartedAt = fromNullMS(startedAt)
	j.CompletedAt = fromNullMS(completedAt)
	j.ErrorMessage = errMsg.String
	j.OutputRef = ref.String
	j.MetaJSON = m.String
	return j, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
