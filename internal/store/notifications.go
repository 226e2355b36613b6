package store

import (
	"context"
	"database/sql"
	"time"
)

// InsertNotification creates a pending delivery intent for an output.
func (s *Store) InsertNotification(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Status == "" {
		n.Status = NotifPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, output_id, status, priority, created_at, expires_at)
		 VALUES(?,?,?,?,?,?,?)`,
		n.ID, n.UserID, n.OutputID, string(n.Status), n.Priority,
		ms(n.CreatedAt), ms(n.ExpiresAt),
	)
	return err
}

// ExpireNotifications retires pending notifications whose expiry has passed.
func (s *Store) ExpireNotifications(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ? WHERE status = ? AND expires_at <= ?`,
		string(NotifExpired), string(NotifPending), ms(now),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingNotifications lists live pending notifications, highest priority
// first, oldest first within a priority.
func (s *Store) PendingNotifications(ctx context.Context, now time.Time, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, output_id, status, priority, created_at, expires_at, sent_at
		 FROM notifications
		 WHERE status = ? AND expires_at > ?
		 ORDER BY priority DESC, created_at ASC
		 LIMIT ?`,
		string(NotifPending), ms(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountSentSince counts a user's notifications sent after the cutoff.
// The dispatcher uses it to enforce the rolling hourly budget.
func (s *Store) CountSentSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM notifications WHERE user_id = ? AND status = ? AND sent_at >= ?`,
		userID, string(NotifSent), ms(since),
	).Scan(&n)
	return n, err
}

// MarkNotificationSent transitions a pending notification to sent.
func (s *Store) MarkNotificationSent(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, sent_at = ? WHERE id = ? AND status = ?`,
		string(NotifSent), ms(at), id, string(NotifPending),
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RecentNotifications lists a user's newest notifications (diagnostics).
func (s *Store) RecentNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, output_id, status, priority, created_at, expires_at, sent_at
		 FROM notifications WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNotification(r rowScanner) (Notification, error) {
	var (
		n                    Notification
		st                   string
		createdMS, expiresMS int64
		sentAt               sql.NullInt64
	)
	err := r.Scan(&n.ID, &n.UserID, &n.OutputID, &st, &n.Priority, &createdMS, &expiresMS, &sentAt)
	if err != nil {
		return Notification{}, err
	}
	n.Status = NotificationStatus(st)
	n.CreatedAt = fromMS(createdMS)
	n.ExpiresAt = fromMS(expiresMS)
	n.SentAt = fromNullMS(sentAt)
	return n, nil
}
