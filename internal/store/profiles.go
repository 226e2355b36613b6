package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertProfile inserts or replaces a user profile row.
func (s *Store) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles(user_id, display_name, active, agents_enabled, chat_id, last_seen_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   active = excluded.active,
		   agents_enabled = excluded.agents_enabled,
		   chat_id = excluded.chat_id,
		   last_seen_at = excluded.last_seen_at`,
		p.UserID, nullStr(p.DisplayName), boolInt(p.Active), boolInt(p.AgentsEnabled),
		p.ChatID, msOrNil(p.LastSeenAt),
	)
	return err
}

// GetProfile fetches a user profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, display_name, active, agents_enabled, chat_id, last_seen_at
		 FROM profiles WHERE user_id = ?`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

// ActiveProfiles lists users the daily scheduler sweeps.
func (s *Store) ActiveProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, display_name, active, agents_enabled, chat_id, last_seen_at
		 FROM profiles WHERE active = 1 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TouchLastSeen records user activity (used by diagnostics recency).
func (s *Store) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET last_seen_at = ? WHERE user_id = ?`,
		ms(at), userID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func scanProfile(r rowScanner) (Profile, error) {
	var (
		p        Profile
		name     sql.NullString
		act, agn int
		lastSeen sql.NullInt64
	)
	err := r.Scan(&p.UserID, &name, &act, &agn, &p.ChatID, &lastSeen)
	if err != nil {
		return Profile{}, err
	}
	p.DisplayName = name.String
	p.Active = act != 0
	p.AgentsEnabled = agn != 0
	p.LastSeenAt = fromNullMS(lastSeen)
	return p, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
