package history

import (
	"context"
	"database/sql"
	"time"
)

// SQLiteStore keeps turns and preferences in the SQLite state database.
// The schema is created by db.InitSchema.
type SQLiteStore struct {
	DB             *sql.DB
	ContextDefault bool
}

// RecordTurn appends a turn. created_at is stored in unix milliseconds;
// ordering relies on the autoincrement id.
func (s *SQLiteStore) RecordTurn(ctx context.Context, userID int64, role Role, content string) error {
	if err := validateTurn(role, content); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO turns (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, string(role), content, time.Now().UTC().UnixMilli(),
	)
	return storageErr("record turn", err)
}

// FetchRecentTurns returns the most recent `limit` turns for the given user,
// ordered chronologically (oldest first).
func (s *SQLiteStore) FetchRecentTurns(ctx context.Context, userID int64, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, role, content, created_at FROM turns
		 WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, storageErr("fetch turns", err)
	}
	defer rows.Close()

	results := make([]Turn, 0, limit)
	for rows.Next() {
		var (
			t       Turn
			role    string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &role, &t.Content, &created); err != nil {
			return nil, storageErr("fetch turns", err)
		}
		t.Role = Role(role)
		t.CreatedAt = time.UnixMilli(created).UTC()
		results = append(results, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("fetch turns", err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	return results, nil
}

func (s *SQLiteStore) ClearHistory(ctx context.Context, userID int64) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM turns WHERE user_id = ?`, userID)
	return storageErr("clear history", err)
}

func (s *SQLiteStore) ContextPreference(ctx context.Context, userID int64) (bool, error) {
	var enabled bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT use_context FROM user_preferences WHERE user_id = ?`, userID,
	).Scan(&enabled)
	if err == sql.ErrNoRows {
		return s.ContextDefault, nil
	}
	if err != nil {
		return false, storageErr("read preference", err)
	}
	return enabled, nil
}

func (s *SQLiteStore) SetContextPreference(ctx context.Context, userID int64, enabled bool) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, use_context) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET use_context = excluded.use_context`,
		userID, enabled,
	)
	return storageErr("write preference", err)
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return storageErr("ping", s.DB.PingContext(ctx))
}

// Close is a no-op: the state database is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }
