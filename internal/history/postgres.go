package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists turns and preferences in PostgreSQL.
type PostgresStore struct {
	pool           *pgxpool.Pool
	contextDefault bool
}

func NewPostgresStore(ctx context.Context, databaseURL string, contextDefault bool) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, storageErr("connect", fmt.Errorf("connect postgres: %w", err))
	}

	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, storageErr("init schema", err)
	}

	return &PostgresStore{pool: pool, contextDefault: contextDefault}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS turns (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
			content TEXT NOT NULL CHECK (length(btrim(content)) > 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_turns_user_id ON turns (user_id, id);`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			user_id BIGINT PRIMARY KEY,
			use_context BOOLEAN NOT NULL DEFAULT TRUE
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) RecordTurn(ctx context.Context, userID int64, role Role, content string) error {
	if err := validateTurn(role, content); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO turns (user_id, role, content) VALUES ($1, $2, $3)`,
		userID, string(role), content,
	)
	return storageErr("record turn", err)
}

func (s *PostgresStore) FetchRecentTurns(ctx context.Context, userID int64, limit int) ([]Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, role, content, created_at
		 FROM turns WHERE user_id = $1 ORDER BY id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, storageErr("fetch turns", fmt.Errorf("query recent turns: %w", err))
	}
	defer rows.Close()

	items := make([]Turn, 0, limit)
	for rows.Next() {
		var (
			t    Turn
			role string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &role, &t.Content, &t.CreatedAt); err != nil {
			return nil, storageErr("fetch turns", fmt.Errorf("scan turn row: %w", err))
		}
		t.Role = Role(role)
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("fetch turns", fmt.Errorf("iterate turn rows: %w", err))
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) ClearHistory(ctx context.Context, userID int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM turns WHERE user_id = $1`, userID)
	return storageErr("clear history", err)
}

func (s *PostgresStore) ContextPreference(ctx context.Context, userID int64) (bool, error) {
	var enabled bool
	err := s.pool.QueryRow(ctx,
		`SELECT use_context FROM user_preferences WHERE user_id = $1`, userID,
	).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.contextDefault, nil
	}
	if err != nil {
		return false, storageErr("read preference", err)
	}
	return enabled, nil
}

func (s *PostgresStore) SetContextPreference(ctx context.Context, userID int64, enabled bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO user_preferences (user_id, use_context) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET use_context = EXCLUDED.use_context`,
		userID, enabled,
	)
	return storageErr("write preference", err)
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return storageErr("ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
