// Package history persists per-user conversation turns and the per-user
// context preference.
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Turn is one recorded conversational unit. Turns are never mutated after
// they are stored.
type Turn struct {
	ID        int64
	UserID    int64
	Role      Role
	Content   string
	CreatedAt time.Time
}

// Store is the durable per-user turn log plus the context preference.
// Every method is atomic with respect to the others for a given user.
type Store interface {
	// RecordTurn appends a turn for userID.
	RecordTurn(ctx context.Context, userID int64, role Role, content string) error
	// FetchRecentTurns returns up to limit most recent turns, oldest first.
	FetchRecentTurns(ctx context.Context, userID int64, limit int) ([]Turn, error)
	// ClearHistory removes every turn for userID. It is idempotent.
	ClearHistory(ctx context.Context, userID int64) error
	// ContextPreference returns the stored flag or the store default.
	ContextPreference(ctx context.Context, userID int64) (bool, error)
	// SetContextPreference upserts the flag for userID.
	SetContextPreference(ctx context.Context, userID int64, enabled bool) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	// ErrEmptyContent is returned when a turn has no content after trimming.
	ErrEmptyContent = errors.New("turn content is empty")
	// ErrInvalidRole is returned for roles outside system/user/assistant.
	ErrInvalidRole = errors.New("turn role is invalid")
)

// StorageError reports a persistence failure. It is fatal to the exchange
// that triggered it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("history %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func validateTurn(role Role, content string) error {
	if !role.Valid() {
		return storageErr("record turn", fmt.Errorf("%w: %q", ErrInvalidRole, role))
	}
	if strings.TrimSpace(content) == "" {
		return storageErr("record turn", ErrEmptyContent)
	}
	return nil
}
