package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Process events.
const (
	EventProcessStarted  = "process.started"
	EventProcessStopped  = "process.stopped"
	EventCircuitOpened   = "circuit.opened"
	EventCircuitHalfOpen = "circuit.half_open"
	EventCircuitClosed   = "circuit.closed"
)

// Exchange events.
const (
	EventExchangeStarted        = "exchange.started"
	EventExchangeCompleted      = "exchange.completed"
	EventExchangeFailed         = "exchange.failed"
	EventExchangeSkipped        = "exchange.skipped"
	EventContextAssembled       = "context.assembled"
	EventSpeechConverted        = "speech.converted"
	EventSpeechConversionFailed = "speech.conversion_failed"
	EventSpeechTranscribed      = "speech.transcribed"
	EventCompletionCompleted    = "completion.completed"
	EventCompletionFailed       = "completion.failed"
	EventReplySent              = "reply.sent"
	EventHistoryCleared         = "history.cleared"
	EventContextToggled         = "context.toggled"
)

// OpenDB opens (or creates) a SQLite database at the given path, ensuring
// that the parent directory exists.
func OpenDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates all tables: events, inbox, turns, user_preferences.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY,
			timestamp INTEGER NOT NULL DEFAULT (unixepoch()),
			parent_id INTEGER,
			event_type TEXT NOT NULL,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_parent_id ON events(parent_id);

		CREATE TABLE IF NOT EXISTS inbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			update_id INTEGER NOT NULL UNIQUE,
			user_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			received_at INTEGER NOT NULL DEFAULT (unixepoch())
		);

		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
			content TEXT NOT NULL CHECK (length(trim(content)) > 0),
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_turns_user_id ON turns(user_id, id);

		CREATE TABLE IF NOT EXISTS user_preferences (
			user_id INTEGER PRIMARY KEY,
			use_context INTEGER NOT NULL DEFAULT 1
		);
	`)
	return err
}

// DeriveOffset returns the next Telegram polling offset derived from the inbox table.
// Returns 0 if inbox is empty.
func DeriveOffset(database *sql.DB) (int64, error) {
	var offset int64
	err := database.QueryRow(`SELECT COALESCE(MAX(update_id) + 1, 0) FROM inbox`).Scan(&offset)
	return offset, err
}

// RecordUpdate stores an accepted update in the inbox. It reports false when
// the update was already recorded, so redelivered updates can be dropped.
func RecordUpdate(database *sql.DB, updateID, userID, chatID int64, kind string) (bool, error) {
	res, err := database.Exec(
		`INSERT OR IGNORE INTO inbox (update_id, user_id, chat_id, kind) VALUES (?, ?, ?, ?)`,
		updateID, userID, chatID, kind,
	)
	if err != nil {
		return false, fmt.Errorf("insert inbox update %d: %w", updateID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LogEvent inserts an event into the events table and returns its auto-generated id.
// parentID may be nil for root events. payload is serialized to JSON; nil payload stores NULL.
func LogEvent(db *sql.DB, parentID *int64, eventType string, payload map[string]any) (int64, error) {
	var payloadJSON any
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshal event payload: %w", err)
		}
		payloadJSON = string(data)
	}

	res, err := db.Exec(
		`INSERT INTO events (parent_id, event_type, payload) VALUES (?, ?, ?)`,
		parentID, eventType, payloadJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event %s: %w", eventType, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get event id: %w", err)
	}
	return id, nil
}

// Journal adapts the events table to the journaling interface used by the
// relay. A nil Journal or one without a database discards events.
type Journal struct {
	DB *sql.DB
}

// Log records an event and returns its id, or 0 when the event could not be
// stored. Journal failures never affect the caller.
func (j *Journal) Log(parentID int64, eventType string, payload map[string]any) int64 {
	if j == nil || j.DB == nil {
		return 0
	}
	var parent *int64
	if parentID > 0 {
		parent = &parentID
	}
	id, err := LogEvent(j.DB, parent, eventType, payload)
	if err != nil {
		return 0
	}
	return id
}
