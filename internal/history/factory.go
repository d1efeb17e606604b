package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Backend names accepted by NewStore.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Options selects and configures a Store backend.
type Options struct {
	Driver         string
	SQLite         *sql.DB
	DatabaseURL    string
	ContextDefault bool
}

// NewStore builds the backend named by opts.Driver. An empty driver selects
// SQLite.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverSQLite:
		if opts.SQLite == nil {
			return nil, fmt.Errorf("history: sqlite driver requires an open database")
		}
		return &SQLiteStore{DB: opts.SQLite, ContextDefault: opts.ContextDefault}, nil
	case DriverPostgres:
		if strings.TrimSpace(opts.DatabaseURL) == "" {
			return nil, fmt.Errorf("history: postgres driver requires DATABASE_URL")
		}
		return NewPostgresStore(ctx, opts.DatabaseURL, opts.ContextDefault)
	case DriverMemory:
		return NewMemoryStore(opts.ContextDefault), nil
	default:
		return nil, fmt.Errorf("history: unknown driver %q", opts.Driver)
	}
}
