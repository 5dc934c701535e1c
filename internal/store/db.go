package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite connection holding the local projection of
// conversations, messages and attachments. It implements the row-fetch
// and write/command collaborators the gateways and stores consume.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// tsLayout is the fixed-width timestamp format used in every table.
// Fixed width keeps lexicographic string comparison identical to
// chronological order, which the keyset predicates rely on.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	if t.IsZero() {
		return time.Unix(0, 0).UTC().Format(tsLayout)
	}
	return t.UTC().Format(tsLayout)
}

func nowTS() string {
	return formatTS(time.Now())
}
