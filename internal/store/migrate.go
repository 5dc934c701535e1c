package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/shipdesk/inboxsync/internal/store/migrations"
)

// MigrateResult reports the schema version after a Migrate call and
// whether any migration actually ran.
type MigrateResult struct {
	Version uint
	Changed bool
}

// Migrate brings the projection schema up to date from the embedded
// migration files. A dirty schema version is refused rather than
// repaired: the projection is a rebuildable cache, so the recovery
// path is to delete the database file and resync from the feed.
func (db *DB) Migrate() (*MigrateResult, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	if _, dirty, err := m.Version(); err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return nil, fmt.Errorf("read schema version: %w", err)
	} else if dirty {
		return nil, errors.New("projection schema is dirty; delete the database file and restart")
	}

	changed := true
	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		changed = false
	}

	version, _, _ := m.Version()
	return &MigrateResult{Version: version, Changed: changed}, nil
}
