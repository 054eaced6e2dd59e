// Package storedb opens SQLite databases and applies per-module
// migrations. Several modules may share one file; each tracks its own
// schema version in schema_migrations.
package storedb

import (
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jingkaihe/metaproxy/internal/errx"
)

type Migration struct {
	Version int
	Name    string
	SQL     string
}

type OpenOptions struct {
	Path       string
	Module     string
	Migrations []Migration
}

const bootstrapSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
  module TEXT NOT NULL,
  version INTEGER NOT NULL,
  name TEXT NOT NULL,
  applied_at TEXT NOT NULL,
  PRIMARY KEY (module, version)
);
`

// Open opens (creating if needed) the database at opts.Path and applies
// the migrations of opts.Module that have not run yet, in version order.
func Open(opts OpenOptions) (*sql.DB, error) {
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, errx.With(ErrOpen, ": create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(opts.Path))
	if err != nil {
		return nil, errx.With(ErrOpen, " %s: %w", opts.Path, err)
	}
	// One writer keeps SQLITE_BUSY away from concurrent sinks.
	db.SetMaxOpenConns(1)

	if err := migrate(db, opts.Module, opts.Migrations); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func migrate(db *sql.DB, module string, migrations []Migration) error {
	if _, err := db.Exec(bootstrapSQL); err != nil {
		return errx.With(ErrMigrate, ": bootstrap: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.Query(`SELECT version FROM schema_migrations WHERE module = ?`, module)
	if err != nil {
		return errx.With(ErrMigrate, ": read versions: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return errx.With(ErrMigrate, ": scan version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errx.With(ErrMigrate, ": iterate versions: %w", err)
	}

	pending := append([]Migration(nil), migrations...)
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		if applied[m.Version] {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return errx.With(ErrMigrate, ": begin %s/%d: %w", module, m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return errx.With(ErrMigrate, ": apply %s/%d %s: %w", module, m.Version, m.Name, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO schema_migrations(module, version, name, applied_at) VALUES (?, ?, ?, ?)`,
			module, m.Version, m.Name, time.Now().UTC().Format(time.RFC3339Nano),
		); err != nil {
			tx.Rollback()
			return errx.With(ErrMigrate, ": record %s/%d: %w", module, m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return errx.With(ErrMigrate, ": commit %s/%d: %w", module, m.Version, err)
		}
	}
	return nil
}
