// Package catalog is the embedded, per-run bookkeeping store. A pgclone
// run keeps three of these side by side in its working directory —
// source.db, filters.db and target.db — rather than a shared control-plane
// database, so that a run's state travels with its working directory and
// needs no reachable Postgres instance to inspect.
//
// It is backed by modernc.org/sqlite (a cgo-free database/sql driver),
// following the corpus convention of embedding a small relational store
// for local bookkeeping rather than hand-rolling a key-value file format.
package catalog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"
)

// Catalog wraps one SQLite-backed bookkeeping file.
type Catalog struct {
	db     *sql.DB
	logger zerolog.Logger
	path   string
}

// Open opens (creating if absent) the catalog file at path and applies any
// migrations not yet recorded in schema_migrations.
func Open(path string, logger zerolog.Logger) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer file, avoid SQLITE_BUSY from our own pool
	c := &Catalog{db: db, logger: logger.With().Str("catalog", path).Logger(), path: path}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) migrate() error {
	if _, err := c.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := c.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := c.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		c.logger.Debug().Int("version", m.version).Str("name", m.name).Msg("applied catalog migration")
	}
	return nil
}

// DB exposes the underlying handle for packages that need bespoke queries
// (catalog.Tables, catalog.Sentinel, …) without this package growing an
// accessor per column.
func (c *Catalog) DB() *sql.DB { return c.db }

// Close closes the underlying database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// Path returns the file path this catalog was opened from.
func (c *Catalog) Path() string { return c.path }

// Set is the group of three catalogs a pgclone run operates against: the
// source schema inventory, the active filter rules, and target-side state.
type Set struct {
	Source  *Catalog
	Filters *Catalog
	Target  *Catalog
}

// OpenSet opens source.db, filters.db and target.db under dir.
func OpenSet(dir string, logger zerolog.Logger) (*Set, error) {
	src, err := Open(dir+"/source.db", logger)
	if err != nil {
		return nil, err
	}
	flt, err := Open(dir+"/filters.db", logger)
	if err != nil {
		src.Close()
		return nil, err
	}
	tgt, err := Open(dir+"/target.db", logger)
	if err != nil {
		src.Close()
		flt.Close()
		return nil, err
	}
	return &Set{Source: src, Filters: flt, Target: tgt}, nil
}

// Close closes all three catalogs, collecting the first error encountered.
func (s *Set) Close() error {
	var first error
	for _, c := range []*Catalog{s.Source, s.Filters, s.Target} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
