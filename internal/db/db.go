// Package db opens the deckhand state database and applies its schema.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DefaultPath is the database location relative to the working directory.
var DefaultPath = filepath.Join(".deckhand", "deckhand.db")

//go:embed migrations/*.sql
var migrationsFS embed.FS

var pragmas = []struct {
	stmt     string
	optional bool
}{
	{"PRAGMA foreign_keys=ON;", false},
	{"PRAGMA busy_timeout=5000;", false},
	{"PRAGMA journal_mode=WAL;", true},
}

// Open opens (creating if needed) the SQLite database at path, applies
// connection pragmas and runs pending migrations.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// sqlite serializes writers; a single connection keeps pragmas in effect.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			if p.optional {
				log.Warn().Err(err).Str("pragma", p.stmt).Msg("sqlite: optional pragma not applied")
				continue
			}
			_ = conn.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p.stmt, err)
		}
	}

	if err := Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// Migrate brings the schema up to date.
func Migrate(conn *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(conn, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func SchemaVersion(conn *sql.DB) (int64, error) {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, fmt.Errorf("set goose dialect: %w", err)
	}
	v, err := goose.GetDBVersion(conn)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// NullString maps "" to SQL NULL.
func NullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

// Now returns the storage timestamp format used across tables.
func Now() string {
	return nowFunc().UTC().Format(timeLayout)
}
