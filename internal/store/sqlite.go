package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Seednode/mindbinder/internal/tree"

	// Pure Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	path TEXT PRIMARY KEY,
	kind INTEGER NOT NULL,
	text TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	id      INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);`

// SQLite keeps one row per node, keyed by path. A commit is one transaction.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dsn.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open database", err)
	}

	// Pragmas are per connection, and writes are serialized by the tree
	// anyway.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, wrap("apply pragmas", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, wrap("create schema", err)
	}

	return &SQLite{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// DB returns the underlying *sql.DB for raw queries.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) Load(ctx context.Context) (*tree.Node, uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, wrap("load", err)
	}
	defer tx.Rollback()

	version, err := currentVersion(ctx, tx)
	if err != nil {
		return nil, 0, wrap("load", err)
	}
	if version == 0 {
		return nil, 0, ErrEmpty
	}

	rows, err := tx.QueryContext(ctx, `SELECT path, kind, text FROM nodes ORDER BY path`)
	if err != nil {
		return nil, 0, wrap("load", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.Path, &r.Kind, &r.Text); err != nil {
			return nil, 0, wrap("load", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap("load", err)
	}

	root, err := Build(records)
	if err != nil {
		return nil, 0, wrap("load", err)
	}

	return root, version, nil
}

func currentVersion(ctx context.Context, tx *sql.Tx) (uint64, error) {
	var version uint64

	err := tx.QueryRowContext(ctx, `SELECT version FROM meta WHERE id = 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return version, err
}

func (s *SQLite) Commit(ctx context.Context, m Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("commit", err)
	}
	defer tx.Rollback()

	version, err := currentVersion(ctx, tx)
	if err != nil {
		return wrap("commit", err)
	}
	if version != m.Base {
		return wrap("commit", fmt.Errorf("%w: stored %d, expected %d", ErrConflict, version, m.Base))
	}

	prefix := m.At.String()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM nodes WHERE substr(path, 1, ?) = ?`, len(prefix), prefix,
	); err != nil {
		return wrap("commit", err)
	}

	insert, err := tx.PrepareContext(ctx, `INSERT INTO nodes (path, kind, text) VALUES (?, ?, ?)`)
	if err != nil {
		return wrap("commit", err)
	}
	defer insert.Close()

	for _, r := range Flatten(m.At, m.Subtree) {
		if _, err := insert.ExecContext(ctx, r.Path, r.Kind, r.Text); err != nil {
			return wrap("commit", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (id, version) VALUES (1, ?)
		 ON CONFLICT (id) DO UPDATE SET version = excluded.version`, m.Version,
	); err != nil {
		return wrap("commit", err)
	}

	return wrap("commit", tx.Commit())
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
