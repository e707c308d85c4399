// Package sqlite provides a MapEntityStore backed by a single SQLite table
// holding one JSON document per entity.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/pkg/domain"
)

const defaultPath = "entitycore.db"

var _ mapstore.MapEntityStore = (*Store)(nil)

// Store persists entity documents in the entities table.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating when needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps BEGIN/COMMIT on one handle.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entities (
		reference TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create entities table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Get(ctx context.Context, ref domain.EntityReference) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM entities WHERE reference = ?`, string(ref)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.EntityNotFoundError{Reference: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", ref, err)
	}
	return payload, nil
}

func (s *Store) ApplyChanges(ctx context.Context, fn func(mapstore.MapChanger) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&changer{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) EntityStates(ctx context.Context, fn func(domain.EntityReference, []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT reference, payload FROM entities ORDER BY reference`)
	if err != nil {
		return fmt.Errorf("select entities: %w", err)
	}
	defer func() { _ = rows.Close() }()
	type raw struct {
		ref     string
		payload []byte
	}
	var raws []raw
	for rows.Next() {
		var r raw
		if err := rows.Scan(&r.ref, &r.payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		raws = append(raws, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate entities: %w", err)
	}
	// Rows are drained first so fn may use the store.
	_ = rows.Close()
	for _, r := range raws {
		if err := fn(domain.EntityReference(r.ref), r.payload); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

type changer struct {
	ctx context.Context
	tx  *sql.Tx
}

func (c *changer) NewEntity(ref domain.EntityReference, typeName string, data []byte) error {
	var exists int
	err := c.tx.QueryRowContext(c.ctx, `SELECT 1 FROM entities WHERE reference = ?`, string(ref)).Scan(&exists)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", domain.ErrEntityExists, ref)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup %s: %w", ref, err)
	}
	if _, err := c.tx.ExecContext(c.ctx, `INSERT INTO entities(reference,type,payload) VALUES(?,?,?)`, string(ref), typeName, data); err != nil {
		return fmt.Errorf("insert %s: %w", ref, err)
	}
	return nil
}

func (c *changer) UpdateEntity(ref domain.EntityReference, typeName string, data []byte) error {
	if _, err := c.tx.ExecContext(c.ctx, `INSERT INTO entities(reference,type,payload) VALUES(?,?,?) ON CONFLICT(reference) DO UPDATE SET type=excluded.type, payload=excluded.payload`, string(ref), typeName, data); err != nil {
		return fmt.Errorf("upsert %s: %w", ref, err)
	}
	return nil
}

func (c *changer) RemoveEntity(ref domain.EntityReference, _ string) error {
	if _, err := c.tx.ExecContext(c.ctx, `DELETE FROM entities WHERE reference = ?`, string(ref)); err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	return nil
}
