// Package postgres provides a MapEntityStore that keeps one JSONB document per
// entity in a Postgres table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/pkg/domain"
)

var _ mapstore.MapEntityStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/entitycore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists entity documents in the entities table.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to
// defaultDSN) and ensures the entities table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureEntityTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureEntityTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS entities (
		reference TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure entities table: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, ref domain.EntityReference) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM entities WHERE reference = $1`, string(ref)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.EntityNotFoundError{Reference: ref}
	}
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", ref, err)
	}
	return payload, nil
}

// ApplyChanges runs every change in one transaction.
func (s *Store) ApplyChanges(ctx context.Context, fn func(mapstore.MapChanger) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&changer{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		committed = true
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) EntityStates(ctx context.Context, fn func(domain.EntityReference, []byte) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT reference, payload FROM entities ORDER BY reference`)
	if err != nil {
		return fmt.Errorf("select entities: %w", err)
	}
	type raw struct {
		ref     string
		payload []byte
	}
	var raws []raw
	for rows.Next() {
		var r raw
		if err := rows.Scan(&r.ref, &r.payload); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan entity: %w", err)
		}
		raws = append(raws, r)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return fmt.Errorf("iterate entities: %w", err)
	}
	for _, r := range raws {
		if err := fn(domain.EntityReference(r.ref), r.payload); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

type changer struct {
	ctx context.Context
	tx  *sql.Tx
}

func (c *changer) NewEntity(ref domain.EntityReference, typeName string, data []byte) error {
	var exists int
	err := c.tx.QueryRowContext(c.ctx, `SELECT 1 FROM entities WHERE reference = $1`, string(ref)).Scan(&exists)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", domain.ErrEntityExists, ref)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("lookup %s: %w", ref, err)
	}
	if _, err := c.tx.ExecContext(c.ctx, `INSERT INTO entities(reference,type,payload) VALUES($1,$2,$3)`, string(ref), typeName, data); err != nil {
		return fmt.Errorf("insert %s: %w", ref, err)
	}
	return nil
}

func (c *changer) UpdateEntity(ref domain.EntityReference, typeName string, data []byte) error {
	if _, err := c.tx.ExecContext(c.ctx, `INSERT INTO entities(reference,type,payload) VALUES($1,$2,$3) ON CONFLICT(reference) DO UPDATE SET type=EXCLUDED.type, payload=EXCLUDED.payload`, string(ref), typeName, data); err != nil {
		return fmt.Errorf("upsert %s: %w", ref, err)
	}
	return nil
}

func (c *changer) RemoveEntity(ref domain.EntityReference, _ string) error {
	if _, err := c.tx.ExecContext(c.ctx, `DELETE FROM entities WHERE reference = $1`, string(ref)); err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
