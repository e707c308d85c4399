package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"

	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/internal/infra/persistence/mapstore/mapstoretest"
	"entitycore/internal/infra/persistence/postgres/testutil"
	"entitycore/pkg/domain"
	guard "entitycore/testutil"
)

func newStubStore(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore(context.Background(), "")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, conn
}

func TestNewStoreCreatesEntityTable(t *testing.T) {
	_, conn := newStubStore(t)
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS ENTITIES") {
			sawDDL = true
			break
		}
	}
	if !sawDDL {
		t.Fatalf("expected entities DDL to be applied, got execs: %v", conn.Execs)
	}
}

func TestStubStoreContract(t *testing.T) {
	store, _ := newStubStore(t)
	mapstoretest.Run(t, store)
}

func TestNewStoreSurfacesOpenAndPingErrors(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("no driver") })
	_, err := NewStore(context.Background(), "postgres://example")
	restore()
	if err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}

	db, conn := testutil.NewStubDB()
	conn.FailExec = true
	restore = OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	_, err = NewStore(context.Background(), "postgres://example")
	if err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestApplyChangesRollsBackOnCommitFailure(t *testing.T) {
	store, conn := newStubStore(t)
	conn.FailCommit = true
	err := store.ApplyChanges(context.Background(), func(ch mapstore.MapChanger) error {
		return ch.NewEntity("order-1", "Order", mapstoretest.Document("order-1", "v1"))
	})
	if err == nil {
		t.Fatalf("expected commit failure")
	}
	conn.FailCommit = false
	if _, err := store.Get(context.Background(), "order-1"); !errors.Is(err, domain.ErrEntityNotFound) {
		t.Fatalf("expected nothing persisted, got %v", err)
	}
}

func TestPostgresContract(t *testing.T) {
	dsn := os.Getenv("ENTITYCORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ENTITYCORE_TEST_POSTGRES_DSN not set")
	}
	store, err := NewStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.DB().Exec(`DELETE FROM entities WHERE reference LIKE 'contract-%'`); err != nil {
		t.Fatalf("reset: %v", err)
	}
	mapstoretest.Run(t, store)
}

func TestPostgresStoreDependsOnlyOnMapStore(t *testing.T) {
	guard.AssertNoDirectImports(t, ".", guard.EngineImportForbidden, "backends must not depend on the unit-of-work engine")
}
