package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"entitycore/pkg/domain"
)

func TestConcurrentUpdateOfSameEntityConflicts(t *testing.T) {
	f := newFixture(t)
	if version := f.seedOrder(t, "order-1"); version != "v1" {
		t.Fatalf("expected seeded version v1, got %q", version)
	}

	t1 := f.open(t)
	first := mustGet(t, t1, "order-1")
	t2 := f.open(t)
	second := mustGet(t, t2, "order-1")
	if first.Version() != "v1" || second.Version() != "v1" {
		t.Fatalf("expected both sessions to load v1, got %q and %q", first.Version(), second.Version())
	}

	if err := second.Set("total", int64(5)); err != nil {
		t.Fatalf("set total: %v", err)
	}
	if err := t2.Complete(context.Background()); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	if err := first.Set("total", int64(7)); err != nil {
		t.Fatalf("set total: %v", err)
	}
	err := t1.Complete(context.Background())
	requireConflict(t, err, "order-1")
	if t1.IsOpen() {
		t.Fatalf("expected conflicting unit of work to be discarded")
	}

	check := f.open(t)
	defer check.Discard()
	if got := mustGet(t, check, "order-1").Get("total"); got != int64(5) {
		t.Fatalf("expected stored total 5, got %v", got)
	}
}

func TestReadOnlyLoadOfStaleEntityConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")
	f.seedOrder(t, "order-2")

	reader := f.open(t)
	mustGet(t, reader, "order-1")

	writer := f.open(t)
	if err := mustGet(t, writer, "order-1").Set("note", "rush"); err != nil {
		t.Fatalf("set note: %v", err)
	}
	if err := writer.Complete(context.Background()); err != nil {
		t.Fatalf("writer commit: %v", err)
	}

	if err := mustGet(t, reader, "order-2").Set("note", "late"); err != nil {
		t.Fatalf("set note: %v", err)
	}
	err := reader.Complete(context.Background())
	requireConflict(t, err, "order-1")
	var conflict *domain.ConcurrentModificationError
	errors.As(err, &conflict)
	if conflict.Contains("order-2") {
		t.Fatalf("order-2 was not modified concurrently: %v", conflict.References)
	}
}

func TestNewEntityCommitSkipsConflictCheck(t *testing.T) {
	f := newFixture(t)
	uow := f.open(t)
	if _, err := uow.NewEntity("order-9", "Order", func(e *Entity) error {
		return e.Set("code", "ord-9")
	}); err != nil {
		t.Fatalf("new entity: %v", err)
	}
	if err := uow.Complete(context.Background()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if f.check.Versions().Len() != 0 {
		t.Fatalf("expected empty version cache, got %d entries", f.check.Versions().Len())
	}
	if f.storedVersion(t, "order-9") == "" {
		t.Fatalf("expected stored version")
	}
}

func TestDiscardForgetsLoadedVersions(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")

	uow := f.open(t)
	mustGet(t, uow, "order-1")
	if version, ok := f.check.Versions().Version("order-1"); !ok || version != "v1" {
		t.Fatalf("expected cached v1, got %q (%v)", version, ok)
	}
	uow.Discard()
	if _, ok := f.check.Versions().Version("order-1"); ok {
		t.Fatalf("expected version cache entry to be removed on discard")
	}
}

func TestCompleteForgetsLoadedVersions(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")

	uow := f.open(t)
	if err := mustGet(t, uow, "order-1").Set("status", "open"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := uow.Complete(context.Background()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if f.check.Versions().Len() != 0 {
		t.Fatalf("expected empty version cache after commit")
	}
}

func TestConcurrentRemovalCountsAsConflict(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")

	editor := f.open(t)
	edited := mustGet(t, editor, "order-1")

	remover := f.open(t)
	if err := remover.Remove(mustGet(t, remover, "order-1")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := remover.Complete(context.Background()); err != nil {
		t.Fatalf("remover commit: %v", err)
	}

	if err := edited.Set("total", int64(3)); err != nil {
		t.Fatalf("set total: %v", err)
	}
	requireConflict(t, editor.Complete(context.Background()), "order-1")
}

func TestSequentialUnitsOfWorkDoNotConflict(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")
	for i := int64(1); i <= 3; i++ {
		uow := f.open(t)
		if err := mustGet(t, uow, "order-1").Set("total", i); err != nil {
			t.Fatalf("set total: %v", err)
		}
		if err := uow.Complete(context.Background()); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}
}

func TestConflictDoesNotLeaveStoreLocked(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")

	stale := f.open(t)
	mustGet(t, stale, "order-1")
	fresh := f.open(t)
	if err := mustGet(t, fresh, "order-1").Set("total", int64(1)); err != nil {
		t.Fatalf("set total: %v", err)
	}
	if err := fresh.Complete(context.Background()); err != nil {
		t.Fatalf("fresh commit: %v", err)
	}
	requireConflict(t, stale.Complete(context.Background()), "order-1")

	requireReleased(t, loadInBackground(t, f, "order-1"))
}

// openStoreUnitOfWork opens a checked store-level unit of work, bypassing the
// application layer so lock hand-off can be observed directly.
func openStoreUnitOfWork(t *testing.T, f *fixture) domain.EntityStoreUnitOfWork {
	t.Helper()
	uow, err := f.check.NewUnitOfWork(f.module, domain.DefaultUsecase, time.Now())
	if err != nil {
		t.Fatalf("open store unit of work: %v", err)
	}
	return uow
}

// loadInBackground loads ref in a new store unit of work and reports once the
// read lock was obtained.
func loadInBackground(t *testing.T, f *fixture, ref domain.EntityReference) <-chan error {
	uow := openStoreUnitOfWork(t, f)
	done := make(chan error, 1)
	go func() {
		defer uow.Discard()
		_, err := uow.EntityStateOf(context.Background(), f.module, ref)
		done <- err
	}()
	return done
}

func requireBlocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("expected load to wait for the write lock, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func requireReleased(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("load: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("write lock was not released")
	}
}

func TestApplyChangesHoldsWriteLockUntilCommit(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")

	uow := openStoreUnitOfWork(t, f)
	if _, err := uow.EntityStateOf(context.Background(), f.module, "order-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	committer, err := uow.ApplyChanges(context.Background())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	done := loadInBackground(t, f, "order-1")
	requireBlocked(t, done)
	if err := committer.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}
	requireReleased(t, done)
	if err := committer.Commit(context.Background()); !errors.Is(err, domain.ErrCommitterClosed) {
		t.Fatalf("expected closed committer, got %v", err)
	}
	uow.Discard()
}

func TestCancelReleasesWriteLock(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")

	uow := openStoreUnitOfWork(t, f)
	if _, err := uow.EntityStateOf(context.Background(), f.module, "order-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	committer, err := uow.ApplyChanges(context.Background())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	done := loadInBackground(t, f, "order-1")
	requireBlocked(t, done)
	committer.Cancel()
	requireReleased(t, done)
	committer.Cancel()
	uow.Discard()
	if f.check.Versions().Len() != 0 {
		t.Fatalf("expected versions to be forgotten on cancel")
	}
}

func TestDiscardAfterApplyChangesReleasesWriteLock(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")

	uow := openStoreUnitOfWork(t, f)
	if _, err := uow.EntityStateOf(context.Background(), f.module, "order-1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := uow.ApplyChanges(context.Background()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	done := loadInBackground(t, f, "order-1")
	requireBlocked(t, done)
	uow.Discard()
	requireReleased(t, done)
}

func TestClosedStoreUnitOfWorkRejectsCalls(t *testing.T) {
	f := newFixture(t)
	uow := openStoreUnitOfWork(t, f)
	uow.Discard()
	if _, err := uow.EntityStateOf(context.Background(), f.module, "order-1"); !errors.Is(err, domain.ErrUnitOfWorkClosed) {
		t.Fatalf("expected closed error from load, got %v", err)
	}
	if _, err := uow.ApplyChanges(context.Background()); !errors.Is(err, domain.ErrUnitOfWorkClosed) {
		t.Fatalf("expected closed error from apply, got %v", err)
	}
}

type failingApplyStore struct {
	domain.EntityStore
	err error
}

func (s failingApplyStore) NewUnitOfWork(module *domain.Module, usecase domain.Usecase, now time.Time) (domain.EntityStoreUnitOfWork, error) {
	inner, err := s.EntityStore.NewUnitOfWork(module, usecase, now)
	if err != nil {
		return nil, err
	}
	return failingApplyUnitOfWork{EntityStoreUnitOfWork: inner, err: s.err}, nil
}

type failingApplyUnitOfWork struct {
	domain.EntityStoreUnitOfWork
	err error
}

func (u failingApplyUnitOfWork) ApplyChanges(context.Context) (domain.StateCommitter, error) {
	return nil, u.err
}

func TestDelegateApplyErrorReleasesWriteLock(t *testing.T) {
	f := newFixture(t)
	f.seedOrder(t, "order-1")
	boom := errors.New("disk full")
	check := NewConcurrentModificationCheck(failingApplyStore{EntityStore: f.check.delegate, err: boom}, WithVersions(f.check.Versions()))
	factory := NewUnitOfWorkFactory(check, f.module, nil, nil)

	uow, err := factory.NewUnitOfWork(context.Background(), domain.Usecase{Name: "failing"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := mustGet(t, uow, "order-1").Set("total", int64(2)); err != nil {
		t.Fatalf("set total: %v", err)
	}
	if err := uow.Complete(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected delegate error, got %v", err)
	}
	if check.Versions().Len() != 0 {
		t.Fatalf("expected versions to be forgotten after failed apply")
	}

	probe, err := factory.NewUnitOfWork(context.Background(), domain.Usecase{Name: "probe"})
	if err != nil {
		t.Fatalf("open probe: %v", err)
	}
	defer probe.Discard()
	done := make(chan error, 1)
	go func() {
		_, err := probe.Get(context.Background(), "order-1")
		done <- err
	}()
	requireReleased(t, done)
}

func TestConflictIsLoggedByCheck(t *testing.T) {
	f := newFixture(t)
	logger := &captureLogger{}
	f.check.logger = logger
	f.seedOrder(t, "order-1")

	stale := f.open(t)
	mustGet(t, stale, "order-1")
	fresh := f.open(t)
	if err := mustGet(t, fresh, "order-1").Set("total", int64(1)); err != nil {
		t.Fatalf("set total: %v", err)
	}
	if err := fresh.Complete(context.Background()); err != nil {
		t.Fatalf("fresh commit: %v", err)
	}
	requireConflict(t, stale.Complete(context.Background()), "order-1")
	if !logger.has("i:concurrent modification detected") {
		t.Fatalf("expected conflict log entry, got %v", logger.calls)
	}
}
