package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"entitycore/pkg/domain"
)

// ConcurrentModificationCheck decorates an EntityStore with optimistic
// concurrency control. Loads share a read lock; commit validation together
// with the delegate commit, and discards, hold the write lock.
type ConcurrentModificationCheck struct {
	delegate domain.EntityStore
	versions *EntityStateVersions
	lock     sync.RWMutex
	logger   Logger
}

var _ domain.EntityStore = (*ConcurrentModificationCheck)(nil)

// CheckOption customises a ConcurrentModificationCheck.
type CheckOption func(*ConcurrentModificationCheck)

// WithCheckLogger sets the logger used for conflict reports.
func WithCheckLogger(logger Logger) CheckOption {
	return func(c *ConcurrentModificationCheck) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithVersions shares a version cache instead of creating one.
func WithVersions(versions *EntityStateVersions) CheckOption {
	return func(c *ConcurrentModificationCheck) {
		if versions != nil {
			c.versions = versions
		}
	}
}

// NewConcurrentModificationCheck wraps delegate.
func NewConcurrentModificationCheck(delegate domain.EntityStore, opts ...CheckOption) *ConcurrentModificationCheck {
	c := &ConcurrentModificationCheck{
		delegate: delegate,
		versions: NewEntityStateVersions(),
		logger:   noopLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Versions exposes the shared version cache.
func (c *ConcurrentModificationCheck) Versions() *EntityStateVersions { return c.versions }

// NewUnitOfWork opens a checked unit of work over a delegate unit of work.
func (c *ConcurrentModificationCheck) NewUnitOfWork(module *domain.Module, usecase domain.Usecase, now time.Time) (domain.EntityStoreUnitOfWork, error) {
	inner, err := c.delegate.NewUnitOfWork(module, usecase, now)
	if err != nil {
		return nil, err
	}
	return &checkedUnitOfWork{check: c, delegate: inner, loaded: make(map[domain.EntityReference]domain.EntityState)}, nil
}

func (c *ConcurrentModificationCheck) fetchVersion(uow domain.EntityStoreUnitOfWork) VersionFetcher {
	return func(ctx context.Context, ref domain.EntityReference) (string, error) {
		nested, err := c.delegate.NewUnitOfWork(uow.Module(), uow.Usecase(), uow.CurrentTime())
		if err != nil {
			return "", err
		}
		defer nested.Discard()
		return nested.VersionOf(ctx, ref)
	}
}

type checkedUnitOfWork struct {
	check    *ConcurrentModificationCheck
	delegate domain.EntityStoreUnitOfWork
	loaded   map[domain.EntityReference]domain.EntityState
	order    []domain.EntityState
	pending  *versionCommitter
	closed   bool
}

func (u *checkedUnitOfWork) Identity() string        { return u.delegate.Identity() }
func (u *checkedUnitOfWork) Usecase() domain.Usecase { return u.delegate.Usecase() }
func (u *checkedUnitOfWork) CurrentTime() time.Time  { return u.delegate.CurrentTime() }
func (u *checkedUnitOfWork) Module() *domain.Module  { return u.delegate.Module() }

func (u *checkedUnitOfWork) NewEntityState(ref domain.EntityReference, desc *domain.EntityDescriptor) (domain.EntityState, error) {
	if u.closed {
		return nil, domain.ErrUnitOfWorkClosed
	}
	return u.delegate.NewEntityState(ref, desc)
}

func (u *checkedUnitOfWork) EntityStateOf(ctx context.Context, module *domain.Module, ref domain.EntityReference) (domain.EntityState, error) {
	if u.closed {
		return nil, domain.ErrUnitOfWorkClosed
	}
	u.check.lock.RLock()
	defer u.check.lock.RUnlock()
	state, err := u.delegate.EntityStateOf(ctx, module, ref)
	if err != nil {
		return nil, err
	}
	if _, tracked := u.loaded[ref]; !tracked && state.Status() != domain.StatusNew {
		u.check.versions.RememberVersion(ref, state.Version())
		u.loaded[ref] = state
		u.order = append(u.order, state)
	}
	return state, nil
}

func (u *checkedUnitOfWork) VersionOf(ctx context.Context, ref domain.EntityReference) (string, error) {
	if u.closed {
		return "", domain.ErrUnitOfWorkClosed
	}
	return u.delegate.VersionOf(ctx, ref)
}

func (u *checkedUnitOfWork) ApplyChanges(ctx context.Context) (domain.StateCommitter, error) {
	if u.closed {
		return nil, domain.ErrUnitOfWorkClosed
	}
	u.closed = true

	c := u.check
	c.lock.Lock()
	if err := c.versions.CheckForConcurrentModification(ctx, u.order, c.fetchVersion(u.delegate)); err != nil {
		c.versions.ForgetVersions(u.order)
		c.lock.Unlock()
		var conflict *domain.ConcurrentModificationError
		if errors.As(err, &conflict) {
			c.logger.Info("concurrent modification detected", "uow", u.Identity(), "usecase", u.Usecase().Name, "references", conflict.References)
		}
		return nil, err
	}
	committer, err := u.delegate.ApplyChanges(ctx)
	if err != nil {
		c.versions.ForgetVersions(u.order)
		c.lock.Unlock()
		return nil, err
	}
	u.pending = &versionCommitter{
		delegate: committer,
		release: func() {
			c.versions.ForgetVersions(u.order)
			c.lock.Unlock()
		},
	}
	return u.pending, nil
}

func (u *checkedUnitOfWork) Discard() {
	if u.pending != nil {
		// Releases the write lock when neither Commit nor Cancel ran yet.
		u.pending.Cancel()
	} else if !u.closed || len(u.order) > 0 {
		c := u.check
		c.lock.Lock()
		c.versions.ForgetVersions(u.order)
		c.lock.Unlock()
	}
	u.closed = true
	u.order = nil
	u.delegate.Discard()
}

// versionCommitter releases the write lock and forgets loaded versions exactly
// once, on Commit or Cancel.
type versionCommitter struct {
	delegate domain.StateCommitter
	release  func()
	once     sync.Once
	closed   bool
}

func (v *versionCommitter) Commit(ctx context.Context) error {
	if v.closed {
		return domain.ErrCommitterClosed
	}
	v.closed = true
	defer v.once.Do(v.release)
	return v.delegate.Commit(ctx)
}

func (v *versionCommitter) Cancel() {
	if v.closed {
		return
	}
	v.closed = true
	defer v.once.Do(v.release)
	v.delegate.Cancel()
}
