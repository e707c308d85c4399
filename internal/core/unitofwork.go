package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"entitycore/pkg/domain"
	"entitycore/pkg/property"
)

// CompletionStatus is reported to AfterCompletion callbacks.
type CompletionStatus string

const (
	Completed CompletionStatus = "completed"
	Discarded CompletionStatus = "discarded"
)

// UnitOfWorkCallback observes the end of a unit of work. A BeforeCompletion
// error aborts Complete and discards the unit of work.
type UnitOfWorkCallback interface {
	BeforeCompletion(ctx context.Context) error
	AfterCompletion(status CompletionStatus)
}

// CallbackFuncs adapts plain functions to UnitOfWorkCallback. Either field may
// be nil.
type CallbackFuncs struct {
	Before func(ctx context.Context) error
	After  func(status CompletionStatus)
}

func (c CallbackFuncs) BeforeCompletion(ctx context.Context) error {
	if c.Before == nil {
		return nil
	}
	return c.Before(ctx)
}

func (c CallbackFuncs) AfterCompletion(status CompletionStatus) {
	if c.After != nil {
		c.After(status)
	}
}

// Entity is an entity instance bound to the unit of work that created or
// loaded it. Property access goes through the embedded state holder.
type Entity struct {
	*property.EntityStateHolder
	uow *UnitOfWork
}

func (e *Entity) Reference() domain.EntityReference { return e.State().Reference() }
func (e *Entity) Type() string                      { return e.State().Descriptor().Type }
func (e *Entity) Status() domain.EntityStatus       { return e.State().Status() }
func (e *Entity) Version() string                   { return e.State().Version() }

// UnitOfWorkFactory opens application units of work against one store.
type UnitOfWorkFactory struct {
	store  domain.EntityStore
	module *domain.Module
	clock  Clock
	logger Logger
	rules  *RulesEngine
}

// NewUnitOfWorkFactory returns a factory over store. A nil clock uses the
// system clock and a nil logger discards output.
func NewUnitOfWorkFactory(store domain.EntityStore, module *domain.Module, clock Clock, logger Logger) *UnitOfWorkFactory {
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &UnitOfWorkFactory{store: store, module: module, clock: clock, logger: logger}
}

// Module returns the module units of work resolve entity types through.
func (f *UnitOfWorkFactory) Module() *domain.Module { return f.module }

// NewUnitOfWork opens a session. An unnamed usecase becomes
// domain.DefaultUsecase.
func (f *UnitOfWorkFactory) NewUnitOfWork(ctx context.Context, usecase domain.Usecase) (*UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if usecase.Name == "" {
		usecase = domain.DefaultUsecase
	}
	inner, err := f.store.NewUnitOfWork(f.module, usecase, f.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("open store unit of work: %w", err)
	}
	f.logger.Debug("unit of work opened", "uow", inner.Identity(), "usecase", usecase.Name)
	uow := &UnitOfWork{
		store:    inner,
		module:   f.module,
		logger:   f.logger,
		entities: make(map[domain.EntityReference]*Entity),
	}
	if f.rules != nil {
		uow.AddCallback(f.rules.Callback(uow))
	}
	return uow, nil
}

// WithRules evaluates engine before every unit of work the factory opens
// completes.
func (f *UnitOfWorkFactory) WithRules(engine *RulesEngine) *UnitOfWorkFactory {
	f.rules = engine
	return f
}

// UnitOfWork groups entity reads and writes for an all-or-nothing Complete or
// a Discard. It is not safe for concurrent use.
type UnitOfWork struct {
	store     domain.EntityStoreUnitOfWork
	module    *domain.Module
	logger    Logger
	entities  map[domain.EntityReference]*Entity
	callbacks []UnitOfWorkCallback
	closed    bool
}

func (u *UnitOfWork) Identity() string        { return u.store.Identity() }
func (u *UnitOfWork) Usecase() domain.Usecase { return u.store.Usecase() }
func (u *UnitOfWork) CurrentTime() time.Time  { return u.store.CurrentTime() }
func (u *UnitOfWork) Module() *domain.Module  { return u.module }

// IsOpen reports whether Complete or Discard has not run yet.
func (u *UnitOfWork) IsOpen() bool { return !u.closed }

// AddCallback registers cb for this unit of work's completion.
func (u *UnitOfWork) AddCallback(cb UnitOfWorkCallback) {
	if cb != nil {
		u.callbacks = append(u.callbacks, cb)
	}
}

// NewEntity creates a NEW entity of typeName. An empty ref gets a random
// identity. build runs during the builder phase, when immutable properties can
// still be assigned; constraint violations left at the end of it fail the
// call and the state is dropped from the unit of work.
func (u *UnitOfWork) NewEntity(ref domain.EntityReference, typeName string, build func(*Entity) error) (*Entity, error) {
	if u.closed {
		return nil, domain.ErrUnitOfWorkClosed
	}
	if ref == "" {
		ref = domain.EntityReference(uuid.NewString())
	}
	desc, err := u.module.EntityDescriptor(typeName)
	if err != nil {
		return nil, err
	}
	state, err := u.store.NewEntityState(ref, desc)
	if err != nil {
		return nil, err
	}
	holder, err := property.NewEntityStateHolder(state)
	if err != nil {
		state.Remove()
		return nil, err
	}
	entity := &Entity{EntityStateHolder: holder, uow: u}
	holder.PrepareToBuild()
	if build != nil {
		err = build(entity)
	}
	if freezeErr := holder.PrepareBuilderState(); err == nil {
		err = freezeErr
	}
	if err != nil {
		state.Remove()
		return nil, fmt.Errorf("build %s %s: %w", typeName, ref, err)
	}
	u.entities[ref] = entity
	return entity, nil
}

// Get returns the entity for ref, loading it on first use. Missing and removed
// entities yield a *domain.NoSuchEntityError.
func (u *UnitOfWork) Get(ctx context.Context, ref domain.EntityReference) (*Entity, error) {
	if u.closed {
		return nil, domain.ErrUnitOfWorkClosed
	}
	if entity, ok := u.entities[ref]; ok {
		if entity.Status() == domain.StatusRemoved {
			return nil, u.noSuchEntity(ref)
		}
		return entity, nil
	}
	state, err := u.store.EntityStateOf(ctx, u.module, ref)
	if errors.Is(err, domain.ErrEntityNotFound) {
		return nil, u.noSuchEntity(ref)
	}
	if err != nil {
		return nil, err
	}
	if state.Status() == domain.StatusRemoved {
		return nil, u.noSuchEntity(ref)
	}
	holder, err := property.NewEntityStateHolder(state)
	if err != nil {
		return nil, domain.NewEntityStoreError("load", ref, err)
	}
	entity := &Entity{EntityStateHolder: holder, uow: u}
	u.entities[ref] = entity
	return entity, nil
}

func (u *UnitOfWork) noSuchEntity(ref domain.EntityReference) error {
	return &domain.NoSuchEntityError{Reference: ref, Usecase: u.Usecase().Name}
}

// Exists reports whether ref resolves to an entity that is not removed.
func (u *UnitOfWork) Exists(ctx context.Context, ref domain.EntityReference) (bool, error) {
	_, err := u.Get(ctx, ref)
	if errors.Is(err, domain.ErrEntityNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Changes lists the entities that Complete would create, update or remove,
// ordered by reference.
func (u *UnitOfWork) Changes() []EntityChange {
	refs := slices.Sorted(maps.Keys(u.entities))
	var changes []EntityChange
	for _, ref := range refs {
		state := u.entities[ref].State()
		switch state.Status() {
		case domain.StatusNew, domain.StatusUpdated, domain.StatusRemoved:
			changes = append(changes, EntityChange{
				Reference: ref,
				Type:      state.Descriptor().Type,
				Status:    state.Status(),
				State:     state,
			})
		}
	}
	return changes
}

// Remove schedules entity for deletion on Complete.
func (u *UnitOfWork) Remove(entity *Entity) error {
	if u.closed {
		return domain.ErrUnitOfWorkClosed
	}
	if entity == nil {
		return errors.New("remove: nil entity")
	}
	if entity.uow != u {
		return fmt.Errorf("remove %s: entity belongs to another unit of work", entity.Reference())
	}
	entity.State().Remove()
	return nil
}

// Complete runs the before-completion callbacks, validates and applies the
// changes, and commits them. Any failure discards the unit of work; a
// *domain.ConcurrentModificationError means the whole unit of work should be
// retried.
func (u *UnitOfWork) Complete(ctx context.Context) error {
	if u.closed {
		return domain.ErrUnitOfWorkClosed
	}
	for _, cb := range u.callbacks {
		if err := u.beforeCompletion(ctx, cb); err != nil {
			u.discard()
			return fmt.Errorf("before completion: %w", err)
		}
	}
	committer, err := u.store.ApplyChanges(ctx)
	if err != nil {
		u.discard()
		return err
	}
	if err := committer.Commit(ctx); err != nil {
		committer.Cancel()
		u.discard()
		return err
	}
	u.closed = true
	u.store.Discard()
	u.entities = nil
	u.logger.Debug("unit of work completed", "uow", u.Identity(), "usecase", u.Usecase().Name)
	u.afterCompletion(Completed)
	return nil
}

// Discard drops every change. It is safe to call more than once and after
// Complete.
func (u *UnitOfWork) Discard() {
	if u.closed {
		return
	}
	u.discard()
}

func (u *UnitOfWork) discard() {
	u.closed = true
	u.store.Discard()
	u.entities = nil
	u.logger.Debug("unit of work discarded", "uow", u.Identity(), "usecase", u.Usecase().Name)
	u.afterCompletion(Discarded)
}

func (u *UnitOfWork) beforeCompletion(ctx context.Context, cb UnitOfWorkCallback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return cb.BeforeCompletion(ctx)
}

func (u *UnitOfWork) afterCompletion(status CompletionStatus) {
	for _, cb := range u.callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					u.logger.Warn("after completion callback panicked", "uow", u.Identity(), "status", string(status), "panic", r)
				}
			}()
			cb.AfterCompletion(status)
		}()
	}
}
