package mapstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"entitycore/pkg/domain"
)

// Store adapts a MapEntityStore to domain.EntityStore. Each unit of work gets
// a random identity which also becomes the version of every state it writes.
type Store struct {
	backend  MapEntityStore
	identity func() string
}

var _ domain.EntityStore = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithIdentityGenerator replaces the uuid based unit-of-work identities.
func WithIdentityGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.identity = fn
		}
	}
}

func New(backend MapEntityStore, opts ...Option) *Store {
	s := &Store{backend: backend, identity: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the wrapped MapEntityStore.
func (s *Store) Backend() MapEntityStore { return s.backend }

func (s *Store) NewUnitOfWork(module *domain.Module, usecase domain.Usecase, now time.Time) (domain.EntityStoreUnitOfWork, error) {
	if module == nil {
		return nil, errors.New("mapstore: module is required")
	}
	return &unitOfWork{
		store:    s,
		identity: s.identity(),
		usecase:  usecase,
		now:      now,
		module:   module,
		states:   make(map[domain.EntityReference]*trackedState),
	}, nil
}

type trackedState struct {
	state   *domain.DefaultEntityState
	created bool
}

type unitOfWork struct {
	store    *Store
	identity string
	usecase  domain.Usecase
	now      time.Time
	module   *domain.Module
	states   map[domain.EntityReference]*trackedState
	order    []domain.EntityReference
	closed   bool
}

func (u *unitOfWork) Identity() string        { return u.identity }
func (u *unitOfWork) Usecase() domain.Usecase { return u.usecase }
func (u *unitOfWork) CurrentTime() time.Time  { return u.now }
func (u *unitOfWork) Module() *domain.Module  { return u.module }

func (u *unitOfWork) track(state *domain.DefaultEntityState, created bool) {
	u.states[state.Reference()] = &trackedState{state: state, created: created}
	u.order = append(u.order, state.Reference())
}

func (u *unitOfWork) NewEntityState(ref domain.EntityReference, desc *domain.EntityDescriptor) (domain.EntityState, error) {
	if u.closed {
		return nil, domain.ErrUnitOfWorkClosed
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, fmt.Errorf("new entity %s: missing descriptor", ref)
	}
	if tracked, exists := u.states[ref]; exists {
		// A state created and removed here was never stored, so ref is free.
		if !tracked.created || tracked.state.Status() != domain.StatusRemoved {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateEntity, ref)
		}
		tracked.state = domain.NewEntityState(ref, desc, u.now)
		return tracked.state, nil
	}
	state := domain.NewEntityState(ref, desc, u.now)
	u.track(state, true)
	return state, nil
}

func (u *unitOfWork) EntityStateOf(ctx context.Context, module *domain.Module, ref domain.EntityReference) (domain.EntityState, error) {
	if u.closed {
		return nil, domain.ErrUnitOfWorkClosed
	}
	if tracked, ok := u.states[ref]; ok {
		return tracked.state, nil
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	data, err := u.store.backend.Get(ctx, ref)
	if err != nil {
		return nil, domain.NewEntityStoreError("load", ref, err)
	}
	if module == nil {
		module = u.module
	}
	state, err := DecodeState(module, data)
	if err != nil {
		return nil, domain.NewEntityStoreError("decode", ref, err)
	}
	u.track(state, false)
	return state, nil
}

func (u *unitOfWork) VersionOf(ctx context.Context, ref domain.EntityReference) (string, error) {
	if u.closed {
		return "", domain.ErrUnitOfWorkClosed
	}
	data, err := u.store.backend.Get(ctx, ref)
	if err != nil {
		return "", domain.NewEntityStoreError("version", ref, err)
	}
	version, err := DecodeVersion(data)
	if err != nil {
		return "", domain.NewEntityStoreError("version", ref, err)
	}
	return version, nil
}

// ApplyChanges serializes every NEW, UPDATED and REMOVED state. Nothing reaches
// the backend until the returned committer's Commit.
func (u *unitOfWork) ApplyChanges(_ context.Context) (domain.StateCommitter, error) {
	if u.closed {
		return nil, domain.ErrUnitOfWorkClosed
	}
	u.closed = true

	c := &committer{backend: u.store.backend, version: u.identity, modified: u.now}
	for _, ref := range u.order {
		tracked := u.states[ref]
		state := tracked.state
		typeName := state.Descriptor().Type
		switch state.Status() {
		case domain.StatusNew, domain.StatusUpdated:
			data, err := EncodeState(state, u.identity, u.now)
			if err != nil {
				return nil, domain.NewEntityStoreError("encode", ref, err)
			}
			kind := ChangeUpdate
			if tracked.created {
				kind = ChangeNew
			}
			c.changes = append(c.changes, Change{Kind: kind, Reference: ref, Type: typeName, Data: data})
			c.written = append(c.written, state)
		case domain.StatusRemoved:
			if tracked.created {
				continue
			}
			c.changes = append(c.changes, Change{Kind: ChangeRemove, Reference: ref, Type: typeName})
		}
	}
	return c, nil
}

func (u *unitOfWork) Discard() {
	u.closed = true
	u.states = make(map[domain.EntityReference]*trackedState)
	u.order = nil
}

type committer struct {
	backend  MapEntityStore
	version  string
	modified time.Time
	changes  []Change
	written  []*domain.DefaultEntityState
	closed   bool
}

// Changes returns the prepared writes.
func (c *committer) Changes() []Change { return c.changes }

func (c *committer) Commit(ctx context.Context) error {
	if c.closed {
		return domain.ErrCommitterClosed
	}
	c.closed = true
	if len(c.changes) > 0 {
		err := c.backend.ApplyChanges(ctx, func(ch MapChanger) error {
			return Replay(ch, c.changes)
		})
		if err != nil {
			return domain.NewEntityStoreError("commit", "", err)
		}
	}
	for _, state := range c.written {
		state.MarkCommitted(c.version, c.modified)
	}
	return nil
}

func (c *committer) Cancel() {
	c.closed = true
}

// Replay applies recorded changes to ch in order.
func Replay(ch MapChanger, changes []Change) error {
	for _, change := range changes {
		var err error
		switch change.Kind {
		case ChangeNew:
			err = ch.NewEntity(change.Reference, change.Type, change.Data)
		case ChangeUpdate:
			err = ch.UpdateEntity(change.Reference, change.Type, change.Data)
		case ChangeRemove:
			err = ch.RemoveEntity(change.Reference, change.Type)
		default:
			err = fmt.Errorf("unknown change kind %d", change.Kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
