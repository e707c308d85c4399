package domain

import (
	"context"
	"time"
)

// StateCommitter is the second phase of a store commit. Exactly one of Commit
// or Cancel takes effect; later calls return ErrCommitterClosed or do nothing.
type StateCommitter interface {
	Commit(ctx context.Context) error
	Cancel()
}

// EntityStoreUnitOfWork is the store-side session that tracks the states
// created or loaded during one application unit of work.
type EntityStoreUnitOfWork interface {
	Identity() string
	Usecase() Usecase
	CurrentTime() time.Time
	Module() *Module

	// NewEntityState registers a NEW state in the working set without I/O.
	NewEntityState(ref EntityReference, desc *EntityDescriptor) (EntityState, error)
	// EntityStateOf loads ref, returning the already tracked state on repeat calls.
	EntityStateOf(ctx context.Context, module *Module, ref EntityReference) (EntityState, error)
	// VersionOf reads only the stored version of ref.
	VersionOf(ctx context.Context, ref EntityReference) (string, error)
	ApplyChanges(ctx context.Context) (StateCommitter, error)
	Discard()
}

// EntityStore opens store units of work.
type EntityStore interface {
	NewUnitOfWork(module *Module, usecase Usecase, now time.Time) (EntityStoreUnitOfWork, error)
}
