package domain

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrEntityNotFound matches any *EntityNotFoundError.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrConcurrentModification matches any *ConcurrentModificationError.
	ErrConcurrentModification = errors.New("concurrent entity modification")

	// ErrEntityRemoved is returned when mutating a state that has been removed.
	ErrEntityRemoved = errors.New("entity has been removed")

	// ErrUnitOfWorkClosed is returned by a unit of work after ApplyChanges or Discard.
	ErrUnitOfWorkClosed = errors.New("unit of work is closed")

	// ErrCommitterClosed is returned by a committer after Commit or Cancel.
	ErrCommitterClosed = errors.New("state committer is closed")

	ErrMalformedReference = errors.New("malformed entity reference")
	ErrDuplicateEntity    = errors.New("entity already exists in unit of work")
	ErrEntityExists       = errors.New("entity already exists in store")
)

// EntityNotFoundError reports a reference absent from the store.
type EntityNotFoundError struct {
	Reference EntityReference
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity %s not found", e.Reference)
}

func (e *EntityNotFoundError) Is(target error) bool { return target == ErrEntityNotFound }

// EntityStoreError wraps a backend failure.
type EntityStoreError struct {
	Op        string
	Reference EntityReference
	Err       error
}

func (e *EntityStoreError) Error() string {
	var b strings.Builder
	b.WriteString("entity store")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Reference != "" {
		b.WriteString(" ")
		b.WriteString(string(e.Reference))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EntityStoreError) Unwrap() error { return e.Err }

// NewEntityStoreError wraps err unless it already carries one of the store
// error types, in which case it is returned unchanged.
func NewEntityStoreError(op string, ref EntityReference, err error) error {
	if err == nil {
		return nil
	}
	var notFound *EntityNotFoundError
	var storeErr *EntityStoreError
	var conflict *ConcurrentModificationError
	if errors.As(err, &notFound) || errors.As(err, &storeErr) || errors.As(err, &conflict) {
		return err
	}
	return &EntityStoreError{Op: op, Reference: ref, Err: err}
}

// ConcurrentModificationError lists every reference whose stored version no
// longer matches the version loaded by the committing unit of work.
type ConcurrentModificationError struct {
	References []EntityReference
}

// NewConcurrentModificationError sorts and de-duplicates refs.
func NewConcurrentModificationError(refs []EntityReference) *ConcurrentModificationError {
	out := slices.Clone(refs)
	slices.Sort(out)
	return &ConcurrentModificationError{References: slices.Compact(out)}
}

func (e *ConcurrentModificationError) Error() string {
	parts := make([]string, len(e.References))
	for i, ref := range e.References {
		parts[i] = string(ref)
	}
	return "concurrent modification of entities: " + strings.Join(parts, ", ")
}

func (e *ConcurrentModificationError) Is(target error) bool {
	return target == ErrConcurrentModification
}

// Contains reports whether ref is among the conflicting references.
func (e *ConcurrentModificationError) Contains(ref EntityReference) bool {
	return slices.Contains(e.References, ref)
}

// NoSuchEntityTypeError reports an entity type missing from a Module.
type NoSuchEntityTypeError struct {
	Type string
}

func (e *NoSuchEntityTypeError) Error() string {
	return fmt.Sprintf("no entity type %q registered in module", e.Type)
}

// NoSuchEntityError is returned by an application unit of work when a
// reference is missing from the store or was removed in the same unit of work.
type NoSuchEntityError struct {
	Reference EntityReference
	Usecase   string
}

func (e *NoSuchEntityError) Error() string {
	if e.Usecase != "" {
		return fmt.Sprintf("no such entity %s (usecase %s)", e.Reference, e.Usecase)
	}
	return fmt.Sprintf("no such entity %s", e.Reference)
}

func (e *NoSuchEntityError) Is(target error) bool { return target == ErrEntityNotFound }
