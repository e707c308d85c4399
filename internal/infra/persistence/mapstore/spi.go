// Package mapstore implements domain.EntityStore over any key/value backend
// that can store one serialized document per entity reference and apply a
// batch of writes atomically.
package mapstore

import (
	"context"

	"entitycore/pkg/domain"
)

// MapEntityStore is the backend SPI. Get returns a *domain.EntityNotFoundError
// for a missing reference. ApplyChanges must apply every change made through
// the MapChanger or none of them.
type MapEntityStore interface {
	Get(ctx context.Context, ref domain.EntityReference) ([]byte, error)
	ApplyChanges(ctx context.Context, fn func(MapChanger) error) error
	EntityStates(ctx context.Context, fn func(ref domain.EntityReference, data []byte) error) error
}

// MapChanger receives the writes of one commit.
type MapChanger interface {
	NewEntity(ref domain.EntityReference, typeName string, data []byte) error
	UpdateEntity(ref domain.EntityReference, typeName string, data []byte) error
	RemoveEntity(ref domain.EntityReference, typeName string) error
}

// Change is a recorded MapChanger call. Backends that cannot write through a
// callback collect changes with a Recorder and replay them.
type Change struct {
	Kind      ChangeKind
	Reference domain.EntityReference
	Type      string
	Data      []byte
}

type ChangeKind int

const (
	ChangeNew ChangeKind = iota + 1
	ChangeUpdate
	ChangeRemove
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNew:
		return "new"
	case ChangeUpdate:
		return "update"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Recorder is a MapChanger that only records.
type Recorder struct {
	Changes []Change
}

func (r *Recorder) NewEntity(ref domain.EntityReference, typeName string, data []byte) error {
	r.Changes = append(r.Changes, Change{Kind: ChangeNew, Reference: ref, Type: typeName, Data: data})
	return nil
}

func (r *Recorder) UpdateEntity(ref domain.EntityReference, typeName string, data []byte) error {
	r.Changes = append(r.Changes, Change{Kind: ChangeUpdate, Reference: ref, Type: typeName, Data: data})
	return nil
}

func (r *Recorder) RemoveEntity(ref domain.EntityReference, typeName string) error {
	r.Changes = append(r.Changes, Change{Kind: ChangeRemove, Reference: ref, Type: typeName})
	return nil
}

// Record runs fn against a fresh Recorder and returns what it wrote.
func Record(fn func(MapChanger) error) ([]Change, error) {
	var r Recorder
	if err := fn(&r); err != nil {
		return nil, err
	}
	return r.Changes, nil
}
