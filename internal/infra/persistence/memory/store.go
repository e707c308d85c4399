// Package memory provides an in-memory MapEntityStore used for tests and
// ephemeral environments.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"entitycore/internal/infra/persistence/mapstore"
	"entitycore/pkg/domain"
)

var _ mapstore.MapEntityStore = (*Store)(nil)

type entry struct {
	typeName string
	data     []byte
}

// Snapshot is an exported copy of the stored documents keyed by reference.
type Snapshot map[domain.EntityReference][]byte

// Store keeps one JSON document per entity. A commit is applied to a copy of
// the map and swapped in only when every change succeeded.
type Store struct {
	mu      sync.RWMutex
	entries map[domain.EntityReference]entry
}

func NewStore() *Store {
	return &Store{entries: make(map[domain.EntityReference]entry)}
}

func (s *Store) Get(_ context.Context, ref domain.EntityReference) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[ref]
	if !ok {
		return nil, &domain.EntityNotFoundError{Reference: ref}
	}
	return bytes.Clone(e.data), nil
}

func (s *Store) ApplyChanges(ctx context.Context, fn func(mapstore.MapChanger) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(s.entries)
	if err := fn(&changer{entries: next}); err != nil {
		return err
	}
	s.entries = next
	return nil
}

// EntityStates visits every stored document in reference order.
func (s *Store) EntityStates(ctx context.Context, fn func(domain.EntityReference, []byte) error) error {
	s.mu.RLock()
	refs := slices.Sorted(maps.Keys(s.entries))
	snapshot := maps.Clone(s.entries)
	s.mu.RUnlock()
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(ref, bytes.Clone(snapshot[ref].data)); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of stored entities.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ExportState returns a deep copy of every stored document.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, len(s.entries))
	for ref, e := range s.entries {
		out[ref] = bytes.Clone(e.data)
	}
	return out
}

// ImportState replaces the store contents. Documents whose type cannot be
// read are rejected and the store is left untouched.
func (s *Store) ImportState(snapshot Snapshot) error {
	next := make(map[domain.EntityReference]entry, len(snapshot))
	for ref, data := range snapshot {
		doc, err := mapstore.DecodeDocument(data)
		if err != nil {
			return fmt.Errorf("import %s: %w", ref, err)
		}
		next[ref] = entry{typeName: doc.Type, data: bytes.Clone(data)}
	}
	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
	return nil
}

type changer struct {
	entries map[domain.EntityReference]entry
}

func (c *changer) NewEntity(ref domain.EntityReference, typeName string, data []byte) error {
	if _, exists := c.entries[ref]; exists {
		return fmt.Errorf("%w: %s", domain.ErrEntityExists, ref)
	}
	c.entries[ref] = entry{typeName: typeName, data: bytes.Clone(data)}
	return nil
}

func (c *changer) UpdateEntity(ref domain.EntityReference, typeName string, data []byte) error {
	c.entries[ref] = entry{typeName: typeName, data: bytes.Clone(data)}
	return nil
}

func (c *changer) RemoveEntity(ref domain.EntityReference, _ string) error {
	delete(c.entries, ref)
	return nil
}
