package domain

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// EntityState is the persistent state of one entity instance as tracked by a
// store unit of work. Property access is raw: constraint checks belong to the
// property layer.
type EntityState interface {
	Reference() EntityReference
	Descriptor() *EntityDescriptor
	Version() string
	LastModified() time.Time
	Status() EntityStatus

	PropertyValueOf(qn QualifiedName) any
	SetPropertyValue(qn QualifiedName, value any) error
	// AssociationValueOf returns the empty reference when unset.
	AssociationValueOf(qn QualifiedName) EntityReference
	SetAssociationValue(qn QualifiedName, ref EntityReference) error
	ManyAssociationValueOf(qn QualifiedName) ManyAssociationState
	NamedAssociationValueOf(qn QualifiedName) NamedAssociationState

	// Remove marks the state REMOVED. Removing twice is a no-op.
	Remove()
	IsAssignableTo(typeName string) bool
}

// ManyAssociationState is an ordered, duplicate-free list of references.
type ManyAssociationState interface {
	Count() int
	Contains(ref EntityReference) bool
	Get(index int) (EntityReference, bool)
	// Add inserts ref at index, clamped to [0, Count()]. Adding a present
	// reference reports false.
	Add(index int, ref EntityReference) (bool, error)
	Remove(ref EntityReference) (bool, error)
	References() []EntityReference
}

// NamedAssociationState maps names to references.
type NamedAssociationState interface {
	Count() int
	Get(name string) (EntityReference, bool)
	Put(name string, ref EntityReference) (bool, error)
	Remove(name string) (bool, error)
	Names() []string
	Map() map[string]EntityReference
}

// EntityStateData carries persisted state into NewLoadedEntityState.
type EntityStateData struct {
	Reference         EntityReference
	Version           string
	LastModified      time.Time
	Properties        map[QualifiedName]any
	Associations      map[QualifiedName]EntityReference
	ManyAssociations  map[QualifiedName][]EntityReference
	NamedAssociations map[QualifiedName]map[string]EntityReference
}

// DefaultEntityState is the in-memory EntityState used by the map store.
type DefaultEntityState struct {
	reference    EntityReference
	descriptor   *EntityDescriptor
	version      string
	lastModified time.Time
	status       EntityStatus

	properties map[QualifiedName]any
	assocs     map[QualifiedName]EntityReference
	many       map[QualifiedName][]EntityReference
	named      map[QualifiedName]map[string]EntityReference
}

var _ EntityState = (*DefaultEntityState)(nil)

// NewEntityState returns a NEW state with no version.
func NewEntityState(ref EntityReference, desc *EntityDescriptor, now time.Time) *DefaultEntityState {
	return &DefaultEntityState{
		reference:    ref,
		descriptor:   desc,
		lastModified: now,
		status:       StatusNew,
		properties:   make(map[QualifiedName]any),
		assocs:       make(map[QualifiedName]EntityReference),
		many:         make(map[QualifiedName][]EntityReference),
		named:        make(map[QualifiedName]map[string]EntityReference),
	}
}

// NewLoadedEntityState returns a LOADED state populated from data. The maps in
// data are copied.
func NewLoadedEntityState(desc *EntityDescriptor, data EntityStateData) *DefaultEntityState {
	s := NewEntityState(data.Reference, desc, data.LastModified)
	s.status = StatusLoaded
	s.version = data.Version
	for qn, v := range data.Properties {
		s.properties[qn] = CopyValue(v)
	}
	maps.Copy(s.assocs, data.Associations)
	for qn, refs := range data.ManyAssociations {
		s.many[qn] = slices.Clone(refs)
	}
	for qn, named := range data.NamedAssociations {
		s.named[qn] = maps.Clone(named)
	}
	return s
}

func (s *DefaultEntityState) Reference() EntityReference           { return s.reference }
func (s *DefaultEntityState) Descriptor() *EntityDescriptor        { return s.descriptor }
func (s *DefaultEntityState) Version() string                      { return s.version }
func (s *DefaultEntityState) LastModified() time.Time              { return s.lastModified }
func (s *DefaultEntityState) Status() EntityStatus                 { return s.status }
func (s *DefaultEntityState) PropertyValueOf(qn QualifiedName) any { return s.properties[qn] }

func (s *DefaultEntityState) SetPropertyValue(qn QualifiedName, value any) error {
	if err := s.markUpdated(); err != nil {
		return err
	}
	s.properties[qn] = value
	return nil
}

func (s *DefaultEntityState) AssociationValueOf(qn QualifiedName) EntityReference {
	return s.assocs[qn]
}

func (s *DefaultEntityState) SetAssociationValue(qn QualifiedName, ref EntityReference) error {
	if err := s.markUpdated(); err != nil {
		return err
	}
	if ref == "" {
		delete(s.assocs, qn)
		return nil
	}
	s.assocs[qn] = ref
	return nil
}

func (s *DefaultEntityState) ManyAssociationValueOf(qn QualifiedName) ManyAssociationState {
	return &manyAssociationState{owner: s, qn: qn}
}

func (s *DefaultEntityState) NamedAssociationValueOf(qn QualifiedName) NamedAssociationState {
	return &namedAssociationState{owner: s, qn: qn}
}

func (s *DefaultEntityState) Remove() {
	s.status = StatusRemoved
}

func (s *DefaultEntityState) IsAssignableTo(typeName string) bool {
	return s.descriptor != nil && s.descriptor.Type == typeName
}

// MarkCommitted moves a NEW or UPDATED state to LOADED with the committed
// version. Stores call it after a successful write.
func (s *DefaultEntityState) MarkCommitted(version string, modified time.Time) {
	if s.status == StatusRemoved {
		return
	}
	s.version = version
	s.lastModified = modified
	s.status = StatusLoaded
}

// Properties returns a copy of the property values.
func (s *DefaultEntityState) Properties() map[QualifiedName]any {
	out := make(map[QualifiedName]any, len(s.properties))
	for qn, v := range s.properties {
		out[qn] = CopyValue(v)
	}
	return out
}

// Associations returns a copy of the set single associations.
func (s *DefaultEntityState) Associations() map[QualifiedName]EntityReference {
	return maps.Clone(s.assocs)
}

// ManyAssociations returns a copy of every many-association list.
func (s *DefaultEntityState) ManyAssociations() map[QualifiedName][]EntityReference {
	out := make(map[QualifiedName][]EntityReference, len(s.many))
	for qn, refs := range s.many {
		out[qn] = slices.Clone(refs)
	}
	return out
}

// NamedAssociations returns a copy of every named-association map.
func (s *DefaultEntityState) NamedAssociations() map[QualifiedName]map[string]EntityReference {
	out := make(map[QualifiedName]map[string]EntityReference, len(s.named))
	for qn, named := range s.named {
		out[qn] = maps.Clone(named)
	}
	return out
}

func (s *DefaultEntityState) String() string {
	return fmt.Sprintf("%s[%s %s@%s]", s.typeName(), s.reference, s.status, s.version)
}

func (s *DefaultEntityState) typeName() string {
	if s.descriptor == nil {
		return "?"
	}
	return s.descriptor.Type
}

func (s *DefaultEntityState) markUpdated() error {
	switch s.status {
	case StatusRemoved:
		return fmt.Errorf("%w: %s", ErrEntityRemoved, s.reference)
	case StatusLoaded:
		s.status = StatusUpdated
	}
	return nil
}

type manyAssociationState struct {
	owner *DefaultEntityState
	qn    QualifiedName
}

func (m *manyAssociationState) refs() []EntityReference { return m.owner.many[m.qn] }

func (m *manyAssociationState) Count() int { return len(m.refs()) }

func (m *manyAssociationState) Contains(ref EntityReference) bool {
	return slices.Contains(m.refs(), ref)
}

func (m *manyAssociationState) Get(index int) (EntityReference, bool) {
	refs := m.refs()
	if index < 0 || index >= len(refs) {
		return "", false
	}
	return refs[index], true
}

func (m *manyAssociationState) Add(index int, ref EntityReference) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, err
	}
	if m.owner.status == StatusRemoved {
		return false, fmt.Errorf("%w: %s", ErrEntityRemoved, m.owner.reference)
	}
	refs := m.refs()
	if slices.Contains(refs, ref) {
		return false, nil
	}
	if err := m.owner.markUpdated(); err != nil {
		return false, err
	}
	index = max(0, min(index, len(refs)))
	m.owner.many[m.qn] = slices.Insert(slices.Clone(refs), index, ref)
	return true, nil
}

func (m *manyAssociationState) Remove(ref EntityReference) (bool, error) {
	if m.owner.status == StatusRemoved {
		return false, fmt.Errorf("%w: %s", ErrEntityRemoved, m.owner.reference)
	}
	refs := m.refs()
	i := slices.Index(refs, ref)
	if i < 0 {
		return false, nil
	}
	if err := m.owner.markUpdated(); err != nil {
		return false, err
	}
	m.owner.many[m.qn] = slices.Delete(slices.Clone(refs), i, i+1)
	return true, nil
}

func (m *manyAssociationState) References() []EntityReference {
	return slices.Clone(m.refs())
}

type namedAssociationState struct {
	owner *DefaultEntityState
	qn    QualifiedName
}

func (n *namedAssociationState) Count() int { return len(n.owner.named[n.qn]) }

func (n *namedAssociationState) Get(name string) (EntityReference, bool) {
	ref, ok := n.owner.named[n.qn][name]
	return ref, ok
}

func (n *namedAssociationState) Put(name string, ref EntityReference) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, err
	}
	if existing, ok := n.owner.named[n.qn][name]; ok && existing == ref {
		if n.owner.status == StatusRemoved {
			return false, fmt.Errorf("%w: %s", ErrEntityRemoved, n.owner.reference)
		}
		return false, nil
	}
	if err := n.owner.markUpdated(); err != nil {
		return false, err
	}
	named := n.owner.named[n.qn]
	if named == nil {
		named = make(map[string]EntityReference)
		n.owner.named[n.qn] = named
	}
	named[name] = ref
	return true, nil
}

func (n *namedAssociationState) Remove(name string) (bool, error) {
	if n.owner.status == StatusRemoved {
		return false, fmt.Errorf("%w: %s", ErrEntityRemoved, n.owner.reference)
	}
	if _, ok := n.owner.named[n.qn][name]; !ok {
		return false, nil
	}
	if err := n.owner.markUpdated(); err != nil {
		return false, err
	}
	delete(n.owner.named[n.qn], name)
	return true, nil
}

func (n *namedAssociationState) Names() []string {
	return slices.Sorted(maps.Keys(n.owner.named[n.qn]))
}

func (n *namedAssociationState) Map() map[string]EntityReference {
	return maps.Clone(n.owner.named[n.qn])
}
