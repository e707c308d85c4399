package domain

import (
	"errors"
	"fmt"
)

// PropertyDescriptor is the read-only view of a property model that stores,
// serializers and indexers need.
type PropertyDescriptor interface {
	QualifiedName() QualifiedName
	ValueType() ValueType
	IsImmutable() bool
	IsQueryable() bool
}

// CompositeDescriptor describes a composite type by its declared properties.
type CompositeDescriptor interface {
	TypeName() string
	PropertyDescriptors() []PropertyDescriptor
}

// EntityDescriptor describes the persistable shape of an entity type.
type EntityDescriptor struct {
	Type              string
	Properties        []PropertyDescriptor
	Associations      []QualifiedName
	ManyAssociations  []QualifiedName
	NamedAssociations []QualifiedName
}

var _ CompositeDescriptor = (*EntityDescriptor)(nil)

// TypeName returns the entity type name.
func (d *EntityDescriptor) TypeName() string { return d.Type }

// PropertyDescriptors returns the declared properties in declaration order.
func (d *EntityDescriptor) PropertyDescriptors() []PropertyDescriptor { return d.Properties }

// FindProperty looks a property up by qualified name.
func (d *EntityDescriptor) FindProperty(qn QualifiedName) (PropertyDescriptor, bool) {
	for _, p := range d.Properties {
		if p.QualifiedName() == qn {
			return p, true
		}
	}
	return nil, false
}

// FindPropertyByName looks a property up by its accessor name only. Stores use
// this when reading state keyed by name.
func (d *EntityDescriptor) FindPropertyByName(name string) (PropertyDescriptor, bool) {
	for _, p := range d.Properties {
		if p.QualifiedName().Name == name {
			return p, true
		}
	}
	return nil, false
}

// Validate checks that the descriptor has a type name and that accessor names
// are unique across properties and associations.
func (d *EntityDescriptor) Validate() error {
	if d == nil {
		return errors.New("entity descriptor is nil")
	}
	if d.Type == "" {
		return errors.New("entity descriptor type is required")
	}
	seen := make(map[string]struct{})
	check := func(qn QualifiedName) error {
		if qn.Name == "" {
			return fmt.Errorf("entity %s: empty accessor name", d.Type)
		}
		if _, dup := seen[qn.Name]; dup {
			return fmt.Errorf("entity %s: duplicate accessor %q", d.Type, qn.Name)
		}
		seen[qn.Name] = struct{}{}
		return nil
	}
	for _, p := range d.Properties {
		if err := check(p.QualifiedName()); err != nil {
			return err
		}
	}
	for _, group := range [][]QualifiedName{d.Associations, d.ManyAssociations, d.NamedAssociations} {
		for _, qn := range group {
			if err := check(qn); err != nil {
				return err
			}
		}
	}
	return nil
}
