package domain

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Module is the registry of entity types visible to a unit of work. Stores
// resolve persisted type names through it.
type Module struct {
	name  string
	mu    sync.RWMutex
	types map[string]*EntityDescriptor
}

// NewModule creates a module holding the supplied descriptors.
func NewModule(name string, descriptors ...*EntityDescriptor) (*Module, error) {
	m := &Module{name: name, types: make(map[string]*EntityDescriptor)}
	for _, d := range descriptors {
		if err := m.Register(d); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Name returns the module name.
func (m *Module) Name() string { return m.name }

// Register adds an entity type. Registering the same type twice fails.
func (m *Module) Register(d *EntityDescriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.types[d.Type]; exists {
		return fmt.Errorf("entity type %q already registered", d.Type)
	}
	m.types[d.Type] = d
	return nil
}

// EntityDescriptor resolves a registered entity type.
func (m *Module) EntityDescriptor(typeName string) (*EntityDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.types[typeName]
	if !ok {
		return nil, &NoSuchEntityTypeError{Type: typeName}
	}
	return d, nil
}

// EntityTypes lists registered type names in sorted order.
func (m *Module) EntityTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.types))
}

// Usecase names the purpose of a unit of work. Metadata is free-form and is
// carried for logging and tracing only.
type Usecase struct {
	Name     string
	Metadata map[string]string
}

// DefaultUsecase is used when callers do not name one.
var DefaultUsecase = Usecase{Name: "default"}

func (u Usecase) String() string { return u.Name }
