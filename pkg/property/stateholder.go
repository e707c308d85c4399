package property

import (
	"errors"
	"fmt"

	"entitycore/pkg/domain"
)

// ErrNoSuchProperty is returned when a state holder has no property for a name.
var ErrNoSuchProperty = errors.New("no such property")

// StateHolder exposes the property cells of one composite instance.
type StateHolder interface {
	PropertyFor(qn domain.QualifiedName) (*Instance, error)
	Properties() []*Instance
}

// MapStateHolder keeps property cells in declaration order. It backs value
// and transient composites.
type MapStateHolder struct {
	order []domain.QualifiedName
	props map[domain.QualifiedName]*Instance
}

var _ StateHolder = (*MapStateHolder)(nil)

func NewMapStateHolder() *MapStateHolder {
	return &MapStateHolder{props: make(map[domain.QualifiedName]*Instance)}
}

// Add registers p, replacing any cell with the same qualified name.
func (h *MapStateHolder) Add(p *Instance) {
	qn := p.Info().QualifiedName()
	if _, exists := h.props[qn]; !exists {
		h.order = append(h.order, qn)
	}
	h.props[qn] = p
}

func (h *MapStateHolder) PropertyFor(qn domain.QualifiedName) (*Instance, error) {
	p, ok := h.props[qn]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchProperty, qn)
	}
	return p, nil
}

// Property looks a cell up by accessor name.
func (h *MapStateHolder) Property(name string) (*Instance, bool) {
	for _, qn := range h.order {
		if qn.Name == name {
			return h.props[qn], true
		}
	}
	return nil, false
}

func (h *MapStateHolder) Properties() []*Instance {
	out := make([]*Instance, 0, len(h.order))
	for _, qn := range h.order {
		out = append(out, h.props[qn])
	}
	return out
}

// EntityStateHolder exposes an EntityState through validated property cells.
// Every successful Set is written through to the state.
type EntityStateHolder struct {
	state  domain.EntityState
	models []*Model
	cells  *MapStateHolder
}

var _ StateHolder = (*EntityStateHolder)(nil)

// NewEntityStateHolder builds cells for every property of the state's
// descriptor. NEW states receive their initial values.
func NewEntityStateHolder(state domain.EntityState) (*EntityStateHolder, error) {
	desc := state.Descriptor()
	if desc == nil {
		return nil, fmt.Errorf("entity %s has no descriptor", state.Reference())
	}
	h := &EntityStateHolder{state: state, cells: NewMapStateHolder()}
	for _, pd := range desc.Properties {
		m := ModelOf(pd)
		qn := m.QualifiedName()
		raw := state.PropertyValueOf(qn)
		var value any
		if raw == nil && state.Status() == domain.StatusNew {
			initial, err := m.InitialValue()
			if err != nil {
				return nil, err
			}
			if initial != nil {
				if err := state.SetPropertyValue(qn, storable(initial)); err != nil {
					return nil, err
				}
			}
			value = initial
		} else {
			var err error
			if value, err = fromState(m.ValueType(), raw); err != nil {
				return nil, fmt.Errorf("property %s: %w", qn, err)
			}
		}
		cell := NewInstance(m, value)
		cell.PrepareBuilderState(m)
		cell.SetWriteThrough(func(qn domain.QualifiedName, v any) error {
			return state.SetPropertyValue(qn, storable(v))
		})
		h.models = append(h.models, m)
		h.cells.Add(cell)
	}
	return h, nil
}

// State returns the backing entity state.
func (h *EntityStateHolder) State() domain.EntityState { return h.state }

func (h *EntityStateHolder) PropertyFor(qn domain.QualifiedName) (*Instance, error) {
	return h.cells.PropertyFor(qn)
}

func (h *EntityStateHolder) Properties() []*Instance { return h.cells.Properties() }

// Get returns the value of the named property, or nil.
func (h *EntityStateHolder) Get(name string) any {
	if p, ok := h.cells.Property(name); ok {
		return p.Get()
	}
	return nil
}

// Set writes the named property with full validation.
func (h *EntityStateHolder) Set(name string, value any) error {
	p, ok := h.cells.Property(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrNoSuchProperty, h.state.Descriptor().Type, name)
	}
	return p.Set(value)
}

// PrepareToBuild relaxes every cell for the entity builder phase.
func (h *EntityStateHolder) PrepareToBuild() {
	for i, p := range h.cells.Properties() {
		p.PrepareToBuild(h.models[i])
	}
}

// PrepareBuilderState ends the builder phase. Cells whose values violate
// their constraints are reported together.
func (h *EntityStateHolder) PrepareBuilderState() error {
	var errs []error
	for i, p := range h.cells.Properties() {
		m := h.models[i]
		if err := m.CheckConstraints(p.Get()); err != nil {
			errs = append(errs, err)
		}
		p.PrepareBuilderState(m)
	}
	return errors.Join(errs...)
}

func storable(v any) any {
	return domain.CopyValue(domain.PlainValue(v))
}
