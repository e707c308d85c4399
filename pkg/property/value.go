package property

import (
	"encoding/json"
	"errors"
	"fmt"

	"entitycore/pkg/domain"
)

// CompositeType declares a value composite. Value properties are always
// immutable once built; the builder phase is the only time they can be set.
type CompositeType struct {
	name   string
	models []*Model
}

var _ domain.CompositeDescriptor = (*CompositeType)(nil)

// NewCompositeType defines a value type with one property per spec.
func NewCompositeType(name string, specs ...Spec) (*CompositeType, error) {
	if name == "" {
		return nil, errors.New("composite type name is required")
	}
	t := &CompositeType{name: name}
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		if _, dup := seen[spec.Name]; dup {
			return nil, fmt.Errorf("composite %s: duplicate property %q", name, spec.Name)
		}
		seen[spec.Name] = struct{}{}
		spec.Immutable = true
		m, err := Define(name, spec)
		if err != nil {
			return nil, err
		}
		t.models = append(t.models, m)
	}
	return t, nil
}

func (t *CompositeType) TypeName() string { return t.name }

func (t *CompositeType) PropertyDescriptors() []domain.PropertyDescriptor {
	out := make([]domain.PropertyDescriptor, len(t.models))
	for i, m := range t.models {
		out[i] = m
	}
	return out
}

// Models returns the property models in declaration order.
func (t *CompositeType) Models() []*Model { return append([]*Model(nil), t.models...) }

// Model looks a property model up by name.
func (t *CompositeType) Model(name string) (*Model, bool) {
	for _, m := range t.models {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// NewBuilder starts a builder with every property at its initial value.
func (t *CompositeType) NewBuilder() (*Builder, error) {
	state := NewMapStateHolder()
	for _, m := range t.models {
		initial, err := m.InitialValue()
		if err != nil {
			return nil, err
		}
		cell := NewInstance(m, initial)
		cell.PrepareToBuild(m)
		state.Add(cell)
	}
	return &Builder{typ: t, state: state}, nil
}

// BuilderFrom starts a builder pre-filled with a copy of v's state.
func (t *CompositeType) BuilderFrom(v *Value) (*Builder, error) {
	if v == nil || v.typ != t {
		return nil, fmt.Errorf("value is not a %s", t.name)
	}
	state := NewMapStateHolder()
	for i, cell := range v.state.Properties() {
		m := t.models[i]
		copied := NewInstance(m, cell.Get())
		copied.PrepareToBuild(m)
		state.Add(copied)
	}
	return &Builder{typ: t, state: state}, nil
}

// FromState builds a value from its plain state map, as produced by
// Value.State or decoded from JSON.
func (t *CompositeType) FromState(state map[string]any) (*Value, error) {
	b, err := t.NewBuilder()
	if err != nil {
		return nil, err
	}
	for _, m := range t.models {
		raw, ok := state[m.Name()]
		if !ok {
			continue
		}
		decoded, err := m.ValueType().Decode(raw)
		if err != nil {
			return nil, err
		}
		v, err := fromState(m.ValueType(), decoded)
		if err != nil {
			return nil, err
		}
		if err := b.Set(m.Name(), v); err != nil {
			return nil, err
		}
	}
	return b.NewInstance()
}

// NewDefaultValue builds a value from initial values only.
func (t *CompositeType) NewDefaultValue() (*Value, error) {
	b, err := t.NewBuilder()
	if err != nil {
		return nil, err
	}
	return b.NewInstance()
}

// Builder accumulates state for a new Value.
type Builder struct {
	typ   *CompositeType
	state *MapStateHolder
}

// Prototype exposes the builder's cells. Immutable properties are settable here.
func (b *Builder) Prototype() StateHolder { return b.state }

// Set assigns the named property, checking its constraints.
func (b *Builder) Set(name string, value any) error {
	cell, ok := b.state.Property(name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrNoSuchProperty, b.typ.name, name)
	}
	return cell.Set(value)
}

// Get returns the current builder value of the named property.
func (b *Builder) Get(name string) any {
	if cell, ok := b.state.Property(name); ok {
		return cell.Get()
	}
	return nil
}

// NewInstance validates every property and returns a frozen Value. The
// builder can be reused; values never share storage with it.
func (b *Builder) NewInstance() (*Value, error) {
	cells := b.state.Properties()
	var errs []error
	for i, cell := range cells {
		if err := b.typ.models[i].CheckConstraints(cell.Get()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	state := NewMapStateHolder()
	for i, cell := range cells {
		m := b.typ.models[i]
		built := NewInstance(m.BuilderInfo(), cell.Get())
		built.PrepareToBuild(m)
		built.PrepareBuilderState(m)
		state.Add(built)
	}
	return &Value{typ: b.typ, state: state}, nil
}

// Value is an immutable value composite instance.
type Value struct {
	typ   *CompositeType
	state *MapStateHolder
}

var _ domain.StateValue = (*Value)(nil)

func (v *Value) Type() *CompositeType { return v.typ }

// Get returns the named property value, or nil when undeclared.
func (v *Value) Get(name string) any {
	if cell, ok := v.state.Property(name); ok {
		return cell.Get()
	}
	return nil
}

// Property returns the named cell. Set on it fails: value properties are immutable.
func (v *Value) Property(name string) (*Instance, bool) { return v.state.Property(name) }

// State returns a plain copy of the value's properties keyed by name.
func (v *Value) State() map[string]any {
	out := make(map[string]any)
	for _, cell := range v.state.Properties() {
		out[cell.Info().QualifiedName().Name] = domain.PlainValue(cell.Get())
	}
	return out
}

// Equal reports whether other has the same type and equal state.
func (v *Value) Equal(other *Value) bool {
	if other == nil || v.typ != other.typ {
		return false
	}
	return domain.ValuesEqual(v.State(), other.State())
}

func (v *Value) String() string {
	data, err := json.Marshal(v.State())
	if err != nil {
		return v.typ.name
	}
	return v.typ.name + string(data)
}

func (v *Value) prepareToBuild() *Value {
	state := NewMapStateHolder()
	for i, cell := range v.state.Properties() {
		m := v.typ.models[i]
		copied := NewInstance(m, cell.Get())
		copied.PrepareToBuild(m)
		state.Add(copied)
	}
	return &Value{typ: v.typ, state: state}
}

func (v *Value) prepareBuilderState() {
	for i, cell := range v.state.Properties() {
		cell.PrepareBuilderState(v.typ.models[i])
	}
}

// fromState turns plain maps back into Values wherever vt declares a value
// composite, including collection elements.
func fromState(vt domain.ValueType, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch vt.Kind {
	case domain.KindValue:
		ct, ok := vt.Composite.(*CompositeType)
		if !ok {
			return raw, nil
		}
		switch tv := raw.(type) {
		case *Value:
			return tv, nil
		case map[string]any:
			return ct.FromState(tv)
		}
		return nil, fmt.Errorf("expected %s state, got %T", ct.name, raw)
	case domain.KindList, domain.KindSet:
		items, ok := listItems(raw)
		if !ok || vt.Elem == nil || vt.Elem.Kind != domain.KindValue {
			return raw, nil
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := fromState(*vt.Elem, item)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case domain.KindMap:
		entries, ok := mapEntries(raw)
		if !ok || vt.Elem == nil || vt.Elem.Kind != domain.KindValue {
			return raw, nil
		}
		out := make(map[string]any, len(entries))
		for k, item := range entries {
			v, err := fromState(*vt.Elem, item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}
	return raw, nil
}
