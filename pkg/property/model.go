// Package property implements property models, per-instance property cells and
// value composites built on top of them.
package property

import (
	"encoding/json"
	"errors"
	"fmt"

	"entitycore/pkg/domain"
)

// ErrImmutableProperty is returned when setting a property whose model is immutable.
var ErrImmutableProperty = errors.New("property is immutable")

// ErrUnsupportedDefault is returned by InitialValue when UseDefaults is set on
// a kind that has no natural zero value.
var ErrUnsupportedDefault = errors.New("no default value for property type")

// Accessor identifies the declaration of a property. Two models are equal only
// when they share the same *Accessor, even if their qualified names match.
type Accessor struct {
	declaringType string
	name          string
}

// NewAccessor returns a fresh accessor identity.
func NewAccessor(declaringType, name string) *Accessor {
	return &Accessor{declaringType: declaringType, name: name}
}

func (a *Accessor) QualifiedName() domain.QualifiedName {
	return domain.NewQualifiedName(a.declaringType, a.name)
}

func (a *Accessor) String() string { return a.QualifiedName().String() }

// Spec is the registration record for one property.
type Spec struct {
	Name        string
	Type        domain.ValueType
	Immutable   bool
	Optional    bool
	Constraints []Constraint
	// Default is deep-copied into every new instance. With UseDefaults, a
	// string Default for a non-string type is parsed as JSON.
	Default     any
	UseDefaults bool
	// NotQueryable hides the property from indexing.
	NotQueryable bool
	Metadata     map[string]any
}

// Info is the part of a model a property cell consults on every write. The
// builder phase swaps in a relaxed Info.
type Info interface {
	QualifiedName() domain.QualifiedName
	ValueType() domain.ValueType
	IsImmutable() bool
	CheckConstraints(value any) error
	Normalize(value any) (any, error)
}

// Model is the immutable, shared description of a property.
type Model struct {
	accessor    *Accessor
	qn          domain.QualifiedName
	valueType   domain.ValueType
	immutable   bool
	queryable   bool
	constraints constraintSet
	initial     any
	useDefaults bool
	metadata    map[string]any
	builderInfo Info
}

var (
	_ Info                      = (*Model)(nil)
	_ domain.PropertyDescriptor = (*Model)(nil)
)

// Define creates a model with a new accessor declared on declaringType.
func Define(declaringType string, spec Spec) (*Model, error) {
	return NewModel(NewAccessor(declaringType, spec.Name), spec)
}

// MustDefine is Define for package-level declarations.
func MustDefine(declaringType string, spec Spec) *Model {
	m, err := Define(declaringType, spec)
	if err != nil {
		panic(err)
	}
	return m
}

// NewModel creates a model for accessor. spec.Name is ignored in favour of the
// accessor's name.
func NewModel(accessor *Accessor, spec Spec) (*Model, error) {
	if accessor == nil || accessor.name == "" {
		return nil, errors.New("property accessor name is required")
	}
	if spec.Type.Kind == "" {
		spec.Type = domain.AnyType()
	}
	if spec.Type.Kind == domain.KindEnum && len(spec.Type.EnumValues) == 0 {
		return nil, fmt.Errorf("property %s: enum type declares no constants", accessor)
	}
	rules := append([]Constraint(nil), spec.Constraints...)
	if spec.Type.Kind == domain.KindEnum {
		allowed := make([]any, len(spec.Type.EnumValues))
		for i, v := range spec.Type.EnumValues {
			allowed[i] = v
		}
		rules = append(rules, OneOf(allowed...))
	}
	m := &Model{
		accessor:    accessor,
		qn:          accessor.QualifiedName(),
		valueType:   spec.Type,
		immutable:   spec.Immutable,
		queryable:   !spec.NotQueryable,
		constraints: constraintSet{optional: spec.Optional, rules: rules},
		initial:     domain.CopyValue(spec.Default),
		useDefaults: spec.UseDefaults,
		metadata:    spec.Metadata,
	}
	m.builderInfo = builderInfo{model: m}
	return m, nil
}

func (m *Model) Accessor() *Accessor                 { return m.accessor }
func (m *Model) Name() string                        { return m.qn.Name }
func (m *Model) QualifiedName() domain.QualifiedName { return m.qn }
func (m *Model) ValueType() domain.ValueType         { return m.valueType }
func (m *Model) IsImmutable() bool                   { return m.immutable }
func (m *Model) IsQueryable() bool                   { return m.queryable }
func (m *Model) IsOptional() bool                    { return m.constraints.optional }
func (m *Model) BuilderInfo() Info                   { return m.builderInfo }
func (m *Model) Equal(other *Model) bool             { return other != nil && m.accessor == other.accessor }
func (m *Model) String() string                      { return m.accessor.String() }

// Metadata returns a value registered under key in Spec.Metadata.
func (m *Model) Metadata(key string) (any, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// CheckConstraints validates value against the model's value type and
// constraint set without side effects.
func (m *Model) CheckConstraints(value any) error {
	_, err := m.Normalize(value)
	return err
}

// Normalize validates value like CheckConstraints and returns it in the form a
// store reload produces: Go ints become int64, floats float64, and plain
// collections of such scalars are rebuilt element by element. Composite values
// are returned as given. A value that does not fit the value type is reported
// as a "type" violation and no other constraint is evaluated.
func (m *Model) Normalize(value any) (any, error) {
	if value != nil {
		decoded, err := m.valueType.Decode(domain.PlainValue(value))
		if err != nil {
			return nil, &ConstraintViolationError{Property: m.qn, Violations: []ConstraintViolation{{
				Constraint: "type",
				Value:      value,
				Message:    err.Error(),
			}}}
		}
		if canonicalForm(m.valueType, value) {
			value = decoded
		}
	}
	if violations := m.constraints.check(value); len(violations) > 0 {
		return nil, &ConstraintViolationError{Property: m.qn, Violations: violations}
	}
	return value, nil
}

// canonicalForm reports whether the decoded form of value can replace it.
func canonicalForm(vt domain.ValueType, value any) bool {
	switch vt.Kind {
	case domain.KindString, domain.KindBool, domain.KindInt, domain.KindFloat, domain.KindTime, domain.KindEnum:
		return true
	case domain.KindList, domain.KindSet:
		_, ok := value.([]any)
		return ok && vt.Elem != nil && scalarKind(vt.Elem.Kind)
	case domain.KindMap:
		_, ok := value.(map[string]any)
		return ok && vt.Elem != nil && scalarKind(vt.Elem.Kind)
	}
	return false
}

func scalarKind(k domain.ValueKind) bool {
	switch k {
	case domain.KindString, domain.KindBool, domain.KindInt, domain.KindFloat, domain.KindTime, domain.KindEnum:
		return true
	}
	return false
}

// InitialValue returns the value a new instance starts with. Repeated calls
// return equal values that never share storage.
func (m *Model) InitialValue() (any, error) {
	value := domain.CopyValue(m.initial)
	if !m.useDefaults {
		return value, nil
	}
	if s, ok := value.(string); ok {
		if s == "" {
			value = nil
		} else if m.valueType.Kind != domain.KindString && m.valueType.Kind != domain.KindEnum {
			return m.parseDefault(s)
		}
	}
	if value != nil {
		return value, nil
	}
	return zeroValue(m.qn, m.valueType)
}

func (m *Model) parseDefault(s string) (any, error) {
	var raw any
	if m.valueType.Kind == domain.KindTime {
		raw = s
	} else if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("property %s: parse default %q: %w", m.qn, s, err)
	}
	v, err := m.valueType.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("property %s: %w", m.qn, err)
	}
	if fields, ok := v.(map[string]any); ok && m.valueType.Kind == domain.KindValue {
		if ct, ok := m.valueType.Composite.(*CompositeType); ok {
			built, err := ct.FromState(fields)
			if err != nil {
				return nil, err
			}
			return built, nil
		}
	}
	return v, nil
}

func zeroValue(qn domain.QualifiedName, vt domain.ValueType) (any, error) {
	switch vt.Kind {
	case domain.KindString:
		return "", nil
	case domain.KindBool:
		return false, nil
	case domain.KindInt:
		return int64(0), nil
	case domain.KindFloat:
		return 0.0, nil
	case domain.KindEnum:
		return vt.EnumValues[0], nil
	case domain.KindList, domain.KindSet:
		return []any{}, nil
	case domain.KindMap:
		return map[string]any{}, nil
	case domain.KindValue:
		if ct, ok := vt.Composite.(*CompositeType); ok {
			v, err := ct.NewDefaultValue()
			if err != nil {
				return nil, err
			}
			return v, nil
		}
		return map[string]any{}, nil
	}
	return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedDefault, qn, vt)
}

// builderInfo relaxes immutability for the builder phase. Constraints still apply.
type builderInfo struct {
	model *Model
}

func (b builderInfo) QualifiedName() domain.QualifiedName { return b.model.qn }
func (b builderInfo) ValueType() domain.ValueType         { return b.model.valueType }
func (b builderInfo) IsImmutable() bool                   { return false }
func (b builderInfo) CheckConstraints(value any) error    { return b.model.CheckConstraints(value) }
func (b builderInfo) Normalize(value any) (any, error)     { return b.model.Normalize(value) }

// ModelOf returns pd as a *Model, or derives an unconstrained model from it.
func ModelOf(pd domain.PropertyDescriptor) *Model {
	if m, ok := pd.(*Model); ok {
		return m
	}
	qn := pd.QualifiedName()
	spec := Spec{
		Type:         pd.ValueType(),
		Immutable:    pd.IsImmutable(),
		Optional:     true,
		NotQueryable: !pd.IsQueryable(),
	}
	m, err := NewModel(NewAccessor(qn.Type, qn.Name), spec)
	if err != nil {
		spec.Type = domain.AnyType()
		m, _ = NewModel(NewAccessor(qn.Type, qn.Name), spec)
	}
	return m
}
