package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"
)

// ValueKind classifies the values a property may hold.
type ValueKind string

const (
	KindString ValueKind = "string"
	KindBool   ValueKind = "bool"
	KindInt    ValueKind = "int"
	KindFloat  ValueKind = "float"
	KindTime   ValueKind = "time"
	KindEnum   ValueKind = "enum"
	KindList   ValueKind = "list"
	KindSet    ValueKind = "set"
	KindMap    ValueKind = "map"
	KindValue  ValueKind = "value" // nested value composite
	KindAny    ValueKind = "any"
)

// ValueType describes the declared type of a property. Collection kinds carry
// their element type in Elem; map keys are always strings.
type ValueType struct {
	Kind       ValueKind
	Elem       *ValueType
	EnumValues []string
	Composite  CompositeDescriptor
}

func StringType() ValueType { return ValueType{Kind: KindString} }
func BoolType() ValueType   { return ValueType{Kind: KindBool} }
func IntType() ValueType    { return ValueType{Kind: KindInt} }
func FloatType() ValueType  { return ValueType{Kind: KindFloat} }
func TimeType() ValueType   { return ValueType{Kind: KindTime} }
func AnyType() ValueType    { return ValueType{Kind: KindAny} }

// EnumOf declares an enumeration. The first constant is the default value.
func EnumOf(values ...string) ValueType {
	return ValueType{Kind: KindEnum, EnumValues: slices.Clone(values)}
}

// ListOf declares an ordered collection of elem.
func ListOf(elem ValueType) ValueType { return ValueType{Kind: KindList, Elem: &elem} }

// SetOf declares an insertion-ordered, duplicate-free collection of elem.
func SetOf(elem ValueType) ValueType { return ValueType{Kind: KindSet, Elem: &elem} }

// MapOf declares a string-keyed map of elem.
func MapOf(elem ValueType) ValueType { return ValueType{Kind: KindMap, Elem: &elem} }

// ValueOf declares a nested value composite.
func ValueOf(desc CompositeDescriptor) ValueType {
	return ValueType{Kind: KindValue, Composite: desc}
}

// IsCollection reports whether the kind is list, set or map.
func (t ValueType) IsCollection() bool {
	return t.Kind == KindList || t.Kind == KindSet || t.Kind == KindMap
}

func (t ValueType) String() string {
	switch t.Kind {
	case KindList, KindSet, KindMap:
		if t.Elem != nil {
			return fmt.Sprintf("%s<%s>", t.Kind, t.Elem.String())
		}
	case KindValue:
		if t.Composite != nil {
			return "value<" + t.Composite.TypeName() + ">"
		}
	}
	return string(t.Kind)
}

func (t ValueType) elem() ValueType {
	if t.Elem == nil {
		return AnyType()
	}
	return *t.Elem
}

// Decode normalises a value produced by encoding/json (or already in canonical
// form) into the canonical Go representation for t: string, bool, int64,
// float64, time.Time, []any, map[string]any. Nested value composites decode to
// their raw state map.
func (t ValueType) Decode(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch t.Kind {
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, t.mismatch(raw)
		}
		return s, nil
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, t.mismatch(raw)
		}
		return b, nil
	case KindInt:
		return decodeInt(t, raw)
	case KindFloat:
		return decodeFloat(t, raw)
	case KindTime:
		switch v := raw.(type) {
		case time.Time:
			return v, nil
		case string:
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", t, err)
			}
			return ts, nil
		}
		return nil, t.mismatch(raw)
	case KindEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, t.mismatch(raw)
		}
		if len(t.EnumValues) > 0 && !slices.Contains(t.EnumValues, s) {
			return nil, fmt.Errorf("decode %s: unknown constant %q", t, s)
		}
		return s, nil
	case KindList, KindSet:
		items, ok := raw.([]any)
		if !ok {
			return nil, t.mismatch(raw)
		}
		elem := t.elem()
		out := make([]any, 0, len(items))
		for _, item := range items {
			v, err := elem.Decode(item)
			if err != nil {
				return nil, err
			}
			if t.Kind == KindSet && containsValue(out, v) {
				continue
			}
			out = append(out, v)
		}
		return out, nil
	case KindMap:
		entries, ok := raw.(map[string]any)
		if !ok {
			return nil, t.mismatch(raw)
		}
		elem := t.elem()
		out := make(map[string]any, len(entries))
		for k, item := range entries {
			v, err := elem.Decode(item)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	case KindValue:
		if sv, ok := raw.(StateValue); ok {
			raw = sv.State()
		}
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, t.mismatch(raw)
		}
		if t.Composite == nil {
			return CopyValue(fields), nil
		}
		out := make(map[string]any, len(fields))
		for _, pd := range t.Composite.PropertyDescriptors() {
			name := pd.QualifiedName().Name
			item, present := fields[name]
			if !present {
				continue
			}
			v, err := pd.ValueType().Decode(item)
			if err != nil {
				return nil, fmt.Errorf("decode %s.%s: %w", t.Composite.TypeName(), name, err)
			}
			out[name] = v
		}
		return out, nil
	default:
		return raw, nil
	}
}

func (t ValueType) mismatch(raw any) error {
	return fmt.Errorf("decode %s: unexpected %T", t, raw)
}

func decodeInt(t ValueType, raw any) (any, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case float64:
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("decode %s: %v is not integral", t, v)
		}
		return int64(v), nil
	}
	return nil, t.mismatch(raw)
}

func decodeFloat(t ValueType, raw any) (any, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	}
	return nil, t.mismatch(raw)
}

func containsValue(values []any, v any) bool {
	for _, existing := range values {
		if ValuesEqual(existing, v) {
			return true
		}
	}
	return false
}
