package domain

import (
	"maps"
	"reflect"
	"time"
)

// StateValue is implemented by nested value composites so that stores and
// comparisons can work with their raw state.
type StateValue interface {
	State() map[string]any
}

// ReadOnly is implemented by read-only collection views. Unwrap returns a
// private copy of the wrapped collection.
type ReadOnly interface {
	Unwrap() any
}

// PlainValue strips composite and read-only wrappers recursively, yielding a
// value built only from scalars, time.Time, []any and map[string]any.
func PlainValue(v any) any {
	switch tv := v.(type) {
	case nil:
		return nil
	case StateValue:
		return PlainValue(tv.State())
	case ReadOnly:
		return PlainValue(tv.Unwrap())
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = PlainValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = PlainValue(item)
		}
		return out
	default:
		return v
	}
}

// CopyValue deep-copies lists and maps so the copy shares no backing storage
// with v. Other values are returned unchanged.
func CopyValue(v any) any {
	switch tv := v.(type) {
	case []any:
		out := make([]any, len(tv))
		for i, item := range tv {
			out[i] = CopyValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, item := range tv {
			out[k] = CopyValue(item)
		}
		return out
	case map[string]string:
		return maps.Clone(tv)
	default:
		return v
	}
}

// ValuesEqual compares two property values by content. Value composites and
// read-only views compare by their plain form; times compare by instant.
func ValuesEqual(a, b any) bool {
	pa, pb := PlainValue(a), PlainValue(b)
	if ta, ok := pa.(time.Time); ok {
		tb, ok := pb.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(pa, pb)
}
