package property

import (
	"iter"
	"maps"
	"slices"

	"entitycore/pkg/domain"
)

// ReadOnlyList is the frozen form of a list or set property. It exposes no
// mutators and hands out copies only.
type ReadOnlyList struct {
	items []any
}

var _ domain.ReadOnly = ReadOnlyList{}

// NewReadOnlyList takes ownership of items.
func NewReadOnlyList(items []any) ReadOnlyList { return ReadOnlyList{items: items} }

func (l ReadOnlyList) Len() int { return len(l.items) }

// At returns the element at i, or nil when out of range.
func (l ReadOnlyList) At(i int) any {
	if i < 0 || i >= len(l.items) {
		return nil
	}
	return domain.CopyValue(l.items[i])
}

func (l ReadOnlyList) Contains(v any) bool {
	return slices.ContainsFunc(l.items, func(item any) bool { return domain.ValuesEqual(item, v) })
}

// All iterates the elements in order.
func (l ReadOnlyList) All() iter.Seq2[int, any] {
	return func(yield func(int, any) bool) {
		for i, item := range l.items {
			if !yield(i, domain.CopyValue(item)) {
				return
			}
		}
	}
}

// Slice returns a mutable copy.
func (l ReadOnlyList) Slice() []any { return domain.CopyValue(l.items).([]any) }

func (l ReadOnlyList) Unwrap() any { return l.Slice() }

// ReadOnlyMap is the frozen form of a map property.
type ReadOnlyMap struct {
	entries map[string]any
}

var _ domain.ReadOnly = ReadOnlyMap{}

// NewReadOnlyMap takes ownership of entries.
func NewReadOnlyMap(entries map[string]any) ReadOnlyMap { return ReadOnlyMap{entries: entries} }

func (m ReadOnlyMap) Len() int { return len(m.entries) }

func (m ReadOnlyMap) Get(key string) (any, bool) {
	v, ok := m.entries[key]
	return domain.CopyValue(v), ok
}

// Keys returns the keys in sorted order.
func (m ReadOnlyMap) Keys() []string { return slices.Sorted(maps.Keys(m.entries)) }

// Map returns a mutable copy.
func (m ReadOnlyMap) Map() map[string]any {
	if m.entries == nil {
		return map[string]any{}
	}
	return domain.CopyValue(m.entries).(map[string]any)
}

func (m ReadOnlyMap) Unwrap() any { return m.Map() }

func listItems(v any) ([]any, bool) {
	switch tv := v.(type) {
	case []any:
		return tv, true
	case ReadOnlyList:
		return tv.items, true
	}
	return nil, false
}

func mapEntries(v any) (map[string]any, bool) {
	switch tv := v.(type) {
	case map[string]any:
		return tv, true
	case ReadOnlyMap:
		return tv.entries, true
	}
	return nil, false
}
