package property

import (
	"fmt"

	"entitycore/pkg/domain"
)

// WriteThrough is called by Instance.Set after validation and before the cell
// is updated. An error aborts the write.
type WriteThrough func(qn domain.QualifiedName, value any) error

// Instance is one property cell on one composite instance.
type Instance struct {
	info  Info
	value any
	hook  WriteThrough
}

// NewInstance returns a cell holding value, governed by info.
func NewInstance(info Info, value any) *Instance {
	return &Instance{info: info, value: value}
}

// Info returns the model currently governing writes.
func (p *Instance) Info() Info { return p.info }

// SetInfo replaces the governing model.
func (p *Instance) SetInfo(info Info) { p.info = info }

// SetWriteThrough installs a hook run on every successful Set.
func (p *Instance) SetWriteThrough(hook WriteThrough) { p.hook = hook }

// Get returns the current value.
func (p *Instance) Get() any { return p.value }

// Set validates value and stores its normalized form. The cell is unchanged
// on any error.
func (p *Instance) Set(value any) error {
	qn := p.info.QualifiedName()
	if p.info.IsImmutable() {
		return fmt.Errorf("%w: %s", ErrImmutableProperty, qn)
	}
	value, err := p.info.Normalize(value)
	if err != nil {
		return err
	}
	if p.hook != nil {
		if err := p.hook(qn, value); err != nil {
			return fmt.Errorf("property %s: %w", qn, err)
		}
	}
	p.value = value
	return nil
}

// Equal compares contained values only.
func (p *Instance) Equal(other *Instance) bool {
	if other == nil {
		return false
	}
	return domain.ValuesEqual(p.value, other.value)
}

func (p *Instance) String() string {
	if p.value == nil {
		return ""
	}
	return fmt.Sprint(domain.PlainValue(p.value))
}

// PrepareToBuild enters the builder phase: the relaxed builder model governs
// writes, collections are copied and nested values become buildable copies.
func (p *Instance) PrepareToBuild(m *Model) {
	p.info = m.BuilderInfo()
	if p.value == nil {
		return
	}
	switch m.ValueType().Kind {
	case domain.KindValue:
		p.value = prepareElemToBuild(p.value)
	case domain.KindList, domain.KindSet:
		if items, ok := listItems(p.value); ok {
			out := make([]any, len(items))
			for i, item := range items {
				out[i] = prepareElemToBuild(item)
			}
			p.value = out
		}
	case domain.KindMap:
		if entries, ok := mapEntries(p.value); ok {
			out := make(map[string]any, len(entries))
			for k, item := range entries {
				out[k] = prepareElemToBuild(item)
			}
			p.value = out
		}
	}
}

// PrepareBuilderState leaves the builder phase: nested values are frozen,
// collections of immutable properties are wrapped read-only and m governs
// writes again.
func (p *Instance) PrepareBuilderState(m *Model) {
	if p.value != nil {
		switch m.ValueType().Kind {
		case domain.KindValue:
			if v, ok := p.value.(*Value); ok {
				v.prepareBuilderState()
			}
		case domain.KindList, domain.KindSet:
			if items, ok := listItems(p.value); ok {
				for _, item := range items {
					if v, ok := item.(*Value); ok {
						v.prepareBuilderState()
					}
				}
				if m.IsImmutable() {
					p.value = NewReadOnlyList(items)
				}
			}
		case domain.KindMap:
			if entries, ok := mapEntries(p.value); ok {
				for _, item := range entries {
					if v, ok := item.(*Value); ok {
						v.prepareBuilderState()
					}
				}
				if m.IsImmutable() {
					p.value = NewReadOnlyMap(entries)
				}
			}
		}
	}
	p.info = m
}

func prepareElemToBuild(v any) any {
	if val, ok := v.(*Value); ok {
		return val.prepareToBuild()
	}
	return domain.CopyValue(v)
}
