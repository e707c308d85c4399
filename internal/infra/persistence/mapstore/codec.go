package mapstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"entitycore/pkg/domain"
)

// Document is the persisted JSON layout of one entity state. Properties and
// associations are keyed by their accessor name.
type Document struct {
	Reference         domain.EntityReference       `json:"reference"`
	Type              string                       `json:"type"`
	Version           string                       `json:"version"`
	Modified          int64                        `json:"modified"`
	Properties        map[string]any               `json:"properties"`
	Associations      map[string]*string           `json:"associations,omitempty"`
	ManyAssociations  map[string][]string          `json:"many_associations,omitempty"`
	NamedAssociations map[string]map[string]string `json:"named_associations,omitempty"`
}

// ModifiedTime converts the stored unix milliseconds.
func (d Document) ModifiedTime() time.Time { return time.UnixMilli(d.Modified).UTC() }

// EncodeState serializes state with the version and modification time it is
// about to be committed with.
func EncodeState(state domain.EntityState, version string, modified time.Time) ([]byte, error) {
	desc := state.Descriptor()
	if desc == nil {
		return nil, fmt.Errorf("encode %s: missing descriptor", state.Reference())
	}
	doc := Document{
		Reference:  state.Reference(),
		Type:       desc.Type,
		Version:    version,
		Modified:   modified.UnixMilli(),
		Properties: make(map[string]any, len(desc.Properties)),
	}
	for _, pd := range desc.Properties {
		qn := pd.QualifiedName()
		doc.Properties[qn.Name] = domain.PlainValue(state.PropertyValueOf(qn))
	}
	if len(desc.Associations) > 0 {
		doc.Associations = make(map[string]*string, len(desc.Associations))
		for _, qn := range desc.Associations {
			if ref := state.AssociationValueOf(qn); ref != "" {
				s := string(ref)
				doc.Associations[qn.Name] = &s
			} else {
				doc.Associations[qn.Name] = nil
			}
		}
	}
	if len(desc.ManyAssociations) > 0 {
		doc.ManyAssociations = make(map[string][]string, len(desc.ManyAssociations))
		for _, qn := range desc.ManyAssociations {
			refs := state.ManyAssociationValueOf(qn).References()
			out := make([]string, len(refs))
			for i, ref := range refs {
				out[i] = string(ref)
			}
			doc.ManyAssociations[qn.Name] = out
		}
	}
	if len(desc.NamedAssociations) > 0 {
		doc.NamedAssociations = make(map[string]map[string]string, len(desc.NamedAssociations))
		for _, qn := range desc.NamedAssociations {
			named := state.NamedAssociationValueOf(qn).Map()
			out := make(map[string]string, len(named))
			for name, ref := range named {
				out[name] = string(ref)
			}
			doc.NamedAssociations[qn.Name] = out
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", state.Reference(), err)
	}
	return data, nil
}

// DecodeDocument parses data without resolving its entity type. Numbers are
// normalized to int64 when integral and float64 otherwise.
func DecodeDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode entity document: %w", err)
	}
	for name, v := range doc.Properties {
		doc.Properties[name] = normalizeNumbers(v)
	}
	return doc, nil
}

// DecodeState parses data into a LOADED state whose descriptor is looked up
// in module by the stored type name.
func DecodeState(module *domain.Module, data []byte) (*domain.DefaultEntityState, error) {
	doc, err := DecodeDocument(data)
	if err != nil {
		return nil, err
	}
	if module == nil {
		return nil, fmt.Errorf("decode %s: no module", doc.Reference)
	}
	desc, err := module.EntityDescriptor(doc.Type)
	if err != nil {
		return nil, err
	}

	props := make(map[domain.QualifiedName]any, len(desc.Properties))
	for _, pd := range desc.Properties {
		qn := pd.QualifiedName()
		raw, ok := doc.Properties[qn.Name]
		if !ok {
			continue
		}
		v, err := pd.ValueType().Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s property %s: %w", doc.Reference, qn, err)
		}
		props[qn] = v
	}
	assocs := make(map[domain.QualifiedName]domain.EntityReference)
	for _, qn := range desc.Associations {
		if ref := doc.Associations[qn.Name]; ref != nil && *ref != "" {
			assocs[qn] = domain.EntityReference(*ref)
		}
	}
	many := make(map[domain.QualifiedName][]domain.EntityReference)
	for _, qn := range desc.ManyAssociations {
		for _, ref := range doc.ManyAssociations[qn.Name] {
			many[qn] = append(many[qn], domain.EntityReference(ref))
		}
	}
	named := make(map[domain.QualifiedName]map[string]domain.EntityReference)
	for _, qn := range desc.NamedAssociations {
		entries := doc.NamedAssociations[qn.Name]
		if len(entries) == 0 {
			continue
		}
		m := make(map[string]domain.EntityReference, len(entries))
		for name, ref := range entries {
			m[name] = domain.EntityReference(ref)
		}
		named[qn] = m
	}
	return domain.NewLoadedEntityState(desc, domain.EntityStateData{
		Reference:         doc.Reference,
		Version:           doc.Version,
		LastModified:      doc.ModifiedTime(),
		Properties:        props,
		Associations:      assocs,
		ManyAssociations:  many,
		NamedAssociations: named,
	}), nil
}

// DecodeVersion reads only the version field.
func DecodeVersion(data []byte) (string, error) {
	var head struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("decode entity version: %w", err)
	}
	return head.Version, nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}
