// Package domain defines the storage-agnostic entity state model shared by the
// unit-of-work engine and every persistence backend.
package domain

import (
	"fmt"
	"strings"
)

// EntityReference is the stable identity of an entity. It is comparable and is
// used as a map key throughout the engine.
type EntityReference string

// NewEntityReference validates identity and returns it as a reference.
func NewEntityReference(identity string) (EntityReference, error) {
	ref := EntityReference(identity)
	if err := ref.Validate(); err != nil {
		return "", err
	}
	return ref, nil
}

// Identity returns the raw identity string.
func (r EntityReference) Identity() string { return string(r) }

func (r EntityReference) String() string { return string(r) }

// Validate rejects empty or whitespace-only references.
func (r EntityReference) Validate() error {
	if strings.TrimSpace(string(r)) == "" {
		return fmt.Errorf("%w: empty identity", ErrMalformedReference)
	}
	return nil
}

// QualifiedName names a property or association by its declaring type and
// accessor name. The string form is "type:name".
type QualifiedName struct {
	Type string
	Name string
}

// NewQualifiedName returns the qualified name for accessor name on typ.
func NewQualifiedName(typ, name string) QualifiedName {
	return QualifiedName{Type: typ, Name: name}
}

// ParseQualifiedName parses the "type:name" form produced by String.
func ParseQualifiedName(s string) (QualifiedName, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return QualifiedName{}, fmt.Errorf("invalid qualified name %q", s)
	}
	return QualifiedName{Type: s[:idx], Name: s[idx+1:]}, nil
}

func (q QualifiedName) String() string {
	return q.Type + ":" + q.Name
}

// IsZero reports whether q has no name.
func (q QualifiedName) IsZero() bool { return q.Name == "" }
