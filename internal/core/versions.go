package core

import (
	"context"
	"errors"
	"sync"

	"entitycore/pkg/domain"
)

// VersionFetcher reads the authoritative stored version of ref.
type VersionFetcher func(ctx context.Context, ref domain.EntityReference) (string, error)

// EntityStateVersions remembers the version each in-flight unit of work saw
// when it loaded an entity. Entries live only while some unit of work has the
// entity loaded and are removed outright when any of them finishes.
type EntityStateVersions struct {
	mu       sync.Mutex
	versions map[domain.EntityReference]string
}

// NewEntityStateVersions returns an empty cache.
func NewEntityStateVersions() *EntityStateVersions {
	return &EntityStateVersions{versions: make(map[domain.EntityReference]string)}
}

// RememberVersion records the version of a freshly loaded state.
func (v *EntityStateVersions) RememberVersion(ref domain.EntityReference, version string) {
	v.mu.Lock()
	v.versions[ref] = version
	v.mu.Unlock()
}

// ForgetVersions drops the entries for every state.
func (v *EntityStateVersions) ForgetVersions(states []domain.EntityState) {
	v.mu.Lock()
	for _, s := range states {
		delete(v.versions, s.Reference())
	}
	v.mu.Unlock()
}

// Version returns the remembered version of ref.
func (v *EntityStateVersions) Version(ref domain.EntityReference) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	version, ok := v.versions[ref]
	return version, ok
}

// Len reports how many entities are currently remembered.
func (v *EntityStateVersions) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.versions)
}

// CheckForConcurrentModification compares every loaded, non-NEW state with the
// remembered version, or with the stored version when none is remembered. An
// entity deleted from the store counts as modified. All mismatches are
// reported in one *domain.ConcurrentModificationError.
func (v *EntityStateVersions) CheckForConcurrentModification(ctx context.Context, loaded []domain.EntityState, fetch VersionFetcher) error {
	var changed []domain.EntityReference
	for _, state := range loaded {
		if state.Status() == domain.StatusNew {
			continue
		}
		ref := state.Reference()
		version, ok := v.Version(ref)
		if !ok {
			var err error
			version, err = fetch(ctx, ref)
			if errors.Is(err, domain.ErrEntityNotFound) {
				changed = append(changed, ref)
				continue
			}
			if err != nil {
				return err
			}
		}
		if version != state.Version() {
			changed = append(changed, ref)
		}
	}
	if len(changed) > 0 {
		return domain.NewConcurrentModificationError(changed)
	}
	return nil
}
