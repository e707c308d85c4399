package domain

// EntityStatus tracks where an EntityState is in its lifecycle.
type EntityStatus string

const (
	// StatusNew marks state created in the current unit of work and not yet stored.
	StatusNew EntityStatus = "new"
	// StatusLoaded marks state read from a store and not modified since.
	StatusLoaded EntityStatus = "loaded"
	// StatusUpdated marks loaded state that has been mutated.
	StatusUpdated EntityStatus = "updated"
	// StatusRemoved marks state scheduled for deletion. It is terminal.
	StatusRemoved EntityStatus = "removed"
)

// IsValid reports whether s is one of the known statuses.
func (s EntityStatus) IsValid() bool {
	switch s {
	case StatusNew, StatusLoaded, StatusUpdated, StatusRemoved:
		return true
	default:
		return false
	}
}
