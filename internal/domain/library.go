package domain

// UID identifies one occurrence of an entity inside a lineup or queue.
// Format: {kind}:{id}:{sourceDescriptor} (see package uid).
type UID string

// Descriptor is one item of a raw page returned by a lineup fetch function.
// A descriptor with a non-positive ID is a null slot (the backend could not
// resolve the item).
type Descriptor struct {
	Kind     Kind           `json:"kind"`
	ID       ID             `json:"id"`
	Extra    map[string]any `json:"extra,omitempty"`    // per-occurrence props, e.g. "created_at"
	Metadata map[string]any `json:"metadata,omitempty"` // entity payload cached before merge
}

// IsNull reports whether the backend returned an empty slot
func (d Descriptor) IsNull() bool {
	return d.ID <= 0
}

// Status is the loading state of a lineup
type Status int

const (
	StatusEmpty Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

// String returns a human-readable representation of the status
func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "EMPTY"
	case StatusLoading:
		return "LOADING"
	case StatusSuccess:
		return "SUCCESS"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Entry is one ordered position of a lineup
type Entry struct {
	UID   UID            `json:"uid"`
	Kind  Kind           `json:"kind"`
	ID    ID             `json:"id"`
	Extra map[string]any `json:"extra,omitempty"`

	// Deleted marks a tombstoned entity kept as a placeholder
	Deleted bool `json:"deleted,omitempty"`
	// Unresolved marks an entity that was not in the cache at merge time
	Unresolved bool `json:"unresolved,omitempty"`
}
