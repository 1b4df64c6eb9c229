package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind tags the type of an entity
type Kind string

const (
	KindDigitalContents Kind = "digital_contents"
	KindCollections     Kind = "collections"
	KindUsers           Kind = "users"
)

// Valid reports whether k is one of the known entity kinds
func (k Kind) Valid() bool {
	switch k {
	case KindDigitalContents, KindCollections, KindUsers:
		return true
	default:
		return false
	}
}

// ParseKind converts a wire name into a Kind
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown entity kind %q", s)
	}
	return k, nil
}

// ID is a process-unique positive entity identifier
type ID int64

// Well-known metadata fields
const (
	FieldTitle    = "title"
	FieldName     = "name"
	FieldOwnerID  = "owner_id"
	FieldTrackIDs = "track_ids"
	FieldIsDelete = "is_delete"
)

// Entity is a normalized domain record (digital_content, collection or user).
// Kind and ID never change after creation. Deletion sets Deleted instead of
// removing the record.
type Entity struct {
	Kind    Kind           `json:"kind"`
	ID      ID             `json:"id"`
	Fields  map[string]any `json:"fields"`
	Deleted bool           `json:"deleted"`
}

// Merge applies a partial payload: fields present in src overwrite, fields
// absent from src are preserved. is_delete=true tombstones the entity; a
// tombstone is permanent, so is_delete=false never clears it.
func (e *Entity) Merge(src map[string]any) {
	e.Fields = MergeFields(e.Fields, src)
	if b, ok := src[FieldIsDelete].(bool); ok && b {
		e.Deleted = true
	}
	if e.Deleted {
		e.Fields[FieldIsDelete] = true
	}
}

// Clone returns a copy that shares no maps with e
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Fields = MergeFields(nil, e.Fields)
	return &c
}

// Title returns the display title (digital contents use "title", collections and users "name")
func (e *Entity) Title() string {
	if s, ok := e.Fields[FieldTitle].(string); ok && s != "" {
		return s
	}
	if s, ok := e.Fields[FieldName].(string); ok {
		return s
	}
	return ""
}

// OwnerID returns the owning user, 0 when unknown
func (e *Entity) OwnerID() ID {
	id, _ := ToID(e.Fields[FieldOwnerID])
	return id
}

// TrackIDs returns the ordered digital_content ids of a collection
func (e *Entity) TrackIDs() []ID {
	raw, ok := e.Fields[FieldTrackIDs]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []ID:
		out := make([]ID, len(v))
		copy(out, v)
		return out
	case []any:
		out := make([]ID, 0, len(v))
		for _, item := range v {
			if id, ok := ToID(item); ok {
				out = append(out, id)
			}
		}
		return out
	case []int:
		out := make([]ID, 0, len(v))
		for _, id := range v {
			out = append(out, ID(id))
		}
		return out
	case []int64:
		out := make([]ID, 0, len(v))
		for _, id := range v {
			out = append(out, ID(id))
		}
		return out
	default:
		return nil
	}
}

// MergeFields copies dst and overlays src onto it. The result is a new map.
func MergeFields(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ToID converts loosely typed metadata (JSON numbers, strings) to an ID
func ToID(v any) (ID, bool) {
	switch n := v.(type) {
	case ID:
		return n, n > 0
	case int:
		return ID(n), n > 0
	case int64:
		return ID(n), n > 0
	case float64:
		if n <= 0 || n != math.Trunc(n) {
			return 0, false
		}
		return ID(n), true
	case json.Number:
		i, err := n.Int64()
		return ID(i), err == nil && i > 0
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return ID(i), err == nil && i > 0
	default:
		return 0, false
	}
}
