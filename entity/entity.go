// Package entity defines the generic, schema-free record synchronized between
// the local cache and the remote document store. Entities belong to a named
// collection and carry an open field map; per-collection schema validation is
// the caller's responsibility.
package entity

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// LocalIDPrefix marks identifiers minted on-device before the remote store has
// assigned a server id. A prefixed id must never be sent to the remote store.
const LocalIDPrefix = "local_"

// Entity is a single document in a named collection. ID is empty until either
// a local id is minted (offline create) or the server assigns one.
type Entity struct {
	Collection string         `json:"collection"`
	ID         string         `json:"id"`
	Fields     map[string]any `json:"fields"`
}

// NewLocalID mints a temporary document id with the reserved local prefix.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id is a locally-minted temporary id.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Clone returns a deep copy of the entity. Field values are copied through
// JSON, which is also the serialized form the cache stores; values that cannot
// round-trip through JSON are dropped rather than shared.
func (e Entity) Clone() Entity {
	out := Entity{Collection: e.Collection, ID: e.ID}
	if e.Fields == nil {
		return out
	}
	raw, err := json.Marshal(e.Fields)
	if err != nil {
		out.Fields = map[string]any{}
		return out
	}
	fields := make(map[string]any, len(e.Fields))
	if err := json.Unmarshal(raw, &fields); err != nil {
		out.Fields = map[string]any{}
		return out
	}
	out.Fields = fields
	return out
}

// CloneFields deep-copies a field map. A nil map stays nil.
func CloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(fields))
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
