// Package vitalsync provides an offline-first synchronization engine for
// personal data-tracking clients. The engine keeps reads and writes working
// against a durable local cache while the remote document store is
// unreachable, queues failed writes in a durable pending-operation log, and
// replays them in enqueue order once connectivity returns, reconciling
// locally-minted document ids with server-assigned ones.
package vitalsync

import (
	"context"
	"time"

	"github.com/vitalsync/vitalsync/entity"
)

// OperationType identifies the kind of deferred mutation in the pending log.
type OperationType string

const (
	OpTypeAdd    OperationType = "add"
	OpTypeUpdate OperationType = "update"
	OpTypeDelete OperationType = "delete"
)

// PendingOperation is a deferred mutation awaiting successful remote replay.
// Entries are retained in enqueue order and removed only after the remote
// store has confirmed the operation.
type PendingOperation struct {
	// Seq is assigned by the queue storage and defines enqueue order.
	Seq int64 `json:"seq"`

	// Type of the deferred mutation
	Type OperationType `json:"type"`

	// Collection the document belongs to
	Collection string `json:"collection"`

	// DocumentID is the document identity; for an Add this is a
	// locally-minted id until the server assigns one.
	DocumentID string `json:"document_id"`

	// Payload holds the field map for Add and Update; nil for Delete.
	Payload map[string]any `json:"payload,omitempty"`

	// EnqueuedAt is when the operation entered the queue
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// LocalStore provides durable, local-only persistence for cached entity
// collections. Implementations must treat serialization corruption as an
// empty result rather than a failure so the client always has something to
// render.
type LocalStore interface {
	// Get returns all cached entities in a collection
	Get(ctx context.Context, collection string) ([]entity.Entity, error)

	// Put replaces a whole collection, used after a successful remote fetch
	Put(ctx context.Context, collection string, entities []entity.Entity) error

	// Upsert inserts or replaces a single entity by id
	Upsert(ctx context.Context, collection string, e entity.Entity) error

	// Remove deletes an entity by id, reporting whether it existed
	Remove(ctx context.Context, collection, id string) (bool, error)

	// Rename atomically rewrites a document id in place. Concurrent readers
	// see either the old or the new id, never a half-updated entity.
	Rename(ctx context.Context, collection, oldID, newID string) error

	// Close closes the store and releases resources
	Close() error
}

// QueueStorage is the durable backing log for the pending-operation queue.
type QueueStorage interface {
	// Append adds an operation to the tail of the log and returns its
	// storage-assigned sequence number.
	Append(ctx context.Context, op PendingOperation) (int64, error)

	// List returns all pending operations in enqueue order
	List(ctx context.Context) ([]PendingOperation, error)

	// Delete removes a completed entry by sequence number
	Delete(ctx context.Context, seq int64) error

	// UpdateDocumentID rewrites the document id on every entry that
	// references oldID, preserving sequence order.
	UpdateDocumentID(ctx context.Context, oldID, newID string) error
}

// SettingsStore persists small engine settings across process restarts,
// such as the manual offline override.
type SettingsStore interface {
	// GetBool returns the stored value and whether the key was present
	GetBool(ctx context.Context, key string) (value bool, found bool, err error)

	// SetBool stores a boolean setting
	SetBool(ctx context.Context, key string, value bool) error
}

// RemoteClient is the thin contract for the remote document store. Every call
// must be bounded by a timeout; a call that exceeds it fails rather than
// hanging. Errors are opaque to the coordinator: any error means the store is
// unreachable.
type RemoteClient interface {
	// Create stores a new document and returns the server-assigned id
	Create(ctx context.Context, collection string, fields map[string]any) (string, error)

	// Update applies a field map to an existing document
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Delete removes a document
	Delete(ctx context.Context, collection, id string) error

	// Query returns documents in a collection matching the filter;
	// a nil filter returns the whole collection.
	Query(ctx context.Context, collection string, filter map[string]string) ([]entity.Entity, error)

	// Close closes the client connection
	Close() error
}

// NetworkMonitor observes connectivity transitions. The signal is advisory,
// not authoritative: a remote call can still time out while the monitor
// reports "available".
type NetworkMonitor interface {
	// Available performs a point-in-time connectivity probe
	Available(ctx context.Context) bool

	// Subscribe registers a callback invoked on every transition
	// (not on every probe); duplicate transitions are debounced.
	Subscribe(handler func(online bool))

	// Start begins background probing
	Start(ctx context.Context) error

	// Stop halts background probing
	Stop() error
}

// Status describes the coordinator's current position in its state machine.
type Status string

const (
	// StatusSynced means the engine is online with an empty pending queue
	StatusSynced Status = "synced"

	// StatusDraining means a queue drain is in flight
	StatusDraining Status = "draining"

	// StatusOffline means mutations are being queued locally
	StatusOffline Status = "offline"
)
