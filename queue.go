package vitalsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	syncErrors "github.com/vitalsync/vitalsync/errors"
)

// Queue is the ordered, durable log of operations that could not be applied
// remotely. Entries are applied strictly in enqueue order per document:
// draining a Delete before the Update that preceded it could resurrect a
// deleted document, so a failed entry blocks every later entry for the same
// document until the next drain.
type Queue struct {
	storage QueueStorage
	logger  *slog.Logger
}

// NewQueue creates a queue over the given durable storage.
func NewQueue(storage QueueStorage, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		storage: storage,
		logger:  logger.With("component", "queue"),
	}
}

// Enqueue appends a deferred mutation to the tail of the log.
func (q *Queue) Enqueue(ctx context.Context, op PendingOperation) error {
	if op.Collection == "" {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("collection is required"))
	}
	if op.Type != OpTypeAdd && op.Type != OpTypeUpdate && op.Type != OpTypeDelete {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("unknown operation type %q", op.Type))
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}

	seq, err := q.storage.Append(ctx, op)
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpEnqueue, err)
	}

	q.logger.Debug("operation enqueued",
		"seq", seq,
		"type", op.Type,
		"collection", op.Collection,
		"document_id", op.DocumentID)
	return nil
}

// Pending returns all queued operations in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]PendingOperation, error) {
	ops, err := q.storage.List(ctx)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpDrain, err)
	}
	return ops, nil
}

// Len returns the number of queued operations.
func (q *Queue) Len(ctx context.Context) (int, error) {
	ops, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	return len(ops), nil
}

// RewriteDocumentID durably replaces oldID with newID on every queued entry,
// used when a drained Add receives its server-assigned id.
func (q *Queue) RewriteDocumentID(ctx context.Context, oldID, newID string) error {
	if err := q.storage.UpdateDocumentID(ctx, oldID, newID); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpDrain, err)
	}
	return nil
}

// Drain applies queued operations in enqueue order, removing only entries for
// which apply returned nil. A failed entry stays at its position and blocks
// later entries for the same document, but independent documents keep
// draining. Draining an empty queue is a no-op.
func (q *Queue) Drain(ctx context.Context, apply func(PendingOperation) error) (int, error) {
	ops, err := q.storage.List(ctx)
	if err != nil {
		return 0, syncErrors.NewStorageError(syncErrors.OpDrain, err)
	}
	if len(ops) == 0 {
		return 0, nil
	}

	applied := 0
	blocked := make(map[string]bool)
	for _, op := range ops {
		select {
		case <-ctx.Done():
			return applied, ctx.Err()
		default:
		}

		key := op.Collection + "/" + op.DocumentID
		if blocked[key] {
			q.logger.Debug("skipping entry behind failed operation",
				"seq", op.Seq, "document_id", op.DocumentID)
			continue
		}

		if err := apply(op); err != nil {
			blocked[key] = true
			q.logger.Warn("drain entry failed, will retry next drain",
				"seq", op.Seq,
				"type", op.Type,
				"collection", op.Collection,
				"document_id", op.DocumentID,
				"error", err)
			continue
		}

		if err := q.storage.Delete(ctx, op.Seq); err != nil {
			// The operation was applied remotely but the entry could not be
			// removed; it stays for the next drain, blocking only its own
			// document. Replay is safe because entries are only removed after
			// remote confirmation.
			blocked[key] = true
			q.logger.Warn("failed to remove confirmed entry, will replay next drain",
				"seq", op.Seq,
				"collection", op.Collection,
				"document_id", op.DocumentID,
				"error", err)
			continue
		}
		applied++
	}

	return applied, nil
}
