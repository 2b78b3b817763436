package vitalsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vitalsync/vitalsync/entity"
	syncErrors "github.com/vitalsync/vitalsync/errors"
)

// DefaultRemoteTimeout bounds every remote call so a half-open connection
// fails deterministically instead of blocking the coordinator.
const DefaultRemoteTimeout = 5 * time.Second

// CoordinatorOptions configures the sync coordinator.
type CoordinatorOptions struct {
	// Logger receives structured engine logs; defaults to slog.Default()
	Logger *slog.Logger

	// Metrics receives observability hooks; defaults to a no-op collector
	Metrics MetricsCollector

	// RemoteTimeout bounds each remote call (default 5s)
	RemoteTimeout time.Duration

	// FallbackData is served on read paths with no cache and no
	// connectivity; defaults to DefaultFallbackData()
	FallbackData map[string][]entity.Entity

	// DrainOnReconnect automatically drains the queue when the effective
	// state flips to online (default true; disable for tests that drive
	// drains explicitly)
	DrainOnReconnect bool
}

// DrainResult describes a completed queue drain.
type DrainResult struct {
	// Applied is the number of operations confirmed by the remote store
	Applied int

	// Remaining is the queue depth after the drain
	Remaining int

	// Errors contains non-fatal errors encountered during the drain
	Errors []error

	// Coalesced is true when this call joined an already-running drain
	// instead of starting a second one
	Coalesced bool

	// StartTime is when the drain began
	StartTime time.Time

	// Duration is how long the drain took
	Duration time.Duration
}

// Coordinator is the state machine at the center of the engine. For every
// caller-initiated mutation it decides between the remote client and the
// local-apply-plus-enqueue fallback, and it drains the pending queue when
// connectivity returns.
type Coordinator struct {
	store   LocalStore
	queue   *Queue
	remote  RemoteClient
	offline *OfflineState
	options CoordinatorOptions
	logger  *slog.Logger
	metrics MetricsCollector

	// mu serializes all local-store and queue mutations. Remote calls are
	// issued without holding it so cache reads stay available while a
	// remote call is outstanding.
	mu sync.Mutex

	// stateMu guards drain coalescing and lifecycle state
	stateMu     sync.Mutex
	draining    bool
	drainDirty  bool
	subscribers []func(*DrainResult)
	closed      bool
}

// NewCoordinator wires the engine together. The offline state is subscribed
// so that an offline-to-online transition triggers a background drain; this
// is the only place where incoming connectivity actively starts work.
func NewCoordinator(store LocalStore, queue *Queue, remote RemoteClient, offline *OfflineState, opts *CoordinatorOptions) *Coordinator {
	options := CoordinatorOptions{DrainOnReconnect: true}
	if opts != nil {
		options = *opts
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Metrics == nil {
		options.Metrics = &NoOpMetricsCollector{}
	}
	if options.RemoteTimeout <= 0 {
		options.RemoteTimeout = DefaultRemoteTimeout
	}
	if options.FallbackData == nil {
		options.FallbackData = DefaultFallbackData()
	}

	c := &Coordinator{
		store:   store,
		queue:   queue,
		remote:  remote,
		offline: offline,
		options: options,
		logger:  options.Logger.With("component", "coordinator"),
		metrics: options.Metrics,
	}

	if options.DrainOnReconnect {
		offline.Subscribe(func(isOffline bool) {
			if isOffline {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := c.Sync(ctx); err != nil {
				c.logger.Error("reconnect drain failed", "error", err)
			}
		})
	}

	return c
}

// AddEntity creates a new document. Online it goes to the remote store and
// mirrors the server-assigned id into the cache; offline (or on any remote
// error) it mints a local id, applies optimistically, and queues the Add.
// The caller is never failed by a remote outage.
func (c *Coordinator) AddEntity(ctx context.Context, collection string, fields map[string]any) (entity.Entity, error) {
	if err := c.checkOpen(); err != nil {
		return entity.Entity{}, err
	}
	if collection == "" {
		return entity.Entity{}, syncErrors.NewValidationError(syncErrors.OpAdd, fmt.Errorf("collection is required"))
	}

	ent := entity.Entity{Collection: collection, Fields: entity.CloneFields(fields)}

	if !c.offline.EffectiveOffline() {
		rctx, cancel := c.remoteCtx(ctx)
		serverID, err := c.remote.Create(rctx, collection, ent.Fields)
		cancel()
		if err == nil {
			ent.ID = serverID
			c.mu.Lock()
			storeErr := c.store.Upsert(ctx, collection, ent)
			c.mu.Unlock()
			if storeErr != nil {
				return entity.Entity{}, syncErrors.NewStorageError(syncErrors.OpAdd, storeErr)
			}
			c.metrics.RecordMutation("add", true)
			c.logger.Debug("entity created remotely",
				"collection", collection, "id", serverID)
			return ent, nil
		}
		c.logger.Warn("remote create failed, working offline - changes will sync later",
			"collection", collection, "error", err)
	}

	ent.ID = entity.NewLocalID()
	if err := c.applyLocalAdd(ctx, ent); err != nil {
		return entity.Entity{}, err
	}
	c.metrics.RecordMutation("add", false)
	return ent, nil
}

// UpdateEntity applies a field map to an existing document. A blank id is a
// programming error and is rejected synchronously; nothing is enqueued.
func (c *Coordinator) UpdateEntity(ctx context.Context, collection, id string, fields map[string]any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := validateDocRef(syncErrors.OpUpdate, collection, id); err != nil {
		return err
	}

	fields = entity.CloneFields(fields)

	// A locally-minted id must never reach the remote store; the queued Add
	// ahead of this update will resolve it to a server id during drain.
	if !entity.IsLocalID(id) && !c.offline.EffectiveOffline() {
		rctx, cancel := c.remoteCtx(ctx)
		err := c.remote.Update(rctx, collection, id, fields)
		cancel()
		if err == nil {
			if storeErr := c.mergeIntoCache(ctx, collection, id, fields); storeErr != nil {
				return syncErrors.NewStorageError(syncErrors.OpUpdate, storeErr)
			}
			c.metrics.RecordMutation("update", true)
			return nil
		}
		c.logger.Warn("remote update failed, working offline - changes will sync later",
			"collection", collection, "id", id, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mergeIntoCacheLocked(ctx, collection, id, fields); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpUpdate, err)
	}
	if err := c.queue.Enqueue(ctx, PendingOperation{
		Type:       OpTypeUpdate,
		Collection: collection,
		DocumentID: id,
		Payload:    fields,
	}); err != nil {
		return err
	}
	c.metrics.RecordMutation("update", false)
	return nil
}

// DeleteEntity removes a document. A blank id is rejected synchronously.
func (c *Coordinator) DeleteEntity(ctx context.Context, collection, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := validateDocRef(syncErrors.OpDelete, collection, id); err != nil {
		return err
	}

	if !entity.IsLocalID(id) && !c.offline.EffectiveOffline() {
		rctx, cancel := c.remoteCtx(ctx)
		err := c.remote.Delete(rctx, collection, id)
		cancel()
		if err == nil {
			c.mu.Lock()
			_, storeErr := c.store.Remove(ctx, collection, id)
			c.mu.Unlock()
			if storeErr != nil {
				return syncErrors.NewStorageError(syncErrors.OpDelete, storeErr)
			}
			c.metrics.RecordMutation("delete", true)
			return nil
		}
		c.logger.Warn("remote delete failed, working offline - changes will sync later",
			"collection", collection, "id", id, "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.store.Remove(ctx, collection, id); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpDelete, err)
	}
	if err := c.queue.Enqueue(ctx, PendingOperation{
		Type:       OpTypeDelete,
		Collection: collection,
		DocumentID: id,
	}); err != nil {
		return err
	}
	c.metrics.RecordMutation("delete", false)
	return nil
}

// GetEntities returns the best-available data: remote when online (mirrored
// into the cache), the cache otherwise, and the built-in fallback set when
// there is neither cache nor connectivity.
func (c *Coordinator) GetEntities(ctx context.Context, collection string) ([]entity.Entity, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if collection == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpGet, fmt.Errorf("collection is required"))
	}

	if !c.offline.EffectiveOffline() {
		rctx, cancel := c.remoteCtx(ctx)
		remote, err := c.remote.Query(rctx, collection, nil)
		cancel()
		if err == nil {
			return c.mirrorRemoteFetch(ctx, collection, remote), nil
		}
		c.logger.Warn("remote query failed, serving cache",
			"collection", collection, "error", err)
	}

	cached, err := c.store.Get(ctx, collection)
	if err != nil {
		// Corruption policy: treat the collection as empty, never fail a read.
		c.logger.Error("cache read failed, treating collection as empty",
			"collection", collection, "error", err)
		cached = nil
	}
	if len(cached) > 0 {
		c.metrics.RecordFallback(collection, "cache")
		return cached, nil
	}

	if fallback, ok := c.options.FallbackData[collection]; ok {
		c.metrics.RecordFallback(collection, "builtin")
		c.logger.Info("serving built-in fallback data", "collection", collection)
		return cloneEntities(fallback), nil
	}

	return []entity.Entity{}, nil
}

// SetManualOfflineMode persists the user's explicit offline choice. Turning
// it off re-evaluates connectivity; if the engine is now effectively online
// the offline-state subscription triggers a drain.
func (c *Coordinator) SetManualOfflineMode(ctx context.Context, offline bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.offline.SetManualOverride(ctx, offline)
}

// Status reports the coordinator's current state.
func (c *Coordinator) Status() Status {
	if c.offline.EffectiveOffline() {
		return StatusOffline
	}
	c.stateMu.Lock()
	draining := c.draining
	c.stateMu.Unlock()
	if draining {
		return StatusDraining
	}
	return StatusSynced
}

// Subscribe registers a callback invoked after every completed drain.
func (c *Coordinator) Subscribe(handler func(*DrainResult)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.subscribers = append(c.subscribers, handler)
}

// Sync drains the pending-operation queue against the remote store. Drains
// are coalesced: a Sync issued while one is running marks the active drain
// dirty and returns immediately; the active drain loops once more before
// finishing. Draining with nothing newly enqueued is a no-op.
func (c *Coordinator) Sync(ctx context.Context) (*DrainResult, error) {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil, syncErrors.New(syncErrors.OpDrain, fmt.Errorf("coordinator is closed"))
	}
	if c.draining {
		c.drainDirty = true
		c.stateMu.Unlock()
		c.logger.Debug("drain already running, coalescing request")
		return &DrainResult{Coalesced: true}, nil
	}
	c.draining = true
	c.stateMu.Unlock()

	defer func() {
		c.stateMu.Lock()
		c.draining = false
		c.stateMu.Unlock()
	}()

	result := &DrainResult{StartTime: time.Now()}
	for {
		applied, err := c.drainOnce(ctx)
		result.Applied += applied
		if err != nil {
			result.Errors = append(result.Errors, err)
			c.metrics.RecordDrainErrors("drain_failure")
		}

		c.stateMu.Lock()
		rerun := c.drainDirty
		c.drainDirty = false
		c.stateMu.Unlock()
		if !rerun || err != nil {
			break
		}
	}
	result.Duration = time.Since(result.StartTime)

	if remaining, err := c.queue.Len(ctx); err == nil {
		result.Remaining = remaining
		c.metrics.RecordQueueDepth(remaining)
	}
	c.metrics.RecordDrain(result.Applied, result.Duration)
	c.logger.Info("drain completed",
		"applied", result.Applied,
		"remaining", result.Remaining,
		"duration", result.Duration,
		"errors", len(result.Errors))

	c.notifySubscribers(result)
	return result, nil
}

// drainOnce replays the queue once in enqueue order. A drained Add whose
// entry still carries a local id rewrites the cache entry and every later
// queued reference to the newly assigned server id before the next entry is
// attempted.
func (c *Coordinator) drainOnce(ctx context.Context) (int, error) {
	// Maps local ids resolved during this pass; queued entries listed before
	// the rewrite still reference the local id.
	resolved := make(map[string]string)

	return c.queue.Drain(ctx, func(op PendingOperation) error {
		docID := op.DocumentID
		if serverID, ok := resolved[docID]; ok {
			docID = serverID
		}

		switch op.Type {
		case OpTypeAdd:
			rctx, cancel := c.remoteCtx(ctx)
			serverID, err := c.remote.Create(rctx, op.Collection, op.Payload)
			cancel()
			if err != nil {
				return syncErrors.NewNetworkError(syncErrors.OpDrain, err)
			}
			if entity.IsLocalID(op.DocumentID) {
				if err := c.reconcileID(ctx, op.Collection, op.DocumentID, serverID); err != nil {
					return err
				}
				resolved[op.DocumentID] = serverID
			}
			return nil

		case OpTypeUpdate:
			if entity.IsLocalID(docID) {
				// The Add that mints this document's server id has not been
				// confirmed yet; keep the update queued behind it.
				return syncErrors.New(syncErrors.OpDrain, fmt.Errorf("document %s has no server id yet", docID))
			}
			rctx, cancel := c.remoteCtx(ctx)
			err := c.remote.Update(rctx, op.Collection, docID, op.Payload)
			cancel()
			if err != nil {
				return syncErrors.NewNetworkError(syncErrors.OpDrain, err)
			}
			return nil

		case OpTypeDelete:
			if entity.IsLocalID(docID) {
				return syncErrors.New(syncErrors.OpDrain, fmt.Errorf("document %s has no server id yet", docID))
			}
			rctx, cancel := c.remoteCtx(ctx)
			err := c.remote.Delete(rctx, op.Collection, docID)
			cancel()
			if err != nil {
				return syncErrors.NewNetworkError(syncErrors.OpDrain, err)
			}
			return nil

		default:
			return syncErrors.New(syncErrors.OpDrain, fmt.Errorf("unknown operation type %q", op.Type))
		}
	})
}

// mirrorRemoteFetch writes a successful remote fetch into the cache and
// returns the view to serve. Queued operations have not reached the remote
// yet, so they are overlaid onto the remote result first; a plain
// whole-collection replace would wipe optimistic rows whose Adds are still
// pending and make a mutation that already returned success disappear from
// reads.
func (c *Coordinator) mirrorRemoteFetch(ctx context.Context, collection string, remote []entity.Entity) []entity.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, err := c.queue.Pending(ctx)
	if err != nil {
		// Without the pending view the mirror could clobber queued writes;
		// serve the remote data and leave the cache alone.
		c.logger.Error("failed to read pending queue, skipping cache mirror",
			"collection", collection, "error", err)
		return remote
	}

	merged := overlayPending(collection, remote, pending)
	if err := c.store.Put(ctx, collection, merged); err != nil {
		c.logger.Error("failed to mirror remote fetch into cache",
			"collection", collection, "error", err)
	}
	return merged
}

// overlayPending replays queued operations for one collection on top of a
// remote fetch, in enqueue order, so reads reflect every mutation that has
// already returned success.
func overlayPending(collection string, remote []entity.Entity, ops []PendingOperation) []entity.Entity {
	order := make([]string, 0, len(remote))
	docs := make(map[string]entity.Entity, len(remote))
	for _, e := range remote {
		if _, ok := docs[e.ID]; !ok {
			order = append(order, e.ID)
		}
		docs[e.ID] = e
	}

	for _, op := range ops {
		if op.Collection != collection {
			continue
		}
		switch op.Type {
		case OpTypeAdd, OpTypeUpdate:
			existing, ok := docs[op.DocumentID]
			if !ok {
				docs[op.DocumentID] = entity.Entity{
					Collection: collection,
					ID:         op.DocumentID,
					Fields:     entity.CloneFields(op.Payload),
				}
				order = append(order, op.DocumentID)
				continue
			}
			merged := existing.Clone()
			if merged.Fields == nil {
				merged.Fields = make(map[string]any, len(op.Payload))
			}
			for k, v := range op.Payload {
				merged.Fields[k] = v
			}
			docs[op.DocumentID] = merged
		case OpTypeDelete:
			delete(docs, op.DocumentID)
		}
	}

	out := make([]entity.Entity, 0, len(docs))
	for _, id := range order {
		if e, ok := docs[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// reconcileID atomically replaces a local id with the server-assigned one in
// the cache and in every later queued operation. Readers see either the old
// or the new id, never a half-updated entity.
func (c *Coordinator) reconcileID(ctx context.Context, collection, localID, serverID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Rename(ctx, collection, localID, serverID); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpDrain, err)
	}
	if err := c.queue.RewriteDocumentID(ctx, localID, serverID); err != nil {
		return err
	}
	c.logger.Debug("local id reconciled",
		"collection", collection, "local_id", localID, "server_id", serverID)
	return nil
}

// Close shuts down the coordinator, the remote client, and the local store.
func (c *Coordinator) Close() error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	c.stateMu.Unlock()

	var errs []error
	if err := c.remote.Close(); err != nil {
		errs = append(errs, syncErrors.NewWithComponent(syncErrors.OpClose, "remote", err))
	}
	if err := c.store.Close(); err != nil {
		errs = append(errs, syncErrors.NewWithComponent(syncErrors.OpClose, "store", err))
	}
	if len(errs) > 0 {
		return syncErrors.New(syncErrors.OpClose, fmt.Errorf("multiple close errors: %v", errs))
	}
	return nil
}

func (c *Coordinator) applyLocalAdd(ctx context.Context, ent entity.Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Upsert(ctx, ent.Collection, ent); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpAdd, err)
	}
	return c.queue.Enqueue(ctx, PendingOperation{
		Type:       OpTypeAdd,
		Collection: ent.Collection,
		DocumentID: ent.ID,
		Payload:    ent.Fields,
	})
}

func (c *Coordinator) mergeIntoCache(ctx context.Context, collection, id string, fields map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergeIntoCacheLocked(ctx, collection, id, fields)
}

// mergeIntoCacheLocked merges a field patch into the cached entity, creating
// the entry if the cache has never seen the document. Caller holds c.mu.
func (c *Coordinator) mergeIntoCacheLocked(ctx context.Context, collection, id string, fields map[string]any) error {
	entities, err := c.store.Get(ctx, collection)
	if err != nil {
		return err
	}

	for _, existing := range entities {
		if existing.ID == id {
			merged := existing.Clone()
			if merged.Fields == nil {
				merged.Fields = make(map[string]any, len(fields))
			}
			for k, v := range fields {
				merged.Fields[k] = v
			}
			return c.store.Upsert(ctx, collection, merged)
		}
	}

	return c.store.Upsert(ctx, collection, entity.Entity{
		Collection: collection,
		ID:         id,
		Fields:     entity.CloneFields(fields),
	})
}

func (c *Coordinator) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.options.RemoteTimeout)
}

func (c *Coordinator) checkOpen() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return syncErrors.New(syncErrors.OpClose, fmt.Errorf("coordinator is closed"))
	}
	return nil
}

func (c *Coordinator) notifySubscribers(result *DrainResult) {
	c.stateMu.Lock()
	subscribers := make([]func(*DrainResult), len(c.subscribers))
	copy(subscribers, c.subscribers)
	c.stateMu.Unlock()

	for _, handler := range subscribers {
		go func(h func(*DrainResult)) {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("drain subscriber panic recovered", "panic", r)
				}
			}()
			h(result)
		}(handler)
	}
}

func validateDocRef(op syncErrors.Operation, collection, id string) error {
	if collection == "" {
		return syncErrors.NewValidationError(op, fmt.Errorf("collection is required"))
	}
	if id == "" {
		return syncErrors.NewValidationError(op, fmt.Errorf("document id is required"))
	}
	return nil
}
