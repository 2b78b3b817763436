package vitalsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/vitalsync/vitalsync/entity"
)

// memStore is an in-memory LocalStore for tests.
type memStore struct {
	mu          sync.Mutex
	collections map[string]map[string]entity.Entity
	getErr      error
	upsertErr   error
	closed      bool
}

func newMemStore() *memStore {
	return &memStore{collections: make(map[string]map[string]entity.Entity)}
}

func (s *memStore) Get(ctx context.Context, collection string) ([]entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	var out []entity.Entity
	for _, e := range s.collections[collection] {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) Put(ctx context.Context, collection string, entities []entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := make(map[string]entity.Entity, len(entities))
	for _, e := range entities {
		docs[e.ID] = e.Clone()
	}
	s.collections[collection] = docs
	return nil
}

func (s *memStore) Upsert(ctx context.Context, collection string, e entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	if s.collections[collection] == nil {
		s.collections[collection] = make(map[string]entity.Entity)
	}
	s.collections[collection][e.ID] = e.Clone()
	return nil
}

func (s *memStore) Remove(ctx context.Context, collection, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.collections[collection]
	if _, ok := docs[id]; !ok {
		return false, nil
	}
	delete(docs, id)
	return true, nil
}

func (s *memStore) Rename(ctx context.Context, collection, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs := s.collections[collection]
	e, ok := docs[oldID]
	if !ok {
		return nil
	}
	delete(docs, oldID)
	e.ID = newID
	docs[newID] = e
	return nil
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) ids(collection string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.collections[collection] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// memQueueStorage is an in-memory QueueStorage for tests.
type memQueueStorage struct {
	mu      sync.Mutex
	ops     []PendingOperation
	nextSeq int64

	// deleteErr makes Delete fail for specific sequence numbers
	deleteErr map[int64]error
}

func newMemQueueStorage() *memQueueStorage {
	return &memQueueStorage{nextSeq: 1}
}

func (q *memQueueStorage) Append(ctx context.Context, op PendingOperation) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	op.Seq = q.nextSeq
	q.nextSeq++
	q.ops = append(q.ops, op)
	return op.Seq, nil
}

func (q *memQueueStorage) List(ctx context.Context) ([]PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingOperation, len(q.ops))
	copy(out, q.ops)
	return out, nil
}

func (q *memQueueStorage) Delete(ctx context.Context, seq int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err, ok := q.deleteErr[seq]; ok {
		return err
	}
	for i, op := range q.ops {
		if op.Seq == seq {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *memQueueStorage) UpdateDocumentID(ctx context.Context, oldID, newID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].DocumentID == oldID {
			q.ops[i].DocumentID = newID
		}
	}
	return nil
}

// memSettings is an in-memory SettingsStore for tests.
type memSettings struct {
	mu     sync.Mutex
	values map[string]bool
	getErr error
	setErr error
}

func newMemSettings() *memSettings {
	return &memSettings{values: make(map[string]bool)}
}

func (s *memSettings) GetBool(ctx context.Context, key string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return false, false, s.getErr
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memSettings) SetBool(ctx context.Context, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value
	return nil
}

// remoteCall records a single call made against the mock remote.
type remoteCall struct {
	method     string
	collection string
	id         string
	fields     map[string]any
}

// mockRemote is a scriptable RemoteClient. When failing is true every call
// errors; otherwise Create assigns sequential server ids.
type mockRemote struct {
	mu         sync.Mutex
	failing    bool
	calls      []remoteCall
	nextID     int
	queryData  map[string][]entity.Entity
	closed     bool
	failCreate bool

	// createHook, when set, runs at the start of every Create call. Set it
	// before handing the mock to the coordinator.
	createHook func()
}

func newMockRemote() *mockRemote {
	return &mockRemote{nextID: 1, queryData: make(map[string][]entity.Entity)}
}

var (
	errRemoteDown   = errors.New("connection refused")
	errSettingsDown = errors.New("settings store unavailable")
)

func (r *mockRemote) setFailing(failing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failing = failing
}

func (r *mockRemote) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	if r.createHook != nil {
		r.createHook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, remoteCall{method: "create", collection: collection, fields: fields})
	if r.failing || r.failCreate {
		return "", errRemoteDown
	}
	id := fmt.Sprintf("srv-%d", r.nextID)
	r.nextID++
	return id, nil
}

func (r *mockRemote) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, remoteCall{method: "update", collection: collection, id: id, fields: fields})
	if r.failing {
		return errRemoteDown
	}
	return nil
}

func (r *mockRemote) Delete(ctx context.Context, collection, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, remoteCall{method: "delete", collection: collection, id: id})
	if r.failing {
		return errRemoteDown
	}
	return nil
}

func (r *mockRemote) Query(ctx context.Context, collection string, filter map[string]string) ([]entity.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, remoteCall{method: "query", collection: collection})
	if r.failing {
		return nil, errRemoteDown
	}
	return r.queryData[collection], nil
}

func (r *mockRemote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *mockRemote) callsFor(method string) []remoteCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []remoteCall
	for _, call := range r.calls {
		if call.method == method {
			out = append(out, call)
		}
	}
	return out
}

// staticMonitor is a NetworkMonitor with a fixed probe result.
type staticMonitor struct {
	mu     sync.Mutex
	online bool
}

func (m *staticMonitor) Available(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *staticMonitor) Subscribe(handler func(online bool)) {}

func (m *staticMonitor) Start(ctx context.Context) error { return nil }

func (m *staticMonitor) Stop() error { return nil }
