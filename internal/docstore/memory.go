package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ebbflow.dev/internal/ids"
	"ebbflow.dev/internal/obs"
)

// Memory implements Store with in-process state. It backs tests and single
// node deployments that do not need durability.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	hub         *Hub
	now         func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the server time source (useful for tests).
func WithClock(fn func() time.Time) MemoryOption {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory creates an empty in-memory document store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		collections: make(map[string]map[string]Document),
		hub:         NewHub(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Store = (*Memory)(nil)

func (m *Memory) ServerTime() time.Time { return m.now().UTC() }

func (m *Memory) Insert(ctx context.Context, collection string, fields map[string]any) (string, error) {
	if !ValidCollection(collection) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPath, collection)
	}
	now := m.ServerTime()
	doc := Document{
		ID:         ids.New(),
		Collection: collection,
		Fields:     cloneFields(fields),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if doc.Fields == nil {
		doc.Fields = map[string]any{}
	}

	m.mu.Lock()
	coll, ok := m.collections[collection]
	if !ok {
		coll = make(map[string]Document)
		m.collections[collection] = coll
	}
	coll[doc.ID] = doc
	m.publishLocked(collection)
	m.mu.Unlock()

	obs.CountStoreWrite(collection, "insert")
	return doc.ID, nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	doc, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	merged := doc.Clone()
	for k, v := range cloneFields(fields) {
		merged.Fields[k] = v
	}
	merged.UpdatedAt = m.ServerTime()
	m.collections[collection][id] = merged
	m.publishLocked(collection)
	m.mu.Unlock()

	obs.CountStoreWrite(collection, "update")
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	if _, ok := m.collections[collection][id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.collections[collection], id)
	m.publishLocked(collection)
	m.mu.Unlock()

	obs.CountStoreWrite(collection, "delete")
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, filters []Filter, orders []Order) ([]Document, error) {
	m.mu.RLock()
	all := m.snapshotLocked(collection)
	m.mu.RUnlock()

	out := make([]Document, 0, len(all))
	for _, doc := range all {
		if Matches(doc, filters) {
			out = append(out, doc)
		}
	}
	SortDocs(out, orders)
	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context, collection string, filters []Filter, orders []Order, fn SnapshotFunc) (CancelFunc, error) {
	if !ValidCollection(collection) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, collection)
	}
	// Register under the read lock: a write cannot broadcast between the
	// snapshot read and hub registration, so the initial snapshot is never
	// stale.
	m.mu.RLock()
	cancel := m.hub.Subscribe(ctx, collection, filters, orders, fn, m.snapshotLocked(collection))
	m.mu.RUnlock()
	return cancel, nil
}

// BatchWrite applies all writes under one lock: every operation is validated
// against the staged state first, so a failing operation leaves the store
// untouched and no intermediate state is ever observable.
func (m *Memory) BatchWrite(ctx context.Context, writes []Write) error {
	if len(writes) == 0 {
		return nil
	}

	m.mu.Lock()
	staged := make(map[string]map[string]*Document, 2)
	stage := func(collection string) map[string]*Document {
		coll, ok := staged[collection]
		if !ok {
			coll = make(map[string]*Document)
			for id, doc := range m.collections[collection] {
				cp := doc.Clone()
				coll[id] = &cp
			}
			staged[collection] = coll
		}
		return coll
	}

	now := m.ServerTime()
	for i, w := range writes {
		if !ValidCollection(w.Collection) {
			m.mu.Unlock()
			return fmt.Errorf("%w: op %d: %s", ErrInvalidPath, i, w.Collection)
		}
		coll := stage(w.Collection)
		switch w.Kind {
		case WriteInsert:
			id := w.ID
			if id == "" {
				id = ids.New()
			}
			if _, exists := coll[id]; exists {
				m.mu.Unlock()
				return fmt.Errorf("%w: op %d: duplicate id %s", ErrInvalidOp, i, id)
			}
			doc := Document{ID: id, Collection: w.Collection, Fields: cloneFields(w.Fields), CreatedAt: now, UpdatedAt: now}
			if doc.Fields == nil {
				doc.Fields = map[string]any{}
			}
			coll[id] = &doc
		case WriteUpdate:
			doc, ok := coll[w.ID]
			if !ok {
				m.mu.Unlock()
				return fmt.Errorf("%w: op %d: %s/%s", ErrNotFound, i, w.Collection, w.ID)
			}
			for k, v := range cloneFields(w.Fields) {
				doc.Fields[k] = v
			}
			doc.UpdatedAt = now
		case WriteDelete:
			if _, ok := coll[w.ID]; !ok {
				m.mu.Unlock()
				return fmt.Errorf("%w: op %d: %s/%s", ErrNotFound, i, w.Collection, w.ID)
			}
			delete(coll, w.ID)
		default:
			m.mu.Unlock()
			return fmt.Errorf("%w: op %d: unknown kind", ErrInvalidOp, i)
		}
	}

	for collection, coll := range staged {
		dst := make(map[string]Document, len(coll))
		for id, doc := range coll {
			dst[id] = *doc
		}
		m.collections[collection] = dst
		obs.CountStoreWrite(collection, "batch")
		m.publishLocked(collection)
	}
	m.mu.Unlock()
	return nil
}

// snapshotLocked copies the collection contents; callers hold at least a
// read lock.
func (m *Memory) snapshotLocked(collection string) []Document {
	coll := m.collections[collection]
	out := make([]Document, 0, len(coll))
	for _, doc := range coll {
		out = append(out, doc.Clone())
	}
	return out
}

// publishLocked broadcasts the collection's current contents while the write
// lock is still held, so every subscriber mailbox receives snapshots in
// mutation order. Broadcast only offers to mailboxes and never runs callbacks
// inline, so holding the lock here cannot deadlock.
func (m *Memory) publishLocked(collection string) {
	m.hub.Broadcast(collection, m.snapshotLocked(collection))
}
