package docstore

import (
	"context"
	"sync"

	"ebbflow.dev/internal/obs"
)

// Hub fans collection snapshots out to live-query subscribers. Each
// subscriber owns a drain goroutine fed by a one-slot coalescing mailbox, so
// callbacks for one subscription run in order and never concurrently, and a
// burst of writes collapses into delivery of the latest snapshot.
type Hub struct {
	mu   sync.Mutex
	subs map[int]*subscriber
	next int
}

// NewHub initialises an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]*subscriber)}
}

type subscriber struct {
	collection string
	filters    []Filter
	orders     []Order
	fn         SnapshotFunc

	mail chan []Document
	done chan struct{}
	once sync.Once
}

// Subscribe registers fn for a collection view and pushes the initial
// snapshot computed from current. The returned CancelFunc releases the
// listener; it must be invoked when the consuming scope is torn down, and the
// subscription is also released when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, collection string, filters []Filter, orders []Order, fn SnapshotFunc, current []Document) CancelFunc {
	sub := &subscriber{
		collection: collection,
		filters:    filters,
		orders:     orders,
		fn:         fn,
		mail:       make(chan []Document, 1),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()
	obs.TrackSubscription(1)

	go sub.drain()
	sub.offer(sub.view(current))

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.done)
			obs.TrackSubscription(-1)
		})
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-sub.done:
			}
		}()
	}
	return cancel
}

// Broadcast delivers the full current contents of a collection to every
// subscriber registered on it.
func (h *Hub) Broadcast(collection string, all []Document) {
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		if sub.collection == collection {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		sub.offer(sub.view(all))
	}
}

// view filters, sorts and detaches the subscriber's slice of the collection.
func (s *subscriber) view(all []Document) []Document {
	out := make([]Document, 0, len(all))
	for _, doc := range all {
		if Matches(doc, s.filters) {
			out = append(out, doc.Clone())
		}
	}
	SortDocs(out, s.orders)
	return out
}

// offer replaces any undelivered snapshot with the newer one.
func (s *subscriber) offer(docs []Document) {
	for {
		select {
		case <-s.done:
			return
		case s.mail <- docs:
			return
		default:
		}
		select {
		case <-s.mail:
		default:
		}
	}
}

func (s *subscriber) drain() {
	for {
		select {
		case <-s.done:
			return
		case docs := <-s.mail:
			s.fn(docs)
		}
	}
}
