// Package pg persists documents in a single Postgres table and layers the
// in-process subscription hub on top, so a writing node observes its own
// writes in issue order.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"ebbflow.dev/internal/docstore"
	"ebbflow.dev/internal/ids"
	"ebbflow.dev/internal/obs"
)

// Store implements docstore.Store over Postgres.
type Store struct {
	db  *sql.DB
	hub *docstore.Hub

	mu    sync.Mutex
	dirty map[string]struct{}
	wake  chan struct{}
	done  chan struct{}
}

var _ docstore.Store = (*Store)(nil)

// Open connects to Postgres and starts the change pump that refreshes live
// subscriptions after each local write.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newStore(db), nil
}

// NewWithDB wraps an existing connection. Tests use this with sqlmock.
func NewWithDB(db *sql.DB) *Store { return newStore(db) }

func newStore(db *sql.DB) *Store {
	s := &Store{
		db:    db,
		hub:   docstore.NewHub(),
		dirty: make(map[string]struct{}),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go s.pump()
	return s
}

// Close stops the change pump and releases the pool.
func (s *Store) Close() error {
	close(s.done)
	return s.db.Close()
}

// DB exposes the underlying pool for readiness probes and migrations.
func (s *Store) DB() *sql.DB { return s.db }

// ServerTime approximates the store clock. Row timestamps are assigned by
// SQL now() inside each statement, not by this value.
func (s *Store) ServerTime() time.Time { return time.Now().UTC() }

func (s *Store) Insert(ctx context.Context, collection string, fields map[string]any) (string, error) {
	if !docstore.ValidCollection(collection) {
		return "", fmt.Errorf("%w: %s", docstore.ErrInvalidPath, collection)
	}
	payload, err := marshalFields(fields)
	if err != nil {
		return "", err
	}
	id := ids.New()
	_, err = s.db.ExecContext(ctx, `
		insert into documents(collection, id, fields, created_at, updated_at)
		values ($1, $2, $3, now(), now())
	`, collection, id, payload)
	if err != nil {
		return "", storeErr(err)
	}
	obs.CountStoreWrite(collection, "insert")
	s.markDirty(collection)
	return id, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	payload, err := marshalFields(fields)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update documents
		set fields = fields || $3::jsonb, updated_at = now()
		where collection = $1 and id = $2
	`, collection, id, payload)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return docstore.ErrNotFound
	}
	obs.CountStoreWrite(collection, "update")
	s.markDirty(collection)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `
		delete from documents where collection = $1 and id = $2
	`, collection, id)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return docstore.ErrNotFound
	}
	obs.CountStoreWrite(collection, "delete")
	s.markDirty(collection)
	return nil
}

// Query reads the whole collection and applies filters and ordering with the
// shared matching helpers, keeping semantics identical to the memory store.
// Collections here are small (spec-scale boards); revisit if that changes.
func (s *Store) Query(ctx context.Context, collection string, filters []docstore.Filter, orders []docstore.Order) ([]docstore.Document, error) {
	all, err := s.fetchCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]docstore.Document, 0, len(all))
	for _, doc := range all {
		if docstore.Matches(doc, filters) {
			out = append(out, doc)
		}
	}
	docstore.SortDocs(out, orders)
	return out, nil
}

func (s *Store) Subscribe(ctx context.Context, collection string, filters []docstore.Filter, orders []docstore.Order, fn docstore.SnapshotFunc) (docstore.CancelFunc, error) {
	if !docstore.ValidCollection(collection) {
		return nil, fmt.Errorf("%w: %s", docstore.ErrInvalidPath, collection)
	}
	current, err := s.fetchCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, collection, filters, orders, fn, current), nil
}

func (s *Store) BatchWrite(ctx context.Context, writes []docstore.Write) error {
	if len(writes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	touched := make(map[string]struct{}, 2)
	for i, w := range writes {
		if !docstore.ValidCollection(w.Collection) {
			return fmt.Errorf("%w: op %d: %s", docstore.ErrInvalidPath, i, w.Collection)
		}
		payload, err := marshalFields(w.Fields)
		if err != nil {
			return err
		}
		switch w.Kind {
		case docstore.WriteInsert:
			id := w.ID
			if id == "" {
				id = ids.New()
			}
			if _, err := tx.ExecContext(ctx, `
				insert into documents(collection, id, fields, created_at, updated_at)
				values ($1, $2, $3, now(), now())
			`, w.Collection, id, payload); err != nil {
				return storeErr(err)
			}
		case docstore.WriteUpdate:
			res, err := tx.ExecContext(ctx, `
				update documents
				set fields = fields || $3::jsonb, updated_at = now()
				where collection = $1 and id = $2
			`, w.Collection, w.ID, payload)
			if err != nil {
				return storeErr(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: op %d: %s/%s", docstore.ErrNotFound, i, w.Collection, w.ID)
			}
		case docstore.WriteDelete:
			res, err := tx.ExecContext(ctx, `
				delete from documents where collection = $1 and id = $2
			`, w.Collection, w.ID)
			if err != nil {
				return storeErr(err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("%w: op %d: %s/%s", docstore.ErrNotFound, i, w.Collection, w.ID)
			}
		default:
			return fmt.Errorf("%w: op %d: unknown kind", docstore.ErrInvalidOp, i)
		}
		touched[w.Collection] = struct{}{}
	}

	if err := tx.Commit(); err != nil {
		return storeErr(err)
	}
	for collection := range touched {
		obs.CountStoreWrite(collection, "batch")
		s.markDirty(collection)
	}
	return nil
}

func (s *Store) fetchCollection(ctx context.Context, collection string) ([]docstore.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, fields, created_at, updated_at
		from documents
		where collection = $1
	`, collection)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []docstore.Document
	for rows.Next() {
		var (
			doc     docstore.Document
			payload []byte
		)
		if err := rows.Scan(&doc.ID, &payload, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, storeErr(err)
		}
		doc.Collection = collection
		if err := json.Unmarshal(payload, &doc.Fields); err != nil {
			return nil, fmt.Errorf("decode document %s/%s: %w", collection, doc.ID, err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// markDirty queues a subscription refresh for the collection. Flags coalesce:
// a burst of writes produces one re-query.
func (s *Store) markDirty(collection string) {
	s.mu.Lock()
	s.dirty[collection] = struct{}{}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump serialises subscription refreshes so snapshots reach subscribers in
// write order.
func (s *Store) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		pending := s.dirty
		s.dirty = make(map[string]struct{})
		s.mu.Unlock()

		for collection := range pending {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			all, err := s.fetchCollection(ctx, collection)
			cancel()
			if err != nil {
				obs.Logger().Warn("subscription refresh failed",
					zap.String("collection", collection), zap.Error(err))
				continue
			}
			s.hub.Broadcast(collection, all)
		}
	}
}

func marshalFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return payload, nil
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.ErrNotFound
	}
	return fmt.Errorf("%w: %v", docstore.ErrUnavailable, err)
}
