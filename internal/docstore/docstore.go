// Package docstore defines the document database surface the board core is
// built on: hierarchical collections of schemaless documents with one-shot
// queries, live snapshot subscriptions and atomic multi-document batches.
package docstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("docstore: not found")
	ErrInvalidPath = errors.New("docstore: invalid collection path")
	ErrInvalidOp   = errors.New("docstore: invalid batch operation")
	ErrUnavailable = errors.New("docstore: unavailable")
)

// Document is a single stored record. CreatedAt and UpdatedAt are assigned by
// the store, never by callers.
type Document struct {
	ID         string
	Collection string
	Fields     map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Clone returns a copy whose field map is detached from store internals.
func (d Document) Clone() Document {
	out := d
	out.Fields = cloneFields(d.Fields)
	return out
}

// Filter operators supported by Query and Subscribe.
const (
	OpEqual         = "=="
	OpGreater       = ">"
	OpArrayContains = "array-contains"
)

// Filter restricts a query to documents whose field matches the operator.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Order sorts query results by a field. The pseudo-fields "id", "createdAt"
// and "updatedAt" address document metadata.
type Order struct {
	Field string
	Desc  bool
}

// WriteKind enumerates batch operation kinds.
type WriteKind int

const (
	WriteInsert WriteKind = iota
	WriteUpdate
	WriteDelete
)

// Write is one operation inside an atomic batch.
type Write struct {
	Kind       WriteKind
	Collection string
	ID         string
	Fields     map[string]any
}

// SnapshotFunc receives the complete current result set of a subscription.
// Each invocation is authoritative, not a delta.
type SnapshotFunc func(docs []Document)

// CancelFunc tears down a subscription. Safe to call more than once; the
// first call releases the listener.
type CancelFunc func()

// Store is the document database contract consumed by the board services.
type Store interface {
	// Insert creates a document with a generated identifier and returns it.
	Insert(ctx context.Context, collection string, fields map[string]any) (string, error)

	// Update merges fields into an existing document and refreshes its
	// updated-at timestamp. Returns ErrNotFound for a missing document.
	Update(ctx context.Context, collection, id string, fields map[string]any) error

	// Delete removes a document. Returns ErrNotFound for a missing document.
	Delete(ctx context.Context, collection, id string) error

	// Query runs a one-shot read.
	Query(ctx context.Context, collection string, filters []Filter, orders []Order) ([]Document, error)

	// Subscribe registers a live feed. The current snapshot is delivered
	// immediately, then again after every mutation in the collection.
	// Snapshots for one subscription arrive in order and never concurrently.
	Subscribe(ctx context.Context, collection string, filters []Filter, orders []Order, fn SnapshotFunc) (CancelFunc, error)

	// BatchWrite applies all operations atomically: either every write is
	// visible or none is.
	BatchWrite(ctx context.Context, writes []Write) error

	// ServerTime reports the store-assigned clock used for document
	// timestamps.
	ServerTime() time.Time
}

// ValidCollection reports whether path names a collection: slash-separated,
// no empty segments, an odd number of segments (collections alternate with
// document ids, e.g. "notes" or "notes/<id>/comments").
func ValidCollection(path string) bool {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return false
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return len(segs)%2 == 1
}

func cloneFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneFields(t)
		case []string:
			cp := make([]string, len(t))
			copy(cp, t)
			out[k] = cp
		case []any:
			cp := make([]any, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
