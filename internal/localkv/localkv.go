// Package localkv is the embedded key-value sidecar for per-device state,
// currently the per-user last-visit timestamp that drives unseen markers.
package localkv

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound reports a missing key.
var ErrNotFound = errors.New("localkv: key not found")

const lastVisitPrefix = "last_visit/"

// Store wraps a Badger database. Safe for concurrent use.
type Store struct {
	db *badger.DB
}

// Open creates or reuses a persistent store under dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("localkv: dir is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("localkv: create dir %s: %w", dir, err)
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("localkv: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway store. Intended for tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("localkv: open in-memory: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("localkv: get %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key.
func (s *Store) Set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("localkv: set %s: %w", key, err)
	}
	return nil
}

// LastVisit returns the recorded visit time for uid. ok is false when the
// user has never visited.
func (s *Store) LastVisit(uid string) (t time.Time, ok bool, err error) {
	raw, err := s.Get(lastVisitPrefix + uid)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err = time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("localkv: corrupt last-visit for %s: %w", uid, err)
	}
	return t, true, nil
}

// StampVisit records t as uid's latest visit.
func (s *Store) StampVisit(uid string, t time.Time) error {
	return s.Set(lastVisitPrefix+uid, []byte(t.UTC().Format(time.RFC3339Nano)))
}
