// Package persistence provides the optional registry-snapshot store named
// in §6 "Persisted state": registry entries (card + registration
// timestamps + TTL), stored so a snapshot is loadable without live peers
// present. The core itself stays primarily in-memory; this package is the
// external-collaborator-facing persistence boundary, not a dependency of
// any other internal package.
//
// Grounded on the teacher's omni/internal/storage.BadgerStore: DefaultConfig
// with sane value-log/cache sizing, a mutex-guarded open/closed db handle,
// and View/Update transaction wrapping.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/a2amesh/mesh/internal/registry"
)

const entryKeyPrefix = "registry/entry/"

// Store persists registry.Entry snapshots to an embedded badger database.
type Store struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// Open creates or opens the badger database at dir, following the
// teacher's DefaultConfig sizing (mid-size value log and block cache,
// suitable for a few thousand agent cards).
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create persistence dir: %w", err)
	}
	opts := badger.DefaultOptions(dir).
		WithValueLogFileSize(1 << 28).
		WithBlockCacheSize(64 << 20).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveEntry writes a single entry's snapshot, overwriting any prior one for
// the same agent id.
func (s *Store) SaveEntry(entry registry.Entry) error {
	if s.isClosed() {
		return fmt.Errorf("persistence store is closed")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(entryKeyPrefix+entry.Card.ID), data)
	})
}

// DeleteEntry removes a persisted entry, mirroring Unregister.
func (s *Store) DeleteEntry(agentID string) error {
	if s.isClosed() {
		return fmt.Errorf("persistence store is closed")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(entryKeyPrefix + agentID))
	})
}

// LoadAll returns every persisted entry, for rebuilding a registry's
// in-memory state and indexes on restart (§4.3 "rebuild indexes from
// entries on restart").
func (s *Store) LoadAll() ([]registry.Entry, error) {
	if s.isClosed() {
		return nil, fmt.Errorf("persistence store is closed")
	}
	var entries []registry.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(entryKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var entry registry.Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close releases the underlying badger database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
