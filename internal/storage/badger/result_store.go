package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/interfaces"
)

// ResultStore implements the intermediate result store on raw Badger
// entries with native TTL. The "job-result:" prefix carries preprocessing
// outputs; "transcript:" carries the voice transcription cache.
type ResultStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewResultStore creates a ResultStore instance.
func NewResultStore(db *BadgerDB, logger arbor.ILogger) interfaces.ResultStore {
	return &ResultStore{
		db:     db,
		logger: logger,
	}
}

// Put writes a payload under key with a bounded TTL.
func (s *ResultStore) Put(ctx context.Context, key string, payload interface{}, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("result store key is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for key %s: %w", key, err)
	}

	err = s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		entry := badgerdb.NewEntry(s.storeKey(key), data).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to store result for key %s: %w", key, err)
	}

	s.logger.Trace().
		Str("key", key).
		Int("size", len(data)).
		Dur("ttl", ttl).
		Msg("Stored intermediate result")
	return nil
}

// Get decodes the stored payload into target. Expired entries surface as
// ErrKeyNotFound; Badger drops them at read time.
func (s *ResultStore) Get(ctx context.Context, key string, target interface{}) error {
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(s.storeKey(key))
		if err != nil {
			if err == badgerdb.ErrKeyNotFound {
				return interfaces.ErrKeyNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, target)
		})
	})
	if err == interfaces.ErrKeyNotFound {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to get result for key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (s *ResultStore) Delete(ctx context.Context, key string) error {
	err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(s.storeKey(key))
	})
	if err != nil && err != badgerdb.ErrKeyNotFound {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

func (s *ResultStore) storeKey(key string) []byte {
	return []byte("rs:" + key)
}
