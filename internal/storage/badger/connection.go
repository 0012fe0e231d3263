package badger

import (
	"fmt"
	"os"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB manages the Badger database connection. The badgerhold store is
// used for typed record storages; the raw handle backs the queue and the
// TTL'd intermediate result store.
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	path   string
}

// NewBadgerDB opens the Badger database at path.
func NewBadgerDB(logger arbor.ILogger, path string) (*BadgerDB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Opening Badger database connection")

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil // Disable default badger logger to use arbor

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Badger database initialized")

	return &BadgerDB{
		store:  store,
		logger: logger,
		path:   path,
	}, nil
}

// Store returns the badgerhold store.
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Badger returns the raw Badger handle for keyspaces that need TTL entries
// or ordered key iteration.
func (b *BadgerDB) Badger() *badgerdb.DB {
	return b.store.Badger()
}

// Close closes the database connection.
func (b *BadgerDB) Close() error {
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
