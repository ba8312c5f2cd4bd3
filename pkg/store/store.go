// Package store keeps the evaluation history in a bbolt database.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/elves/evald/pkg/logutil"
	"github.com/elves/evald/pkg/store/storedefs"
)

var logger = logutil.GetLogger("store")

// Functions that initialize the database, keyed by a description. Each file
// registers the buckets it needs.
var initDB = map[string](func(*bolt.Tx) error){}

// DBStore is the permanent storage backend for evald.
type DBStore interface {
	storedefs.Store
	// Path returns the path of the database file.
	Path() string
}

type dbStore struct {
	db *bolt.DB
}

// NewStore opens the database at the given path, creating it and its parent
// directory if needed.
func NewStore(dbPath string) (DBStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(dbPath, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	return NewStoreFromDB(db)
}

// NewStoreFromDB creates a new Store from a bolt DB.
func NewStoreFromDB(db *bolt.DB) (DBStore, error) {
	logger.Debug().Str("path", db.Path()).Msg("initializing store")
	err := db.Update(func(tx *bolt.Tx) error {
		for name, fn := range initDB {
			if err := fn(tx); err != nil {
				return fmt.Errorf("failed to %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &dbStore{db}, nil
}

func (s *dbStore) Path() string { return s.db.Path() }

// Close closes the database.
func (s *dbStore) Close() error {
	return s.db.Close()
}
