// Package store implements the control plane's persistent key-value
// layer: typed trees keyed by ID, durable across a restart. Each tree
// is a bbolt bucket. Every value is written with a one-byte version
// header ahead of its JSON payload so a future format change can be
// detected on read.
package store

import (
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store owns the single bbolt database file backing every persisted tree
// (agents/envs/storage/cannons) under one root path.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &OpError{Op: "open", Tree: path, Err: err}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Txn is one write transaction spanning any number of this Store's
// trees. Obtain one via Transaction; stage writes into it with
// Tree.PutIn/DeleteIn.
type Txn struct {
	tx *bolt.Tx
}

// Transaction runs fn inside a single bbolt write transaction, so
// writes staged across different trees commit or roll back together.
// bbolt serializes write transactions globally, so this does not
// reorder writes relative to the trees' own writer goroutines.
func (s *Store) Transaction(fn func(*Txn) error) error {
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Txn{tx: tx})
	}); err != nil {
		return &OpError{Op: "transaction", Tree: "*", Err: err}
	}
	return nil
}
