package store

import (
	"encoding/json"
	"errors"

	bolt "go.etcd.io/bbolt"
)

// writeReq is one enqueued mutation for a tree's single writer
// goroutine. All Put/Delete calls for a given Tree funnel through one
// goroutine to preserve write ordering instead of racing each other
// into bbolt.Update.
type writeReq struct {
	fn   func(*bolt.Tx) error
	done chan error
}

// Tree is a typed, versioned view over one bbolt bucket. T must be
// JSON-serializable.
type Tree[T any] struct {
	s       *Store
	bucket  []byte
	version byte
	reqs    chan writeReq
	closeCh chan struct{}
}

// OpenTree opens (creating if absent) a tree backed by the bucket named
// name, tagging every value written through it with version.
func OpenTree[T any](s *Store, name string, version byte) (*Tree[T], error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, &OpError{Op: "open", Tree: name, Err: err}
	}

	t := &Tree[T]{
		s:       s,
		bucket:  []byte(name),
		version: version,
		reqs:    make(chan writeReq, 64),
		closeCh: make(chan struct{}),
	}
	go t.runWriter()
	return t, nil
}

// Name returns the tree's bucket name, e.g. for log fields.
func (t *Tree[T]) Name() string { return string(t.bucket) }

func (t *Tree[T]) runWriter() {
	for {
		select {
		case req := <-t.reqs:
			req.done <- t.s.db.Update(req.fn)
		case <-t.closeCh:
			return
		}
	}
}

// submit enqueues fn to run inside a write transaction on this tree's
// dedicated writer goroutine and waits for the result.
func (t *Tree[T]) submit(fn func(*bolt.Tx) error) error {
	done := make(chan error, 1)
	select {
	case t.reqs <- writeReq{fn: fn, done: done}:
	case <-t.closeCh:
		return ErrClosed
	}
	return <-done
}

// Put serializes v and writes it under key, prefixed with the tree's
// version byte.
func (t *Tree[T]) Put(key string, v T) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return &OpError{Op: "serialize", Tree: t.Name(), Key: key, Err: err}
	}
	data := encodeVersioned(t.version, payload)

	if err := t.submit(func(tx *bolt.Tx) error {
		return tx.Bucket(t.bucket).Put([]byte(key), data)
	}); err != nil {
		return &OpError{Op: "save", Tree: t.Name(), Key: key, Err: err}
	}
	return nil
}

// Get looks up key and deserializes its value. Returns ErrMissingKey if
// absent, ErrUnsupportedVersion if the stored version byte doesn't match.
func (t *Tree[T]) Get(key string) (T, error) {
	var zero T
	var stored []byte

	err := t.s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(t.bucket).Get([]byte(key))
		if raw == nil {
			return ErrMissingKey
		}
		stored = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrMissingKey) {
			return zero, ErrMissingKey
		}
		return zero, &OpError{Op: "lookup", Tree: t.Name(), Key: key, Err: err}
	}

	payload, err := decodeVersioned(t.version, stored)
	if err != nil {
		return zero, err
	}

	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return zero, &OpError{Op: "deserialize", Tree: t.Name(), Key: key, Err: err}
	}
	return v, nil
}

// Delete removes key, no-op if absent.
func (t *Tree[T]) Delete(key string) error {
	if err := t.submit(func(tx *bolt.Tx) error {
		return tx.Bucket(t.bucket).Delete([]byte(key))
	}); err != nil {
		return &OpError{Op: "delete", Tree: t.Name(), Key: key, Err: err}
	}
	return nil
}

// PutIn stages v under key within txn instead of going through the
// tree's writer goroutine; it becomes durable if and only if the
// surrounding Store.Transaction commits.
func (t *Tree[T]) PutIn(txn *Txn, key string, v T) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return &OpError{Op: "serialize", Tree: t.Name(), Key: key, Err: err}
	}
	return txn.tx.Bucket(t.bucket).Put([]byte(key), encodeVersioned(t.version, payload))
}

// DeleteIn stages removal of key within txn.
func (t *Tree[T]) DeleteIn(txn *Txn, key string) error {
	return txn.tx.Bucket(t.bucket).Delete([]byte(key))
}

// ForEach iterates every key/value pair in the tree in bbolt's key order.
// Used on startup to reload persisted agents/envs/storages/cannons.
func (t *Tree[T]) ForEach(fn func(key string, v T) error) error {
	return t.s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(t.bucket).ForEach(func(k, raw []byte) error {
			payload, err := decodeVersioned(t.version, raw)
			if err != nil {
				return err
			}
			var v T
			if err := json.Unmarshal(payload, &v); err != nil {
				return &OpError{Op: "deserialize", Tree: t.Name(), Key: string(k), Err: err}
			}
			return fn(string(k), v)
		})
	})
}

// Close stops the tree's writer goroutine. The underlying Store and its
// other trees remain open.
func (t *Tree[T]) Close() error {
	close(t.closeCh)
	return nil
}
