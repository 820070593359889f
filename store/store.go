// Package store implements the crash-safe provides/state database (C4):
// an embedded, fsynced key/value store with one bucket per logical table.
package store

import (
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/coreos/update-agent/uerrors"
)

var (
	bucketProvides   = []byte("provides")
	bucketState      = []byte("state")
	bucketStandalone = []byte("standalone")
)

// ErrNotFound is returned by Read/Remove when key isn't present.
var ErrNotFound = errors.New("key not found")

// Store is the persistent provides/state database, backed by a single
// bbolt file. Every write commits through a real bbolt transaction, which
// fsyncs before returning — a crash between two writes to different keys
// never observes a partial result.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the database file at path, with all
// three logical buckets present.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, uerrors.Wrap(uerrors.CodeStorageError, err, "opening store %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketProvides, bucketState, bucketStandalone} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, uerrors.Wrap(uerrors.CodeStorageError, err, "initializing store buckets")
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Table names one of the store's logical buckets.
type Table string

const (
	TableProvides   Table = "provides"
	TableState      Table = "state"
	TableStandalone Table = "standalone"
)

func bucketFor(t Table) []byte {
	switch t {
	case TableProvides:
		return bucketProvides
	case TableState:
		return bucketState
	case TableStandalone:
		return bucketStandalone
	default:
		return nil
	}
}

// Write durably stores value under key in table. bbolt's Update commits
// (and fsyncs) before returning, so a successful Write is visible to every
// future Open of this file even across a crash.
func (s *Store) Write(table Table, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFor(table)).Put([]byte(key), value)
	})
	if err != nil {
		return uerrors.Wrap(uerrors.CodeStorageError, err, "writing %s/%s", table, key)
	}
	return nil
}

// Read returns the value stored under key, or ErrNotFound.
func (s *Store) Read(table Table, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketFor(table)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes key from table. Removing an absent key returns ErrNotFound,
// matching spec's read()/remove() contract symmetry.
func (s *Store) Remove(table Table, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFor(table))
		if b.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(key))
	})
	if err == ErrNotFound {
		return ErrNotFound
	}
	if err != nil {
		return uerrors.Wrap(uerrors.CodeStorageError, err, "removing %s/%s", table, key)
	}
	return nil
}

// List returns every key currently set in table, for show-provides.
func (s *Store) List(table Table) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFor(table)).ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, uerrors.Wrap(uerrors.CodeStorageError, err, "listing %s", table)
	}
	return out, nil
}

// Tx is the snapshot+write-set view fn sees inside Transaction.
type Tx struct {
	tx *bolt.Tx
}

// Read sees this transaction's consistent snapshot, including writes the
// same fn already made this transaction.
func (t *Tx) Read(table Table, key string) ([]byte, error) {
	v := t.tx.Bucket(bucketFor(table)).Get([]byte(key))
	if v == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Write stages a write within this transaction.
func (t *Tx) Write(table Table, key string, value []byte) error {
	return t.tx.Bucket(bucketFor(table)).Put([]byte(key), value)
}

// Remove stages a delete within this transaction.
func (t *Tx) Remove(table Table, key string) error {
	return t.tx.Bucket(bucketFor(table)).Delete([]byte(key))
}

// ListKeys returns every key currently visible in table, snapshot-consistent
// with this transaction (used by the resolver's clears-glob pass, which
// needs a stable view of provides while it deletes from it).
func (t *Tx) ListKeys(table Table) ([]string, error) {
	var keys []string
	err := t.tx.Bucket(bucketFor(table)).ForEach(func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	})
	return keys, err
}

// Transaction runs fn against a consistent snapshot; fn's writes commit
// atomically (and fsync) on a nil return, or are entirely discarded if fn
// returns an error. Required for the depends resolver's clears-then-merge
// commit step (§4.5), which must not leave the provides table half-updated.
func (s *Store) Transaction(fn func(*Tx) error) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
	if err != nil && err != ErrNotFound {
		return uerrors.Wrap(uerrors.CodeStorageError, err, "store transaction")
	}
	return err
}
