// Package directory implements the external KV store of spec §6.3
// concretely: a tidwall/buntdb-backed engine satisfying the Backend
// interface OSEG programs against. buntdb gives an embedded, indexed
// store with its own internal write serialization, standing in for
// the networked CRAQ cluster the production system would run against
// - any future networked backend need only implement Backend to slot
// in without touching OSEG (§6.3 "added").
package directory

import (
	"context"

	"github.com/tidwall/buntdb"
)

// Backend is what OSEG's read/write pools program against: get/set,
// asynchronous, no transactions, no watches (§6.3). Updates to other
// servers' views propagate only via DirectoryUpdate broadcasts, never
// through this interface.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Store is the concrete buntdb-backed Backend.
type Store struct {
	db *buntdb.DB
}

// Open opens (or creates) a buntdb file at path. path may be ":memory:"
// for an ephemeral, non-persisted store - useful for the "loc" OSEG
// variant and for tests (§6.5 "added").
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	// Directory values are tiny, fixed-width wire records (§4.2); a
	// background shrink keeps the file compact without a foreground
	// cost under our write volume.
	db.SetConfig(buntdb.Config{
		AutoShrinkPercentage: 100,
		AutoShrinkMinSize:    32 * 1024 * 1024,
	})
	return &Store{db: db}, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		value = []byte(v)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), nil)
		return err
	})
}

func (s *Store) Close() error { return s.db.Close() }

// Shrink forces an immediate compaction; exposed for tests and the
// admin surface rather than relied upon by the core.
func (s *Store) Shrink() error { return s.db.Shrink() }
