package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	dbm "github.com/cosmos/cosmos-db"
)

// Store is the durable mirror of on-chain state. It is a thin JSON-row layer
// over an ordered key/value database; only the coordination core writes to it.
type Store struct {
	db dbm.DB
}

// Open opens (or creates) the mirror database under home.
func Open(home string) (*Store, error) {
	db, err := dbm.NewGoLevelDB("mirror", filepath.Join(home, "data"), nil)
	if err != nil {
		return nil, fmt.Errorf("open mirror db: %w", err)
	}
	return &Store{db: db}, nil
}

// NewMemStore returns an in-memory store for tests.
func NewMemStore() *Store {
	return &Store{db: dbm.NewMemDB()}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get unmarshals the row at key into out. Returns false when the row is absent.
func (s *Store) Get(key []byte, out any) (bool, error) {
	bz, err := s.db.Get(key)
	if err != nil {
		return false, fmt.Errorf("store get: %w", err)
	}
	if bz == nil {
		return false, nil
	}
	if err := json.Unmarshal(bz, out); err != nil {
		return false, fmt.Errorf("decode row %q: %w", key, err)
	}
	return true, nil
}

func (s *Store) Set(key []byte, v any) error {
	bz, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode row %q: %w", key, err)
	}
	if err := s.db.SetSync(key, bz); err != nil {
		return fmt.Errorf("store set: %w", err)
	}
	return nil
}

func (s *Store) Has(key []byte) (bool, error) {
	ok, err := s.db.Has(key)
	if err != nil {
		return false, fmt.Errorf("store has: %w", err)
	}
	return ok, nil
}

func (s *Store) Delete(key []byte) error {
	if err := s.db.DeleteSync(key); err != nil {
		return fmt.Errorf("store delete: %w", err)
	}
	return nil
}

// Iterate walks all rows under prefix in ascending key order. The callback
// returns true to stop early.
func (s *Store) Iterate(prefix []byte, fn func(key, value []byte) (stop bool, err error)) error {
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return fmt.Errorf("store iterator: %w", err)
	}
	defer it.Close()

	for ; it.Valid(); it.Next() {
		stop, err := fn(it.Key(), it.Value())
		if err != nil {
			return err
		}
		if stop {
			break
		}
	}
	return it.Error()
}

// prefixEnd returns the smallest key strictly greater than every key that
// carries prefix, or nil for an unbounded scan.
func prefixEnd(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
