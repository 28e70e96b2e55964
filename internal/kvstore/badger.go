package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

type badgerStore struct {
	mu     sync.RWMutex
	db     *badger.DB
	closed bool
}

// OpenBadger opens a Badger-backed store under dir/badger.
// An empty dir opens Badger in memory.
func OpenBadger(dir string) (Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "badger"))
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = dir != ""
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&Tx{e: &badgerEngine{txn: txn}})
	})
}

// Update holds the write lock for the whole transaction so Badger never
// reports a conflict between concurrent updates.
func (s *badgerStore) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&Tx{e: &badgerEngine{txn: txn}, writable: true})
	})
}

func (s *badgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type badgerEngine struct {
	txn *badger.Txn
}

func (e *badgerEngine) get(key []byte) ([]byte, error) {
	item, err := e.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (e *badgerEngine) set(key, value []byte) error {
	return e.txn.Set(key, value)
}

func (e *badgerEngine) del(key []byte) error {
	return e.txn.Delete(key)
}

// scan closes its iterator before returning; Badger allows only one open
// iterator per read-write transaction.
func (e *badgerEngine) scan(lower, upper []byte, reverse bool, limit int) ([]pair, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	it := e.txn.NewIterator(opts)
	defer it.Close()

	var out []pair
	start := lower
	if reverse {
		start = upper
	}
	for it.Seek(start); it.Valid(); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		if reverse {
			if bytes.Compare(k, upper) >= 0 {
				continue
			}
			if bytes.Compare(k, lower) < 0 {
				break
			}
		} else if upper != nil && bytes.Compare(k, upper) >= 0 {
			break
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		out = append(out, pair{key: k, value: v})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
