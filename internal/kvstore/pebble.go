package kvstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

type pebbleStore struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

// OpenPebble opens a Pebble-backed store under dir/pebble.
// An empty dir uses an in-memory filesystem.
func OpenPebble(dir string) (Store, error) {
	opts := &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
		MaxConcurrentCompactions: func() int {
			return 2
		},
	}
	path := filepath.Join(dir, "pebble")
	if dir == "" {
		opts.FS = vfs.NewMem()
		path = "pebble"
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	return &pebbleStore{db: db}, nil
}

func (s *pebbleStore) View(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	snap := s.db.NewSnapshot()
	defer func() { _ = snap.Close() }()
	return fn(&Tx{e: &pebbleEngine{r: snap}})
}

func (s *pebbleStore) Update(ctx context.Context, fn func(tx *Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	batch := s.db.NewIndexedBatch()
	defer func() { _ = batch.Close() }()
	if err := fn(&Tx{e: &pebbleEngine{r: batch, w: batch}, writable: true}); err != nil {
		return err
	}
	if batch.Empty() {
		return nil
	}
	return batch.Commit(pebble.Sync)
}

func (s *pebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// pebbleReader is satisfied by both *pebble.Snapshot and an indexed *pebble.Batch.
type pebbleReader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

type pebbleEngine struct {
	r pebbleReader
	w *pebble.Batch
}

func (e *pebbleEngine) get(key []byte) ([]byte, error) {
	v, closer, err := e.r.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	return append([]byte(nil), v...), nil
}

func (e *pebbleEngine) set(key, value []byte) error {
	return e.w.Set(key, value, nil)
}

func (e *pebbleEngine) del(key []byte) error {
	return e.w.Delete(key, nil)
}

func (e *pebbleEngine) scan(lower, upper []byte, reverse bool, limit int) ([]pair, error) {
	iter, err := e.r.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	var out []pair
	valid := iter.First()
	if reverse {
		valid = iter.Last()
	}
	for ; valid; valid = advance(iter, reverse) {
		out = append(out, pair{
			key:   append([]byte(nil), iter.Key()...),
			value: append([]byte(nil), iter.Value()...),
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

func advance(iter *pebble.Iterator, reverse bool) bool {
	if reverse {
		return iter.Prev()
	}
	return iter.Next()
}
