// Package kvstore provides the Redis-like primitives the dispatch engine is
// built on (values, counters, hashes, lists, sorted sets, sets and streams)
// over an embedded ordered key-value engine. Every Update runs as one atomic
// transaction; Updates are serialized.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a value, hash field or member does not exist.
	ErrNotFound = errors.New("kvstore: not found")
	// ErrReadOnly is returned when a write is attempted inside View.
	ErrReadOnly = errors.New("kvstore: write in read-only transaction")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kvstore: closed")
)

// Store runs transactions against an engine.
type Store interface {
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(tx *Tx) error) error
	// Update runs fn in a read-write transaction. If fn returns an error
	// nothing is written.
	Update(ctx context.Context, fn func(tx *Tx) error) error
	Close() error
}

// Engine names accepted by Open.
const (
	EnginePebble = "pebble"
	EngineBadger = "badger"
)

// Open opens a store with the named engine rooted at dir.
// An empty dir opens an in-memory store.
func Open(engine, dir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(engine)) {
	case "", EnginePebble:
		return OpenPebble(dir)
	case EngineBadger:
		return OpenBadger(dir)
	default:
		return nil, fmt.Errorf("unknown kv engine %q", engine)
	}
}

// pair is one raw key/value returned by a scan.
type pair struct {
	key   []byte
	value []byte
}

// engine is the raw ordered key-value surface a Tx is built on. Returned
// slices are owned by the caller.
type engine interface {
	get(key []byte) ([]byte, error) // ErrNotFound when absent
	set(key, value []byte) error
	del(key []byte) error
	// scan returns up to limit pairs in [lower, upper), ascending unless
	// reverse is set. limit <= 0 means no limit.
	scan(lower, upper []byte, reverse bool, limit int) ([]pair, error)
}
