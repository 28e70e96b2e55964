package kvstore

import (
	"errors"
	"math"
	"strings"

	"github.com/yulaomao/coffeeManage/internal/kv"
)

// Tx is a transaction handle passed to View and Update callbacks.
// It must not be retained after the callback returns.
type Tx struct {
	e        engine
	writable bool
}

func (tx *Tx) checkWrite() error {
	if !tx.writable {
		return ErrReadOnly
	}
	return nil
}

// ZEntry is one sorted set member with its score.
type ZEntry struct {
	Member string
	Score  int64
}

// StreamEntry is one stream record.
type StreamEntry struct {
	Seq   uint64
	Value []byte
}

// --- plain values and counters ---

// Get returns the value stored under name or ErrNotFound.
func (tx *Tx) Get(name string) ([]byte, error) {
	return tx.e.get(kv.StringKey(name))
}

// Put stores value under name.
func (tx *Tx) Put(name string, value []byte) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	return tx.e.set(kv.StringKey(name), value)
}

// Delete removes name. Deleting a missing name is not an error.
func (tx *Tx) Delete(name string) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	return tx.e.del(kv.StringKey(name))
}

// Int returns the counter stored under name; missing counters read as zero.
func (tx *Tx) Int(name string) (int64, error) {
	v, err := tx.e.get(kv.StringKey(name))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return kv.GetInt64(v), nil
}

// IncrBy adds delta to the counter under name and returns the new value.
func (tx *Tx) IncrBy(name string, delta int64) (int64, error) {
	if err := tx.checkWrite(); err != nil {
		return 0, err
	}
	cur, err := tx.Int(name)
	if err != nil {
		return 0, err
	}
	cur += delta
	return cur, tx.e.set(kv.StringKey(name), kv.PutInt64(cur))
}

// --- hashes ---

// HSet sets one field of a hash.
func (tx *Tx) HSet(name, field string, value []byte) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	return tx.e.set(kv.HashFieldKey(name, field), value)
}

// HGet returns one field of a hash or ErrNotFound.
func (tx *Tx) HGet(name, field string) ([]byte, error) {
	return tx.e.get(kv.HashFieldKey(name, field))
}

// HDel removes one field of a hash.
func (tx *Tx) HDel(name, field string) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	return tx.e.del(kv.HashFieldKey(name, field))
}

// HGetAll returns every field of a hash. A missing hash is an empty map.
func (tx *Tx) HGetAll(name string) (map[string][]byte, error) {
	prefix := kv.HashPrefix(name)
	pairs, err := tx.e.scan(prefix, kv.PrefixUpperBound(prefix), false, 0)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(pairs))
	for _, p := range pairs {
		out[string(p.key[len(prefix):])] = p.value
	}
	return out, nil
}

// HLen returns the number of fields in a hash.
func (tx *Tx) HLen(name string) (int, error) {
	prefix := kv.HashPrefix(name)
	pairs, err := tx.e.scan(prefix, kv.PrefixUpperBound(prefix), false, 0)
	if err != nil {
		return 0, err
	}
	return len(pairs), nil
}

// --- lists ---

// Lists keep head and tail cursors; slots live in [head, tail).
const listOrigin = uint64(1) << 63

func (tx *Tx) listMeta(name string) (head, tail uint64, err error) {
	v, err := tx.e.get(kv.ListMetaKey(name))
	if errors.Is(err, ErrNotFound) {
		return listOrigin, listOrigin, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if len(v) != 16 {
		return 0, 0, errors.New("kvstore: corrupt list meta for " + name)
	}
	return kv.GetUint64BE(v[:8]), kv.GetUint64BE(v[8:]), nil
}

func (tx *Tx) putListMeta(name string, head, tail uint64) error {
	if head == tail {
		return tx.e.del(kv.ListMetaKey(name))
	}
	v := kv.PutUint64BE(kv.PutUint64BE(nil, head), tail)
	return tx.e.set(kv.ListMetaKey(name), v)
}

// PushBack appends value to the tail of a list.
func (tx *Tx) PushBack(name string, value []byte) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	head, tail, err := tx.listMeta(name)
	if err != nil {
		return err
	}
	if err := tx.e.set(kv.ListEntryKey(name, tail), value); err != nil {
		return err
	}
	return tx.putListMeta(name, head, tail+1)
}

// PushFront inserts value at the head of a list.
func (tx *Tx) PushFront(name string, value []byte) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	head, tail, err := tx.listMeta(name)
	if err != nil {
		return err
	}
	head--
	if err := tx.e.set(kv.ListEntryKey(name, head), value); err != nil {
		return err
	}
	return tx.putListMeta(name, head, tail)
}

// PopFront removes and returns the head of a list. ok is false when the list is empty.
func (tx *Tx) PopFront(name string) (value []byte, ok bool, err error) {
	if err := tx.checkWrite(); err != nil {
		return nil, false, err
	}
	head, tail, err := tx.listMeta(name)
	if err != nil {
		return nil, false, err
	}
	if head == tail {
		return nil, false, nil
	}
	key := kv.ListEntryKey(name, head)
	value, err = tx.e.get(key)
	if err != nil {
		return nil, false, err
	}
	if err := tx.e.del(key); err != nil {
		return nil, false, err
	}
	return value, true, tx.putListMeta(name, head+1, tail)
}

// LLen returns the length of a list.
func (tx *Tx) LLen(name string) (int, error) {
	head, tail, err := tx.listMeta(name)
	if err != nil {
		return 0, err
	}
	return int(tail - head), nil
}

// LRange returns every element of a list from head to tail.
func (tx *Tx) LRange(name string) ([][]byte, error) {
	prefix := kv.ListPrefix(name)
	pairs, err := tx.e.scan(prefix, kv.PrefixUpperBound(prefix), false, 0)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.value)
	}
	return out, nil
}

// --- sorted sets ---

// ZAdd sets member's score, replacing any previous score.
func (tx *Tx) ZAdd(name, member string, score int64) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	if err := tx.ZRem(name, member); err != nil {
		return err
	}
	if err := tx.e.set(kv.ZMemberKey(name, member), kv.PutScore(nil, score)); err != nil {
		return err
	}
	return tx.e.set(kv.ZScoreKey(name, score, member), nil)
}

// ZRem removes member. Removing a missing member is not an error.
func (tx *Tx) ZRem(name, member string) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	score, ok, err := tx.ZScore(name, member)
	if err != nil || !ok {
		return err
	}
	if err := tx.e.del(kv.ZMemberKey(name, member)); err != nil {
		return err
	}
	return tx.e.del(kv.ZScoreKey(name, score, member))
}

// ZScore returns member's score; ok is false when member is absent.
func (tx *Tx) ZScore(name, member string) (score int64, ok bool, err error) {
	v, err := tx.e.get(kv.ZMemberKey(name, member))
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return kv.GetScore(v), true, nil
}

// ZRangeByScore returns members with min <= score <= max in ascending score order.
func (tx *Tx) ZRangeByScore(name string, min, max int64, limit int) ([]ZEntry, error) {
	prefix := kv.ZScorePrefix(name)
	lower := kv.PutScore(append([]byte(nil), prefix...), min)
	var upper []byte
	if max == math.MaxInt64 {
		upper = kv.PrefixUpperBound(prefix)
	} else {
		upper = kv.PutScore(append([]byte(nil), prefix...), max+1)
	}
	pairs, err := tx.e.scan(lower, upper, false, limit)
	if err != nil {
		return nil, err
	}
	return decodeZEntries(prefix, pairs), nil
}

// ZRevRange returns members by descending score, skipping offset entries.
// limit <= 0 returns everything after offset.
func (tx *Tx) ZRevRange(name string, offset, limit int) ([]ZEntry, error) {
	prefix := kv.ZScorePrefix(name)
	n := 0
	if limit > 0 {
		n = offset + limit
	}
	pairs, err := tx.e.scan(prefix, kv.PrefixUpperBound(prefix), true, n)
	if err != nil {
		return nil, err
	}
	if offset >= len(pairs) {
		return nil, nil
	}
	return decodeZEntries(prefix, pairs[offset:]), nil
}

// ZCard returns the number of members in a sorted set.
func (tx *Tx) ZCard(name string) (int, error) {
	prefix := kv.ZMemberPrefix(name)
	pairs, err := tx.e.scan(prefix, kv.PrefixUpperBound(prefix), false, 0)
	if err != nil {
		return 0, err
	}
	return len(pairs), nil
}

func decodeZEntries(prefix []byte, pairs []pair) []ZEntry {
	out := make([]ZEntry, 0, len(pairs))
	for _, p := range pairs {
		rest := p.key[len(prefix):]
		if len(rest) < 8 {
			continue
		}
		out = append(out, ZEntry{Member: string(rest[8:]), Score: kv.GetScore(rest[:8])})
	}
	return out
}

// --- sets ---

// SAdd adds member to a set.
func (tx *Tx) SAdd(name, member string) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	return tx.e.set(kv.SetMemberKey(name, member), nil)
}

// SRem removes member from a set.
func (tx *Tx) SRem(name, member string) error {
	if err := tx.checkWrite(); err != nil {
		return err
	}
	return tx.e.del(kv.SetMemberKey(name, member))
}

// SIsMember reports whether member is in the set.
func (tx *Tx) SIsMember(name, member string) (bool, error) {
	_, err := tx.e.get(kv.SetMemberKey(name, member))
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// SMembers returns every member in byte order.
func (tx *Tx) SMembers(name string) ([]string, error) {
	prefix := kv.SetPrefix(name)
	pairs, err := tx.e.scan(prefix, kv.PrefixUpperBound(prefix), false, 0)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, string(p.key[len(prefix):]))
	}
	return out, nil
}

// --- streams ---

func (tx *Tx) streamMeta(name string) (first, next uint64, err error) {
	v, err := tx.e.get(kv.StreamMetaKey(name))
	if errors.Is(err, ErrNotFound) {
		return 1, 1, nil
	}
	if err != nil {
		return 0, 0, err
	}
	if len(v) != 16 {
		return 0, 0, errors.New("kvstore: corrupt stream meta for " + name)
	}
	return kv.GetUint64BE(v[:8]), kv.GetUint64BE(v[8:]), nil
}

// XAdd appends value to a stream and returns its sequence number. When
// maxLen > 0 the oldest entries are trimmed to keep at most maxLen.
func (tx *Tx) XAdd(name string, value []byte, maxLen int) (uint64, error) {
	if err := tx.checkWrite(); err != nil {
		return 0, err
	}
	first, next, err := tx.streamMeta(name)
	if err != nil {
		return 0, err
	}
	seq := next
	if err := tx.e.set(kv.StreamEntryKey(name, seq), value); err != nil {
		return 0, err
	}
	next++
	for maxLen > 0 && next-first > uint64(maxLen) {
		if err := tx.e.del(kv.StreamEntryKey(name, first)); err != nil {
			return 0, err
		}
		first++
	}
	meta := kv.PutUint64BE(kv.PutUint64BE(nil, first), next)
	return seq, tx.e.set(kv.StreamMetaKey(name), meta)
}

// XRevRange returns up to limit entries, newest first.
func (tx *Tx) XRevRange(name string, limit int) ([]StreamEntry, error) {
	prefix := kv.StreamPrefix(name)
	pairs, err := tx.e.scan(prefix, kv.PrefixUpperBound(prefix), true, limit)
	if err != nil {
		return nil, err
	}
	out := make([]StreamEntry, 0, len(pairs))
	for _, p := range pairs {
		rest := p.key[len(prefix):]
		if len(rest) != 8 {
			continue
		}
		out = append(out, StreamEntry{Seq: kv.GetUint64BE(rest), Value: p.value})
	}
	return out, nil
}

// ValidName reports whether s can be embedded in a logical name.
func ValidName(s string) bool {
	return s != "" && !strings.ContainsRune(s, 0)
}
