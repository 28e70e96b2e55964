package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/yulaomao/coffeeManage/internal/kv"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
)

// DefaultStreamMaxLen bounds the KV audit stream.
const DefaultStreamMaxLen = 10000

// KVSink appends events to a stream in the dispatch KV store.
type KVSink struct {
	store  kvstore.Store
	maxLen int
}

// NewKVSink returns a sink writing to store. maxLen <= 0 uses DefaultStreamMaxLen.
func NewKVSink(store kvstore.Store, maxLen int) *KVSink {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &KVSink{store: store, maxLen: maxLen}
}

func (s *KVSink) Append(ctx context.Context, e Event) error {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	return s.store.Update(ctx, func(tx *kvstore.Tx) error {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}
		_, err = tx.XAdd(kv.AuditStreamName, raw, s.maxLen)
		return err
	})
}

func (s *KVSink) Recent(ctx context.Context, q Query) ([]Event, error) {
	limit := normalizeLimit(q.Limit)
	out := []Event{}
	err := s.store.View(ctx, func(tx *kvstore.Tx) error {
		scan := 0
		if q.Action == "" && q.Actor == "" {
			scan = q.Offset + limit
		}
		entries, err := tx.XRevRange(kv.AuditStreamName, scan)
		if err != nil {
			return err
		}
		skipped := 0
		for _, entry := range entries {
			var e Event
			if err := json.Unmarshal(entry.Value, &e); err != nil {
				continue
			}
			if !q.match(e) {
				continue
			}
			if skipped < q.Offset {
				skipped++
				continue
			}
			e.ID = int64(entry.Seq)
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
