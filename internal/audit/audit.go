// Package audit records administrative actions on commands and batches.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Actions emitted by the dispatch engine.
const (
	ActionCommandAck       = "cmd_ack"
	ActionBatchCreate      = "batch_create"
	ActionBatchRetryFailed = "batch_retry_failed"
	ActionBatchRetryItem   = "batch_retry_item"
	ActionBatchCancel      = "batch_cancel"
	ActionBatchPause       = "batch_pause"
	ActionBatchResume      = "batch_resume"
	ActionBatchConcurrency = "batch_concurrency"
)

// Event is one audit record.
type Event struct {
	ID       int64           `json:"id,omitempty"`
	Action   string          `json:"action"`
	Actor    string          `json:"actor"`
	TargetID string          `json:"target_id"`
	Summary  string          `json:"summary,omitempty"`
	Detail   json.RawMessage `json:"detail,omitempty"`
	TS       time.Time       `json:"ts"`
}

// Query filters Recent. Zero values match everything.
type Query struct {
	Action string
	Actor  string
	Limit  int
	Offset int
}

// Sink is an append-only audit log.
type Sink interface {
	Append(ctx context.Context, e Event) error
	Recent(ctx context.Context, q Query) ([]Event, error)
}

// Nop discards events.
type Nop struct{}

func (Nop) Append(context.Context, Event) error            { return nil }
func (Nop) Recent(context.Context, Query) ([]Event, error) { return []Event{}, nil }

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func (q Query) match(e Event) bool {
	if q.Action != "" && e.Action != q.Action {
		return false
	}
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	return true
}
