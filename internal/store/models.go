package store

import (
	"encoding/json"
	"time"
)

// Command statuses
const (
	StatusPending  = "pending"
	StatusSent     = "sent"
	StatusSuccess  = "success"
	StatusFail     = "fail"
	StatusCanceled = "canceled"
)

// Batch statuses
const (
	BatchStatusQueued   = "queued"
	BatchStatusCanceled = "canceled"
)

const (
	DefaultMaxAttempts = 3
	// MaxClaim caps how many commands one claim call may return.
	MaxClaim = 20
	// MaxPausedSkips caps extra pops per claim spent skipping paused batch items.
	MaxPausedSkips = 5
	// DefaultRecycleMaxAge is how long a sent command may wait for an ack.
	DefaultRecycleMaxAge = 60 * time.Second
	// TimeoutError is recorded when a command exhausts its attempts unacknowledged.
	TimeoutError = "timeout"
)

// Command is one instruction addressed to one device.
type Command struct {
	ID            string          `json:"command_id"`
	DeviceID      string          `json:"device_id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Note          string          `json:"note,omitempty"`
	Status        string          `json:"status"`
	IssuedAt      time.Time       `json:"issued_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	ResultAt      *time.Time      `json:"result_at,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	LastError     string          `json:"last_error,omitempty"`
	ResultPayload json.RawMessage `json:"result_payload,omitempty"`
	BatchID       string          `json:"batch_id,omitempty"`
}

// Terminal reports whether the command can no longer change status on its own.
func (c *Command) Terminal() bool {
	return c.Status == StatusSuccess || c.Status == StatusFail || c.Status == StatusCanceled
}

// Batch is a logical group of commands fanned out to many devices.
type Batch struct {
	ID             string          `json:"batch_id"`
	Type           string          `json:"command_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Tag            string          `json:"tag,omitempty"`
	Note           string          `json:"note,omitempty"`
	Creator        string          `json:"creator,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Status         string          `json:"status"`
	Paused         bool            `json:"paused"`
	MaxConcurrency *int            `json:"max_concurrency,omitempty"`
	RetryPolicy    json.RawMessage `json:"retry_policy,omitempty"`
	MaxAttempts    int             `json:"max_attempts"`
	CountTotal     int             `json:"count_total"`
	DedupKey       string          `json:"dedup_key,omitempty"`
}

// StatusCounts tallies batch members by command status.
type StatusCounts struct {
	Pending  int `json:"pending"`
	Sent     int `json:"sent"`
	Success  int `json:"success"`
	Fail     int `json:"fail"`
	Canceled int `json:"canceled"`
}

func (c *StatusCounts) add(status string, n int) {
	switch status {
	case StatusPending:
		c.Pending += n
	case StatusSent:
		c.Sent += n
	case StatusSuccess:
		c.Success += n
	case StatusFail:
		c.Fail += n
	case StatusCanceled:
		c.Canceled += n
	}
}

// Total is the sum of all per-status counts.
func (c StatusCounts) Total() int {
	return c.Pending + c.Sent + c.Success + c.Fail + c.Canceled
}

// BatchView is the detail view returned by GetBatch. Counts are computed
// from member command records.
type BatchView struct {
	Info        Batch             `json:"info"`
	Counts      StatusCounts      `json:"counts"`
	Commands    map[string]string `json:"commands"`
	MemberCount int               `json:"member_count"`
}

// BatchSummary is a ListBatches row. Counts come from cached counters.
type BatchSummary struct {
	Batch
	Counts StatusCounts `json:"counts"`
}

// BatchPage is one page of ListBatches.
type BatchPage struct {
	Items    []BatchSummary `json:"items"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// BatchItem is one member row of a batch.
type BatchItem struct {
	ItemID    string `json:"item_id"`
	DeviceID  string `json:"device_id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	IssuedTS  int64  `json:"issued_ts"`
	SentTS    *int64 `json:"sent_ts"`
	ResultTS  *int64 `json:"result_ts"`
	LastError string `json:"last_error"`

	issuedAt    time.Time
	note        string
	maxAttempts int
	batchID     string
}

// BatchItemPage is one page of ListBatchItems.
type BatchItemPage struct {
	Items    []BatchItem `json:"items"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func itemFromCommand(c *Command) BatchItem {
	it := BatchItem{
		ItemID:      c.ID,
		DeviceID:    c.DeviceID,
		Type:        c.Type,
		Status:      c.Status,
		Attempts:    c.Attempts,
		IssuedTS:    c.IssuedAt.Unix(),
		LastError:   c.LastError,
		issuedAt:    c.IssuedAt,
		note:        c.Note,
		maxAttempts: c.MaxAttempts,
		batchID:     c.BatchID,
	}
	if c.SentAt != nil {
		v := c.SentAt.Unix()
		it.SentTS = &v
	}
	if c.ResultAt != nil {
		v := c.ResultAt.Unix()
		it.ResultTS = &v
	}
	return it
}
