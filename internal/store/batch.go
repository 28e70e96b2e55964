package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yulaomao/coffeeManage/internal/audit"
	"github.com/yulaomao/coffeeManage/internal/kv"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
)

const (
	DefaultBatchPageSize = 20
	MaxBatchPageSize     = 100
	MaxItemPageSize      = 200
)

// BatchOptions are optional batch-level settings.
type BatchOptions struct {
	MaxConcurrency *int            `json:"max_concurrency,omitempty"`
	RetryPolicy    json.RawMessage `json:"retry_policy,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
}

// CreateBatchRequest describes a fan-out of one command to many devices.
type CreateBatchRequest struct {
	Type      string          `json:"command_type"`
	DeviceIDs []string        `json:"device_ids"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Options   BatchOptions    `json:"options"`
	Tag       string          `json:"tag,omitempty"`
	Note      string          `json:"note,omitempty"`
	DedupKey  string          `json:"dedup_key,omitempty"`
	Creator   string          `json:"creator,omitempty"`
}

// CreateBatchResult is the response from CreateBatch.
type CreateBatchResult struct {
	BatchID  string `json:"batch_id"`
	Count    int    `json:"count"`
	Existing bool   `json:"existing,omitempty"`
}

// CreateBatch records a batch and enqueues one command per device. Each
// device's enqueue is its own transaction: if one fails, earlier commands
// stay enqueued and the error is returned together with the partial result.
func (s *Store) CreateBatch(ctx context.Context, req CreateBatchRequest) (*CreateBatchResult, error) {
	ctx, span := tracer.Start(ctx, "store.CreateBatch")
	defer span.End()

	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		return nil, invalidArgument("command_type is required")
	}
	devices, err := trimDevices(req.DeviceIDs)
	if err != nil {
		return nil, err
	}
	if mc := req.Options.MaxConcurrency; mc != nil && *mc < 1 {
		return nil, invalidArgument("max_concurrency must be >= 1")
	}
	if len(req.Options.RetryPolicy) > 0 && !json.Valid(req.Options.RetryPolicy) {
		return nil, invalidArgument("retry_policy is not valid JSON")
	}
	payload, err := normalizePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	if err := s.schemas.Validate(req.Type, payload); err != nil {
		return nil, err
	}
	maxAttempts := req.Options.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	span.SetAttributes(attribute.String("type", req.Type), attribute.Int("devices", len(devices)))

	b := &Batch{
		ID:             NewBatchID(),
		Type:           req.Type,
		Payload:        payload,
		Tag:            req.Tag,
		Note:           req.Note,
		Creator:        req.Creator,
		CreatedAt:      s.now(),
		Status:         BatchStatusQueued,
		MaxConcurrency: req.Options.MaxConcurrency,
		RetryPolicy:    req.Options.RetryPolicy,
		MaxAttempts:    maxAttempts,
		CountTotal:     len(devices),
		DedupKey:       strings.TrimSpace(req.DedupKey),
	}

	var existing *Batch
	err = s.kv.Update(ctx, func(tx *kvstore.Tx) error {
		if b.DedupKey != "" {
			id, err := tx.Get(kv.BatchDedupName(b.DedupKey))
			if err == nil {
				existing, err = loadBatch(tx, string(id))
				if err == nil || !errors.Is(err, ErrNotFound) {
					return err
				}
				existing = nil
			} else if !errors.Is(err, kvstore.ErrNotFound) {
				return err
			}
			if err := tx.Put(kv.BatchDedupName(b.DedupKey), []byte(b.ID)); err != nil {
				return err
			}
		}
		if err := saveBatch(tx, b); err != nil {
			return err
		}
		return tx.ZAdd(kv.BatchIndexName, b.ID, b.CreatedAt.UnixNano())
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &CreateBatchResult{BatchID: existing.ID, Count: existing.CountTotal, Existing: true}, nil
	}

	res := &CreateBatchResult{BatchID: b.ID}
	for _, d := range devices {
		cmd := &Command{
			ID:          NewCommandID(),
			DeviceID:    d,
			Type:        b.Type,
			Payload:     payload,
			Note:        b.Note,
			Status:      StatusPending,
			IssuedAt:    s.now(),
			MaxAttempts: maxAttempts,
			BatchID:     b.ID,
		}
		if err := s.kv.Update(ctx, func(tx *kvstore.Tx) error {
			return enqueueTx(tx, cmd)
		}); err != nil {
			return res, fmt.Errorf("batch %s: enqueue for device %s: %w", b.ID, d, err)
		}
		res.Count++
		s.notify(d)
	}

	detail, _ := json.Marshal(map[string]any{"command_type": b.Type, "count": res.Count, "tag": b.Tag})
	s.emit(ctx, audit.Event{
		Action:   audit.ActionBatchCreate,
		Actor:    b.Creator,
		TargetID: b.ID,
		Summary:  fmt.Sprintf("%s x%d", b.Type, res.Count),
		Detail:   detail,
	})
	return res, nil
}

// trimDevices trims each device ID and rejects blanks. Repeated IDs are kept:
// every entry gets its own command and counts toward count_total.
func trimDevices(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, invalidArgument("device_ids must contain at least one device")
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		id = strings.TrimSpace(id)
		if !kvstore.ValidName(id) {
			return nil, invalidArgument("invalid device id %q", id)
		}
		out[i] = id
	}
	return out, nil
}

// GetBatch returns batch metadata with per-status counts computed from the
// current status of every member command.
func (s *Store) GetBatch(ctx context.Context, batchID string) (*BatchView, error) {
	var view *BatchView
	err := s.kv.View(ctx, func(tx *kvstore.Tx) error {
		b, err := loadBatch(tx, batchID)
		if err != nil {
			return err
		}
		members, err := batchMembers(tx, batchID)
		if err != nil {
			return err
		}
		view = &BatchView{Info: *b, Commands: members, MemberCount: len(members)}
		for id, dev := range members {
			c, err := loadCommand(tx, dev, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			view.Counts.add(c.Status, 1)
		}
		return nil
	})
	return view, err
}

// BatchFilter narrows ListBatches. Zero values match everything.
type BatchFilter struct {
	From    *time.Time
	To      *time.Time
	Type    string
	Status  string // queued, canceled or paused
	Creator string
	Tag     string
	Query   string // case-insensitive substring of the serialized record
}

func (f BatchFilter) match(b *Batch, raw []byte) bool {
	if f.From != nil && b.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && b.CreatedAt.After(*f.To) {
		return false
	}
	if f.Type != "" && b.Type != f.Type {
		return false
	}
	switch f.Status {
	case "":
	case "paused":
		if !b.Paused {
			return false
		}
	default:
		if b.Status != f.Status {
			return false
		}
	}
	if f.Creator != "" && b.Creator != f.Creator {
		return false
	}
	if f.Tag != "" && b.Tag != f.Tag {
		return false
	}
	if f.Query != "" && !strings.Contains(strings.ToLower(string(raw)), strings.ToLower(f.Query)) {
		return false
	}
	return true
}

// ListBatches returns batches newest first. page is 1-based; pageSize is
// clamped to [1, 100].
func (s *Store) ListBatches(ctx context.Context, f BatchFilter, page, pageSize int) (*BatchPage, error) {
	switch f.Status {
	case "", BatchStatusQueued, BatchStatusCanceled, "paused":
	default:
		return nil, invalidArgument("unsupported status filter %q", f.Status)
	}
	if page < 1 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultBatchPageSize
	}
	pageSize = clamp(pageSize, 1, MaxBatchPageSize)

	out := &BatchPage{Items: []BatchSummary{}, Page: page, PageSize: pageSize}
	err := s.kv.View(ctx, func(tx *kvstore.Tx) error {
		ids, err := tx.ZRevRange(kv.BatchIndexName, 0, 0)
		if err != nil {
			return err
		}
		start := (page - 1) * pageSize
		for _, e := range ids {
			raw, err := tx.Get(kv.BatchName(e.Member))
			if errors.Is(err, kvstore.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var b Batch
			if err := json.Unmarshal(raw, &b); err != nil {
				continue
			}
			if !f.match(&b, raw) {
				continue
			}
			out.Total++
			if out.Total <= start || len(out.Items) >= pageSize {
				continue
			}
			counts, err := cachedCounts(tx, b.ID)
			if err != nil {
				return err
			}
			out.Items = append(out.Items, BatchSummary{Batch: b, Counts: counts})
		}
		return nil
	})
	return out, err
}

// ItemFilter narrows ListBatchItems.
type ItemFilter struct {
	Status   string
	DeviceID string
}

// ListBatchItems returns a page of batch members sorted by issue time,
// newest first. pageSize is clamped to [1, 200].
func (s *Store) ListBatchItems(ctx context.Context, batchID string, f ItemFilter, page, pageSize int) (*BatchItemPage, error) {
	if f.Status != "" && !validCommandStatus(f.Status) {
		return nil, invalidArgument("unsupported status filter %q", f.Status)
	}
	if page < 1 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultBatchPageSize
	}
	pageSize = clamp(pageSize, 1, MaxItemPageSize)

	items, err := s.batchItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	filtered := items[:0]
	for _, it := range items {
		if f.Status != "" && it.Status != f.Status {
			continue
		}
		if f.DeviceID != "" && it.DeviceID != f.DeviceID {
			continue
		}
		filtered = append(filtered, it)
	}
	out := &BatchItemPage{Items: []BatchItem{}, Total: len(filtered), Page: page, PageSize: pageSize}
	start := (page - 1) * pageSize
	if start < len(filtered) {
		end := min(start+pageSize, len(filtered))
		out.Items = append(out.Items, filtered[start:end]...)
	}
	return out, nil
}

// batchItems loads every member of a batch sorted by issue time desc, then
// item ID.
func (s *Store) batchItems(ctx context.Context, batchID string) ([]BatchItem, error) {
	var items []BatchItem
	err := s.kv.View(ctx, func(tx *kvstore.Tx) error {
		if _, err := loadBatch(tx, batchID); err != nil {
			return err
		}
		members, err := batchMembers(tx, batchID)
		if err != nil {
			return err
		}
		items = make([]BatchItem, 0, len(members))
		for id, dev := range members {
			c, err := loadCommand(tx, dev, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			items = append(items, itemFromCommand(c))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].issuedAt.Equal(items[j].issuedAt) {
			return items[i].issuedAt.After(items[j].issuedAt)
		}
		return items[i].ItemID < items[j].ItemID
	})
	return items, nil
}
