package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/yulaomao/coffeeManage/internal/audit"
	"github.com/yulaomao/coffeeManage/internal/kv"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
)

// memberIDs returns the batch's command IDs in a stable order along with
// their devices. It fails with ErrNotFound when the batch does not exist.
func (s *Store) memberIDs(ctx context.Context, batchID string) ([]string, map[string]string, error) {
	var members map[string]string
	err := s.kv.View(ctx, func(tx *kvstore.Tx) error {
		if _, err := loadBatch(tx, batchID); err != nil {
			return err
		}
		var err error
		members, err = batchMembers(tx, batchID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, members, nil
}

// requeue moves c back to pending and puts it at the front of its queue.
// An operator retry starts a fresh attempt budget.
func requeue(tx *kvstore.Tx, c *Command) error {
	if err := setStatus(tx, c, StatusPending); err != nil {
		return err
	}
	c.Attempts = 0
	c.LastError = ""
	c.ResultAt = nil
	c.ResultPayload = nil
	if err := saveCommand(tx, c); err != nil {
		return err
	}
	return tx.PushFront(kv.PendingQueueName(c.DeviceID), []byte(c.ID))
}

// RetryFailed moves every failed member of a batch back to pending and
// returns how many were requeued.
func (s *Store) RetryFailed(ctx context.Context, batchID, actor string) (int, error) {
	ids, members, err := s.memberIDs(ctx, batchID)
	if err != nil {
		return 0, err
	}
	retried := 0
	var devices []string
	for _, id := range ids {
		dev := members[id]
		moved := false
		err := s.kv.Update(ctx, func(tx *kvstore.Tx) error {
			c, err := loadCommand(tx, dev, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil || c.Status != StatusFail {
				return err
			}
			moved = true
			return requeue(tx, c)
		})
		if err != nil {
			return retried, err
		}
		if moved {
			retried++
			devices = append(devices, dev)
		}
	}
	s.notify(devices...)
	s.emit(ctx, audit.Event{
		Action:   audit.ActionBatchRetryFailed,
		Actor:    actor,
		TargetID: batchID,
		Summary:  fmt.Sprintf("retried %d", retried),
	})
	return retried, nil
}

// RetryItem requeues a single batch member. It returns false when the item
// is not a member of the batch or its record is gone.
func (s *Store) RetryItem(ctx context.Context, batchID, itemID, actor string) (bool, error) {
	retried := false
	var deviceID string
	err := s.kv.Update(ctx, func(tx *kvstore.Tx) error {
		if _, err := loadBatch(tx, batchID); err != nil {
			return err
		}
		dev, err := tx.HGet(kv.BatchCommandsName(batchID), itemID)
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		deviceID = string(dev)
		c, err := loadCommand(tx, deviceID, itemID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		retried = true
		switch c.Status {
		case StatusPending:
			// already queued
			return nil
		case StatusSent:
			if err := tx.ZRem(kv.InflightName(deviceID), c.ID); err != nil {
				return err
			}
		case StatusSuccess, StatusCanceled:
			// operator override: fail first so the move back to pending is legal
			if err := forceStatus(tx, c, StatusFail); err != nil {
				return err
			}
		}
		return requeue(tx, c)
	})
	if err != nil || !retried {
		return false, err
	}
	s.notify(deviceID)
	s.emit(ctx, audit.Event{
		Action:   audit.ActionBatchRetryItem,
		Actor:    actor,
		TargetID: batchID,
		Summary:  itemID,
	})
	return true, nil
}

// forceStatus sets a status without the transition check, keeping counters.
func forceStatus(tx *kvstore.Tx, c *Command, to string) error {
	if c.BatchID != "" {
		if _, err := tx.IncrBy(kv.BatchCounterName(c.BatchID, c.Status), -1); err != nil {
			return err
		}
		if _, err := tx.IncrBy(kv.BatchCounterName(c.BatchID, to), 1); err != nil {
			return err
		}
	}
	c.Status = to
	return nil
}

// CancelBatch marks the batch canceled and cancels every member that has not
// finished. It returns the number of newly canceled members.
func (s *Store) CancelBatch(ctx context.Context, batchID, actor string) (int, error) {
	err := s.updateBatch(ctx, batchID, func(b *Batch) bool {
		if b.Status == BatchStatusCanceled {
			return false
		}
		b.Status = BatchStatusCanceled
		return true
	})
	if err != nil {
		return 0, err
	}
	ids, members, err := s.memberIDs(ctx, batchID)
	if err != nil {
		return 0, err
	}
	canceled := 0
	for _, id := range ids {
		dev := members[id]
		moved := false
		err := s.kv.Update(ctx, func(tx *kvstore.Tx) error {
			c, err := loadCommand(tx, dev, id)
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			if err != nil || c.Terminal() {
				return err
			}
			if err := setStatus(tx, c, StatusCanceled); err != nil {
				return err
			}
			if err := saveCommand(tx, c); err != nil {
				return err
			}
			moved = true
			return tx.ZRem(kv.InflightName(dev), c.ID)
		})
		if err != nil {
			return canceled, err
		}
		if moved {
			canceled++
		}
	}
	detail, _ := json.Marshal(map[string]int{"canceled": canceled})
	s.emit(ctx, audit.Event{
		Action:   audit.ActionBatchCancel,
		Actor:    actor,
		TargetID: batchID,
		Summary:  fmt.Sprintf("canceled %d", canceled),
		Detail:   detail,
	})
	return canceled, nil
}

// PauseBatch stops claims from handing out the batch's pending commands.
// Commands already sent are unaffected.
func (s *Store) PauseBatch(ctx context.Context, batchID, actor string) error {
	if err := s.setPaused(ctx, batchID, true); err != nil {
		return err
	}
	s.emit(ctx, audit.Event{Action: audit.ActionBatchPause, Actor: actor, TargetID: batchID})
	return nil
}

// ResumeBatch clears the paused flag.
func (s *Store) ResumeBatch(ctx context.Context, batchID, actor string) error {
	if err := s.setPaused(ctx, batchID, false); err != nil {
		return err
	}
	s.emit(ctx, audit.Event{Action: audit.ActionBatchResume, Actor: actor, TargetID: batchID})
	var devices []string
	err := s.kv.View(ctx, func(tx *kvstore.Tx) error {
		members, err := batchMembers(tx, batchID)
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, dev := range members {
			if !seen[dev] {
				seen[dev] = true
				devices = append(devices, dev)
			}
		}
		return nil
	})
	if err == nil {
		sort.Strings(devices)
		s.notify(devices...)
	}
	return nil
}

func (s *Store) setPaused(ctx context.Context, batchID string, paused bool) error {
	return s.updateBatch(ctx, batchID, func(b *Batch) bool {
		if b.Paused == paused {
			return false
		}
		b.Paused = paused
		return true
	})
}

// SetConcurrency records the batch's advisory concurrency limit.
func (s *Store) SetConcurrency(ctx context.Context, batchID string, n int, actor string) error {
	if n < 1 {
		return invalidArgument("max_concurrency must be >= 1, got %d", n)
	}
	err := s.updateBatch(ctx, batchID, func(b *Batch) bool {
		b.MaxConcurrency = &n
		return true
	})
	if err != nil {
		return err
	}
	s.emit(ctx, audit.Event{
		Action:   audit.ActionBatchConcurrency,
		Actor:    actor,
		TargetID: batchID,
		Summary:  fmt.Sprintf("max_concurrency=%d", n),
	})
	return nil
}

// updateBatch loads, mutates and saves batch metadata in one transaction.
// fn returns false when nothing changed.
func (s *Store) updateBatch(ctx context.Context, batchID string, fn func(b *Batch) bool) error {
	return s.kv.Update(ctx, func(tx *kvstore.Tx) error {
		b, err := loadBatch(tx, batchID)
		if err != nil {
			return err
		}
		if !fn(b) {
			return nil
		}
		return saveBatch(tx, b)
	})
}
