package store

import (
	"context"
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yulaomao/coffeeManage/internal/kv"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
)

// RecycleResult counts what one recycler pass did.
type RecycleResult struct {
	Requeued int `json:"requeued"`
	Failed   int `json:"failed"`
	Removed  int `json:"removed"`
}

// RecycleInflight reclaims commands that have been in flight for at least
// maxAge. A stale command is requeued at the front of its device queue
// until it runs out of attempts, then marked failed with a timeout error.
func (s *Store) RecycleInflight(ctx context.Context, maxAge time.Duration) (RecycleResult, error) {
	ctx, span := tracer.Start(ctx, "store.RecycleInflight")
	defer span.End()

	if maxAge <= 0 {
		maxAge = DefaultRecycleMaxAge
	}
	var res RecycleResult

	var devices []string
	err := s.kv.View(ctx, func(tx *kvstore.Tx) error {
		var err error
		devices, err = tx.SMembers(kv.DevicesName)
		return err
	})
	if err != nil {
		return res, err
	}

	for _, deviceID := range devices {
		cutoff := s.now().Add(-maxAge).UnixNano()
		var stale []kvstore.ZEntry
		err := s.kv.View(ctx, func(tx *kvstore.Tx) error {
			var err error
			stale, err = tx.ZRangeByScore(kv.InflightName(deviceID), math.MinInt64, cutoff, 0)
			return err
		})
		if err != nil {
			return res, err
		}
		requeued := false
		for _, e := range stale {
			outcome, err := s.recycleOne(ctx, deviceID, e.Member, cutoff)
			if err != nil {
				return res, err
			}
			switch outcome {
			case StatusPending:
				res.Requeued++
				requeued = true
			case StatusFail:
				res.Failed++
			case "":
				res.Removed++
			}
		}
		if requeued {
			s.notify(deviceID)
		}
	}
	span.SetAttributes(attribute.Int("requeued", res.Requeued), attribute.Int("failed", res.Failed))
	return res, nil
}

// recycleOne handles a single stale in-flight entry and returns the status
// it moved the command to, "" when the entry was only dropped, or "skip"
// when it had been acked or re-claimed in the meantime.
func (s *Store) recycleOne(ctx context.Context, deviceID, commandID string, cutoff int64) (string, error) {
	outcome := "skip"
	err := s.kv.Update(ctx, func(tx *kvstore.Tx) error {
		inflight := kv.InflightName(deviceID)
		score, ok, err := tx.ZScore(inflight, commandID)
		if err != nil || !ok || score > cutoff {
			return err
		}
		if err := tx.ZRem(inflight, commandID); err != nil {
			return err
		}
		c, err := loadCommand(tx, deviceID, commandID)
		if errors.Is(err, ErrNotFound) {
			outcome = ""
			return nil
		}
		if err != nil {
			return err
		}
		if c.Status != StatusSent {
			outcome = ""
			return nil
		}
		c.Attempts++
		if c.Attempts < c.MaxAttempts {
			if err := setStatus(tx, c, StatusPending); err != nil {
				return err
			}
			if err := tx.PushFront(kv.PendingQueueName(deviceID), []byte(c.ID)); err != nil {
				return err
			}
		} else {
			if err := setStatus(tx, c, StatusFail); err != nil {
				return err
			}
			c.LastError = TimeoutError
		}
		outcome = c.Status
		return saveCommand(tx, c)
	})
	return outcome, err
}

// RepairInflight re-adds sent commands that are missing from their device's
// in-flight set, scoring them by their sent time. It returns how many
// entries were restored.
func (s *Store) RepairInflight(ctx context.Context) (int, error) {
	var devices []string
	err := s.kv.View(ctx, func(tx *kvstore.Tx) error {
		var err error
		devices, err = tx.SMembers(kv.DevicesName)
		return err
	})
	if err != nil {
		return 0, err
	}
	repaired := 0
	for _, deviceID := range devices {
		err := s.kv.Update(ctx, func(tx *kvstore.Tx) error {
			entries, err := tx.ZRevRange(kv.DeviceCommandsName(deviceID), 0, 0)
			if err != nil {
				return err
			}
			for _, e := range entries {
				c, err := loadCommand(tx, deviceID, e.Member)
				if errors.Is(err, ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if c.Status != StatusSent {
					continue
				}
				if _, ok, err := tx.ZScore(kv.InflightName(deviceID), c.ID); err != nil || ok {
					if err != nil {
						return err
					}
					continue
				}
				score := c.IssuedAt.UnixNano()
				if c.SentAt != nil {
					score = c.SentAt.UnixNano()
				}
				if err := tx.ZAdd(kv.InflightName(deviceID), c.ID, score); err != nil {
					return err
				}
				repaired++
			}
			return nil
		})
		if err != nil {
			return repaired, err
		}
	}
	return repaired, nil
}
