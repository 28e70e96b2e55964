package store

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yulaomao/coffeeManage/internal/kv"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
)

type popOutcome int

const (
	popEmpty popOutcome = iota
	popClaimed
	popDropped
	popPaused
)

// Claim pops up to limit commands from the device's pending queue, marks
// them sent and records them in the in-flight set. Every pop that is not a
// paused item counts against limit, so a canceled or missing command uses
// up a slot without being returned. Items of paused batches do not count;
// they are skipped at most MaxPausedSkips times and pushed back to the
// front of the queue in the same transaction.
func (s *Store) Claim(ctx context.Context, deviceID string, limit int) ([]Command, error) {
	ctx, span := tracer.Start(ctx, "store.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("device_id", deviceID))

	if !kvstore.ValidName(deviceID) {
		return nil, invalidArgument("device_id is required")
	}
	limit = clamp(limit, 1, MaxClaim)
	queue := kv.PendingQueueName(deviceID)

	var claimed []Command
	dropped, skipped := 0, 0
	err := s.kv.Update(ctx, func(tx *kvstore.Tx) error {
		claimed = claimed[:0]
		dropped, skipped = 0, 0
		var held []string
		for taken := 0; taken < limit && skipped < MaxPausedSkips; {
			outcome, c, id, err := s.popOne(tx, deviceID, queue)
			if err != nil {
				return err
			}
			if outcome == popEmpty {
				break
			}
			switch outcome {
			case popPaused:
				held = append(held, id)
				skipped++
				continue
			case popClaimed:
				claimed = append(claimed, *c)
			case popDropped:
				dropped++
			}
			taken++
		}
		for i := len(held) - 1; i >= 0; i-- {
			if err := tx.PushFront(queue, []byte(held[i])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		claimed = []Command{}
	}
	span.SetAttributes(
		attribute.Int("claimed", len(claimed)),
		attribute.Int("dropped", dropped),
		attribute.Int("paused_skips", skipped),
	)
	return claimed, nil
}

// popOne takes the head of the queue and claims it unless it is dead or
// belongs to a paused batch.
func (s *Store) popOne(tx *kvstore.Tx, deviceID, queue string) (popOutcome, *Command, string, error) {
	raw, ok, err := tx.PopFront(queue)
	if err != nil || !ok {
		return popEmpty, nil, "", err
	}
	id := string(raw)
	c, err := loadCommand(tx, deviceID, id)
	if errors.Is(err, ErrNotFound) {
		return popDropped, nil, id, nil
	}
	if err != nil {
		return popEmpty, nil, id, err
	}
	if c.Status != StatusPending {
		return popDropped, nil, id, nil
	}
	if c.BatchID != "" {
		paused, err := batchPaused(tx, c.BatchID)
		if err != nil {
			return popEmpty, nil, id, err
		}
		if paused {
			return popPaused, nil, id, nil
		}
	}
	now := s.now()
	if err := setStatus(tx, c, StatusSent); err != nil {
		return popEmpty, nil, id, err
	}
	c.SentAt = &now
	if err := saveCommand(tx, c); err != nil {
		return popEmpty, nil, id, err
	}
	if err := tx.ZAdd(kv.InflightName(deviceID), c.ID, now.UnixNano()); err != nil {
		return popEmpty, nil, id, err
	}
	return popClaimed, c, id, nil
}

func batchPaused(tx *kvstore.Tx, batchID string) (bool, error) {
	b, err := loadBatch(tx, batchID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return b.Paused, nil
}
