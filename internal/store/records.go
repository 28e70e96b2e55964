package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/yulaomao/coffeeManage/internal/kv"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
)

func loadCommand(tx *kvstore.Tx, deviceID, commandID string) (*Command, error) {
	raw, err := tx.Get(kv.CommandName(deviceID, commandID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, notFound("command %s not found for device %s", commandID, deviceID)
		}
		return nil, fmt.Errorf("load command %s: %w", commandID, err)
	}
	var c Command
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode command %s: %w", commandID, err)
	}
	return &c, nil
}

func saveCommand(tx *kvstore.Tx, c *Command) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode command %s: %w", c.ID, err)
	}
	return tx.Put(kv.CommandName(c.DeviceID, c.ID), raw)
}

func loadBatch(tx *kvstore.Tx, batchID string) (*Batch, error) {
	raw, err := tx.Get(kv.BatchName(batchID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, notFound("batch %s not found", batchID)
		}
		return nil, fmt.Errorf("load batch %s: %w", batchID, err)
	}
	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode batch %s: %w", batchID, err)
	}
	return &b, nil
}

func saveBatch(tx *kvstore.Tx, b *Batch) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode batch %s: %w", b.ID, err)
	}
	return tx.Put(kv.BatchName(b.ID), raw)
}

// setStatus moves c to status `to`, keeping the owning batch's cached
// counters in step. It does not persist c.
func setStatus(tx *kvstore.Tx, c *Command, to string) error {
	if !canTransition(c.Status, to) {
		return fmt.Errorf("command %s: illegal transition %s -> %s", c.ID, c.Status, to)
	}
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

func cachedCounts(tx *kvstore.Tx, batchID string) (StatusCounts, error) {
	var c StatusCounts
	for _, st := range []string{StatusPending, StatusSent, StatusSuccess, StatusFail, StatusCanceled} {
		n, err := tx.Int(kv.BatchCounterName(batchID, st))
		if err != nil {
			return c, err
		}
		c.add(st, int(n))
	}
	return c, nil
}

// batchMembers returns command ID -> device ID for a batch.
func batchMembers(tx *kvstore.Tx, batchID string) (map[string]string, error) {
	raw, err := tx.HGetAll(kv.BatchCommandsName(batchID))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(raw))
	for id, dev := range raw {
		out[id] = string(dev)
	}
	return out, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
