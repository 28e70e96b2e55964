package store

import (
	"context"
	"errors"

	"github.com/yulaomao/coffeeManage/internal/kv"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
)

const (
	DefaultDeviceListLimit = 50
	MaxDeviceListLimit     = 200
)

// GetCommand returns a single command record.
func (s *Store) GetCommand(ctx context.Context, deviceID, commandID string) (*Command, error) {
	if !kvstore.ValidName(deviceID) || !kvstore.ValidName(commandID) {
		return nil, invalidArgument("device_id and command_id are required")
	}
	var out *Command
	err := s.kv.View(ctx, func(tx *kvstore.Tx) error {
		c, err := loadCommand(tx, deviceID, commandID)
		out = c
		return err
	})
	return out, err
}

// ListByDevice returns up to limit of the device's commands, most recently
// issued first.
func (s *Store) ListByDevice(ctx context.Context, deviceID string, limit int) ([]Command, error) {
	if !kvstore.ValidName(deviceID) {
		return nil, invalidArgument("device_id is required")
	}
	if limit <= 0 {
		limit = DefaultDeviceListLimit
	}
	limit = clamp(limit, 1, MaxDeviceListLimit)

	out := []Command{}
	err := s.kv.View(ctx, func(tx *kvstore.Tx) error {
		entries, err := tx.ZRevRange(kv.DeviceCommandsName(deviceID), 0, limit)
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
			out = append(out, *c)
		}
		return nil
	})
	return out, err
}

// DeviceQueueStats describes a device's queue depth.
type DeviceQueueStats struct {
	DeviceID string `json:"device_id"`
	Pending  int    `json:"pending"`
	Inflight int    `json:"inflight"`
}

// DeviceStats returns pending-queue and in-flight sizes for every known device.
func (s *Store) DeviceStats(ctx context.Context) ([]DeviceQueueStats, error) {
	out := []DeviceQueueStats{}
	err := s.kv.View(ctx, func(tx *kvstore.Tx) error {
		devices, err := tx.SMembers(kv.DevicesName)
		if err != nil {
			return err
		}
		for _, d := range devices {
			pending, err := tx.LLen(kv.PendingQueueName(d))
			if err != nil {
				return err
			}
			inflight, err := tx.ZCard(kv.InflightName(d))
			if err != nil {
				return err
			}
			out = append(out, DeviceQueueStats{DeviceID: d, Pending: pending, Inflight: inflight})
		}
		return nil
	})
	return out, err
}
