package store

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yulaomao/coffeeManage/internal/audit"
	"github.com/yulaomao/coffeeManage/internal/kv"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
)

// AckRequest is a device's report of a command outcome.
type AckRequest struct {
	DeviceID  string          `json:"device_id"`
	CommandID string          `json:"command_id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Ack records the outcome of a command. It returns false when the command
// does not exist or has already reached a terminal status.
func (s *Store) Ack(ctx context.Context, req AckRequest) (bool, error) {
	ctx, span := tracer.Start(ctx, "store.Ack")
	defer span.End()
	span.SetAttributes(attribute.String("device_id", req.DeviceID), attribute.String("command_id", req.CommandID))

	if req.Status != StatusSuccess && req.Status != StatusFail {
		return false, invalidArgument("ack status must be %q or %q, got %q", StatusSuccess, StatusFail, req.Status)
	}
	if !kvstore.ValidName(req.DeviceID) || !kvstore.ValidName(req.CommandID) {
		return false, invalidArgument("device_id and command_id are required")
	}
	if len(req.Result) > 0 && !json.Valid(req.Result) {
		return false, invalidArgument("result is not valid JSON")
	}

	acked := false
	err := s.kv.Update(ctx, func(tx *kvstore.Tx) error {
		c, err := loadCommand(tx, req.DeviceID, req.CommandID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if c.Terminal() {
			return nil
		}
		if err := setStatus(tx, c, req.Status); err != nil {
			return err
		}
		now := s.now()
		c.ResultAt = &now
		c.ResultPayload = req.Result
		if len(c.ResultPayload) == 0 {
			c.ResultPayload = json.RawMessage(`{}`)
		}
		c.LastError = req.Error
		if err := saveCommand(tx, c); err != nil {
			return err
		}
		if err := tx.ZRem(kv.InflightName(req.DeviceID), req.CommandID); err != nil {
			return err
		}
		acked = true
		return nil
	})
	if err != nil || !acked {
		return false, err
	}
	s.emit(ctx, audit.Event{
		Action:   audit.ActionCommandAck,
		Actor:    req.DeviceID,
		TargetID: req.CommandID,
		Summary:  req.Status,
	})
	return true, nil
}
