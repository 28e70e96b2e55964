package store

import (
	"context"
	"encoding/json"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yulaomao/coffeeManage/internal/kv"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
)

// EnqueueRequest contains all parameters for enqueuing a command.
type EnqueueRequest struct {
	DeviceID    string          `json:"device_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Note        string          `json:"note,omitempty"`
	BatchID     string          `json:"batch_id,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
}

// EnqueueResult is the response from enqueuing a command.
type EnqueueResult struct {
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id"`
	Status    string `json:"status"`
}

// Enqueue creates a pending command and appends it to the device's pending
// queue. The record, the queue entry and the device indexes are written in
// one transaction.
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	ctx, span := tracer.Start(ctx, "store.Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("device_id", req.DeviceID), attribute.String("type", req.Type))

	cmd, err := s.newCommand(req)
	if err != nil {
		return nil, err
	}
	err = s.kv.Update(ctx, func(tx *kvstore.Tx) error {
		return enqueueTx(tx, cmd)
	})
	if err != nil {
		return nil, err
	}
	s.notify(cmd.DeviceID)
	return &EnqueueResult{CommandID: cmd.ID, DeviceID: cmd.DeviceID, Status: cmd.Status}, nil
}

func (s *Store) newCommand(req EnqueueRequest) (*Command, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	req.Type = strings.TrimSpace(req.Type)
	if !kvstore.ValidName(req.DeviceID) {
		return nil, invalidArgument("device_id is required")
	}
	if req.Type == "" {
		return nil, invalidArgument("command type is required")
	}
	payload, err := normalizePayload(req.Payload)
	if err != nil {
		return nil, err
	}
	if err := s.schemas.Validate(req.Type, payload); err != nil {
		return nil, err
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Command{
		ID:          NewCommandID(),
		DeviceID:    req.DeviceID,
		Type:        req.Type,
		Payload:     payload,
		Note:        req.Note,
		Status:      StatusPending,
		IssuedAt:    s.now(),
		MaxAttempts: maxAttempts,
		BatchID:     req.BatchID,
	}, nil
}

func normalizePayload(p json.RawMessage) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(p))) == 0 || string(p) == "null" {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(p) {
		return nil, invalidArgument("payload is not valid JSON")
	}
	return p, nil
}

func enqueueTx(tx *kvstore.Tx, cmd *Command) error {
	if err := saveCommand(tx, cmd); err != nil {
		return err
	}
	if err := tx.PushBack(kv.PendingQueueName(cmd.DeviceID), []byte(cmd.ID)); err != nil {
		return err
	}
	if err := tx.SAdd(kv.DevicesName, cmd.DeviceID); err != nil {
		return err
	}
	if err := tx.ZAdd(kv.DeviceCommandsName(cmd.DeviceID), cmd.ID, cmd.IssuedAt.UnixNano()); err != nil {
		return err
	}
	if cmd.BatchID == "" {
		return nil
	}
	if err := tx.HSet(kv.BatchCommandsName(cmd.BatchID), cmd.ID, []byte(cmd.DeviceID)); err != nil {
		return err
	}
	_, err := tx.IncrBy(kv.BatchCounterName(cmd.BatchID, StatusPending), 1)
	return err
}
