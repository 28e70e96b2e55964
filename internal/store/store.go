package store

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/yulaomao/coffeeManage/internal/audit"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
)

var tracer = otel.Tracer("github.com/yulaomao/coffeeManage/internal/store")

// Notifier is told when a device has commands waiting in its pending queue.
type Notifier interface {
	NotifyPending(deviceID string)
}

// Store is the command and batch data access layer.
type Store struct {
	kv       kvstore.Store
	audit    audit.Sink
	notifier Notifier
	schemas  *PayloadSchemas
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithAudit sets the sink receiving administrative events.
func WithAudit(sink audit.Sink) Option {
	return func(s *Store) { s.audit = sink }
}

// WithNotifier sets the pending-command notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithPayloadSchemas enables per-type payload validation.
func WithPayloadSchemas(p *PayloadSchemas) Option {
	return func(s *Store) { s.schemas = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store over kvs.
func NewStore(kvs kvstore.Store, opts ...Option) *Store {
	s := &Store{
		kv:    kvs,
		audit: audit.Nop{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// KV returns the underlying key-value store.
func (s *Store) KV() kvstore.Store {
	return s.kv
}

// Close closes the underlying key-value store.
func (s *Store) Close() error {
	return s.kv.Close()
}

// Audit events are appended after the state change commits; a failed
// append is logged and never undoes the change.
func (s *Store) emit(ctx context.Context, e audit.Event) {
	if e.TS.IsZero() {
		e.TS = s.now()
	}
	if err := s.audit.Append(ctx, e); err != nil {
		slog.Warn("audit append failed", "action", e.Action, "target", e.TargetID, "error", err)
	}
}

func (s *Store) notify(deviceIDs ...string) {
	if s.notifier == nil {
		return
	}
	for _, id := range deviceIDs {
		s.notifier.NotifyPending(id)
	}
}
