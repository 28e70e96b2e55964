package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/yulaomao/coffeeManage/internal/audit"
	"github.com/yulaomao/coffeeManage/internal/kv"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
)

func mustCreateBatch(t *testing.T, s *Store, devices ...string) string {
	t.Helper()
	res, err := s.CreateBatch(context.Background(), CreateBatchRequest{
		Type:      "restart",
		DeviceIDs: devices,
		Creator:   "alice",
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	return res.BatchID
}

// commandFor returns the batch member addressed to deviceID.
func commandFor(t *testing.T, s *Store, batchID, deviceID string) string {
	t.Helper()
	view, err := s.GetBatch(context.Background(), batchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	for id, dev := range view.Commands {
		if dev == deviceID {
			return id
		}
	}
	t.Fatalf("no member for %s in batch %s", deviceID, batchID)
	return ""
}

func TestCreateBatch(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	res, err := s.CreateBatch(ctx, CreateBatchRequest{
		Type:      "restart",
		DeviceIDs: []string{"dev-1", " dev-2 ", "dev-1"},
		Tag:       "rollout",
		Creator:   "alice",
	})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if res.Count != 3 {
		t.Errorf("count = %d, want 3 (one command per entry)", res.Count)
	}

	view, err := s.GetBatch(ctx, res.BatchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if view.Info.Status != BatchStatusQueued || view.Info.Paused {
		t.Errorf("info = %+v", view.Info)
	}
	if view.Info.CountTotal != 3 || view.MemberCount != 3 {
		t.Errorf("count_total=%d members=%d, want 3/3", view.Info.CountTotal, view.MemberCount)
	}
	if view.Counts.Pending != 3 || view.Counts.Total() != view.MemberCount {
		t.Errorf("counts = %+v", view.Counts)
	}
	if q := pendingQueue(t, s, "dev-1"); len(q) != 2 {
		t.Errorf("dev-1 queue = %v, want two commands for the repeated id", q)
	}
	if q := pendingQueue(t, s, "dev-2"); len(q) != 1 {
		t.Errorf("dev-2 queue = %v, want one command", q)
	}
	for id, dev := range view.Commands {
		c := mustGet(t, s, dev, id)
		if c.BatchID != res.BatchID {
			t.Errorf("command %s batch_id = %q", id, c.BatchID)
		}
	}

	events, _ := s.audit.Recent(ctx, audit.Query{Action: audit.ActionBatchCreate})
	if len(events) != 1 || events[0].Actor != "alice" || events[0].TargetID != res.BatchID {
		t.Errorf("audit = %+v", events)
	}
}

func TestCreateBatchValidation(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	zero := 0
	tests := []CreateBatchRequest{
		{DeviceIDs: []string{"d"}},
		{Type: "restart"},
		{Type: "restart", DeviceIDs: []string{" "}},
		{Type: "restart", DeviceIDs: []string{"d", ""}},
		{Type: "restart", DeviceIDs: []string{"d"}, Options: BatchOptions{MaxConcurrency: &zero}},
		{Type: "restart", DeviceIDs: []string{"d"}, Options: BatchOptions{RetryPolicy: []byte("{")}},
	}
	for i, req := range tests {
		if _, err := s.CreateBatch(ctx, req); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("case %d: err = %v, want ErrInvalidArgument", i, err)
		}
	}
}

func TestCreateBatchDedup(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	req := CreateBatchRequest{Type: "restart", DeviceIDs: []string{"dev-1", "dev-2"}, DedupKey: "rollout-42"}

	first, err := s.CreateBatch(ctx, req)
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	second, err := s.CreateBatch(ctx, req)
	if err != nil {
		t.Fatalf("CreateBatch (dup): %v", err)
	}
	if !second.Existing || second.BatchID != first.BatchID || second.Count != 2 {
		t.Errorf("dedup result = %+v, want existing %s", second, first.BatchID)
	}
	if q := pendingQueue(t, s, "dev-1"); len(q) != 1 {
		t.Errorf("dev-1 queue = %v, want one command", q)
	}
}

func TestGetBatchNotFound(t *testing.T) {
	s, _ := testStore(t)
	if _, err := s.GetBatch(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetBatchRecomputesCounts(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	id := mustCreateBatch(t, s, "dev-1", "dev-2", "dev-3")

	s.Claim(ctx, "dev-1", 1)
	s.Claim(ctx, "dev-2", 1)
	s.Ack(ctx, AckRequest{DeviceID: "dev-1", CommandID: commandFor(t, s, id, "dev-1"), Status: StatusSuccess})

	// Corrupt the cached counter; the detail view must not trust it.
	s.KV().Update(ctx, func(tx *kvstore.Tx) error {
		_, err := tx.IncrBy(kv.BatchCounterName(id, StatusSuccess), 10)
		return err
	})

	view, err := s.GetBatch(ctx, id)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	want := StatusCounts{Pending: 1, Sent: 1, Success: 1}
	if view.Counts != want {
		t.Errorf("counts = %+v, want %+v", view.Counts, want)
	}
}

func TestListBatches(t *testing.T) {
	s, clock := testStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		req := CreateBatchRequest{
			Type:      "restart",
			DeviceIDs: []string{fmt.Sprintf("dev-%d", i)},
			Tag:       "even",
			Creator:   "alice",
			Note:      fmt.Sprintf("wave %d", i),
		}
		if i%2 == 1 {
			req.Tag = "odd"
			req.Type = "set_price"
			req.Creator = "bob"
		}
		res, err := s.CreateBatch(ctx, req)
		if err != nil {
			t.Fatalf("CreateBatch: %v", err)
		}
		ids = append(ids, res.BatchID)
		clock.Advance(time.Minute)
	}
	s.CancelBatch(ctx, ids[0], "ops")
	s.PauseBatch(ctx, ids[2], "ops")

	page, err := s.ListBatches(ctx, BatchFilter{}, 1, 2)
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if page.Total != 5 || len(page.Items) != 2 || page.Items[0].ID != ids[4] || page.Items[1].ID != ids[3] {
		t.Errorf("page 1 = total %d items %v", page.Total, page.Items)
	}
	page, _ = s.ListBatches(ctx, BatchFilter{}, 3, 2)
	if len(page.Items) != 1 || page.Items[0].ID != ids[0] {
		t.Errorf("page 3 = %v", page.Items)
	}

	tests := []struct {
		name   string
		filter BatchFilter
		want   int
	}{
		{"type", BatchFilter{Type: "set_price"}, 2},
		{"creator", BatchFilter{Creator: "alice"}, 3},
		{"tag", BatchFilter{Tag: "odd"}, 2},
		{"canceled", BatchFilter{Status: BatchStatusCanceled}, 1},
		{"queued", BatchFilter{Status: BatchStatusQueued}, 4},
		{"paused", BatchFilter{Status: "paused"}, 1},
		{"query", BatchFilter{Query: "WAVE 3"}, 1},
		{"from", BatchFilter{From: ptrTime(clock.Now().Add(-2*time.Minute - time.Second))}, 2},
	}
	for _, tt := range tests {
		page, err := s.ListBatches(ctx, tt.filter, 1, 100)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if page.Total != tt.want {
			t.Errorf("%s: total = %d, want %d", tt.name, page.Total, tt.want)
		}
	}

	if _, err := s.ListBatches(ctx, BatchFilter{Status: "exploded"}, 1, 10); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad status err = %v, want ErrInvalidArgument", err)
	}
	page, _ = s.ListBatches(ctx, BatchFilter{}, 0, 1000)
	if page.PageSize != MaxBatchPageSize || page.Page != 1 {
		t.Errorf("page/size = %d/%d, want 1/%d", page.Page, page.PageSize, MaxBatchPageSize)
	}
	if page.Items[len(page.Items)-1].Counts.Canceled != 1 {
		t.Errorf("cached counts of canceled batch = %+v", page.Items[len(page.Items)-1].Counts)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }

func TestListBatchItems(t *testing.T) {
	s, clock := testStore(t)
	ctx := context.Background()
	s.now = func() time.Time {
		clock.Advance(time.Second)
		return clock.Now()
	}
	id := mustCreateBatch(t, s, "dev-1", "dev-2", "dev-3")
	s.Claim(ctx, "dev-3", 1)

	page, err := s.ListBatchItems(ctx, id, ItemFilter{}, 1, 2)
	if err != nil {
		t.Fatalf("ListBatchItems: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 {
		t.Fatalf("page = %+v", page)
	}
	if page.Items[0].DeviceID != "dev-3" || page.Items[1].DeviceID != "dev-2" {
		t.Errorf("order = %s,%s, want newest first", page.Items[0].DeviceID, page.Items[1].DeviceID)
	}
	if page.Items[0].SentTS == nil || page.Items[1].SentTS != nil {
		t.Errorf("sent_ts = %v / %v", page.Items[0].SentTS, page.Items[1].SentTS)
	}

	sent, _ := s.ListBatchItems(ctx, id, ItemFilter{Status: StatusSent}, 1, 10)
	if sent.Total != 1 {
		t.Errorf("sent filter total = %d, want 1", sent.Total)
	}
	dev, _ := s.ListBatchItems(ctx, id, ItemFilter{DeviceID: "dev-1"}, 1, 10)
	if dev.Total != 1 || dev.Items[0].DeviceID != "dev-1" {
		t.Errorf("device filter = %+v", dev.Items)
	}
	big, _ := s.ListBatchItems(ctx, id, ItemFilter{}, 1, 5000)
	if big.PageSize != MaxItemPageSize {
		t.Errorf("page size = %d, want %d", big.PageSize, MaxItemPageSize)
	}
	if _, err := s.ListBatchItems(ctx, id, ItemFilter{Status: "queued"}, 1, 10); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad status err = %v", err)
	}
	if _, err := s.ListBatchItems(ctx, "nope", ItemFilter{}, 1, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing batch err = %v", err)
	}
}

func TestRetryFailed(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	id := mustCreateBatch(t, s, "dev-1", "dev-2", "dev-3")
	for _, d := range []string{"dev-1", "dev-2", "dev-3"} {
		s.Claim(ctx, d, 1)
	}
	s.Ack(ctx, AckRequest{DeviceID: "dev-1", CommandID: commandFor(t, s, id, "dev-1"), Status: StatusFail, Error: "e1"})
	s.Ack(ctx, AckRequest{DeviceID: "dev-2", CommandID: commandFor(t, s, id, "dev-2"), Status: StatusFail})
	s.Ack(ctx, AckRequest{DeviceID: "dev-3", CommandID: commandFor(t, s, id, "dev-3"), Status: StatusSuccess})

	// a standalone command queued behind the retry target
	standalone := mustEnqueue(t, s, "dev-1", "ping")

	n, err := s.RetryFailed(ctx, id, "ops")
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if n != 2 {
		t.Errorf("retried = %d, want 2", n)
	}
	view, _ := s.GetBatch(ctx, id)
	if view.Counts.Pending != 2 || view.Counts.Success != 1 || view.Counts.Fail != 0 {
		t.Errorf("counts = %+v", view.Counts)
	}
	got, _ := s.Claim(ctx, "dev-1", 1)
	if len(got) != 1 || got[0].ID == standalone {
		t.Errorf("retried command should be served before newer work, got %+v", got)
	}
	if got[0].LastError != "" {
		t.Errorf("last_error = %q, want cleared", got[0].LastError)
	}

	if _, err := s.RetryFailed(ctx, "nope", "ops"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing batch err = %v", err)
	}
}

func TestCancelBatch(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	id := mustCreateBatch(t, s, "dev-1", "dev-2", "dev-3")
	s.Claim(ctx, "dev-1", 1)
	s.Claim(ctx, "dev-2", 1)
	s.Ack(ctx, AckRequest{DeviceID: "dev-1", CommandID: commandFor(t, s, id, "dev-1"), Status: StatusSuccess})

	n, err := s.CancelBatch(ctx, id, "ops")
	if err != nil {
		t.Fatalf("CancelBatch: %v", err)
	}
	if n != 2 {
		t.Errorf("canceled = %d, want 2", n)
	}
	view, _ := s.GetBatch(ctx, id)
	if view.Info.Status != BatchStatusCanceled {
		t.Errorf("status = %s", view.Info.Status)
	}
	want := StatusCounts{Success: 1, Canceled: 2}
	if view.Counts != want {
		t.Errorf("counts = %+v, want %+v", view.Counts, want)
	}
	if inflightCount(t, s, "dev-2") != 0 {
		t.Error("canceled sent command left in flight")
	}
	// A late ack for a canceled command is refused.
	ok, _ := s.Ack(ctx, AckRequest{DeviceID: "dev-2", CommandID: commandFor(t, s, id, "dev-2"), Status: StatusSuccess})
	if ok {
		t.Error("ack after cancel should return false")
	}

	n, _ = s.CancelBatch(ctx, id, "ops")
	if n != 0 {
		t.Errorf("second cancel = %d, want 0", n)
	}
}

func TestPauseResumeIdempotent(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	id := mustCreateBatch(t, s, "dev-1")

	for i := 0; i < 2; i++ {
		if err := s.PauseBatch(ctx, id, "ops"); err != nil {
			t.Fatalf("PauseBatch: %v", err)
		}
	}
	view, _ := s.GetBatch(ctx, id)
	if !view.Info.Paused {
		t.Error("batch should be paused")
	}
	if view.Counts.Pending != 1 {
		t.Errorf("pause must not touch members, counts = %+v", view.Counts)
	}
	s.ResumeBatch(ctx, id, "ops")
	s.ResumeBatch(ctx, id, "ops")
	view, _ = s.GetBatch(ctx, id)
	if view.Info.Paused {
		t.Error("batch should be resumed")
	}
	if err := s.PauseBatch(ctx, "nope", "ops"); !errors.Is(err, ErrNotFound) {
		t.Errorf("pause missing err = %v", err)
	}
}

func TestSetConcurrency(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	id := mustCreateBatch(t, s, "dev-1")

	if err := s.SetConcurrency(ctx, id, 0, "ops"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("n=0 err = %v, want ErrInvalidArgument", err)
	}
	if err := s.SetConcurrency(ctx, id, 4, "ops"); err != nil {
		t.Fatalf("SetConcurrency: %v", err)
	}
	view, _ := s.GetBatch(ctx, id)
	if view.Info.MaxConcurrency == nil || *view.Info.MaxConcurrency != 4 {
		t.Errorf("max_concurrency = %v, want 4", view.Info.MaxConcurrency)
	}
	if err := s.SetConcurrency(ctx, "nope", 4, "ops"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing batch err = %v", err)
	}
}

func TestRetryItem(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	id := mustCreateBatch(t, s, "dev-1")
	cmdID := commandFor(t, s, id, "dev-1")
	s.Claim(ctx, "dev-1", 1)
	s.Ack(ctx, AckRequest{DeviceID: "dev-1", CommandID: cmdID, Status: StatusFail})

	ok, err := s.RetryItem(ctx, id, "not-a-member", "ops")
	if err != nil || ok {
		t.Errorf("RetryItem(non-member) = %v, %v", ok, err)
	}
	other := mustEnqueue(t, s, "dev-1", "ping")
	ok, err = s.RetryItem(ctx, id, other, "ops")
	if err != nil || ok {
		t.Errorf("RetryItem(standalone command) = %v, %v", ok, err)
	}

	ok, err = s.RetryItem(ctx, id, cmdID, "ops")
	if err != nil || !ok {
		t.Fatalf("RetryItem = %v, %v", ok, err)
	}
	if c := mustGet(t, s, "dev-1", cmdID); c.Status != StatusPending {
		t.Errorf("status = %s, want pending", c.Status)
	}
	if q := pendingQueue(t, s, "dev-1"); len(q) != 2 || q[0] != cmdID {
		t.Errorf("queue = %v, want retried item first", q)
	}
}

func TestRetryItemMissingRecord(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	id := mustCreateBatch(t, s, "dev-1")
	cmdID := commandFor(t, s, id, "dev-1")
	s.KV().Update(ctx, func(tx *kvstore.Tx) error {
		return tx.Delete(kv.CommandName("dev-1", cmdID))
	})
	ok, err := s.RetryItem(ctx, id, cmdID, "ops")
	if err != nil || ok {
		t.Errorf("RetryItem(missing record) = %v, %v; want false, nil", ok, err)
	}
}

func TestCountsSumMatchesMembers(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()
	devices := []string{"a", "b", "c", "d", "e"}
	id := mustCreateBatch(t, s, devices...)
	s.Claim(ctx, "a", 1)
	s.Claim(ctx, "b", 1)
	s.Ack(ctx, AckRequest{DeviceID: "b", CommandID: commandFor(t, s, id, "b"), Status: StatusFail})
	s.RetryFailed(ctx, id, "ops")
	s.CancelBatch(ctx, id, "ops")

	view, _ := s.GetBatch(ctx, id)
	if view.Counts.Total() != view.MemberCount {
		t.Errorf("counts %+v sum to %d, members = %d", view.Counts, view.Counts.Total(), view.MemberCount)
	}
	page, _ := s.ListBatches(ctx, BatchFilter{}, 1, 10)
	if page.Items[0].Counts != view.Counts {
		t.Errorf("cached counts %+v diverge from computed %+v", page.Items[0].Counts, view.Counts)
	}
}
