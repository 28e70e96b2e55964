package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/yulaomao/coffeeManage/internal/audit"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
	"github.com/yulaomao/coffeeManage/internal/server"
	"github.com/yulaomao/coffeeManage/internal/store"
)

func testClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	kvs, err := kvstore.Open(kvstore.EnginePebble, "")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	sink := audit.NewKVSink(kvs, 0)
	s := store.NewStore(kvs, store.WithAudit(sink))
	t.Cleanup(func() { s.Close() })

	srv := server.New(s, sink, nil, server.Config{BatchDispatchPerMin: 100})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return New(ts.URL, opts...)
}

func TestClientDeviceLifecycle(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	enq, err := c.Enqueue(ctx, store.EnqueueRequest{DeviceID: "dev-1", Type: "sync_menu"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if enq.CommandID == "" || enq.Status != store.StatusPending {
		t.Fatalf("enqueue = %+v", enq)
	}

	claimed, err := c.Claim(ctx, "dev-1", 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != enq.CommandID {
		t.Fatalf("claimed = %+v", claimed)
	}

	ok, err := c.Ack(ctx, "dev-1", enq.CommandID, store.StatusSuccess, json.RawMessage(`{"menu":"v2"}`), "")
	if err != nil || !ok {
		t.Fatalf("Ack = %v, %v", ok, err)
	}
	ok, err = c.Ack(ctx, "dev-1", enq.CommandID, store.StatusFail, nil, "late")
	if err != nil || ok {
		t.Fatalf("second Ack = %v, %v; want false", ok, err)
	}

	cmds, err := c.ListByDevice(ctx, "dev-1", 0)
	if err != nil {
		t.Fatalf("ListByDevice: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Status != store.StatusSuccess {
		t.Fatalf("commands = %+v", cmds)
	}

	got, err := c.GetCommand(ctx, "dev-1", enq.CommandID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if string(got.ResultPayload) != `{"menu":"v2"}` {
		t.Errorf("result payload = %s", got.ResultPayload)
	}

	stats, err := c.DeviceStats(ctx)
	if err != nil {
		t.Fatalf("DeviceStats: %v", err)
	}
	if len(stats) != 1 || stats[0].Pending != 0 || stats[0].Inflight != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestClientBatchLifecycle(t *testing.T) {
	c := testClient(t, WithActor("ops-console"))
	ctx := context.Background()

	res, err := c.Dispatch(ctx, store.CreateBatchRequest{
		Type:      "restart",
		DeviceIDs: []string{"a", "b", "c"},
		Tag:       "night",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Count != 3 {
		t.Fatalf("count = %d", res.Count)
	}

	page, err := c.ListBatches(ctx, ListBatchesParams{Tag: "night"})
	if err != nil {
		t.Fatalf("ListBatches: %v", err)
	}
	if page.Total != 1 || page.Items[0].Creator != "ops-console" {
		t.Fatalf("page = %+v", page)
	}

	if err := c.PauseBatch(ctx, res.BatchID); err != nil {
		t.Fatalf("PauseBatch: %v", err)
	}
	if err := c.ResumeBatch(ctx, res.BatchID); err != nil {
		t.Fatalf("ResumeBatch: %v", err)
	}
	if err := c.SetConcurrency(ctx, res.BatchID, 2); err != nil {
		t.Fatalf("SetConcurrency: %v", err)
	}

	items, err := c.ListBatchItems(ctx, res.BatchID, store.ItemFilter{DeviceID: "b"}, 1, 10)
	if err != nil {
		t.Fatalf("ListBatchItems: %v", err)
	}
	if items.Total != 1 {
		t.Fatalf("items = %+v", items)
	}
	if err := c.RetryItem(ctx, res.BatchID, items.Items[0].ItemID); err != nil {
		t.Fatalf("RetryItem: %v", err)
	}

	n, err := c.CancelBatch(ctx, res.BatchID)
	if err != nil || n != 3 {
		t.Fatalf("CancelBatch = %d, %v", n, err)
	}
	view, err := c.GetBatch(ctx, res.BatchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if view.Counts.Canceled != 3 {
		t.Fatalf("counts = %+v", view.Counts)
	}

	data, err := c.ExportBatchItems(ctx, res.BatchID, "json")
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(data, &rows); err != nil || len(rows) != 3 {
		t.Fatalf("export rows = %d, err %v", len(rows), err)
	}

	events, err := c.Audit(ctx, audit.ActionBatchCancel, "", 0, 0)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(events) != 1 || events[0].Actor != "ops-console" {
		t.Fatalf("events = %+v", events)
	}
}

func TestClientAPIError(t *testing.T) {
	c := testClient(t)
	_, err := c.GetBatch(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestClientSendsRoleHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`{"ok":true,"data":[]}`))
	}))
	defer ts.Close()

	c := New(ts.URL+"/", WithRole("viewer"), WithActor("dash"), WithToken("tok"))
	if _, err := c.Audit(context.Background(), "", "", 5, 0); err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if got.Get("X-Role") != "viewer" || got.Get("X-Actor") != "dash" {
		t.Errorf("headers = %v", got)
	}
	if !strings.HasPrefix(got.Get("Authorization"), "Bearer ") {
		t.Errorf("authorization = %q", got.Get("Authorization"))
	}
}
