package server

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yulaomao/coffeeManage/internal/audit"
	"github.com/yulaomao/coffeeManage/internal/kvstore"
	"github.com/yulaomao/coffeeManage/internal/observability"
	"github.com/yulaomao/coffeeManage/internal/store"
)

func testServerConfig(t *testing.T, cfg Config) (*Server, *store.Store) {
	t.Helper()
	kvs, err := kvstore.Open(kvstore.EnginePebble, "")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	sink := audit.NewKVSink(kvs, 0)
	s := store.NewStore(kvs, store.WithAudit(sink))
	t.Cleanup(func() { s.Close() })

	m, err := observability.NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	srv := New(s, sink, m, cfg)
	t.Cleanup(func() { srv.limiter.close() })
	return srv, s
}

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	return testServerConfig(t, Config{BatchDispatchPerMin: 100})
}

func doRequest(srv *Server, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

// decodeData unwraps the {"ok":true,"data":...} envelope into v.
func decodeData(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var env struct {
		OK   bool            `json:"ok"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rr.Body.String())
	}
	if !env.OK {
		t.Fatalf("response not ok: %s", env.Data)
	}
	if v != nil {
		if err := json.Unmarshal(env.Data, v); err != nil {
			t.Fatalf("decode data: %v (data: %s)", err, env.Data)
		}
	}
}

func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		OK   bool   `json:"ok"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&env); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if env.OK {
		t.Fatal("expected ok=false")
	}
	return env.Code
}

func dispatch(t *testing.T, srv *Server, devices ...string) store.CreateBatchResult {
	t.Helper()
	rr := doRequest(srv, "POST", "/api/v1/commands/dispatch", map[string]interface{}{
		"command_type": "restart",
		"device_ids":   devices,
		"payload":      map[string]int{"delay": 5},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("dispatch status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var res store.CreateBatchResult
	decodeData(t, rr, &res)
	return res
}

func TestHealthz(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := testServer(t)
	dispatch(t, srv, "d1")
	rr := doRequest(srv, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "coffeemanage_batches_created_total 1") {
		t.Errorf("batch counter missing: %s", rr.Body.String())
	}
}

func TestEnqueueClaimAckFlow(t *testing.T) {
	srv, s := testServer(t)

	rr := doRequest(srv, "POST", "/api/v1/devices/dev-1/commands", map[string]interface{}{
		"type":    "sync_menu",
		"payload": map[string]string{"menu": "v2"},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var enq store.EnqueueResult
	decodeData(t, rr, &enq)
	if enq.CommandID == "" || enq.Status != store.StatusPending {
		t.Fatalf("enqueue result = %+v", enq)
	}

	rr = doRequest(srv, "POST", "/api/v1/devices/dev-1/commands/claim", map[string]int{"limit": 5}, "X-Role", "device")
	if rr.Code != http.StatusOK {
		t.Fatalf("claim status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var claimed []store.Command
	decodeData(t, rr, &claimed)
	if len(claimed) != 1 || claimed[0].ID != enq.CommandID || claimed[0].Status != store.StatusSent {
		t.Fatalf("claimed = %+v", claimed)
	}

	rr = doRequest(srv, "POST", "/api/v1/devices/dev-1/commands/"+enq.CommandID+"/ack",
		map[string]interface{}{"status": "success", "result": map[string]bool{"done": true}}, "X-Role", "device")
	if rr.Code != http.StatusOK {
		t.Fatalf("ack status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var ack struct {
		Acked bool `json:"acked"`
	}
	decodeData(t, rr, &ack)
	if !ack.Acked {
		t.Fatal("ack reported false")
	}

	cmd, err := s.GetCommand(t.Context(), "dev-1", enq.CommandID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if cmd.Status != store.StatusSuccess {
		t.Errorf("status = %q, want success", cmd.Status)
	}

	rr = doRequest(srv, "GET", "/api/v1/devices/dev-1/commands?limit=10", nil, "X-Role", "viewer")
	var listed []store.Command
	decodeData(t, rr, &listed)
	if len(listed) != 1 {
		t.Fatalf("listed %d commands, want 1", len(listed))
	}
}

func TestGetCommandAndDeviceStats(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/devices/dev-2/commands", map[string]string{"type": "clean"})
	var enq store.EnqueueResult
	decodeData(t, rr, &enq)

	rr = doRequest(srv, "GET", "/api/v1/devices/dev-2/commands/"+enq.CommandID, nil, "X-Role", "viewer")
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var cmd store.Command
	decodeData(t, rr, &cmd)
	if cmd.ID != enq.CommandID || cmd.Type != "clean" {
		t.Fatalf("command = %+v", cmd)
	}

	rr = doRequest(srv, "GET", "/api/v1/devices/dev-2/commands/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", rr.Code)
	}

	rr = doRequest(srv, "GET", "/api/v1/devices", nil, "X-Role", "viewer")
	var stats []store.DeviceQueueStats
	decodeData(t, rr, &stats)
	if len(stats) != 1 || stats[0].DeviceID != "dev-2" || stats[0].Pending != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestAckInvalidStatus(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/devices/dev-1/commands/c1/ack", map[string]string{"status": "done"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != "INVALID_ARGUMENT" {
		t.Errorf("code = %q", code)
	}
}

func TestDispatchAndBatchViews(t *testing.T) {
	srv, _ := testServer(t)
	res := dispatch(t, srv, "d1", "d2", "d1", "d3")
	if res.Count != 4 {
		t.Fatalf("count = %d, want 4 (one command per entry)", res.Count)
	}

	rr := doRequest(srv, "GET", "/api/v1/commands/batches/"+res.BatchID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var view store.BatchView
	decodeData(t, rr, &view)
	if view.Counts.Pending != 4 || view.MemberCount != 4 || view.Info.CountTotal != 4 {
		t.Errorf("view = %+v", view)
	}

	rr = doRequest(srv, "GET", "/api/v1/commands/batches?page=1&page_size=10", nil)
	var page store.BatchPage
	decodeData(t, rr, &page)
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ID != res.BatchID {
		t.Fatalf("page = %+v", page)
	}

	rr = doRequest(srv, "GET", "/api/v1/commands/batches/"+res.BatchID+"/items?device_id=d2", nil)
	var items store.BatchItemPage
	decodeData(t, rr, &items)
	if items.Total != 1 || items.Items[0].DeviceID != "d2" {
		t.Fatalf("items = %+v", items)
	}
}

func TestDispatchCreatorIsCaller(t *testing.T) {
	srv, s := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/commands/dispatch", map[string]interface{}{
		"command_type": "restart",
		"device_ids":   []string{"d1"},
		"creator":      "mallory",
	}, "X-Actor", "ops-1")
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	var res store.CreateBatchResult
	decodeData(t, rr, &res)

	view, err := s.GetBatch(t.Context(), res.BatchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if view.Info.Creator != "ops-1" {
		t.Errorf("creator = %q, want ops-1", view.Info.Creator)
	}
}

func TestDispatchValidation(t *testing.T) {
	srv, _ := testServer(t)
	rr := doRequest(srv, "POST", "/api/v1/commands/dispatch", map[string]interface{}{
		"device_ids": []string{"d1"},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}

	rr = doRequest(srv, "POST", "/api/v1/commands/dispatch", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty body status = %d, want 400", rr.Code)
	}
}

func TestDispatchDedupReturnsExisting(t *testing.T) {
	srv, _ := testServer(t)
	body := map[string]interface{}{
		"command_type": "restart",
		"device_ids":   []string{"d1"},
		"dedup_key":    "nightly-restart",
	}
	first := doRequest(srv, "POST", "/api/v1/commands/dispatch", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}
	var a store.CreateBatchResult
	decodeData(t, first, &a)

	second := doRequest(srv, "POST", "/api/v1/commands/dispatch", body)
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	var b store.CreateBatchResult
	decodeData(t, second, &b)
	if !b.Existing || b.BatchID != a.BatchID {
		t.Fatalf("dedup result = %+v, want existing %s", b, a.BatchID)
	}
}

func TestBatchNotFound(t *testing.T) {
	srv, _ := testServer(t)
	for _, tc := range []struct{ method, path string }{
		{"GET", "/api/v1/commands/batches/missing"},
		{"GET", "/api/v1/commands/batches/missing/items"},
		{"GET", "/api/v1/commands/batches/missing/export"},
		{"POST", "/api/v1/commands/batches/missing/cancel"},
		{"POST", "/api/v1/commands/batches/missing/pause"},
		{"POST", "/api/v1/commands/batches/missing/retry-failed"},
	} {
		rr := doRequest(srv, tc.method, tc.path, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("%s %s status = %d, want 404", tc.method, tc.path, rr.Code)
			continue
		}
		if code := decodeErrorCode(t, rr); code != "NOT_FOUND" {
			t.Errorf("%s %s code = %q", tc.method, tc.path, code)
		}
	}
}

func TestBatchControlEndpoints(t *testing.T) {
	srv, s := testServer(t)
	res := dispatch(t, srv, "d1", "d2")
	base := "/api/v1/commands/batches/" + res.BatchID

	rr := doRequest(srv, "POST", base+"/pause", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("pause status = %d, body: %s", rr.Code, rr.Body.String())
	}
	rr = doRequest(srv, "POST", "/api/v1/devices/d1/commands/claim", nil, "X-Role", "device")
	var claimed []store.Command
	decodeData(t, rr, &claimed)
	if len(claimed) != 0 {
		t.Fatalf("claimed %d commands from paused batch", len(claimed))
	}

	rr = doRequest(srv, "POST", base+"/resume", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rr.Code)
	}
	rr = doRequest(srv, "POST", "/api/v1/devices/d1/commands/claim", nil, "X-Role", "device")
	decodeData(t, rr, &claimed)
	if len(claimed) != 1 {
		t.Fatalf("claimed %d after resume, want 1", len(claimed))
	}

	rr = doRequest(srv, "POST", "/api/v1/devices/d1/commands/"+claimed[0].ID+"/ack", map[string]string{"status": "fail", "error": "boiler"})
	if rr.Code != http.StatusOK {
		t.Fatalf("ack status = %d", rr.Code)
	}

	rr = doRequest(srv, "POST", base+"/retry-failed", nil)
	var retried struct {
		Retried int `json:"retried"`
	}
	decodeData(t, rr, &retried)
	if retried.Retried != 1 {
		t.Fatalf("retried = %d, want 1", retried.Retried)
	}

	rr = doRequest(srv, "POST", base+"/concurrency", map[string]int{"max_concurrency": 4})
	if rr.Code != http.StatusOK {
		t.Fatalf("concurrency status = %d", rr.Code)
	}
	rr = doRequest(srv, "POST", base+"/concurrency", map[string]int{"max_concurrency": 0})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("zero concurrency status = %d, want 400", rr.Code)
	}
	rr = doRequest(srv, "POST", base+"/concurrency", map[string]int{})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing concurrency status = %d, want 400", rr.Code)
	}

	rr = doRequest(srv, "POST", base+"/items/"+claimed[0].ID+"/retry", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("retry item status = %d, body: %s", rr.Code, rr.Body.String())
	}
	rr = doRequest(srv, "POST", base+"/items/nope/retry", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("retry unknown item status = %d, want 404", rr.Code)
	}

	rr = doRequest(srv, "POST", base+"/cancel", nil)
	var canceled struct {
		Canceled int `json:"canceled"`
	}
	decodeData(t, rr, &canceled)
	if canceled.Canceled != 2 {
		t.Fatalf("canceled = %d, want 2", canceled.Canceled)
	}

	view, err := s.GetBatch(t.Context(), res.BatchID)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if view.Info.Status != store.BatchStatusCanceled || view.Counts.Canceled != 2 {
		t.Fatalf("after cancel: %+v", view)
	}
}

func TestExportCSV(t *testing.T) {
	srv, _ := testServer(t)
	res := dispatch(t, srv, "d1", "d2")

	rr := doRequest(srv, "GET", "/api/v1/commands/batches/"+res.BatchID+"/export?format=csv", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content-type = %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, res.BatchID+".csv") {
		t.Errorf("content-disposition = %q", cd)
	}
	rows, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2", len(rows))
	}
	if strings.Join(rows[0][:4], ",") != "item_id,device_id,type,status" {
		t.Errorf("header = %v", rows[0])
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	srv, _ := testServer(t)
	res := dispatch(t, srv, "d1")
	rr := doRequest(srv, "GET", "/api/v1/commands/batches/"+res.BatchID+"/export?format=pdf", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
}

func TestListBatchesValidation(t *testing.T) {
	srv, _ := testServer(t)
	for _, q := range []string{"page=0", "page_size=x", "from=yesterday", "status=bogus"} {
		rr := doRequest(srv, "GET", "/api/v1/commands/batches?"+q, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rr.Code)
		}
	}
}

func TestAuditListing(t *testing.T) {
	srv, _ := testServer(t)
	res := dispatch(t, srv, "d1")
	doRequest(srv, "POST", "/api/v1/commands/batches/"+res.BatchID+"/pause", nil, "X-Actor", "alice")

	rr := doRequest(srv, "GET", "/api/v1/audit?actor=alice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var events []audit.Event
	decodeData(t, rr, &events)
	if len(events) != 1 || events[0].Action != audit.ActionBatchPause || events[0].TargetID != res.BatchID {
		t.Fatalf("events = %+v", events)
	}

	rr = doRequest(srv, "GET", "/api/v1/audit?limit=-1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("negative limit status = %d", rr.Code)
	}
}

func TestDispatchRateLimited(t *testing.T) {
	srv, _ := testServerConfig(t, Config{BatchDispatchPerMin: 2})
	body := map[string]interface{}{"command_type": "restart", "device_ids": []string{"d1"}}
	for i := 0; i < 2; i++ {
		rr := doRequest(srv, "POST", "/api/v1/commands/dispatch", body, "X-Actor", "ops-1")
		if rr.Code != http.StatusCreated {
			t.Fatalf("dispatch %d status = %d", i, rr.Code)
		}
	}
	rr := doRequest(srv, "POST", "/api/v1/commands/dispatch", body, "X-Actor", "ops-1")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != "RATE_LIMITED" {
		t.Errorf("code = %q", code)
	}

	rr = doRequest(srv, "POST", "/api/v1/commands/dispatch", body, "X-Actor", "ops-2", "Authorization", "Bearer x")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("rotated identity headers status = %d, want 429", rr.Code)
	}

	rr = doRequest(srv, "POST", "/api/v1/commands/dispatch", body, "X-Real-IP", "10.0.0.9")
	if rr.Code != http.StatusCreated {
		t.Fatalf("other client status = %d, want 201", rr.Code)
	}
}

func TestDispatchRateLimitedPerTokenSubject(t *testing.T) {
	const secret = "test-secret"
	srv, _ := testServerConfig(t, Config{JWTSecret: secret, BatchDispatchPerMin: 1})
	a, _ := SignToken(secret, "console-a", RoleOps)
	b, _ := SignToken(secret, "console-b", RoleOps)
	body := map[string]interface{}{"command_type": "restart", "device_ids": []string{"d1"}}

	rr := doRequest(srv, "POST", "/api/v1/commands/dispatch", body, "Authorization", "Bearer "+a)
	if rr.Code != http.StatusCreated {
		t.Fatalf("first status = %d", rr.Code)
	}
	rr = doRequest(srv, "POST", "/api/v1/commands/dispatch", body, "Authorization", "Bearer "+a, "X-Actor", "someone-else")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("same subject status = %d, want 429", rr.Code)
	}
	rr = doRequest(srv, "POST", "/api/v1/commands/dispatch", body, "Authorization", "Bearer "+b)
	if rr.Code != http.StatusCreated {
		t.Fatalf("other subject status = %d, want 201", rr.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := testServerConfig(t, Config{CORSOrigins: []string{"https://ops.example.com"}})
	rr := doRequest(srv, "OPTIONS", "/api/v1/commands/batches", nil, "Origin", "https://ops.example.com")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Errorf("allow-origin = %q", got)
	}

	rr = doRequest(srv, "OPTIONS", "/api/v1/commands/batches", nil, "Origin", "https://evil.example.com")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow-origin %q", got)
	}
}

func ExampleSignToken() {
	tok, _ := SignToken("secret", "ops-console", RoleOps)
	fmt.Println(strings.Count(tok, "."))
	// Output: 2
}
