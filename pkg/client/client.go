// Package client is a thin HTTP wrapper for the coffeeManage command API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/yulaomao/coffeeManage/internal/audit"
	"github.com/yulaomao/coffeeManage/internal/store"
)

// Client talks to the /api/v1 endpoints.
type Client struct {
	URL        string
	HTTPClient *http.Client
	// Token is sent as a bearer token when set.
	Token string
	// Role and Actor fill X-Role and X-Actor for servers without JWT auth.
	Role  string
	Actor string
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.HTTPClient = h
		}
	}
}

func WithToken(token string) Option {
	return func(c *Client) { c.Token = token }
}

func WithRole(role string) Option {
	return func(c *Client) { c.Role = role }
}

func WithActor(actor string) Option {
	return func(c *Client) { c.Actor = actor }
}

// WithH2C speaks cleartext HTTP/2 to the server.
func WithH2C() Option {
	return func(c *Client) { c.HTTPClient = h2cClient() }
}

// New creates a new client for a server base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		URL:        strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func h2cClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
	return &http.Client{Timeout: 60 * time.Second, Transport: tr}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Dispatch creates a batch.
func (c *Client) Dispatch(ctx context.Context, req store.CreateBatchRequest) (*store.CreateBatchResult, error) {
	var out store.CreateBatchResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/commands/dispatch", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBatchesParams filters ListBatches. Zero values are omitted.
type ListBatchesParams struct {
	From     *time.Time
	To       *time.Time
	Type     string
	Status   string
	Creator  string
	Tag      string
	Query    string
	Page     int
	PageSize int
}

func (p ListBatchesParams) values() url.Values {
	v := url.Values{}
	if p.From != nil {
		v.Set("from", strconv.FormatInt(p.From.Unix(), 10))
	}
	if p.To != nil {
		v.Set("to", strconv.FormatInt(p.To.Unix(), 10))
	}
	setNonEmpty(v, "type", p.Type)
	setNonEmpty(v, "status", p.Status)
	setNonEmpty(v, "creator", p.Creator)
	setNonEmpty(v, "tag", p.Tag)
	setNonEmpty(v, "q", p.Query)
	setPositive(v, "page", p.Page)
	setPositive(v, "page_size", p.PageSize)
	return v
}

func (c *Client) ListBatches(ctx context.Context, p ListBatchesParams) (*store.BatchPage, error) {
	var out store.BatchPage
	if err := c.do(ctx, http.MethodGet, withQuery("/api/v1/commands/batches", p.values()), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetBatch(ctx context.Context, batchID string) (*store.BatchView, error) {
	var out store.BatchView
	if err := c.do(ctx, http.MethodGet, batchPath(batchID, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListBatchItems(ctx context.Context, batchID string, f store.ItemFilter, page, pageSize int) (*store.BatchItemPage, error) {
	v := url.Values{}
	setNonEmpty(v, "status", f.Status)
	setNonEmpty(v, "device_id", f.DeviceID)
	setPositive(v, "page", page)
	setPositive(v, "page_size", pageSize)
	var out store.BatchItemPage
	if err := c.do(ctx, http.MethodGet, withQuery(batchPath(batchID, "/items"), v), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExportBatchItems returns the raw export document.
func (c *Client) ExportBatchItems(ctx context.Context, batchID, format string) ([]byte, error) {
	v := url.Values{}
	setNonEmpty(v, "format", format)
	data, _, err := c.raw(ctx, http.MethodGet, withQuery(batchPath(batchID, "/export"), v), nil)
	return data, err
}

func (c *Client) RetryFailed(ctx context.Context, batchID string) (int, error) {
	var out struct {
		Retried int `json:"retried"`
	}
	err := c.do(ctx, http.MethodPost, batchPath(batchID, "/retry-failed"), nil, &out)
	return out.Retried, err
}

func (c *Client) CancelBatch(ctx context.Context, batchID string) (int, error) {
	var out struct {
		Canceled int `json:"canceled"`
	}
	err := c.do(ctx, http.MethodPost, batchPath(batchID, "/cancel"), nil, &out)
	return out.Canceled, err
}

func (c *Client) PauseBatch(ctx context.Context, batchID string) error {
	return c.do(ctx, http.MethodPost, batchPath(batchID, "/pause"), nil, nil)
}

func (c *Client) ResumeBatch(ctx context.Context, batchID string) error {
	return c.do(ctx, http.MethodPost, batchPath(batchID, "/resume"), nil, nil)
}

func (c *Client) SetConcurrency(ctx context.Context, batchID string, n int) error {
	return c.do(ctx, http.MethodPost, batchPath(batchID, "/concurrency"), map[string]int{"max_concurrency": n}, nil)
}

func (c *Client) RetryItem(ctx context.Context, batchID, itemID string) error {
	return c.do(ctx, http.MethodPost, batchPath(batchID, "/items/"+url.PathEscape(itemID)+"/retry"), nil, nil)
}

// Enqueue queues a single command for a device.
func (c *Client) Enqueue(ctx context.Context, req store.EnqueueRequest) (*store.EnqueueResult, error) {
	var out store.EnqueueResult
	if err := c.do(ctx, http.MethodPost, devicePath(req.DeviceID, ""), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListByDevice(ctx context.Context, deviceID string, limit int) ([]store.Command, error) {
	v := url.Values{}
	setPositive(v, "limit", limit)
	var out []store.Command
	err := c.do(ctx, http.MethodGet, withQuery(devicePath(deviceID, ""), v), nil, &out)
	return out, err
}

func (c *Client) GetCommand(ctx context.Context, deviceID, commandID string) (*store.Command, error) {
	var out store.Command
	if err := c.do(ctx, http.MethodGet, devicePath(deviceID, "/"+url.PathEscape(commandID)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeviceStats lists queue depths for every known device.
func (c *Client) DeviceStats(ctx context.Context) ([]store.DeviceQueueStats, error) {
	var out []store.DeviceQueueStats
	err := c.do(ctx, http.MethodGet, "/api/v1/devices", nil, &out)
	return out, err
}

func (c *Client) Claim(ctx context.Context, deviceID string, limit int) ([]store.Command, error) {
	var out []store.Command
	err := c.do(ctx, http.MethodPost, devicePath(deviceID, "/claim"), map[string]int{"limit": limit}, &out)
	return out, err
}

// Ack reports a command outcome. It returns false when the server ignored
// the ack because the command is unknown or already terminal.
func (c *Client) Ack(ctx context.Context, deviceID, commandID, status string, result json.RawMessage, errMsg string) (bool, error) {
	body := map[string]any{"status": status}
	if len(result) > 0 {
		body["result"] = result
	}
	if errMsg != "" {
		body["error"] = errMsg
	}
	var out struct {
		Acked bool `json:"acked"`
	}
	err := c.do(ctx, http.MethodPost, devicePath(deviceID, "/"+url.PathEscape(commandID)+"/ack"), body, &out)
	return out.Acked, err
}

func (c *Client) Audit(ctx context.Context, action, actor string, limit, offset int) ([]audit.Event, error) {
	v := url.Values{}
	setNonEmpty(v, "action", action)
	setNonEmpty(v, "actor", actor)
	setPositive(v, "limit", limit)
	setPositive(v, "offset", offset)
	var out []audit.Event
	err := c.do(ctx, http.MethodGet, withQuery("/api/v1/audit", v), nil, &out)
	return out, err
}

// Raw performs a request and returns the unwrapped data field as JSON.
func (c *Client) Raw(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, method, path, body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	data, _, err := c.raw(ctx, method, path, body)
	if err != nil {
		return err
	}
	var env struct {
		OK   bool            `json:"ok"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if result == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, result)
}

func (c *Client) raw(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.Role != "" {
		req.Header.Set("X-Role", c.Role)
	}
	if c.Actor != "" {
		req.Header.Set("X-Actor", c.Actor)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(data))
		}
		return nil, resp.StatusCode, &APIError{Status: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
	}
	return data, resp.StatusCode, nil
}

func batchPath(batchID, suffix string) string {
	return "/api/v1/commands/batches/" + url.PathEscape(batchID) + suffix
}

func devicePath(deviceID, suffix string) string {
	return "/api/v1/devices/" + url.PathEscape(deviceID) + "/commands" + suffix
}

func withQuery(path string, v url.Values) string {
	if len(v) == 0 {
		return path
	}
	return path + "?" + v.Encode()
}

func setNonEmpty(v url.Values, key, val string) {
	if val != "" {
		v.Set(key, val)
	}
}

func setPositive(v url.Values, key string, n int) {
	if n > 0 {
		v.Set(key, strconv.Itoa(n))
	}
}
