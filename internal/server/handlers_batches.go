package server

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yulaomao/coffeeManage/internal/store"
)

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req store.CreateBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	// The creator is always the authenticated caller.
	req.Creator = principalFromContext(r.Context()).Name

	res, err := s.store.CreateBatch(r.Context(), req)
	if err != nil {
		if res != nil {
			// Partial fan-out: earlier devices stay enqueued.
			s.observeBatch(res)
		}
		writeStoreError(w, err)
		return
	}
	s.observeBatch(res)
	status := http.StatusCreated
	if res.Existing {
		status = http.StatusOK
	}
	writeOK(w, status, res)
}

func (s *Server) observeBatch(res *store.CreateBatchResult) {
	if s.metrics != nil && !res.Existing {
		s.metrics.BatchCreated(res.Count)
	}
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.BatchFilter{
		Type:    strings.TrimSpace(q.Get("type")),
		Status:  strings.TrimSpace(q.Get("status")),
		Creator: strings.TrimSpace(q.Get("creator")),
		Tag:     strings.TrimSpace(q.Get("tag")),
		Query:   strings.TrimSpace(q.Get("q")),
	}
	var err error
	if f.From, err = parseTimeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid from", "VALIDATION_ERROR")
		return
	}
	if f.To, err = parseTimeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid to", "VALIDATION_ERROR")
		return
	}
	page, pageSize, ok := pageParams(w, r, store.DefaultBatchPageSize)
	if !ok {
		return
	}

	out, err := s.store.ListBatches(r.Context(), f, page, pageSize)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, http.StatusOK, out)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	view, err := s.store.GetBatch(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, http.StatusOK, view)
}

func (s *Server) handleListBatchItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ItemFilter{
		Status:   strings.TrimSpace(q.Get("status")),
		DeviceID: strings.TrimSpace(q.Get("device_id")),
	}
	page, pageSize, ok := pageParams(w, r, store.DefaultBatchPageSize)
	if !ok {
		return
	}
	out, err := s.store.ListBatchItems(r.Context(), chi.URLParam(r, "batch_id"), f, page, pageSize)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, http.StatusOK, out)
}

func (s *Server) handleExportBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "" {
		format = store.ExportCSV
	}
	var buf bytes.Buffer
	if err := s.store.ExportBatchItems(r.Context(), batchID, format, &buf); err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", store.ExportContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "batch_"+batchID+"."+format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	n, err := s.store.RetryFailed(r.Context(), batchID, principalFromContext(r.Context()).Name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"batch_id": batchID, "retried": n})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	n, err := s.store.CancelBatch(r.Context(), batchID, principalFromContext(r.Context()).Name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"batch_id": batchID, "canceled": n})
}

func (s *Server) handlePauseBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	if err := s.store.PauseBatch(r.Context(), batchID, principalFromContext(r.Context()).Name); err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"batch_id": batchID, "paused": true})
}

func (s *Server) handleResumeBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	if err := s.store.ResumeBatch(r.Context(), batchID, principalFromContext(r.Context()).Name); err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"batch_id": batchID, "paused": false})
}

func (s *Server) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	var req struct {
		MaxConcurrency *int `json:"max_concurrency"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if req.MaxConcurrency == nil {
		writeError(w, http.StatusBadRequest, "max_concurrency is required", "VALIDATION_ERROR")
		return
	}
	if err := s.store.SetConcurrency(r.Context(), batchID, *req.MaxConcurrency, principalFromContext(r.Context()).Name); err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"batch_id": batchID, "max_concurrency": *req.MaxConcurrency})
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")
	itemID := chi.URLParam(r, "item_id")
	ok, err := s.store.RetryItem(r.Context(), batchID, itemID, principalFromContext(r.Context()).Name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "item not found in batch", string(store.ErrorCodeNotFound))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"batch_id": batchID, "item_id": itemID, "retried": true})
}

// pageParams reads page and page_size. It writes a 400 and returns false on
// malformed input.
func pageParams(w http.ResponseWriter, r *http.Request, defSize int) (int, int, bool) {
	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "invalid page", "VALIDATION_ERROR")
		return 0, 0, false
	}
	size, err := queryInt(r, "page_size", defSize)
	if err != nil || size < 1 {
		writeError(w, http.StatusBadRequest, "invalid page_size", "VALIDATION_ERROR")
		return 0, 0, false
	}
	return page, size, true
}

// parseTimeParam accepts unix seconds or RFC 3339.
func parseTimeParam(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		t := time.Unix(secs, 0)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
