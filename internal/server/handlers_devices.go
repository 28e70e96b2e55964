package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yulaomao/coffeeManage/internal/store"
)

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req store.EnqueueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	req.DeviceID = chi.URLParam(r, "device_id")
	// Batch membership is only assigned by dispatch.
	req.BatchID = ""

	res, err := s.store.Enqueue(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.CommandsEnqueued(1)
	}
	writeOK(w, http.StatusCreated, res)
}

func (s *Server) handleListDeviceCommands(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", store.DefaultDeviceListLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "invalid limit", "VALIDATION_ERROR")
		return
	}
	cmds, err := s.store.ListByDevice(r.Context(), chi.URLParam(r, "device_id"), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, http.StatusOK, cmds)
}

func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.store.GetCommand(r.Context(), chi.URLParam(r, "device_id"), chi.URLParam(r, "command_id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, http.StatusOK, cmd)
}

func (s *Server) handleDeviceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.DeviceStats(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, http.StatusOK, stats)
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	if req.Limit == 0 {
		limit, err := queryInt(r, "limit", 1)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit", "VALIDATION_ERROR")
			return
		}
		req.Limit = limit
	}

	cmds, err := s.store.Claim(r.Context(), chi.URLParam(r, "device_id"), req.Limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.CommandsClaimed(len(cmds))
	}
	writeOK(w, http.StatusOK, cmds)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result,omitempty"`
		Error  string          `json:"error,omitempty"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", "PARSE_ERROR")
		return
	}
	req := store.AckRequest{
		DeviceID:  chi.URLParam(r, "device_id"),
		CommandID: chi.URLParam(r, "command_id"),
		Status:    strings.TrimSpace(body.Status),
		Result:    body.Result,
		Error:     body.Error,
	}
	ok, err := s.store.Ack(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if ok && s.metrics != nil {
		s.metrics.CommandAcked(req.Status)
	}
	writeOK(w, http.StatusOK, map[string]any{"command_id": req.CommandID, "acked": ok})
}
