package server

import (
	"net/http"
	"strings"

	"github.com/yulaomao/coffeeManage/internal/audit"
)

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := queryInt(r, "limit", 100)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "invalid limit", "VALIDATION_ERROR")
		return
	}
	if limit > 1000 {
		limit = 1000
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset", "VALIDATION_ERROR")
		return
	}

	events, err := s.audit.Recent(r.Context(), audit.Query{
		Action: strings.TrimSpace(q.Get("action")),
		Actor:  strings.TrimSpace(q.Get("actor")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	writeOK(w, http.StatusOK, events)
}
