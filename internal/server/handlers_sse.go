package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/yulaomao/coffeeManage/internal/audit"
)

const (
	defaultStreamPoll      = 500 * time.Millisecond
	streamKeepaliveEvery   = 15 * time.Second
	streamBatchSize        = 50
	streamHeaderLastEvent  = "Last-Event-ID"
	streamQueryLastEventID = "last_event_id"
)

// handleAuditStream tails the audit log as Server-Sent Events. Each event id
// is the audit sequence number, so clients resume with Last-Event-ID. Without
// one the stream starts after the newest entry at connect time.
func (s *Server) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "SSE_UNSUPPORTED")
		return
	}

	q := audit.Query{
		Action: strings.TrimSpace(r.URL.Query().Get("action")),
		Actor:  strings.TrimSpace(r.URL.Query().Get("actor")),
		Limit:  streamBatchSize,
	}
	ctx := r.Context()

	lastID, resume := lastEventID(r)
	if !resume {
		latest, err := s.audit.Recent(ctx, audit.Query{Limit: 1})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if len(latest) > 0 {
			lastID = latest[0].ID
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	poll := s.streamPoll
	if poll <= 0 {
		poll = defaultStreamPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	keepalive := time.NewTicker(streamKeepaliveEvery)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprintf(w, ":keepalive\n\n")
			flusher.Flush()
		case <-ticker.C:
			events, err := s.audit.Recent(ctx, q)
			if err != nil {
				continue
			}
			// Recent is newest first; emit oldest first.
			sent := false
			for i := len(events) - 1; i >= 0; i-- {
				ev := events[i]
				if ev.ID <= lastID {
					continue
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Action, data)
				lastID = ev.ID
				sent = true
			}
			if sent {
				flusher.Flush()
			}
		}
	}
}

func lastEventID(r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.Header.Get(streamHeaderLastEvent))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get(streamQueryLastEventID))
	}
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
