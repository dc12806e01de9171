package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/veldaine/unifyd/internal/journal"
	"github.com/veldaine/unifyd/internal/state"
)

// parseCategories decodes a comma-separated ?categories= query value.
// An empty or missing value selects everything.
func parseCategories(r *http.Request) ([]state.Category, bool) {
	raw := r.URL.Query().Get("categories")
	if raw == "" {
		return nil, true
	}

	var cats []state.Category
	for _, part := range strings.Split(raw, ",") {
		c := state.Category(strings.TrimSpace(part))
		valid := false
		for _, known := range state.AllCategories() {
			if c == known {
				valid = true
				break
			}
		}
		if !valid {
			return nil, false
		}
		cats = append(cats, c)
	}
	return cats, true
}

// handleState returns a point-in-time snapshot, optionally filtered by
// category.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	cats, ok := parseCategories(r)
	if !ok {
		writeBadRequest(w, "unknown category in categories parameter")
		return
	}
	writeJSON(w, http.StatusOK, s.store.Snapshot(cats...))
}

// handleStatus reports daemon status: entity counts, sequence position,
// per-backend connectivity, and WebSocket client count.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"version":    s.version,
		"sequence":   s.store.Sequence(),
		"entities":   s.store.Counts(),
		"ws_clients": s.hub.ClientCount(),
	}
	if s.status != nil {
		resp["backends"] = s.status.Status()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleJournal serves recent change history from the journal.
func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeNotFound(w, "journal is disabled")
		return
	}

	q := journal.Query{
		EntityID: r.URL.Query().Get("entity_id"),
	}
	if raw := r.URL.Query().Get("category"); raw != "" {
		q.Category = state.Category(raw)
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeBadRequest(w, "since must be a sequence number")
			return
		}
		q.Since = since
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		q.Limit = limit
	}

	entries, err := s.journal.Recent(r.Context(), q)
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		writeInternalError(w, "journal query failed")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
