package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veldaine/unifyd/internal/state"
)

// handleListAudio returns all known sinks, sources, and playback streams.
func (s *Server) handleListAudio(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot(state.CategoryAudio)
	writeJSON(w, http.StatusOK, map[string]any{
		"sequence": snap.Sequence,
		"audio":    snap.Audio,
	})
}

// setVolumeRequest is the body for PUT /audio/{id}/volume.
type setVolumeRequest struct {
	Level *int `json:"level"`
}

// handleSetVolume dispatches a volume change.
func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Level == nil {
		writeBadRequest(w, "level is required")
		return
	}

	receipt, err := s.dispatcher.Dispatch(r.Context(), state.Command{
		Backend:  state.BackendAudio,
		EntityID: id,
		Action:   state.ActionSetVolume,
		Level:    req.Level,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// setMuteRequest is the body for PUT /audio/{id}/mute.
type setMuteRequest struct {
	Muted *bool `json:"muted"`
}

// handleSetMute dispatches a mute toggle.
func (s *Server) handleSetMute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setMuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Muted == nil {
		writeBadRequest(w, "muted is required")
		return
	}

	receipt, err := s.dispatcher.Dispatch(r.Context(), state.Command{
		Backend:  state.BackendAudio,
		EntityID: id,
		Action:   state.ActionSetMute,
		Mute:     req.Muted,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// handleSetDefault promotes a sink or source to default.
func (s *Server) handleSetDefault(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	receipt, err := s.dispatcher.Dispatch(r.Context(), state.Command{
		Backend:  state.BackendAudio,
		EntityID: id,
		Action:   state.ActionSetDefault,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}
