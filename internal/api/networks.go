package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veldaine/unifyd/internal/state"
)

// handleListNetworks returns all visible Wi-Fi networks.
func (s *Server) handleListNetworks(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot(state.CategoryNetworks)
	writeJSON(w, http.StatusOK, map[string]any{
		"sequence": snap.Sequence,
		"networks": snap.Networks,
	})
}

// connectNetworkRequest is the body for POST /networks/{id}/connect.
// The secret, if any, travels to the backend and is never stored or
// echoed back.
type connectNetworkRequest struct {
	Secret string `json:"secret"`
}

// handleNetworkConnect dispatches a network connection attempt.
func (s *Server) handleNetworkConnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req connectNetworkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	receipt, err := s.dispatcher.Dispatch(r.Context(), state.Command{
		Backend:  state.BackendNetwork,
		EntityID: id,
		Action:   state.ActionConnectNetwork,
		Secret:   req.Secret,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// handleNetworkDisconnect drops the active Wi-Fi connection.
func (s *Server) handleNetworkDisconnect(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot(state.CategoryNetworks)
	var active string
	for _, n := range snap.Networks {
		if n.State == state.NetworkConnected || n.State == state.NetworkConnecting {
			active = n.ID
			break
		}
	}
	if active == "" {
		writeNotFound(w, "no active network connection")
		return
	}

	receipt, err := s.dispatcher.Dispatch(r.Context(), state.Command{
		Backend:  state.BackendNetwork,
		EntityID: active,
		Action:   state.ActionDisconnectNetwork,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// handleScan triggers a Wi-Fi scan.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	receipt, err := s.dispatcher.Dispatch(r.Context(), state.Command{
		Backend: state.BackendNetwork,
		Action:  state.ActionScan,
	})
	if err != nil {
		writeCommandError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}
