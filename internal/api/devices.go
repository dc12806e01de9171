package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veldaine/unifyd/internal/state"
)

// handleListDevices returns all known Bluetooth devices.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot(state.CategoryDevices)
	writeJSON(w, http.StatusOK, map[string]any{
		"sequence": snap.Sequence,
		"devices":  snap.Devices,
	})
}

// handleDeviceAction returns a handler dispatching the named device
// action to the Bluetooth backend.
func (s *Server) handleDeviceAction(action state.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeBadRequest(w, "device id is required")
			return
		}

		receipt, err := s.dispatcher.Dispatch(r.Context(), state.Command{
			Backend:  state.BackendBluetooth,
			EntityID: id,
			Action:   action,
		})
		if err != nil {
			writeCommandError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, receipt)
	}
}
