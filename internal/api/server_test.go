package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/veldaine/unifyd/internal/aggregate"
	"github.com/veldaine/unifyd/internal/command"
	"github.com/veldaine/unifyd/internal/infrastructure/config"
	"github.com/veldaine/unifyd/internal/infrastructure/database"
	"github.com/veldaine/unifyd/internal/infrastructure/logging"
	"github.com/veldaine/unifyd/internal/journal"
	"github.com/veldaine/unifyd/internal/state"
	"github.com/veldaine/unifyd/internal/subscribe"
)

// mockDispatcher records dispatched commands and returns a canned result.
type mockDispatcher struct {
	mu       sync.Mutex
	commands []state.Command
	err      error
}

func (m *mockDispatcher) Dispatch(_ context.Context, cmd state.Command) (command.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)
	if m.err != nil {
		return command.Receipt{}, m.err
	}
	return command.Receipt{
		ID:       "receipt-1",
		Backend:  cmd.Backend,
		Action:   cmd.Action,
		EntityID: cmd.EntityID,
	}, nil
}

func (m *mockDispatcher) last(t *testing.T) state.Command {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commands) == 0 {
		t.Fatal("no command was dispatched")
	}
	return m.commands[len(m.commands)-1]
}

// mockStatus reports fixed backend status.
type mockStatus struct {
	statuses []aggregate.AdapterStatus
}

func (m *mockStatus) Status() []aggregate.AdapterStatus {
	return m.statuses
}

// testServer creates a Server over a real store and subscription registry.
func testServer(t *testing.T) (*Server, *state.Store, *mockDispatcher) {
	t.Helper()

	store := state.NewStore(state.Policy{NetworkMissedScans: 3})
	subs := subscribe.NewRegistry(store)
	dispatcher := &mockDispatcher{}
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:     log,
		Store:      store,
		Subs:       subs,
		Dispatcher: dispatcher,
		Status: &mockStatus{statuses: []aggregate.AdapterStatus{
			{Backend: state.BackendBluetooth, Connected: true},
		}},
		Version: "test",
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return srv, store, dispatcher
}

// seedDevice applies a connected Bluetooth device to the store.
func seedDevice(t *testing.T, store *state.Store, seq uint64, addr string, ds state.DeviceState) {
	t.Helper()
	_, err := store.Apply(state.ChangeEvent{
		Backend:  state.BackendBluetooth,
		Kind:     state.EventAdded,
		Sequence: seq,
		Device: &state.Device{
			Address: addr,
			Name:    "Device " + addr,
			State:   ds,
		},
	})
	if err != nil {
		t.Fatalf("Apply device: %v", err)
	}
}

// seedNetwork applies a visible network to the store.
func seedNetwork(t *testing.T, store *state.Store, seq uint64, ssid, bssid string, ns state.NetworkState) {
	t.Helper()
	_, err := store.Apply(state.ChangeEvent{
		Backend:  state.BackendNetwork,
		Kind:     state.EventAdded,
		Sequence: seq,
		Network: &state.Network{
			SSID:     ssid,
			BSSID:    bssid,
			Signal:   70,
			Security: "wpa2",
			State:    ns,
		},
	})
	if err != nil {
		t.Fatalf("Apply network: %v", err)
	}
}

// ─── Health and Middleware Tests ───────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
}

func TestHealth_ContentType(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}

func TestRequestID_Generated(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestNotFound(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nonexistent", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── State and Status Tests ────────────────────────────────────────

func TestState_Full(t *testing.T) {
	srv, store, _ := testServer(t)
	router := srv.buildRouter()

	seedDevice(t, store, 1, "AA:00:00:00:00:01", state.DeviceConnected)
	seedNetwork(t, store, 1, "home", "00:11:22:33:44:55", state.NetworkVisible)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var snap state.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(snap.Devices) != 1 {
		t.Errorf("devices = %d, want 1", len(snap.Devices))
	}
	if len(snap.Networks) != 1 {
		t.Errorf("networks = %d, want 1", len(snap.Networks))
	}
	if snap.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", snap.Sequence)
	}
}

func TestState_CategoryFilter(t *testing.T) {
	srv, store, _ := testServer(t)
	router := srv.buildRouter()

	seedDevice(t, store, 1, "AA:00:00:00:00:01", state.DeviceConnected)
	seedNetwork(t, store, 1, "home", "00:11:22:33:44:55", state.NetworkVisible)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state?categories=networks", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(snap.Devices) != 0 {
		t.Errorf("devices = %d, want 0 when filtered to networks", len(snap.Devices))
	}
	if len(snap.Networks) != 1 {
		t.Errorf("networks = %d, want 1", len(snap.Networks))
	}
}

func TestState_UnknownCategory(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/state?categories=sockets", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestStatus(t *testing.T) {
	srv, store, _ := testServer(t)
	router := srv.buildRouter()

	seedDevice(t, store, 1, "AA:00:00:00:00:01", state.DeviceConnected)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if resp["version"] != "test" {
		t.Errorf("version = %v, want test", resp["version"])
	}
	if resp["ws_clients"].(float64) != 0 {
		t.Errorf("ws_clients = %v, want 0", resp["ws_clients"])
	}

	entities, ok := resp["entities"].(map[string]any)
	if !ok {
		t.Fatalf("entities is not a map: %T", resp["entities"])
	}
	if entities["devices"].(float64) != 1 {
		t.Errorf("entities.devices = %v, want 1", entities["devices"])
	}

	backends, ok := resp["backends"].([]any)
	if !ok || len(backends) != 1 {
		t.Fatalf("backends = %v, want one entry", resp["backends"])
	}
}

// ─── Device Command Tests ──────────────────────────────────────────

func TestListDevices(t *testing.T) {
	srv, store, _ := testServer(t)
	router := srv.buildRouter()

	seedDevice(t, store, 1, "AA:00:00:00:00:01", state.DeviceConnected)
	seedDevice(t, store, 2, "AA:00:00:00:00:02", state.DeviceDiscovered)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Sequence uint64         `json:"sequence"`
		Devices  []state.Device `json:"devices"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(resp.Devices) != 2 {
		t.Errorf("devices = %d, want 2", len(resp.Devices))
	}
}

func TestDeviceConnect(t *testing.T) {
	srv, _, dispatcher := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/AA:00:00:00:00:01/connect", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	cmd := dispatcher.last(t)
	if cmd.Backend != state.BackendBluetooth {
		t.Errorf("backend = %s, want bluetooth", cmd.Backend)
	}
	if cmd.Action != state.ActionConnect {
		t.Errorf("action = %s, want connect", cmd.Action)
	}
	if cmd.EntityID != "AA:00:00:00:00:01" {
		t.Errorf("entity = %s, want AA:00:00:00:00:01", cmd.EntityID)
	}

	var receipt command.Receipt
	if err := json.Unmarshal(w.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("unmarshal receipt: %v", err)
	}
	if receipt.ID == "" {
		t.Error("expected receipt ID to be set")
	}
}

func TestDeviceRemove(t *testing.T) {
	srv, _, dispatcher := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/devices/AA:00:00:00:00:01", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	if got := dispatcher.last(t).Action; got != state.ActionRemove {
		t.Errorf("action = %s, want remove", got)
	}
}

func TestCommandErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown entity", fmt.Errorf("dispatch: %w", command.ErrUnknownEntity), http.StatusNotFound},
		{"unknown backend", fmt.Errorf("dispatch: %w", command.ErrUnknownBackend), http.StatusBadRequest},
		{"invalid transition", fmt.Errorf("dispatch: %w", command.ErrInvalidTransition), http.StatusConflict},
		{"timeout", fmt.Errorf("dispatch: %w", command.ErrTimeout), http.StatusGatewayTimeout},
		{"backend failure", &command.BackendError{Backend: "bluetooth", Action: "connect", Err: errors.New("dbus: no reply")}, http.StatusBadGateway},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, dispatcher := testServer(t)
			router := srv.buildRouter()
			dispatcher.err = tt.err

			req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/AA:00:00:00:00:01/connect", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}

			var apiErr Error
			if err := json.Unmarshal(w.Body.Bytes(), &apiErr); err != nil {
				t.Fatalf("unmarshal error body: %v", err)
			}
			if apiErr.Status != tt.want {
				t.Errorf("body status = %d, want %d", apiErr.Status, tt.want)
			}
		})
	}
}

// ─── Audio Command Tests ───────────────────────────────────────────

func TestSetVolume(t *testing.T) {
	srv, _, dispatcher := testServer(t)
	router := srv.buildRouter()

	body := `{"level": 40}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/audio/sink-1.0/volume", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	cmd := dispatcher.last(t)
	if cmd.Backend != state.BackendAudio || cmd.Action != state.ActionSetVolume {
		t.Errorf("command = %s/%s, want audio/set_volume", cmd.Backend, cmd.Action)
	}
	if cmd.Level == nil || *cmd.Level != 40 {
		t.Errorf("level = %v, want 40", cmd.Level)
	}
}

func TestSetVolume_MissingLevel(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPut, "/api/v1/audio/sink-1.0/volume", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSetVolume_InvalidJSON(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPut, "/api/v1/audio/sink-1.0/volume", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSetMute(t *testing.T) {
	srv, _, dispatcher := testServer(t)
	router := srv.buildRouter()

	body := `{"muted": true}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/audio/sink-1.0/mute", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	cmd := dispatcher.last(t)
	if cmd.Mute == nil || !*cmd.Mute {
		t.Errorf("mute = %v, want true", cmd.Mute)
	}
}

func TestSetMute_MissingFlag(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPut, "/api/v1/audio/sink-1.0/mute", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestSetDefault(t *testing.T) {
	srv, _, dispatcher := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPut, "/api/v1/audio/sink-1.0/default", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	if got := dispatcher.last(t).Action; got != state.ActionSetDefault {
		t.Errorf("action = %s, want set_default", got)
	}
}

// ─── Network Command Tests ─────────────────────────────────────────

func TestNetworkConnect_WithSecret(t *testing.T) {
	srv, _, dispatcher := testServer(t)
	router := srv.buildRouter()

	body := `{"secret": "hunter2"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/networks/home|00:11:22:33:44:55/connect", strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusAccepted, w.Body.String())
	}

	cmd := dispatcher.last(t)
	if cmd.Action != state.ActionConnectNetwork {
		t.Errorf("action = %s, want connect_network", cmd.Action)
	}
	if cmd.Secret != "hunter2" {
		t.Errorf("secret = %q, want hunter2", cmd.Secret)
	}
}

func TestNetworkConnect_EmptyBody(t *testing.T) {
	srv, _, dispatcher := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/networks/open|00:11:22:33:44:55/connect", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	if got := dispatcher.last(t).Secret; got != "" {
		t.Errorf("secret = %q, want empty", got)
	}
}

func TestNetworkDisconnect_NoActive(t *testing.T) {
	srv, store, _ := testServer(t)
	router := srv.buildRouter()

	seedNetwork(t, store, 1, "home", "00:11:22:33:44:55", state.NetworkVisible)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/networks/disconnect", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestNetworkDisconnect_Active(t *testing.T) {
	srv, store, dispatcher := testServer(t)
	router := srv.buildRouter()

	seedNetwork(t, store, 1, "home", "00:11:22:33:44:55", state.NetworkConnected)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/networks/disconnect", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	cmd := dispatcher.last(t)
	if cmd.Action != state.ActionDisconnectNetwork {
		t.Errorf("action = %s, want disconnect_network", cmd.Action)
	}
	if cmd.EntityID != state.NetworkID("home", "00:11:22:33:44:55") {
		t.Errorf("entity = %s, want active network ID", cmd.EntityID)
	}
}

func TestScan(t *testing.T) {
	srv, _, dispatcher := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/networks/scan", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}

	cmd := dispatcher.last(t)
	if cmd.Action != state.ActionScan {
		t.Errorf("action = %s, want scan", cmd.Action)
	}
	if cmd.EntityID != "" {
		t.Errorf("entity = %q, want empty for scan", cmd.EntityID)
	}
}

// ─── Journal Tests ─────────────────────────────────────────────────

func TestJournal_Disabled(t *testing.T) {
	srv, _, _ := testServer(t)
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/journal", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d when journal is disabled", w.Code, http.StatusNotFound)
	}
}

func TestJournal_Recent(t *testing.T) {
	srv, _, _ := testServer(t)

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "journal.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	jrnl := journal.New(db, 0)
	for i := 1; i <= 3; i++ {
		change := state.NormalizedChange{
			Sequence: uint64(i),
			Category: state.CategoryDevices,
			Backend:  state.BackendBluetooth,
			Type:     state.ChangeChanged,
			EntityID: "AA:00:00:00:00:01",
			Device:   &state.Device{ID: "AA:00:00:00:00:01", Address: "AA:00:00:00:00:01"},
		}
		if err := jrnl.Record(change); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	srv.journal = jrnl
	router := srv.buildRouter()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/journal?limit=2", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp struct {
		Entries []journal.Entry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(resp.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(resp.Entries))
	}
	if resp.Entries[0].Sequence != 3 {
		t.Errorf("first entry sequence = %d, want 3 (most recent first)", resp.Entries[0].Sequence)
	}
}

func TestJournal_BadParams(t *testing.T) {
	srv, _, _ := testServer(t)

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "journal.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	srv.journal = journal.New(db, 0)
	router := srv.buildRouter()

	for _, target := range []string{
		"/api/v1/journal?since=abc",
		"/api/v1/journal?limit=0",
		"/api/v1/journal?limit=nope",
	} {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want %d", target, w.Code, http.StatusBadRequest)
		}
	}
}

// ─── WebSocket Tests ───────────────────────────────────────────────

func TestHub_ClientCount(t *testing.T) {
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
	hub := NewHub(config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	if hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", hub.ClientCount())
	}
}

func TestWebSocket_SnapshotThenChanges(t *testing.T) {
	srv, store, _ := testServer(t)

	seedDevice(t, store, 1, "AA:00:00:00:00:01", state.DeviceConnected)

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	defer ws.Close() //nolint:errcheck // Test cleanup

	// First frame is always the snapshot.
	//nolint:errcheck // Deadline on a test connection
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if msg.Type != WSTypeSnapshot {
		t.Fatalf("first message type = %s, want %s", msg.Type, WSTypeSnapshot)
	}

	snapData, _ := json.Marshal(msg.Payload) //nolint:errcheck // Round trip of decoded payload
	var snap state.Snapshot
	if err := json.Unmarshal(snapData, &snap); err != nil {
		t.Fatalf("decode snapshot payload: %v", err)
	}
	if len(snap.Devices) != 1 {
		t.Errorf("snapshot devices = %d, want 1", len(snap.Devices))
	}

	if got := srv.hub.ClientCount(); got != 1 {
		t.Errorf("client count = %d, want 1", got)
	}

	// A store change delivered through the registry reaches the socket.
	change, err := store.Apply(state.ChangeEvent{
		Backend:  state.BackendBluetooth,
		Kind:     state.EventChanged,
		Sequence: 2,
		Device: &state.Device{
			Address: "AA:00:00:00:00:01",
			Name:    "Renamed",
			State:   state.DeviceConnected,
		},
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	srv.subs.Notify(*change)

	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if msg.Type != WSTypeChange {
		t.Fatalf("second message type = %s, want %s", msg.Type, WSTypeChange)
	}

	changeData, _ := json.Marshal(msg.Payload) //nolint:errcheck // Round trip of decoded payload
	var got state.NormalizedChange
	if err := json.Unmarshal(changeData, &got); err != nil {
		t.Fatalf("decode change payload: %v", err)
	}
	if got.EntityID != "AA:00:00:00:00:01" {
		t.Errorf("change entity = %s, want AA:00:00:00:00:01", got.EntityID)
	}
	if got.Device == nil || got.Device.Name != "Renamed" {
		t.Errorf("change device = %+v, want renamed device", got.Device)
	}
}

func TestWebSocket_CategoryFilter(t *testing.T) {
	srv, store, _ := testServer(t)

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?categories=networks"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close() //nolint:errcheck // Test cleanup

	//nolint:errcheck // Deadline on a test connection
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	// Device change filtered out; network change delivered.
	devChange, err := store.Apply(state.ChangeEvent{
		Backend:  state.BackendBluetooth,
		Kind:     state.EventAdded,
		Sequence: 1,
		Device:   &state.Device{Address: "AA:00:00:00:00:01", State: state.DeviceDiscovered},
	})
	if err != nil {
		t.Fatalf("Apply device: %v", err)
	}
	srv.subs.Notify(*devChange)

	netChange, err := store.Apply(state.ChangeEvent{
		Backend:  state.BackendNetwork,
		Kind:     state.EventAdded,
		Sequence: 1,
		Network:  &state.Network{SSID: "home", BSSID: "00:11:22:33:44:55", State: state.NetworkVisible},
	})
	if err != nil {
		t.Fatalf("Apply network: %v", err)
	}
	srv.subs.Notify(*netChange)

	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if msg.Type != WSTypeChange {
		t.Fatalf("message type = %s, want %s", msg.Type, WSTypeChange)
	}

	changeData, _ := json.Marshal(msg.Payload) //nolint:errcheck // Round trip of decoded payload
	var got state.NormalizedChange
	if err := json.Unmarshal(changeData, &got); err != nil {
		t.Fatalf("decode change payload: %v", err)
	}
	if got.Category != state.CategoryNetworks {
		t.Errorf("first delivered change category = %s, want networks", got.Category)
	}
}

func TestWebSocket_UnknownCategory(t *testing.T) {
	srv, _, _ := testServer(t)

	ts := httptest.NewServer(srv.buildRouter())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?categories=nope"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown category")
	}
	if resp != nil && resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

// ─── Lifecycle Tests ───────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	srv, _, _ := testServer(t)
	srv.cfg.Port = 19337

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://127.0.0.1:19337/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close() //nolint:errcheck // Test cleanup

	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := http.Get("http://127.0.0.1:19337/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestServer_HealthCheck_NotStarted(t *testing.T) {
	srv, _, _ := testServer(t)

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail before Start()")
	}
}

func TestNew_MissingDeps(t *testing.T) {
	store := state.NewStore(state.Policy{NetworkMissedScans: 3})
	subs := subscribe.NewRegistry(store)
	log := logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")

	tests := []struct {
		name string
		deps Deps
	}{
		{"missing logger", Deps{Store: store, Subs: subs, Dispatcher: &mockDispatcher{}}},
		{"missing store", Deps{Logger: log, Subs: subs, Dispatcher: &mockDispatcher{}}},
		{"missing registry", Deps{Logger: log, Store: store, Dispatcher: &mockDispatcher{}}},
		{"missing dispatcher", Deps{Logger: log, Store: store, Subs: subs}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.deps); err == nil {
				t.Error("expected error for missing dependency")
			}
		})
	}
}
