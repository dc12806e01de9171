package command

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veldaine/unifyd/internal/state"
)

type mockReader struct {
	devices  map[string]state.Device
	audio    map[string]state.AudioEntity
	networks map[string]state.Network
}

func (m *mockReader) Device(id string) (state.Device, bool) {
	d, ok := m.devices[id]
	return d, ok
}

func (m *mockReader) AudioEntity(id string) (state.AudioEntity, bool) {
	a, ok := m.audio[id]
	return a, ok
}

func (m *mockReader) Network(id string) (state.Network, bool) {
	n, ok := m.networks[id]
	return n, ok
}

type mockExecutor struct {
	calls []state.Command
	err   error
	delay time.Duration
}

func (m *mockExecutor) Execute(ctx context.Context, cmd state.Command) error {
	m.calls = append(m.calls, cmd)
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

type fixedTimeouts struct {
	d time.Duration
}

func (f fixedTimeouts) TimeoutFor(string) time.Duration {
	return f.d
}

func testReader() *mockReader {
	return &mockReader{
		devices: map[string]state.Device{
			"AA:00:00:00:00:01": {
				ID:      "AA:00:00:00:00:01",
				Address: "AA:00:00:00:00:01",
				Name:    "headphones",
				State:   state.DeviceConnected,
			},
			"AA:00:00:00:00:02": {
				ID:      "AA:00:00:00:00:02",
				Address: "AA:00:00:00:00:02",
				Name:    "keyboard",
				State:   state.DeviceDiscovered,
			},
		},
		audio: map[string]state.AudioEntity{
			"sink-1.0": {ID: "sink-1.0", Kind: state.AudioSink, Name: "speakers", Volume: 40},
			"stream-1.7": {
				ID:   "stream-1.7",
				Kind: state.AudioStream,
				Name: "music player",
			},
		},
		networks: map[string]state.Network{
			"home|aa:bb:cc:dd:ee:01": {
				ID:    "home|aa:bb:cc:dd:ee:01",
				SSID:  "home",
				BSSID: "aa:bb:cc:dd:ee:01",
				State: state.NetworkConnected,
			},
			"cafe|aa:bb:cc:dd:ee:02": {
				ID:    "cafe|aa:bb:cc:dd:ee:02",
				SSID:  "cafe",
				BSSID: "aa:bb:cc:dd:ee:02",
				State: state.NetworkVisible,
			},
		},
	}
}

func testRouter(t *testing.T, execs map[state.Backend]Executor) *Router {
	t.Helper()
	r, err := NewRouter(Options{
		Store:     testReader(),
		Timeouts:  fixedTimeouts{d: time.Second},
		Executors: execs,
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}
	return r
}

func allExecutors() (map[state.Backend]Executor, *mockExecutor, *mockExecutor, *mockExecutor) {
	bt := &mockExecutor{}
	au := &mockExecutor{}
	nw := &mockExecutor{}
	return map[state.Backend]Executor{
		state.BackendBluetooth: bt,
		state.BackendAudio:     au,
		state.BackendNetwork:   nw,
	}, bt, au, nw
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }

func TestNewRouter_Validation(t *testing.T) {
	execs, _, _, _ := allExecutors()

	tests := []struct {
		name string
		opts Options
	}{
		{
			name: "missing store",
			opts: Options{Timeouts: fixedTimeouts{d: time.Second}, Executors: execs},
		},
		{
			name: "missing timeouts",
			opts: Options{Store: testReader(), Executors: execs},
		},
		{
			name: "no executors",
			opts: Options{Store: testReader(), Timeouts: fixedTimeouts{d: time.Second}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRouter(tt.opts); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestDispatch_AcknowledgedCommandReturnsReceipt(t *testing.T) {
	execs, bt, _, _ := allExecutors()
	r := testRouter(t, execs)

	cmd := state.Command{
		Backend:  state.BackendBluetooth,
		EntityID: "AA:00:00:00:00:01",
		Action:   state.ActionDisconnect,
	}
	receipt, err := r.Dispatch(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if receipt.ID == "" {
		t.Fatal("receipt has empty ID")
	}
	if receipt.Backend != state.BackendBluetooth || receipt.Action != state.ActionDisconnect {
		t.Fatalf("receipt = %+v", receipt)
	}
	if len(bt.calls) != 1 {
		t.Fatalf("executor called %d times, want 1", len(bt.calls))
	}
}

func TestDispatch_UnknownBackend(t *testing.T) {
	execs, _, _, _ := allExecutors()
	r := testRouter(t, execs)

	_, err := r.Dispatch(context.Background(), state.Command{Backend: "telepathy", Action: "connect"})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("error = %v, want ErrUnknownBackend", err)
	}
}

func TestDispatch_UnknownEntityNeverReachesAdapter(t *testing.T) {
	execs, bt, au, nw := allExecutors()
	r := testRouter(t, execs)

	tests := []struct {
		name string
		cmd  state.Command
	}{
		{
			name: "unknown device",
			cmd:  state.Command{Backend: state.BackendBluetooth, EntityID: "FF:FF:FF:FF:FF:FF", Action: state.ActionConnect},
		},
		{
			name: "unknown audio entity",
			cmd:  state.Command{Backend: state.BackendAudio, EntityID: "sink-9.99", Action: state.ActionSetVolume, Level: intPtr(50)},
		},
		{
			name: "unknown network",
			cmd:  state.Command{Backend: state.BackendNetwork, EntityID: "ghost|00:00:00:00:00:00", Action: state.ActionConnectNetwork},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Dispatch(context.Background(), tt.cmd); !errors.Is(err, ErrUnknownEntity) {
				t.Fatalf("error = %v, want ErrUnknownEntity", err)
			}
		})
	}

	if len(bt.calls)+len(au.calls)+len(nw.calls) != 0 {
		t.Fatal("adapter called for unknown entity")
	}
}

func TestDispatch_InvalidTransitionRejectedBeforeAdapter(t *testing.T) {
	execs, bt, au, nw := allExecutors()
	r := testRouter(t, execs)

	tests := []struct {
		name string
		cmd  state.Command
	}{
		{
			name: "volume above range",
			cmd:  state.Command{Backend: state.BackendAudio, EntityID: "sink-1.0", Action: state.ActionSetVolume, Level: intPtr(150)},
		},
		{
			name: "volume below range",
			cmd:  state.Command{Backend: state.BackendAudio, EntityID: "sink-1.0", Action: state.ActionSetVolume, Level: intPtr(-1)},
		},
		{
			name: "set_volume without level",
			cmd:  state.Command{Backend: state.BackendAudio, EntityID: "sink-1.0", Action: state.ActionSetVolume},
		},
		{
			name: "set_mute without flag",
			cmd:  state.Command{Backend: state.BackendAudio, EntityID: "sink-1.0", Action: state.ActionSetMute},
		},
		{
			name: "stream as default",
			cmd:  state.Command{Backend: state.BackendAudio, EntityID: "stream-1.7", Action: state.ActionSetDefault},
		},
		{
			name: "disconnect device that is not connected",
			cmd:  state.Command{Backend: state.BackendBluetooth, EntityID: "AA:00:00:00:00:02", Action: state.ActionDisconnect},
		},
		{
			name: "pair already connected device",
			cmd:  state.Command{Backend: state.BackendBluetooth, EntityID: "AA:00:00:00:00:01", Action: state.ActionPair},
		},
		{
			name: "disconnect visible network",
			cmd:  state.Command{Backend: state.BackendNetwork, EntityID: "cafe|aa:bb:cc:dd:ee:02", Action: state.ActionDisconnectNetwork},
		},
		{
			name: "audio action on bluetooth backend",
			cmd:  state.Command{Backend: state.BackendBluetooth, EntityID: "AA:00:00:00:00:01", Action: state.ActionSetVolume, Level: intPtr(10)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.Dispatch(context.Background(), tt.cmd); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}

	if len(bt.calls)+len(au.calls)+len(nw.calls) != 0 {
		t.Fatal("adapter called for invalid command")
	}
}

func TestDispatch_ValidAudioCommands(t *testing.T) {
	execs, _, au, _ := allExecutors()
	r := testRouter(t, execs)

	cmds := []state.Command{
		{Backend: state.BackendAudio, EntityID: "sink-1.0", Action: state.ActionSetVolume, Level: intPtr(0)},
		{Backend: state.BackendAudio, EntityID: "sink-1.0", Action: state.ActionSetVolume, Level: intPtr(100)},
		{Backend: state.BackendAudio, EntityID: "sink-1.0", Action: state.ActionSetMute, Mute: boolPtr(true)},
		{Backend: state.BackendAudio, EntityID: "sink-1.0", Action: state.ActionSetDefault},
	}
	for _, cmd := range cmds {
		if _, err := r.Dispatch(context.Background(), cmd); err != nil {
			t.Fatalf("Dispatch(%s): %v", cmd.Action, err)
		}
	}
	if len(au.calls) != len(cmds) {
		t.Fatalf("executor called %d times, want %d", len(au.calls), len(cmds))
	}
}

func TestDispatch_ScanNeedsNoEntity(t *testing.T) {
	execs, _, _, nw := allExecutors()
	r := testRouter(t, execs)

	if _, err := r.Dispatch(context.Background(), state.Command{Backend: state.BackendNetwork, Action: state.ActionScan}); err != nil {
		t.Fatalf("Dispatch(scan): %v", err)
	}
	if len(nw.calls) != 1 {
		t.Fatalf("executor called %d times, want 1", len(nw.calls))
	}
}

func TestDispatch_TimeoutMapsToErrTimeout(t *testing.T) {
	slow := &mockExecutor{delay: 200 * time.Millisecond}
	r, err := NewRouter(Options{
		Store:     testReader(),
		Timeouts:  fixedTimeouts{d: 20 * time.Millisecond},
		Executors: map[state.Backend]Executor{state.BackendBluetooth: slow},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	cmd := state.Command{
		Backend:  state.BackendBluetooth,
		EntityID: "AA:00:00:00:00:02",
		Action:   state.ActionConnect,
	}
	if _, err := r.Dispatch(context.Background(), cmd); !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}
}

func TestDispatch_CallerCancellationPropagates(t *testing.T) {
	slow := &mockExecutor{delay: time.Second}
	r, err := NewRouter(Options{
		Store:     testReader(),
		Timeouts:  fixedTimeouts{d: 5 * time.Second},
		Executors: map[state.Backend]Executor{state.BackendBluetooth: slow},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	cmd := state.Command{
		Backend:  state.BackendBluetooth,
		EntityID: "AA:00:00:00:00:02",
		Action:   state.ActionConnect,
	}
	_, err = r.Dispatch(ctx, cmd)
	if err == nil {
		t.Fatal("expected error after caller cancellation")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("cancellation misreported as timeout: %v", err)
	}
}

func TestDispatch_BackendErrorWrapped(t *testing.T) {
	cause := errors.New("org.bluez.Error.Failed")
	failing := &mockExecutor{err: cause}
	r, err := NewRouter(Options{
		Store:     testReader(),
		Timeouts:  fixedTimeouts{d: time.Second},
		Executors: map[state.Backend]Executor{state.BackendBluetooth: failing},
	})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	cmd := state.Command{
		Backend:  state.BackendBluetooth,
		EntityID: "AA:00:00:00:00:02",
		Action:   state.ActionConnect,
	}
	_, err = r.Dispatch(context.Background(), cmd)

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("error = %v, want BackendError", err)
	}
	if be.Backend != "bluetooth" || be.Action != "connect" {
		t.Fatalf("BackendError = %+v", be)
	}
	if !errors.Is(err, cause) {
		t.Fatal("BackendError does not unwrap to the adapter error")
	}
}
