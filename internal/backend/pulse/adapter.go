package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/veldaine/unifyd/internal/backend"
	"github.com/veldaine/unifyd/internal/infrastructure/config"
	"github.com/veldaine/unifyd/internal/state"
)

// D-Bus names used by the PulseAudio server API.
const (
	lookupBusName   = "org.PulseAudio1"
	lookupPath      = dbus.ObjectPath("/org/pulseaudio/server_lookup1")
	lookupInterface = "org.PulseAudio.ServerLookup1"

	corePath        = dbus.ObjectPath("/org/pulseaudio/core1")
	coreInterface   = "org.PulseAudio.Core1"
	deviceInterface = "org.PulseAudio.Core1.Device"
	streamInterface = "org.PulseAudio.Core1.Stream"

	propertiesInterface = "org.freedesktop.DBus.Properties"
)

// signalBuffer sizes the raw D-Bus signal channel.
const signalBuffer = 64

// coreSignals are the Core1 signals the adapter subscribes to. PulseAudio
// delivers nothing until ListenForSignal is called per signal name.
var coreSignals = []string{
	coreInterface + ".NewSink",
	coreInterface + ".SinkRemoved",
	coreInterface + ".NewSource",
	coreInterface + ".SourceRemoved",
	coreInterface + ".NewPlaybackStream",
	coreInterface + ".PlaybackStreamRemoved",
	coreInterface + ".FallbackSinkUpdated",
	coreInterface + ".FallbackSourceUpdated",
	deviceInterface + ".VolumeUpdated",
	deviceInterface + ".MuteUpdated",
	streamInterface + ".VolumeUpdated",
	streamInterface + ".MuteUpdated",
}

// Adapter bridges the PulseAudio server to the aggregation loop. It talks
// the server's peer-to-peer D-Bus protocol: the socket address is
// discovered through the session bus, then all traffic flows over a
// direct connection.
type Adapter struct {
	cfg    config.AudioConfig
	logger backend.Logger

	events chan state.ChangeEvent
	seq    backend.Sequencer

	// mu guards the connection and the entity-to-path index that Execute
	// reads from the command router's goroutine.
	mu    sync.RWMutex
	conn  *dbus.Conn
	paths map[pathKey]dbus.ObjectPath

	// kinds remembers what each object path is, so removal signals can be
	// translated without a server round trip. Run-goroutine only.
	kinds map[dbus.ObjectPath]state.AudioKind

	// fallbacks tracks the current default sink and source paths.
	// Run-goroutine only.
	fallbacks map[state.AudioKind]dbus.ObjectPath
}

// pathKey identifies an audio object by kind and server index. Command
// entity IDs resolve through it because the store-side generation prefix
// is not known to the server.
type pathKey struct {
	kind  state.AudioKind
	index uint32
}

// New creates a PulseAudio adapter.
func New(cfg config.AudioConfig, logger backend.Logger) *Adapter {
	if logger == nil {
		logger = backend.NoopLogger{}
	}
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		events: make(chan state.ChangeEvent, signalBuffer),
	}
}

// Backend identifies this adapter to the aggregator.
func (a *Adapter) Backend() state.Backend {
	return state.BackendAudio
}

// Events returns the adapter's change event channel.
func (a *Adapter) Events() <-chan state.ChangeEvent {
	return a.events
}

// Run connects to the audio server, signals readiness, replays sinks,
// sources, and playback streams as added events, then translates server
// signals until the connection drops or ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, ready func()) error {
	address := a.cfg.BusAddress
	if address == "" {
		var err error
		address, err = lookupServerAddress()
		if err != nil {
			return err
		}
	}

	conn, err := dbus.Connect(address)
	if err != nil {
		return fmt.Errorf("pulse: connecting to server at %s: %w", address, err)
	}
	defer conn.Close() //nolint:errcheck // Best effort on teardown

	a.mu.Lock()
	a.conn = conn
	a.paths = make(map[pathKey]dbus.ObjectPath)
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}()

	a.seq.Reset()
	a.kinds = make(map[dbus.ObjectPath]state.AudioKind)
	a.fallbacks = make(map[state.AudioKind]dbus.ObjectPath)

	core := conn.Object(coreInterface, corePath)
	for _, sig := range coreSignals {
		if err := core.Call(coreInterface+".ListenForSignal", 0, sig, []dbus.ObjectPath{}).Err; err != nil {
			return fmt.Errorf("pulse: subscribing to %s: %w", sig, err)
		}
	}

	signals := make(chan *dbus.Signal, signalBuffer)
	conn.Signal(signals)

	ready()

	if err := a.replay(ctx, conn); err != nil {
		return err
	}

	a.logger.Info("audio adapter connected", "address", address)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("pulse: server connection closed")
			}
			if err := a.handleSignal(ctx, sig); err != nil {
				return err
			}
		}
	}
}

// lookupServerAddress asks the session bus where the audio server's
// private socket lives.
func lookupServerAddress() (string, error) {
	session, err := backend.ConnectBus(backend.SessionBus, "")
	if err != nil {
		return "", err
	}
	defer session.Close() //nolint:errcheck // Lookup connection only

	var address string
	err = session.Object(lookupBusName, lookupPath).Call(
		propertiesInterface+".Get", 0, lookupInterface, "Address",
	).Store(&address)
	if err != nil {
		return "", fmt.Errorf("pulse: looking up server address: %w", err)
	}
	return address, nil
}

// replay enumerates the server's current objects and emits them as added
// events, defaults last-known first so the default flag lands correctly.
func (a *Adapter) replay(ctx context.Context, conn *dbus.Conn) error {
	core := conn.Object(coreInterface, corePath)

	for kind, prop := range map[state.AudioKind]string{
		state.AudioSink:   "FallbackSink",
		state.AudioSource: "FallbackSource",
	} {
		var fallback dbus.ObjectPath
		if err := core.Call(propertiesInterface+".Get", 0, coreInterface, prop).Store(&fallback); err == nil {
			a.fallbacks[kind] = fallback
		}
	}

	for kind, prop := range map[state.AudioKind]string{
		state.AudioSink:   "Sinks",
		state.AudioSource: "Sources",
		state.AudioStream: "PlaybackStreams",
	} {
		var paths []dbus.ObjectPath
		if err := core.Call(propertiesInterface+".Get", 0, coreInterface, prop).Store(&paths); err != nil {
			return fmt.Errorf("pulse: listing %s: %w", prop, err)
		}
		for _, path := range paths {
			if err := a.emitEntity(ctx, conn, kind, path, state.EventAdded); err != nil {
				a.logger.Debug("audio object replay failed", "path", string(path), "error", err)
			}
		}
	}
	return nil
}

// handleSignal translates one server signal into a change event.
func (a *Adapter) handleSignal(ctx context.Context, sig *dbus.Signal) error {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return nil
	}

	switch sig.Name {
	case coreInterface + ".NewSink":
		return a.handleNew(ctx, conn, sig, state.AudioSink)
	case coreInterface + ".NewSource":
		return a.handleNew(ctx, conn, sig, state.AudioSource)
	case coreInterface + ".NewPlaybackStream":
		return a.handleNew(ctx, conn, sig, state.AudioStream)
	case coreInterface + ".SinkRemoved",
		coreInterface + ".SourceRemoved",
		coreInterface + ".PlaybackStreamRemoved":
		return a.handleRemoved(ctx, sig)
	case coreInterface + ".FallbackSinkUpdated":
		return a.handleFallback(ctx, conn, sig, state.AudioSink)
	case coreInterface + ".FallbackSourceUpdated":
		return a.handleFallback(ctx, conn, sig, state.AudioSource)
	case deviceInterface + ".VolumeUpdated",
		deviceInterface + ".MuteUpdated",
		streamInterface + ".VolumeUpdated",
		streamInterface + ".MuteUpdated":
		kind, ok := a.kinds[sig.Path]
		if !ok {
			return nil
		}
		return a.emitEntity(ctx, conn, kind, sig.Path, state.EventChanged)
	default:
		return nil
	}
}

func (a *Adapter) handleNew(ctx context.Context, conn *dbus.Conn, sig *dbus.Signal, kind state.AudioKind) error {
	path, ok := signalPath(sig)
	if !ok {
		return nil
	}
	return a.emitEntity(ctx, conn, kind, path, state.EventAdded)
}

func (a *Adapter) handleRemoved(ctx context.Context, sig *dbus.Signal) error {
	path, ok := signalPath(sig)
	if !ok {
		return nil
	}
	kind, known := a.kinds[path]
	if !known {
		return nil
	}
	delete(a.kinds, path)

	a.mu.Lock()
	var index uint32
	for key, p := range a.paths {
		if p == path && key.kind == kind {
			index = key.index
			delete(a.paths, key)
			break
		}
	}
	a.mu.Unlock()

	ev := state.ChangeEvent{
		Backend:  state.BackendAudio,
		Kind:     state.EventRemoved,
		Sequence: a.seq.Next(),
		Audio:    &state.AudioEntity{Kind: kind, Index: index},
	}
	return a.send(ctx, ev)
}

// handleFallback re-emits the old and new default entities so both flag
// changes reach the store.
func (a *Adapter) handleFallback(ctx context.Context, conn *dbus.Conn, sig *dbus.Signal, kind state.AudioKind) error {
	path, ok := signalPath(sig)
	if !ok {
		return nil
	}
	previous := a.fallbacks[kind]
	a.fallbacks[kind] = path

	if previous != "" && previous != path {
		if err := a.emitEntity(ctx, conn, kind, previous, state.EventChanged); err != nil {
			a.logger.Debug("audio fallback demotion emit failed", "path", string(previous), "error", err)
		}
	}
	return a.emitEntity(ctx, conn, kind, path, state.EventChanged)
}

// emitEntity reads the object's current properties and emits it.
func (a *Adapter) emitEntity(ctx context.Context, conn *dbus.Conn, kind state.AudioKind, path dbus.ObjectPath, evKind state.EventKind) error {
	ent, err := fetchEntity(conn, kind, path)
	if err != nil {
		return err
	}
	ent.Default = a.fallbacks[kind] == path

	a.kinds[path] = kind
	a.mu.Lock()
	a.paths[pathKey{kind: kind, index: ent.Index}] = path
	a.mu.Unlock()

	ev := state.ChangeEvent{
		Backend:  state.BackendAudio,
		Kind:     evKind,
		Sequence: a.seq.Next(),
		Audio:    ent,
	}
	return a.send(ctx, ev)
}

func (a *Adapter) send(ctx context.Context, ev state.ChangeEvent) error {
	select {
	case a.events <- ev:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Execute performs one audio command against the server.
func (a *Adapter) Execute(ctx context.Context, cmd state.Command) error {
	a.mu.RLock()
	conn := a.conn
	var path dbus.ObjectPath
	var found bool
	if a.paths != nil {
		kind, index, err := parseEntityID(cmd.EntityID)
		if err == nil {
			path, found = a.paths[pathKey{kind: kind, index: index}]
		}
	}
	a.mu.RUnlock()

	if conn == nil {
		return errors.New("pulse: not connected")
	}
	if !found {
		return fmt.Errorf("pulse: no server object for entity %q", cmd.EntityID)
	}

	iface := deviceInterface
	if kind, _, _ := parseEntityID(cmd.EntityID); kind == state.AudioStream {
		iface = streamInterface
	}
	obj := conn.Object(coreInterface, path)

	switch cmd.Action {
	case state.ActionSetVolume:
		if cmd.Level == nil {
			return errors.New("pulse: set_volume without level")
		}
		raw := rawVolume(*cmd.Level)
		err := obj.CallWithContext(ctx, propertiesInterface+".Set", 0,
			iface, "Volume", dbus.MakeVariant([]uint32{raw}),
		).Err
		if err != nil {
			return fmt.Errorf("pulse: setting volume on %s: %w", cmd.EntityID, err)
		}
		return nil
	case state.ActionSetMute:
		if cmd.Mute == nil {
			return errors.New("pulse: set_mute without flag")
		}
		err := obj.CallWithContext(ctx, propertiesInterface+".Set", 0,
			iface, "Mute", dbus.MakeVariant(*cmd.Mute),
		).Err
		if err != nil {
			return fmt.Errorf("pulse: setting mute on %s: %w", cmd.EntityID, err)
		}
		return nil
	case state.ActionSetDefault:
		kind, _, _ := parseEntityID(cmd.EntityID)
		prop := "FallbackSink"
		if kind == state.AudioSource {
			prop = "FallbackSource"
		}
		err := conn.Object(coreInterface, corePath).CallWithContext(ctx,
			propertiesInterface+".Set", 0, coreInterface, prop, dbus.MakeVariant(path),
		).Err
		if err != nil {
			return fmt.Errorf("pulse: setting default %s: %w", cmd.EntityID, err)
		}
		return nil
	default:
		return fmt.Errorf("pulse: unsupported action %q", cmd.Action)
	}
}

// signalPath extracts the object path argument most Core1 signals carry.
func signalPath(sig *dbus.Signal) (dbus.ObjectPath, bool) {
	if len(sig.Body) < 1 {
		return "", false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	return path, ok
}

// fetchEntity reads the full property set of one sink, source, or stream.
func fetchEntity(conn *dbus.Conn, kind state.AudioKind, path dbus.ObjectPath) (*state.AudioEntity, error) {
	iface := deviceInterface
	if kind == state.AudioStream {
		iface = streamInterface
	}

	var props map[string]dbus.Variant
	err := conn.Object(coreInterface, path).Call(
		propertiesInterface+".GetAll", 0, iface,
	).Store(&props)
	if err != nil {
		return nil, fmt.Errorf("pulse: reading %s properties: %w", string(path), err)
	}
	return entityFromProps(kind, props), nil
}
