package netman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/veldaine/unifyd/internal/backend"
	"github.com/veldaine/unifyd/internal/infrastructure/config"
	"github.com/veldaine/unifyd/internal/state"
)

// D-Bus names used by NetworkManager.
const (
	busName     = "org.freedesktop.NetworkManager"
	managerPath = dbus.ObjectPath("/org/freedesktop/NetworkManager")

	managerInterface  = "org.freedesktop.NetworkManager"
	deviceInterface   = "org.freedesktop.NetworkManager.Device"
	wirelessInterface = "org.freedesktop.NetworkManager.Device.Wireless"
	apInterface       = "org.freedesktop.NetworkManager.AccessPoint"

	settingsPath          = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")
	settingsInterface     = "org.freedesktop.NetworkManager.Settings"
	settingsConnInterface = "org.freedesktop.NetworkManager.Settings.Connection"

	propertiesInterface = "org.freedesktop.DBus.Properties"
)

// NetworkManager device type and state constants.
const (
	deviceTypeWifi = uint32(2)

	deviceStateActivated  = uint32(100)
	deviceStatePrepareMin = uint32(40) // prepare..secondaries
	deviceStatePrepareMax = uint32(90)
	deviceStateFailed     = uint32(120)
)

// signalBuffer sizes the raw D-Bus signal channel.
const signalBuffer = 64

// Adapter bridges NetworkManager's Wi-Fi view to the aggregation loop.
// It tracks the first wireless device NetworkManager reports, mirrors its
// visible access points, and marks networks connecting or connected from
// the device's activation state.
type Adapter struct {
	cfg    config.NetworkConfig
	logger backend.Logger

	events chan state.ChangeEvent
	seq    backend.Sequencer

	// mu guards conn, devicePath, and the AP index used by Execute.
	mu         sync.RWMutex
	conn       *dbus.Conn
	devicePath dbus.ObjectPath
	apByID     map[string]dbus.ObjectPath

	// Run-goroutine only.
	idByPath    map[dbus.ObjectPath]string
	activeAP    dbus.ObjectPath
	deviceState uint32
	lastScan    int64
}

// New creates a NetworkManager adapter.
func New(cfg config.NetworkConfig, logger backend.Logger) *Adapter {
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
	return state.BackendNetwork
}

// Events returns the adapter's change event channel.
func (a *Adapter) Events() <-chan state.ChangeEvent {
	return a.events
}

// Run connects to the system bus, finds a wireless device, signals
// readiness, replays the visible access points, then translates
// NetworkManager signals until the connection drops or ctx is cancelled.
func (a *Adapter) Run(ctx context.Context, ready func()) error {
	conn, err := backend.ConnectBus(backend.SystemBus, a.cfg.BusAddress)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck // Best effort on teardown

	devicePath, err := findWirelessDevice(conn)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.devicePath = devicePath
	a.apByID = make(map[string]dbus.ObjectPath)
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}()

	a.seq.Reset()
	a.idByPath = make(map[dbus.ObjectPath]string)
	a.activeAP = ""
	a.deviceState = 0
	a.lastScan = 0

	if err := a.subscribe(conn, devicePath); err != nil {
		return err
	}

	signals := make(chan *dbus.Signal, signalBuffer)
	conn.Signal(signals)

	ready()

	a.refreshDeviceState(conn, devicePath)

	if err := a.replay(ctx, conn, devicePath); err != nil {
		return err
	}

	a.logger.Info("network adapter connected", "device", string(devicePath))

	var scanTick <-chan time.Time
	if a.cfg.ScanInterval > 0 {
		ticker := time.NewTicker(time.Duration(a.cfg.ScanInterval) * time.Second)
		defer ticker.Stop()
		scanTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-scanTick:
			a.requestScan(ctx, conn, devicePath)
		case sig, ok := <-signals:
			if !ok {
				return errors.New("netman: bus connection closed")
			}
			if err := a.handleSignal(ctx, sig); err != nil {
				return err
			}
		}
	}
}

// subscribe registers match rules for access point lifecycle and property
// changes on the wireless device and its access points.
func (a *Adapter) subscribe(conn *dbus.Conn, devicePath dbus.ObjectPath) error {
	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(busName),
			dbus.WithMatchInterface(wirelessInterface),
			dbus.WithMatchObjectPath(devicePath),
		},
		{
			dbus.WithMatchSender(busName),
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
		},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("netman: adding match rule: %w", err)
		}
	}
	return nil
}

// replay emits all currently visible access points as added events,
// followed by a scan-complete marker so the store opens a fresh sighting
// window.
func (a *Adapter) replay(ctx context.Context, conn *dbus.Conn, devicePath dbus.ObjectPath) error {
	var paths []dbus.ObjectPath
	err := conn.Object(busName, devicePath).Call(
		wirelessInterface+".GetAllAccessPoints", 0,
	).Store(&paths)
	if err != nil {
		return fmt.Errorf("netman: listing access points: %w", err)
	}

	for _, path := range paths {
		if err := a.emitAccessPoint(ctx, conn, path, state.EventAdded); err != nil {
			a.logger.Debug("access point replay failed", "path", string(path), "error", err)
		}
	}
	return a.send(ctx, state.ChangeEvent{
		Backend:  state.BackendNetwork,
		Kind:     state.EventScanComplete,
		Sequence: a.seq.Next(),
	})
}

// handleSignal translates one NetworkManager signal.
func (a *Adapter) handleSignal(ctx context.Context, sig *dbus.Signal) error {
	a.mu.RLock()
	conn := a.conn
	devicePath := a.devicePath
	a.mu.RUnlock()
	if conn == nil {
		return nil
	}

	switch sig.Name {
	case wirelessInterface + ".AccessPointAdded":
		if path, ok := signalPath(sig); ok {
			return a.emitAccessPoint(ctx, conn, path, state.EventAdded)
		}
	case wirelessInterface + ".AccessPointRemoved":
		if path, ok := signalPath(sig); ok {
			return a.removeAccessPoint(ctx, path)
		}
	case propertiesInterface + ".PropertiesChanged":
		return a.handlePropertiesChanged(ctx, conn, devicePath, sig)
	}
	return nil
}

func (a *Adapter) handlePropertiesChanged(ctx context.Context, conn *dbus.Conn, devicePath dbus.ObjectPath, sig *dbus.Signal) error {
	if len(sig.Body) < 2 {
		return nil
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return nil
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil
	}

	switch iface {
	case apInterface:
		// Strength or security update on a visible AP.
		if _, known := a.idByPath[sig.Path]; known {
			return a.emitAccessPoint(ctx, conn, sig.Path, state.EventChanged)
		}
	case wirelessInterface:
		if sig.Path != devicePath {
			return nil
		}
		if v, ok := changed["LastScan"]; ok {
			if ts, ok := v.Value().(int64); ok && ts != a.lastScan {
				a.lastScan = ts
				return a.completeScan(ctx, conn, devicePath)
			}
		}
	case deviceInterface:
		if sig.Path != devicePath {
			return nil
		}
		stateChanged := false
		if v, ok := changed["State"]; ok {
			if s, ok := v.Value().(uint32); ok && s != a.deviceState {
				a.deviceState = s
				stateChanged = true
			}
		}
		if stateChanged {
			return a.reemitActive(ctx, conn)
		}
	}
	return nil
}

// completeScan re-reads the visible AP set, emits sightings, and closes
// the scan window. Networks with no sighting age toward pruning in the
// store.
func (a *Adapter) completeScan(ctx context.Context, conn *dbus.Conn, devicePath dbus.ObjectPath) error {
	a.refreshDeviceState(conn, devicePath)

	var paths []dbus.ObjectPath
	err := conn.Object(busName, devicePath).Call(
		wirelessInterface+".GetAllAccessPoints", 0,
	).Store(&paths)
	if err != nil {
		return fmt.Errorf("netman: listing access points after scan: %w", err)
	}

	for _, path := range paths {
		kind := state.EventChanged
		if _, known := a.idByPath[path]; !known {
			kind = state.EventAdded
		}
		if err := a.emitAccessPoint(ctx, conn, path, kind); err != nil {
			a.logger.Debug("access point refresh failed", "path", string(path), "error", err)
		}
	}

	return a.send(ctx, state.ChangeEvent{
		Backend:  state.BackendNetwork,
		Kind:     state.EventScanComplete,
		Sequence: a.seq.Next(),
	})
}

// reemitActive refreshes the active access point after a device state
// transition, so connecting/connected/failed is reflected promptly.
func (a *Adapter) reemitActive(ctx context.Context, conn *dbus.Conn) error {
	a.mu.RLock()
	devicePath := a.devicePath
	a.mu.RUnlock()

	a.refreshActiveAP(conn, devicePath)
	if a.activeAP == "" || a.activeAP == "/" {
		return nil
	}
	if _, known := a.idByPath[a.activeAP]; !known {
		return nil
	}
	return a.emitAccessPoint(ctx, conn, a.activeAP, state.EventChanged)
}

// refreshDeviceState reads the device's State and ActiveAccessPoint.
func (a *Adapter) refreshDeviceState(conn *dbus.Conn, devicePath dbus.ObjectPath) {
	var devState uint32
	if err := conn.Object(busName, devicePath).Call(
		propertiesInterface+".Get", 0, deviceInterface, "State",
	).Store(&devState); err == nil {
		a.deviceState = devState
	}
	a.refreshActiveAP(conn, devicePath)
}

func (a *Adapter) refreshActiveAP(conn *dbus.Conn, devicePath dbus.ObjectPath) {
	var active dbus.ObjectPath
	if err := conn.Object(busName, devicePath).Call(
		propertiesInterface+".Get", 0, wirelessInterface, "ActiveAccessPoint",
	).Store(&active); err == nil {
		a.activeAP = active
	}
}

// emitAccessPoint reads an AP's properties and emits it as a network.
func (a *Adapter) emitAccessPoint(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath, kind state.EventKind) error {
	var props map[string]dbus.Variant
	err := conn.Object(busName, path).Call(
		propertiesInterface+".GetAll", 0, apInterface,
	).Store(&props)
	if err != nil {
		return fmt.Errorf("netman: reading access point %s: %w", string(path), err)
	}

	net := networkFromProps(props)
	if net == nil {
		return nil
	}
	net.State = a.networkState(path)

	id := state.NetworkID(net.SSID, net.BSSID)
	a.idByPath[path] = id
	a.mu.Lock()
	a.apByID[id] = path
	a.mu.Unlock()

	return a.send(ctx, state.ChangeEvent{
		Backend:  state.BackendNetwork,
		Kind:     kind,
		Sequence: a.seq.Next(),
		Network:  net,
	})
}

func (a *Adapter) removeAccessPoint(ctx context.Context, path dbus.ObjectPath) error {
	id, known := a.idByPath[path]
	if !known {
		return nil
	}
	delete(a.idByPath, path)
	a.mu.Lock()
	delete(a.apByID, id)
	a.mu.Unlock()

	return a.send(ctx, state.ChangeEvent{
		Backend:  state.BackendNetwork,
		Kind:     state.EventRemoved,
		Sequence: a.seq.Next(),
		EntityID: id,
	})
}

// networkState derives a network's lifecycle state from the device's
// activation progress toward its active access point.
func (a *Adapter) networkState(path dbus.ObjectPath) state.NetworkState {
	if path != a.activeAP {
		return state.NetworkVisible
	}
	switch {
	case a.deviceState == deviceStateActivated:
		return state.NetworkConnected
	case a.deviceState >= deviceStatePrepareMin && a.deviceState <= deviceStatePrepareMax:
		return state.NetworkConnecting
	case a.deviceState == deviceStateFailed:
		return state.NetworkFailed
	default:
		return state.NetworkVisible
	}
}

func (a *Adapter) requestScan(ctx context.Context, conn *dbus.Conn, devicePath dbus.ObjectPath) {
	err := conn.Object(busName, devicePath).CallWithContext(
		ctx, wirelessInterface+".RequestScan", 0, map[string]dbus.Variant{},
	).Err
	if err != nil {
		// NetworkManager throttles scan requests; not an adapter failure.
		a.logger.Debug("scan request rejected", "error", err)
	}
}

func (a *Adapter) send(ctx context.Context, ev state.ChangeEvent) error {
	select {
	case a.events <- ev:
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Execute performs one network command.
func (a *Adapter) Execute(ctx context.Context, cmd state.Command) error {
	a.mu.RLock()
	conn := a.conn
	devicePath := a.devicePath
	apPath, found := a.apByID[cmd.EntityID]
	a.mu.RUnlock()

	if conn == nil {
		return errors.New("netman: not connected")
	}

	switch cmd.Action {
	case state.ActionScan:
		if err := conn.Object(busName, devicePath).CallWithContext(
			ctx, wirelessInterface+".RequestScan", 0, map[string]dbus.Variant{},
		).Err; err != nil {
			return fmt.Errorf("netman: requesting scan: %w", err)
		}
		return nil

	case state.ActionConnectNetwork:
		if !found {
			return fmt.Errorf("netman: no access point for network %q", cmd.EntityID)
		}
		return a.connectAccessPoint(ctx, conn, devicePath, apPath, cmd)

	case state.ActionDisconnectNetwork:
		if err := conn.Object(busName, devicePath).CallWithContext(
			ctx, deviceInterface+".Disconnect", 0,
		).Err; err != nil {
			return fmt.Errorf("netman: disconnecting: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("netman: unsupported action %q", cmd.Action)
	}
}

// connectAccessPoint activates the stored connection profile matching the
// access point's SSID when one exists, so reconnecting to a known network
// never duplicates profiles. A new profile is created only for networks
// NetworkManager has no record of.
func (a *Adapter) connectAccessPoint(ctx context.Context, conn *dbus.Conn, devicePath, apPath dbus.ObjectPath, cmd state.Command) error {
	var ssidVar dbus.Variant
	if err := conn.Object(busName, apPath).CallWithContext(
		ctx, propertiesInterface+".Get", 0, apInterface, "Ssid",
	).Store(&ssidVar); err != nil {
		return fmt.Errorf("netman: reading SSID for %q: %w", cmd.EntityID, err)
	}
	ssid, _ := ssidVar.Value().([]byte)

	if stored, ok := a.storedConnection(ctx, conn, ssid); ok {
		if cmd.Secret != "" {
			if err := a.updateSecret(ctx, conn, stored, cmd.Secret); err != nil {
				return err
			}
		}
		var activePath dbus.ObjectPath
		if err := conn.Object(busName, managerPath).CallWithContext(
			ctx, managerInterface+".ActivateConnection", 0,
			stored, devicePath, apPath,
		).Store(&activePath); err != nil {
			return fmt.Errorf("netman: activating stored connection for %q: %w", cmd.EntityID, err)
		}
		return nil
	}

	settings := map[string]map[string]dbus.Variant{}
	if cmd.Secret != "" {
		settings["802-11-wireless-security"] = map[string]dbus.Variant{
			"psk": dbus.MakeVariant(cmd.Secret),
		}
	}
	var connPath, activePath dbus.ObjectPath
	if err := conn.Object(busName, managerPath).CallWithContext(
		ctx, managerInterface+".AddAndActivateConnection", 0,
		settings, devicePath, apPath,
	).Store(&connPath, &activePath); err != nil {
		return fmt.Errorf("netman: activating network %q: %w", cmd.EntityID, err)
	}
	return nil
}

// storedConnection finds the saved wireless profile whose SSID matches.
func (a *Adapter) storedConnection(ctx context.Context, conn *dbus.Conn, ssid []byte) (dbus.ObjectPath, bool) {
	if len(ssid) == 0 {
		return "", false
	}
	var paths []dbus.ObjectPath
	if err := conn.Object(busName, settingsPath).CallWithContext(
		ctx, settingsInterface+".ListConnections", 0,
	).Store(&paths); err != nil {
		a.logger.Debug("listing stored connections failed", "error", err)
		return "", false
	}
	for _, path := range paths {
		var settings map[string]map[string]dbus.Variant
		if err := conn.Object(busName, path).CallWithContext(
			ctx, settingsConnInterface+".GetSettings", 0,
		).Store(&settings); err != nil {
			continue
		}
		if stored, ok := wirelessSSID(settings); ok && bytes.Equal(stored, ssid) {
			return path, true
		}
	}
	return "", false
}

// updateSecret replaces the PSK on a stored profile before activation.
func (a *Adapter) updateSecret(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath, secret string) error {
	var settings map[string]map[string]dbus.Variant
	if err := conn.Object(busName, path).CallWithContext(
		ctx, settingsConnInterface+".GetSettings", 0,
	).Store(&settings); err != nil {
		return fmt.Errorf("netman: reading stored connection: %w", err)
	}
	if settings["802-11-wireless-security"] == nil {
		settings["802-11-wireless-security"] = map[string]dbus.Variant{}
	}
	settings["802-11-wireless-security"]["psk"] = dbus.MakeVariant(secret)
	if err := conn.Object(busName, path).CallWithContext(
		ctx, settingsConnInterface+".Update", 0, settings,
	).Err; err != nil {
		return fmt.Errorf("netman: updating stored connection: %w", err)
	}
	return nil
}

// signalPath extracts the object path argument carried by AP lifecycle
// signals.
func signalPath(sig *dbus.Signal) (dbus.ObjectPath, bool) {
	if len(sig.Body) < 1 {
		return "", false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	return path, ok
}

// findWirelessDevice returns the first Wi-Fi device NetworkManager
// reports.
func findWirelessDevice(conn *dbus.Conn) (dbus.ObjectPath, error) {
	var devices []dbus.ObjectPath
	err := conn.Object(busName, managerPath).Call(
		managerInterface+".GetDevices", 0,
	).Store(&devices)
	if err != nil {
		return "", fmt.Errorf("netman: listing devices: %w", err)
	}

	for _, path := range devices {
		var devType uint32
		if err := conn.Object(busName, path).Call(
			propertiesInterface+".Get", 0, deviceInterface, "DeviceType",
		).Store(&devType); err != nil {
			continue
		}
		if devType == deviceTypeWifi {
			return path, nil
		}
	}
	return "", errors.New("netman: no wireless device present")
}
