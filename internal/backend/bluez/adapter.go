package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/veldaine/unifyd/internal/backend"
	"github.com/veldaine/unifyd/internal/infrastructure/config"
	"github.com/veldaine/unifyd/internal/state"
)

// D-Bus names used by bluez.
const (
	busName          = "org.bluez"
	rootPath         = dbus.ObjectPath("/")
	adapterInterface = "org.bluez.Adapter1"
	deviceInterface  = "org.bluez.Device1"
	batteryInterface = "org.bluez.Battery1"

	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"
	propertiesInterface    = "org.freedesktop.DBus.Properties"
)

// signalBuffer sizes the raw D-Bus signal channel.
const signalBuffer = 64

// Adapter bridges bluez to the aggregation loop. It watches the object
// tree under org.bluez for device additions, removals, and property
// changes, and executes device commands on behalf of the command router.
type Adapter struct {
	cfg    config.BluetoothConfig
	logger backend.Logger

	events chan state.ChangeEvent
	seq    backend.Sequencer

	// mu guards conn and adapterPath, which Execute reads from a
	// different goroutine than Run.
	mu          sync.RWMutex
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
}

// New creates a bluez adapter. Events are buffered so a short consumer
// stall does not block signal handling.
func New(cfg config.BluetoothConfig, logger backend.Logger) *Adapter {
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
	return state.BackendBluetooth
}

// Events returns the adapter's change event channel.
func (a *Adapter) Events() <-chan state.ChangeEvent {
	return a.events
}

// Run connects to the system bus, signals readiness, replays the current
// device set as added events, then translates bluez signals until the
// connection drops or ctx is cancelled. It returns nil only on context
// cancellation.
func (a *Adapter) Run(ctx context.Context, ready func()) error {
	conn, err := backend.ConnectBus(backend.SystemBus, a.cfg.BusAddress)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck // Best effort on teardown

	adapterPath, err := findAdapter(conn, a.cfg.Adapter)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.conn = conn
	a.adapterPath = adapterPath
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
	}()

	a.seq.Reset()

	if err := a.subscribe(conn); err != nil {
		return err
	}

	signals := make(chan *dbus.Signal, signalBuffer)
	conn.Signal(signals)

	ready()

	if err := a.replay(ctx, conn); err != nil {
		return err
	}

	if a.cfg.Discovery {
		if err := conn.Object(busName, adapterPath).CallWithContext(
			ctx, adapterInterface+".StartDiscovery", 0,
		).Err; err != nil {
			// Discovery is best effort; a controller that refuses it can
			// still report paired devices.
			a.logger.Warn("bluez discovery unavailable", "error", err)
		}
	}

	a.logger.Info("bluez adapter connected", "adapter", string(adapterPath))

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("bluez: bus connection closed")
			}
			if err := a.handleSignal(ctx, sig); err != nil {
				return err
			}
		}
	}
}

// subscribe registers match rules for object lifecycle and property
// change signals originating from bluez.
func (a *Adapter) subscribe(conn *dbus.Conn) error {
	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(busName),
			dbus.WithMatchInterface(objectManagerInterface),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchSender(busName),
			dbus.WithMatchInterface(objectManagerInterface),
			dbus.WithMatchMember("InterfacesRemoved"),
		},
		{
			dbus.WithMatchSender(busName),
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
		},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bluez: adding match rule: %w", err)
		}
	}
	return nil
}

// replay emits the current device set as added events so the store can
// rebuild after a reconnect.
func (a *Adapter) replay(ctx context.Context, conn *dbus.Conn) error {
	objects, err := managedObjects(conn)
	if err != nil {
		return err
	}

	for path, ifaces := range objects {
		props, ok := ifaces[deviceInterface]
		if !ok {
			continue
		}
		dev := deviceFromProps(props)
		if dev == nil {
			continue
		}
		if battery, ok := ifaces[batteryInterface]; ok {
			applyBattery(dev, battery)
		}
		if err := a.emit(ctx, state.EventAdded, dev); err != nil {
			return err
		}
		a.logger.Debug("bluez device replayed", "path", string(path), "address", dev.Address)
	}
	return nil
}

// handleSignal translates one bluez signal into zero or more change events.
func (a *Adapter) handleSignal(ctx context.Context, sig *dbus.Signal) error {
	switch sig.Name {
	case objectManagerInterface + ".InterfacesAdded":
		return a.handleInterfacesAdded(ctx, sig)
	case objectManagerInterface + ".InterfacesRemoved":
		return a.handleInterfacesRemoved(ctx, sig)
	case propertiesInterface + ".PropertiesChanged":
		return a.handlePropertiesChanged(ctx, sig)
	default:
		return nil
	}
}

func (a *Adapter) handleInterfacesAdded(ctx context.Context, sig *dbus.Signal) error {
	if len(sig.Body) < 2 {
		return nil
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return nil
	}
	props, ok := ifaces[deviceInterface]
	if !ok {
		return nil
	}
	dev := deviceFromProps(props)
	if dev == nil {
		return nil
	}
	if battery, ok := ifaces[batteryInterface]; ok {
		applyBattery(dev, battery)
	}
	return a.emit(ctx, state.EventAdded, dev)
}

func (a *Adapter) handleInterfacesRemoved(ctx context.Context, sig *dbus.Signal) error {
	if len(sig.Body) < 2 {
		return nil
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return nil
	}
	ifaces, ok := sig.Body[1].([]string)
	if !ok {
		return nil
	}
	for _, iface := range ifaces {
		if iface != deviceInterface {
			continue
		}
		addr := addressFromPath(path)
		if addr == "" {
			return nil
		}
		ev := state.ChangeEvent{
			Backend:  state.BackendBluetooth,
			Kind:     state.EventRemoved,
			Sequence: a.seq.Next(),
			EntityID: addr,
		}
		return a.send(ctx, ev)
	}
	return nil
}

func (a *Adapter) handlePropertiesChanged(ctx context.Context, sig *dbus.Signal) error {
	if len(sig.Body) < 2 {
		return nil
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return nil
	}
	if iface != deviceInterface && iface != batteryInterface {
		return nil
	}
	addr := addressFromPath(sig.Path)
	if addr == "" {
		return nil
	}

	// Property change signals carry deltas; fetch the full device so the
	// emitted event is a complete snapshot.
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil {
		return nil
	}

	dev, err := fetchDevice(conn, sig.Path)
	if err != nil {
		a.logger.Debug("bluez device fetch failed", "path", string(sig.Path), "error", err)
		return nil
	}
	return a.emit(ctx, state.EventChanged, dev)
}

// emit wraps a device in a change event and sends it.
func (a *Adapter) emit(ctx context.Context, kind state.EventKind, dev *state.Device) error {
	ev := state.ChangeEvent{
		Backend:  state.BackendBluetooth,
		Kind:     kind,
		Sequence: a.seq.Next(),
		Device:   dev,
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

// Execute performs one device command. The device path is derived from
// the bluez address-based path convention, so no lookup table is needed.
func (a *Adapter) Execute(ctx context.Context, cmd state.Command) error {
	a.mu.RLock()
	conn := a.conn
	adapterPath := a.adapterPath
	a.mu.RUnlock()

	if conn == nil {
		return errors.New("bluez: not connected")
	}

	devPath := devicePath(adapterPath, cmd.EntityID)

	switch cmd.Action {
	case state.ActionConnect:
		return call(ctx, conn, devPath, deviceInterface+".Connect")
	case state.ActionDisconnect:
		return call(ctx, conn, devPath, deviceInterface+".Disconnect")
	case state.ActionPair:
		return call(ctx, conn, devPath, deviceInterface+".Pair")
	case state.ActionRemove:
		if err := conn.Object(busName, adapterPath).CallWithContext(
			ctx, adapterInterface+".RemoveDevice", 0, devPath,
		).Err; err != nil {
			return fmt.Errorf("bluez: removing device %s: %w", cmd.EntityID, err)
		}
		return nil
	default:
		return fmt.Errorf("bluez: unsupported action %q", cmd.Action)
	}
}

func call(ctx context.Context, conn *dbus.Conn, path dbus.ObjectPath, method string) error {
	if err := conn.Object(busName, path).CallWithContext(ctx, method, 0).Err; err != nil {
		return fmt.Errorf("bluez: calling %s on %s: %w", method, string(path), err)
	}
	return nil
}

// managedObjects fetches the full bluez object tree.
func managedObjects(conn *dbus.Conn) (map[dbus.ObjectPath]map[string]map[string]dbus.Variant, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	err := conn.Object(busName, rootPath).Call(
		objectManagerInterface+".GetManagedObjects", 0,
	).Store(&objects)
	if err != nil {
		return nil, fmt.Errorf("bluez: listing managed objects: %w", err)
	}
	return objects, nil
}

// findAdapter locates the controller to use. An empty name selects the
// first controller bluez reports.
func findAdapter(conn *dbus.Conn, name string) (dbus.ObjectPath, error) {
	objects, err := managedObjects(conn)
	if err != nil {
		return "", err
	}
	for path, ifaces := range objects {
		if _, ok := ifaces[adapterInterface]; !ok {
			continue
		}
		if name == "" || strings.HasSuffix(string(path), "/"+name) {
			return path, nil
		}
	}
	if name != "" {
		return "", fmt.Errorf("bluez: adapter %q not found", name)
	}
	return "", errors.New("bluez: no adapter present")
}

// fetchDevice reads the full property set of one device.
func fetchDevice(conn *dbus.Conn, path dbus.ObjectPath) (*state.Device, error) {
	var props map[string]dbus.Variant
	err := conn.Object(busName, path).Call(
		propertiesInterface+".GetAll", 0, deviceInterface,
	).Store(&props)
	if err != nil {
		return nil, fmt.Errorf("bluez: reading device properties: %w", err)
	}
	dev := deviceFromProps(props)
	if dev == nil {
		return nil, errors.New("bluez: device has no address")
	}

	// Battery is a separate interface and may be absent.
	var battery map[string]dbus.Variant
	if err := conn.Object(busName, path).Call(
		propertiesInterface+".GetAll", 0, batteryInterface,
	).Store(&battery); err == nil {
		applyBattery(dev, battery)
	}
	return dev, nil
}
