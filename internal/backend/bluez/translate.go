package bluez

import (
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/veldaine/unifyd/internal/backend"
	"github.com/veldaine/unifyd/internal/state"
)

// deviceFromProps builds a device entity from org.bluez.Device1
// properties. Returns nil when the address is missing.
func deviceFromProps(props map[string]dbus.Variant) *state.Device {
	addr := backend.VariantString(props, "Address")
	if addr == "" {
		return nil
	}

	name := backend.VariantString(props, "Alias")
	if name == "" {
		name = backend.VariantString(props, "Name")
	}

	dev := &state.Device{
		Address: addr,
		Name:    name,
		State:   deviceState(props),
	}

	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			signal := signalFromRSSI(rssi)
			dev.Signal = &signal
		}
	}
	return dev
}

// signalFromRSSI maps an RSSI reading in dBm onto the 0-100 strength
// scale shared with network signal: -100 dBm and below is 0, -50 dBm and
// above is 100.
func signalFromRSSI(rssi int16) int {
	s := 2 * (int(rssi) + 100)
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

// deviceState derives the lifecycle state from the Connected and Paired
// flags.
func deviceState(props map[string]dbus.Variant) state.DeviceState {
	switch {
	case backend.VariantBool(props, "Connected"):
		return state.DeviceConnected
	case backend.VariantBool(props, "Paired"):
		return state.DevicePaired
	default:
		return state.DeviceDiscovered
	}
}

// applyBattery folds org.bluez.Battery1 properties into a device.
func applyBattery(dev *state.Device, props map[string]dbus.Variant) {
	if v, ok := props["Percentage"]; ok {
		if pct, ok := v.Value().(byte); ok {
			battery := int(pct)
			dev.Battery = &battery
		}
	}
}

// devicePath derives the bluez object path for a device address, e.g.
// AA:BB:CC:DD:EE:FF under /org/bluez/hci0 becomes
// /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func devicePath(adapterPath dbus.ObjectPath, address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapterPath) + "/dev_" + strings.ReplaceAll(address, ":", "_"))
}

// addressFromPath inverts devicePath, returning "" for non-device paths.
func addressFromPath(path dbus.ObjectPath) string {
	s := string(path)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	addr := strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
	if strings.Count(addr, ":") != 5 {
		return ""
	}
	return addr
}
