package netman

import (
	"github.com/godbus/dbus/v5"

	"github.com/veldaine/unifyd/internal/backend"
	"github.com/veldaine/unifyd/internal/state"
)

// NM 802.11 access point security flag bits.
const (
	apFlagPrivacy = uint32(0x1)

	apSecKeyMgmtPSK   = uint32(0x100)
	apSecKeyMgmt8021X = uint32(0x200)
	apSecKeyMgmtSAE   = uint32(0x400)
)

// networkFromProps builds a network entity from AccessPoint properties.
// Returns nil when the SSID or BSSID is missing; such entries cannot be
// identified and are dropped at the source.
func networkFromProps(props map[string]dbus.Variant) *state.Network {
	ssid := ssidString(props)
	bssid := backend.VariantString(props, "HwAddress")
	if ssid == "" || bssid == "" {
		return nil
	}

	net := &state.Network{
		SSID:     ssid,
		BSSID:    bssid,
		Security: securityLabel(props),
		State:    state.NetworkVisible,
	}
	if v, ok := props["Strength"]; ok {
		if s, ok := v.Value().(byte); ok {
			net.Signal = int(s)
		}
	}
	return net
}

// ssidString decodes the raw SSID bytes. NetworkManager exposes SSIDs as
// byte arrays because they are not guaranteed to be UTF-8.
func ssidString(props map[string]dbus.Variant) string {
	v, ok := props["Ssid"]
	if !ok {
		return ""
	}
	raw, ok := v.Value().([]byte)
	if !ok {
		return ""
	}
	return string(raw)
}

// securityLabel summarises the AP's flag words into the labels shown to
// callers.
func securityLabel(props map[string]dbus.Variant) string {
	flags := variantFlags(props, "Flags")
	wpa := variantFlags(props, "WpaFlags")
	rsn := variantFlags(props, "RsnFlags")

	switch {
	case rsn&apSecKeyMgmtSAE != 0:
		return "wpa3"
	case rsn&apSecKeyMgmt8021X != 0:
		return "wpa2-enterprise"
	case rsn&apSecKeyMgmtPSK != 0:
		return "wpa2"
	case wpa != 0:
		return "wpa"
	case flags&apFlagPrivacy != 0:
		return "wep"
	default:
		return "open"
	}
}

func variantFlags(props map[string]dbus.Variant, key string) uint32 {
	if v, ok := backend.VariantUint32(props, key); ok {
		return v
	}
	return 0
}

// wirelessSSID extracts the SSID from a stored connection profile,
// reporting false for non-wireless profiles or ones without an SSID.
func wirelessSSID(settings map[string]map[string]dbus.Variant) ([]byte, bool) {
	wireless, ok := settings["802-11-wireless"]
	if !ok {
		return nil, false
	}
	ssid, ok := wireless["ssid"].Value().([]byte)
	if !ok || len(ssid) == 0 {
		return nil, false
	}
	return ssid, true
}
