package state

import (
	"fmt"
	"time"
)

// Backend identifies one of the three managed subsystems.
type Backend string

// Known backends.
const (
	BackendBluetooth Backend = "bluetooth"
	BackendAudio     Backend = "audio"
	BackendNetwork   Backend = "network"
)

// Valid returns true if the backend is one of the known subsystems.
func (b Backend) Valid() bool {
	switch b {
	case BackendBluetooth, BackendAudio, BackendNetwork:
		return true
	}
	return false
}

// Category returns the entity category owned by this backend.
func (b Backend) Category() Category {
	switch b {
	case BackendBluetooth:
		return CategoryDevices
	case BackendAudio:
		return CategoryAudio
	case BackendNetwork:
		return CategoryNetworks
	}
	return ""
}

// Category identifies a class of entities exposed to callers.
type Category string

// Known categories.
const (
	CategoryDevices  Category = "devices"
	CategoryAudio    Category = "audio"
	CategoryNetworks Category = "networks"
)

// Valid returns true if the category is recognised.
func (c Category) Valid() bool {
	switch c {
	case CategoryDevices, CategoryAudio, CategoryNetworks:
		return true
	}
	return false
}

// AllCategories returns every known category.
func AllCategories() []Category {
	return []Category{CategoryDevices, CategoryAudio, CategoryNetworks}
}

// DeviceState is the connection state of a Bluetooth device.
type DeviceState string

// Device connection states.
const (
	DeviceDiscovered   DeviceState = "discovered"
	DevicePairing      DeviceState = "pairing"
	DevicePaired       DeviceState = "paired"
	DeviceConnected    DeviceState = "connected"
	DeviceDisconnected DeviceState = "disconnected"
)

// Device is a Bluetooth device as exposed to callers.
// The address is the stable identity; everything else may change between
// events.
type Device struct {
	// ID is the caller-facing identifier, always equal to Address.
	ID      string      `json:"id"`
	Address string      `json:"address"`
	Name    string      `json:"name"`
	State   DeviceState `json:"state"`
	// Signal is the RSSI-derived strength in the 0-100 range, if reported.
	Signal *int `json:"signal,omitempty"`
	// Battery is the battery percentage, if the device reports one.
	Battery *int `json:"battery,omitempty"`
	// VanishedAt is set when the backend stops reporting the device; the
	// device is pruned once the grace period elapses.
	VanishedAt *time.Time `json:"vanished_at,omitempty"`
}

// AudioKind distinguishes audio entity roles.
type AudioKind string

// Audio entity kinds.
const (
	AudioSink   AudioKind = "sink"
	AudioSource AudioKind = "source"
	AudioStream AudioKind = "stream"
)

// AudioEntity is a sink, source, or application stream.
//
// The backend-assigned index is not stable across backend restarts, so the
// store stamps each entity with the generation active when it was created.
// Index+Generation together form the caller-facing identity; a reused index
// after a backend restart is a distinct entity.
type AudioEntity struct {
	// ID is the caller-facing identifier, derived from kind, generation and
	// index (e.g. "sink-2.17").
	ID         string    `json:"id"`
	Index      uint32    `json:"index"`
	Generation uint64    `json:"generation"`
	Kind       AudioKind `json:"kind"`
	Name       string    `json:"name"`
	// Volume is normalised to 0-100 regardless of the backend's native scale.
	Volume int  `json:"volume"`
	Muted  bool `json:"muted"`
	// Default marks the default sink or source. At most one sink and one
	// source carry this flag at a time.
	Default bool `json:"default"`
}

// AudioID builds the caller-facing identifier for an audio entity.
func AudioID(kind AudioKind, generation uint64, index uint32) string {
	return fmt.Sprintf("%s-%d.%d", kind, generation, index)
}

// NetworkState is the connection state of a Wi-Fi network.
type NetworkState string

// Network connection states.
const (
	NetworkVisible    NetworkState = "visible"
	NetworkConnecting NetworkState = "connecting"
	NetworkConnected  NetworkState = "connected"
	NetworkFailed     NetworkState = "failed"
)

// Network is a Wi-Fi access point as exposed to callers.
// SSIDs are not unique, so identity is the (SSID, BSSID) pair.
type Network struct {
	// ID is the caller-facing identifier, derived from SSID and BSSID.
	ID    string `json:"id"`
	SSID  string `json:"ssid"`
	BSSID string `json:"bssid"`
	// Signal is the strength percentage (0-100).
	Signal   int          `json:"signal"`
	Security string       `json:"security"`
	State    NetworkState `json:"state"`
}

// NetworkID builds the caller-facing identifier for a network.
func NetworkID(ssid, bssid string) string {
	return ssid + "|" + bssid
}

// EventKind classifies a backend change event.
type EventKind string

// Change event kinds emitted by adapters.
const (
	// EventAdded reports an entity the backend had not previously exposed.
	EventAdded EventKind = "added"
	// EventChanged reports a property change on a known entity.
	EventChanged EventKind = "changed"
	// EventRemoved reports that the backend stopped exposing an entity.
	EventRemoved EventKind = "removed"
	// EventScanComplete reports that a Wi-Fi scan cycle finished; networks
	// not sighted during the cycle accrue a missed scan.
	EventScanComplete EventKind = "scan_complete"
)

// ChangeEvent is the uniform event shape every adapter emits.
//
// Exactly one of Device, Audio, or Network is set for entity events; removals
// may carry only EntityID since the backend has already dropped the record.
// Sequence is per-adapter and strictly increasing within one adapter
// connection; it resets when the adapter reconnects.
type ChangeEvent struct {
	Backend  Backend
	Kind     EventKind
	Sequence uint64

	Device  *Device
	Audio   *AudioEntity
	Network *Network

	// EntityID identifies the entity for removal events.
	EntityID string
}

// ChangeType classifies a normalised change delivered to subscribers.
type ChangeType string

// Normalised change types.
const (
	ChangeAdded   ChangeType = "added"
	ChangeChanged ChangeType = "changed"
	ChangeRemoved ChangeType = "removed"
)

// NormalizedChange is the de-duplicated, invariant-checked result of applying
// a ChangeEvent. It is the unit delivered to subscribers.
//
// Sequence is store-global and strictly increasing; subscribers use it to
// discard changes already covered by their initial snapshot.
type NormalizedChange struct {
	Sequence  uint64     `json:"sequence"`
	Category  Category   `json:"category"`
	Backend   Backend    `json:"backend"`
	Type      ChangeType `json:"type"`
	EntityID  string     `json:"entity_id"`
	Timestamp time.Time  `json:"timestamp"`

	// Entity value after the change. Nil for removals.
	Device  *Device      `json:"device,omitempty"`
	Audio   *AudioEntity `json:"audio,omitempty"`
	Network *Network     `json:"network,omitempty"`
}

// Command is a caller-issued request to mutate backend state via an adapter.
type Command struct {
	Backend  Backend `json:"backend"`
	EntityID string  `json:"entity_id"`
	Action   Action  `json:"action"`

	// Level is the target volume for set_volume, 0-100.
	Level *int `json:"level,omitempty"`
	// Mute is the target mute flag for set_mute.
	Mute *bool `json:"mute,omitempty"`
	// Secret carries network credentials for connect_network.
	// Never logged.
	Secret string `json:"-"`
}

// Action names a command operation.
type Action string

// Command actions.
const (
	ActionConnect           Action = "connect"
	ActionDisconnect        Action = "disconnect"
	ActionPair              Action = "pair"
	ActionRemove            Action = "remove"
	ActionSetVolume         Action = "set_volume"
	ActionSetMute           Action = "set_mute"
	ActionSetDefault        Action = "set_default"
	ActionConnectNetwork    Action = "connect_network"
	ActionDisconnectNetwork Action = "disconnect_network"
	ActionScan              Action = "scan"
)

// Snapshot is a point-in-time read-only copy of store contents.
//
// Sequence is the store sequence at the moment the snapshot was taken; a
// subscriber holding this snapshot must discard changes with a sequence less
// than or equal to it.
type Snapshot struct {
	Sequence uint64        `json:"sequence"`
	Devices  []Device      `json:"devices,omitempty"`
	Audio    []AudioEntity `json:"audio,omitempty"`
	Networks []Network     `json:"networks,omitempty"`
}
