package pulse

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/veldaine/unifyd/internal/backend"
	"github.com/veldaine/unifyd/internal/state"
)

// volumeNorm is the server's raw value for 100% volume.
const volumeNorm = 65536

// entityFromProps builds an audio entity from Device or Stream properties.
// The store stamps the generation and identity; the adapter only supplies
// what the server knows.
func entityFromProps(kind state.AudioKind, props map[string]dbus.Variant) *state.AudioEntity {
	ent := &state.AudioEntity{
		Kind:  kind,
		Muted: backend.VariantBool(props, "Mute"),
	}
	if index, ok := backend.VariantUint32(props, "Index"); ok {
		ent.Index = index
	}

	ent.Name = backend.VariantString(props, "Name")
	if ent.Name == "" {
		ent.Name = applicationName(props)
	}

	if v, ok := props["Volume"]; ok {
		if channels, ok := v.Value().([]uint32); ok {
			ent.Volume = percentVolume(channels)
		}
	}
	return ent
}

// applicationName digs the owning application out of a stream's property
// list. Streams have no Name property of their own.
func applicationName(props map[string]dbus.Variant) string {
	v, ok := props["PropertyList"]
	if !ok {
		return ""
	}
	list, ok := v.Value().(map[string][]byte)
	if !ok {
		return ""
	}
	raw, ok := list["application.name"]
	if !ok {
		return ""
	}
	// Server property values are NUL-terminated.
	return strings.TrimRight(string(raw), "\x00")
}

// percentVolume converts per-channel raw volumes to a single 0-100 value,
// using the loudest channel.
func percentVolume(channels []uint32) int {
	var max uint32
	for _, c := range channels {
		if c > max {
			max = c
		}
	}
	pct := int((uint64(max)*100 + volumeNorm/2) / volumeNorm)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// rawVolume converts a 0-100 percentage to the server's raw scale.
func rawVolume(percent int) uint32 {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return uint32(uint64(percent) * volumeNorm / 100)
}

// parseEntityID splits a store-assigned audio ID ("sink-2.17") into kind
// and server index. The generation between '-' and '.' belongs to the
// store and is ignored here.
func parseEntityID(id string) (state.AudioKind, uint32, error) {
	dash := strings.IndexByte(id, '-')
	dot := strings.LastIndexByte(id, '.')
	if dash < 1 || dot <= dash {
		return "", 0, fmt.Errorf("pulse: malformed audio entity ID %q", id)
	}

	kind := state.AudioKind(id[:dash])
	switch kind {
	case state.AudioSink, state.AudioSource, state.AudioStream:
	default:
		return "", 0, fmt.Errorf("pulse: unknown audio kind in ID %q", id)
	}

	index, err := strconv.ParseUint(id[dot+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("pulse: malformed index in ID %q: %w", id, err)
	}
	return kind, uint32(index), nil
}
