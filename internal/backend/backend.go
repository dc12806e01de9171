package backend

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Logger defines the logging interface shared by the backend adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NoopLogger discards all log output. Adapters default to it so tests can
// construct them without wiring logging.
type NoopLogger struct{}

func (NoopLogger) Debug(string, ...any) {}
func (NoopLogger) Info(string, ...any)  {}
func (NoopLogger) Warn(string, ...any)  {}
func (NoopLogger) Error(string, ...any) {}

// Sequencer issues per-connection event sequence numbers. Each adapter
// resets it at the start of Run, so the first event of every connection
// carries sequence 1.
type Sequencer struct {
	n uint64
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	s.n++
	return s.n
}

// Reset restarts the sequence space for a new connection.
func (s *Sequencer) Reset() {
	s.n = 0
}

// BusKind selects which message bus an adapter connects to.
type BusKind int

const (
	// SystemBus is the system-wide bus (bluez, NetworkManager).
	SystemBus BusKind = iota
	// SessionBus is the per-login bus (audio server lookup).
	SessionBus
)

// ConnectBus opens a private D-Bus connection. A non-empty address
// overrides the bus kind and dials that socket directly.
func ConnectBus(kind BusKind, address string) (*dbus.Conn, error) {
	if address != "" {
		conn, err := dbus.Connect(address)
		if err != nil {
			return nil, fmt.Errorf("backend: connecting to bus at %s: %w", address, err)
		}
		return conn, nil
	}

	switch kind {
	case SystemBus:
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			return nil, fmt.Errorf("backend: connecting to system bus: %w", err)
		}
		return conn, nil
	case SessionBus:
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return nil, fmt.Errorf("backend: connecting to session bus: %w", err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("backend: unknown bus kind %d", kind)
	}
}

// VariantString extracts a string from a property map, returning "" when
// the key is absent or holds a different type.
func VariantString(props map[string]dbus.Variant, key string) string {
	if v, ok := props[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

// VariantBool extracts a bool from a property map.
func VariantBool(props map[string]dbus.Variant, key string) bool {
	if v, ok := props[key]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}

// VariantUint32 extracts a uint32 from a property map.
func VariantUint32(props map[string]dbus.Variant, key string) (uint32, bool) {
	if v, ok := props[key]; ok {
		if u, ok := v.Value().(uint32); ok {
			return u, true
		}
	}
	return 0, false
}
