package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for unifyd.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Journal    JournalConfig    `yaml:"journal"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Logging    LoggingConfig    `yaml:"logging"`
	Backends   BackendsConfig   `yaml:"backends"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Policy     PolicyConfig     `yaml:"policy"`
	Commands   CommandsConfig   `yaml:"commands"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket event-stream settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// JournalConfig contains change-journal database settings.
type JournalConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
	// Retention is the maximum number of journal rows kept; older rows are
	// trimmed opportunistically after inserts. 0 disables trimming.
	Retention int `yaml:"retention"`
}

// TelemetryConfig contains optional InfluxDB metric export settings.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// BackendsConfig contains per-backend adapter connection settings.
type BackendsConfig struct {
	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Audio     AudioConfig     `yaml:"audio"`
	Network   NetworkConfig   `yaml:"network"`
}

// BluetoothConfig contains bluez adapter settings.
type BluetoothConfig struct {
	Enabled bool `yaml:"enabled"`
	// BusAddress overrides the system bus address. Empty uses the default
	// system bus (DBUS_SYSTEM_BUS_ADDRESS applies as usual).
	BusAddress string `yaml:"bus_address"`
	// Adapter is the bluez adapter to use, e.g. "hci0". Empty selects the
	// first adapter bluez reports.
	Adapter string `yaml:"adapter"`
	// Discovery enables device discovery whenever the adapter is connected.
	Discovery bool `yaml:"discovery"`
}

// AudioConfig contains audio server adapter settings.
type AudioConfig struct {
	Enabled bool `yaml:"enabled"`
	// BusAddress is the peer-to-peer address of the audio server's D-Bus
	// socket. Empty triggers lookup via the session bus.
	BusAddress string `yaml:"bus_address"`
}

// NetworkConfig contains NetworkManager adapter settings.
type NetworkConfig struct {
	Enabled bool `yaml:"enabled"`
	// BusAddress overrides the system bus address. Empty uses the default.
	BusAddress string `yaml:"bus_address"`
	// ScanInterval is how often a Wi-Fi scan is requested, in seconds.
	// 0 disables periodic scan requests (NetworkManager still scans on its own).
	ScanInterval int `yaml:"scan_interval"`
}

// AggregatorConfig contains event aggregation settings.
type AggregatorConfig struct {
	// EventBuffer is the per-adapter event ring capacity. When an adapter
	// outpaces the aggregation loop the oldest buffered event is dropped
	// and a warning logged.
	EventBuffer int             `yaml:"event_buffer"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig contains adapter reconnection backoff settings, in seconds.
// Backoff is exponential from InitialDelay up to MaxDelay, reset on a
// successful connection. Attempts are unlimited.
type ReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// PolicyConfig contains entity lifecycle policy constants.
type PolicyConfig struct {
	// NetworkMissedScans is the number of consecutive scans a network may be
	// absent from before it is pruned.
	NetworkMissedScans int `yaml:"network_missed_scans"`
	// DeviceGracePeriod is how long a vanished Bluetooth device is retained
	// before removal, in seconds.
	DeviceGracePeriod int `yaml:"device_grace_period"`
	// SweepInterval is how often the aggregator sweeps for expired entities,
	// in seconds.
	SweepInterval int `yaml:"sweep_interval"`
}

// CommandsConfig contains the per-command-kind timeout table, in seconds.
// Long-running backend operations (pairing, network association) get longer
// budgets than local property writes.
type CommandsConfig struct {
	DefaultTimeout int `yaml:"default_timeout"`
	ConnectTimeout int `yaml:"connect_timeout"`
	PairTimeout    int `yaml:"pair_timeout"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: UNIFYD_SECTION_KEY
// For example: UNIFYD_API_PORT, UNIFYD_JOURNAL_PATH
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
// Every policy constant has a default here, and every default can be
// overridden via YAML or environment.
func defaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8337,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Journal: JournalConfig{
			Enabled:     true,
			Path:        "./data/unifyd.db",
			WALMode:     true,
			BusyTimeout: 5,
			Retention:   10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Backends: BackendsConfig{
			Bluetooth: BluetoothConfig{Enabled: true, Discovery: true},
			Audio:     AudioConfig{Enabled: true},
			Network:   NetworkConfig{Enabled: true, ScanInterval: 30},
		},
		Aggregator: AggregatorConfig{
			EventBuffer: 256,
			Reconnect: ReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Policy: PolicyConfig{
			NetworkMissedScans: 3,
			DeviceGracePeriod:  30,
			SweepInterval:      10,
		},
		Commands: CommandsConfig{
			DefaultTimeout: 5,
			ConnectTimeout: 30,
			PairTimeout:    60,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: UNIFYD_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("UNIFYD_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("UNIFYD_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("UNIFYD_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
	if v := os.Getenv("UNIFYD_TELEMETRY_TOKEN"); v != "" {
		cfg.Telemetry.Token = v
	}
	if v := os.Getenv("UNIFYD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when journal is enabled")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.URL == "" {
			errs = append(errs, "telemetry.url is required when telemetry is enabled")
		}
		if c.Telemetry.Token == "" {
			errs = append(errs, "telemetry.token is required when telemetry is enabled (set UNIFYD_TELEMETRY_TOKEN)")
		}
	}

	if c.Aggregator.EventBuffer < 1 {
		errs = append(errs, "aggregator.event_buffer must be at least 1")
	}
	if c.Aggregator.Reconnect.InitialDelay < 1 {
		errs = append(errs, "aggregator.reconnect.initial_delay must be at least 1 second")
	}
	if c.Aggregator.Reconnect.MaxDelay < c.Aggregator.Reconnect.InitialDelay {
		errs = append(errs, "aggregator.reconnect.max_delay must be >= initial_delay")
	}

	if c.Policy.NetworkMissedScans < 1 {
		errs = append(errs, "policy.network_missed_scans must be at least 1")
	}
	if c.Policy.SweepInterval < 1 {
		errs = append(errs, "policy.sweep_interval must be at least 1 second")
	}

	if c.Commands.DefaultTimeout < 1 {
		errs = append(errs, "commands.default_timeout must be at least 1 second")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c APIConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c APIConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c APIConfig) GetIdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.Idle) * time.Second
}

// GetDeviceGracePeriod returns the vanished-device grace period as a Duration.
func (c *PolicyConfig) GetDeviceGracePeriod() time.Duration {
	return time.Duration(c.DeviceGracePeriod) * time.Second
}

// GetSweepInterval returns the maintenance sweep interval as a Duration.
func (c *PolicyConfig) GetSweepInterval() time.Duration {
	return time.Duration(c.SweepInterval) * time.Second
}

// GetInitialDelay returns the reconnect initial delay as a Duration.
func (c *ReconnectConfig) GetInitialDelay() time.Duration {
	return time.Duration(c.InitialDelay) * time.Second
}

// GetMaxDelay returns the reconnect maximum delay as a Duration.
func (c *ReconnectConfig) GetMaxDelay() time.Duration {
	return time.Duration(c.MaxDelay) * time.Second
}

// TimeoutFor returns the timeout budget for a command action name.
// Connection-establishing actions get the longer connect budget, pairing the
// longest, everything else the default.
func (c *CommandsConfig) TimeoutFor(action string) time.Duration {
	switch action {
	case "connect", "connect_network":
		return time.Duration(c.ConnectTimeout) * time.Second
	case "pair":
		return time.Duration(c.PairTimeout) * time.Second
	default:
		return time.Duration(c.DefaultTimeout) * time.Second
	}
}
