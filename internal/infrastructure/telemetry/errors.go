package telemetry

import "errors"

// Sentinel errors for telemetry operations, matched with errors.Is.
var (
	// ErrNotConnected indicates the client is not connected to InfluxDB.
	ErrNotConnected = errors.New("telemetry: not connected")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("telemetry: connection failed")

	// ErrDisabled indicates telemetry export is disabled in config.
	ErrDisabled = errors.New("telemetry: disabled in configuration")
)
