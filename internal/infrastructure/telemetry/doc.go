// Package telemetry exports observed backend values to InfluxDB.
//
// The daemon records scalar observations (wireless signal strength, audio
// volume, device battery) as they flow through the aggregation loop, giving
// dashboards a history alongside the live state. Export is strictly
// optional: when disabled in config the daemon runs without it, and when
// the server is unreachable writes fail asynchronously without affecting
// state aggregation.
//
// Writes are batched and non-blocking via the InfluxDB v2 client's async
// write API. Errors surface through the SetOnError callback.
package telemetry
