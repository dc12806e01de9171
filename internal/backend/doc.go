// Package backend holds the shared plumbing for the daemon's D-Bus
// backend adapters: bus connection helpers, per-connection event
// sequencing, and variant decoding.
//
// The concrete adapters live in the bluez, pulse, and netman
// subpackages. Each one satisfies the aggregator's Adapter contract:
// Run connects to its service, signals readiness, replays current state
// as added events, then translates service signals into change events
// until the connection drops or the context is cancelled.
package backend
