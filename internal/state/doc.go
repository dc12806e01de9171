// Package state holds the authoritative in-memory model of Bluetooth
// devices, audio entities, and Wi-Fi networks, together with the uniform
// event and command vocabulary shared by the adapters, the aggregation loop,
// and the caller-facing API.
//
// # Model
//
//   - Device: identified by its stable address; created on first discovery,
//     retained for a grace period after the backend stops reporting it.
//   - AudioEntity: identified by backend index plus a store-managed
//     generation counter, because backend indices are reused across backend
//     restarts. At most one sink and one source carry the default flag.
//   - Network: identified by the (SSID, BSSID) pair; refreshed by scan
//     sightings and pruned after a configurable number of missed scans.
//
// # Write discipline
//
// The store is mutated exclusively by the aggregation loop. Apply handles
// one backend event per call and returns the normalised change to fan out,
// nil for no-ops, or an error for events that would break an invariant
// (such events are logged and dropped, never delivered). Reads — Snapshot
// and the lookup helpers — are safe from any goroutine.
//
// # Sequences
//
// Two sequence spaces exist. Adapters stamp events with a per-connection
// sequence the store uses to reject duplicates and replays. The store stamps
// every NormalizedChange with its own global sequence, which snapshots also
// carry so a subscriber can discard changes its snapshot already covers.
package state
