// Package api implements the HTTP REST API and WebSocket server for unifyd.
//
// This package provides:
//   - REST endpoints for snapshots, entity listings, and backend commands
//   - WebSocket endpoint streaming a snapshot followed by ordered changes
//   - Journal query endpoint for recent change history
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// # Architecture
//
// The API server sits between desktop callers (applets, bars, control
// panels) and the state store + command router. Reads are served straight
// from the store's snapshot; commands flow through the router to the
// backend adapters and return a receipt with HTTP 202, with the resulting
// state change arriving later as an event. WebSocket clients each hold a
// registry subscription, so the snapshot-then-deltas handshake is gap-free
// per client.
//
// # Addressing
//
// The server binds to loopback for the local desktop session. There is no
// authentication layer: the trust boundary is the host user, matching the
// session-bus services the daemon aggregates.
//
// # Graceful Degradation
//
// The server operates without a journal — the /journal endpoint returns
// 404 while everything else works. Backend outages surface through /status
// and loss events rather than request failures.
package api
