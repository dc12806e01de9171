// Package journal persists the daemon's normalised change stream to
// SQLite, giving callers a short history of what changed and when. The
// journal is written synchronously from the aggregation loop but is
// advisory: a failed write is logged and the live stream continues.
// Retention is row-count based; old rows are trimmed as new ones arrive.
package journal
