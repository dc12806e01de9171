// Package subscribe implements the subscription registry: the fan-out
// surface between the aggregation loop and connected callers.
//
// Each subscription names the categories it cares about and receives a
// full snapshot taken atomically with registration, followed by an ordered
// stream of normalised changes. Registration and notification share one
// lock, which closes the classic gap between "snapshot read" and "stream
// started": a change is either reflected in the snapshot or delivered on
// the stream, never both and never neither.
//
// Delivery is at most once per change, in store order, through an
// unbounded per-subscriber queue drained by a dedicated goroutine. A slow
// consumer accumulates backlog but never stalls the aggregation loop or
// other subscribers.
package subscribe
