// Package aggregate contains the event aggregation loop: the component that
// drains change events from all backend adapters concurrently, serialises
// their application to the state store, and fans the resulting normalised
// changes out to subscribers, the change journal, and telemetry.
//
// # Concurrency model
//
// Each adapter gets one supervisor goroutine that owns its connection
// lifecycle (connect, replay, fail, back off, retry) and forwards its events
// into a single merged intake channel with bounded drop-oldest buffering.
// One loop goroutine consumes the intake and is the only writer to the state
// store, so a slow backend can delay its own events but never block another
// adapter's delivery, and no fine-grained locking is needed anywhere in the
// model.
//
// Ordering guarantees: per-adapter event order is preserved end to end;
// cross-adapter order is arrival order at the intake; every change is fanned
// out before the next event is applied, so subscribers observe store states
// in store order.
//
// # Failure semantics
//
// When an established adapter's Run returns an error the supervisor
// announces the loss on the same intake channel (after flushing
// already-emitted events), the loop clears the backend's entities with
// synthetic removals, and the supervisor retries the connection on an
// exponential backoff schedule. A Run that fails before signalling
// readiness is a failed connect attempt: it is recorded in status and
// retried, but never announced as ready or lost. Reconnection replays full
// backend state, rebuilding the model from backend-reported truth.
package aggregate
