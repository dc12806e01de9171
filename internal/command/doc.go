// Package command implements the command router: the single path by which
// callers mutate backend state.
//
// The router never touches the state store's contents. It validates a
// command against the current snapshot (target exists, action legal for
// the target's state, payload well formed), forwards it to the owning
// backend adapter with an action-specific deadline, and returns a receipt
// on acknowledgement. The actual state change, if any, flows back through
// the normal event path so every observer sees it the same way.
package command
