// Package bridge owns the near<->far session capability.
//
// Ownership boundary:
// - side resolution (NONE until paired, then the configured role, cached)
// - opaque message send and ordered inbound dispatch to listeners
// - near-side overlay visibility
//
// Every operation returns a Future and completes on another goroutine,
// including over the in-process link.
//
// Listener policy is set semantics: a listener reference is registered or
// not. Adding twice keeps one registration; one remove drops it.
package bridge
