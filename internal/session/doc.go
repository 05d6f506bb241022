// Package session owns one measurement run's lifecycle: it writes encoded
// commands, consumes decoded frames from a dedicated reader goroutine, applies
// the timeout/retry policy and surfaces ordered events to consumers.
//
// Ownership boundary:
// - state machine (Idle -> Connecting -> Configuring -> Running -> terminal)
// - reader goroutine and the ordered frame channel
// - accumulated sample sequence and read-only snapshots
//
// Consumers must drain Events until it is closed; the channel is buffered, and
// a consumer that stops draining a full buffer stalls frame processing.
package session
