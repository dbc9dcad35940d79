// Package stream owns the session-scoped streaming connection.
//
// Ownership boundary:
// - connect/retry/heartbeat state machine (one Conn per session code)
// - retry backoff primitives
// - decoded-event fan-out to subscribers
//
// Consumers never read the transport directly; they subscribe to a
// Dispatcher and query the reconciliation store.
package stream
