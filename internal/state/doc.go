// Package state holds the authoritative in-memory view of one session.
//
// Ownership boundary:
// - REST baseline load with retry
// - pending buffer and buffer-then-replay ordering
// - idempotent, order-tolerant merge of stream events
// - re-baseline after every reconnect
//
// Consumers read snapshots from here only, never from the transport.
package state
