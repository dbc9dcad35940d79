// Package model holds the domain types shared by the streaming client,
// the reconciliation store, and the REST collaborator.
//
// Ownership boundary:
// - Session/Slide/Response shapes mirrored from the platform API
// - slide type tags
// - validation helpers for values crossing the wire
package model
