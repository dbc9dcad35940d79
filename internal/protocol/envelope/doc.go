// Package envelope owns the wire representation of stream frames.
//
// Ownership boundary:
// - event tag constants
// - {event, data} frame encode/decode
// - typed payload extraction into StreamEvent
package envelope
