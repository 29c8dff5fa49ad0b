// Package chunk owns the OPC UA TCP chunk layout.
//
// Ownership boundary:
// - header word classification (message type | chunk role)
// - chunk accessors for symmetric and asymmetric security headers
// - Hello/Acknowledge/Error records and abort chunks
// - stream reading, splitting and per-request reassembly
package chunk
