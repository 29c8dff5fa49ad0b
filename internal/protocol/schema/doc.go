// Package schema owns the channel-level structures exchanged over a secure
// channel and the static table that registers them.
//
// Ownership boundary:
// - request/response headers and the security token record
// - open/close secure channel requests and responses
// - service fault
// - the static type table and its binary encoding ids
// - structural validation of decoded channel messages
package schema
