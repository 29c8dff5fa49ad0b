// Package async holds the settle-once primitives the transport hands to
// callers.
//
// Ownership boundary:
// - Read carries one decoded response from the read loop to a waiter
// - Write carries one outbound message through the writer queue
// - Future is an at-most-once result with listeners run on an Executor
package async
