// Package channel owns secure channel lifecycle and security token state.
//
// Ownership boundary:
// - security tokens and their grace-extended expiry
// - the per-channel token set with lock-free snapshot reads
// - the secure channel state machine and its stored failure cause
// - server-side channel id allocation and lookup
//
// Wire handling lives in chunk and transport; this package never touches bytes.
package channel
