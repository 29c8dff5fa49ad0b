// Package transport runs secure channels over TCP connections.
//
// Ownership boundary:
// - chunk connections with context-driven deadlines
// - Hello/Acknowledge negotiation
// - client dial, request, renew and close
// - server accept, channel issue/renew, dispatch and shutdown
// - retry/backoff and pending request primitives
package transport
