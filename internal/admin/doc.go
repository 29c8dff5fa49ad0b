// Package admin serves the operator HTTP surface for a running transport.
//
// Ownership boundary:
// - health and readiness probes
// - prometheus scrape endpoint
// - secure channel listing and forced close
package admin
