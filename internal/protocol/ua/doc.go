// Package ua owns the OPC UA built-in value types shared by every protocol layer.
//
// Ownership boundary:
// - node identifiers, qualified names, localized text
// - variant, data value, diagnostic info value shapes
// - status codes and the status-bearing error taxonomy
// - namespace and server tables
// - message security modes and policy uris
package ua
