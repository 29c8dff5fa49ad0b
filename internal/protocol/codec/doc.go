// Package codec implements the OPC UA binary field codec.
//
// Ownership boundary:
// - Encoder/Decoder define one Put/Get pair per built-in type plus array forms
// - BinaryEncoder/BinaryDecoder implement the Part 6 binary layout
// - Context carries namespace tables, the type registry and decode ceilings
// - Registry maps structure types to encoding ids and narrows decoded arrays
//
// Every length prefix read from the wire is checked against the configured
// ceiling and the bytes remaining before anything is allocated.
package codec
