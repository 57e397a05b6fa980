// Package cid owns the DTLS connection id value type.
//
// Ownership boundary:
// - ConnectionID construction, equality, hashing, and rendering
// - connection id generators used when a session is allocated
//
// A connection id correlates records with a session independent of the peer's
// address, so a session survives NAT rebinding. How the id is negotiated is the
// handshake's business; how it is framed on the wire belongs to package record.
package cid
