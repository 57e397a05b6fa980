// Package session owns the connection-id keyed session table.
//
// Ownership boundary:
// - session lookup by connection id (hash bucket, then Equal)
// - peer address tracking across NAT rebinding
// - idle expiry and connection id allocation
package session
