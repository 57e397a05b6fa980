// Package protocol groups the DTLS connection id wire packages.
//
// Ownership boundary:
// - cid: connection id value type and generators
// - record: DTLS 1.2 record header codec, including tls12_cid records
// - session: connection id keyed session table
package protocol
