package cid

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
)

// MaxLen is the largest connection id the record layer can carry.
const MaxLen = 255

const hashSeed uint32 = 1

var (
	ErrInvalidArgument  = errors.New("cid: invalid argument")
	ErrMissingBytes     = fmt.Errorf("%w: missing bytes", ErrInvalidArgument)
	ErrLengthOutOfRange = fmt.Errorf("%w: length must be between 0 and %d inclusive", ErrInvalidArgument, MaxLen)
	ErrInvalidHex       = fmt.Errorf("%w: invalid hex", ErrInvalidArgument)
)

var emptyBytes = []byte{}

// Empty is the zero-length connection id: the peer does not use a CID.
// The zero value of ConnectionID is equal to Empty. Empty is read-only;
// nothing in this module reads it back, so reassigning it does not change
// what New, the generators or the record decoder return.
var Empty = empty()

func empty() ConnectionID {
	return ConnectionID{b: emptyBytes, hash: hashSeed}
}

// ConnectionID is an immutable DTLS connection id.
//
// New takes ownership of the slice it is given and never copies it; callers
// must not modify that slice afterwards. Bytes returns the same backing array
// for the same reason. Instances are safe for concurrent use.
type ConnectionID struct {
	b    []byte
	hash uint32
}

// New returns a connection id over b. A nil slice is rejected with
// ErrMissingBytes; an empty non-nil slice yields an empty connection id.
func New(b []byte) (ConnectionID, error) {
	if b == nil {
		return ConnectionID{}, ErrMissingBytes
	}
	if len(b) > MaxLen {
		return ConnectionID{}, fmt.Errorf("%w: got %d", ErrLengthOutOfRange, len(b))
	}
	return ConnectionID{b: b, hash: hashBytes(b)}, nil
}

// MustNew is like New but panics on invalid input.
func MustNew(b []byte) ConnectionID {
	c, err := New(b)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseHex decodes the output of Hex back into a connection id.
func ParseHex(s string) (ConnectionID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ConnectionID{}, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return New(b)
}

func hashBytes(b []byte) uint32 {
	h := hashSeed
	for _, v := range b {
		h = 31*h + uint32(v)
	}
	return h
}

// Equal reports whether c and o hold the same bytes in the same order.
func (c ConnectionID) Equal(o ConnectionID) bool {
	if len(c.b) != len(o.b) {
		return false
	}
	if len(c.b) == 0 || &c.b[0] == &o.b[0] {
		return true
	}
	return c.hash == o.hash && bytes.Equal(c.b, o.b)
}

// Hash returns the hash computed at construction.
func (c ConnectionID) Hash() uint32 {
	if c.b == nil {
		return hashSeed
	}
	return c.hash
}

// Bytes returns the connection id bytes. Not copied: treat as read-only.
func (c ConnectionID) Bytes() []byte {
	if c.b == nil {
		return emptyBytes
	}
	return c.b
}

// Clone returns a connection id backed by its own copy of the bytes.
func (c ConnectionID) Clone() ConnectionID {
	if len(c.b) == 0 {
		return empty()
	}
	b := make([]byte, len(c.b))
	copy(b, c.b)
	return ConnectionID{b: b, hash: c.hash}
}

func (c ConnectionID) IsEmpty() bool {
	return len(c.b) == 0
}

// Len returns the number of bytes, 0 to 255.
func (c ConnectionID) Len() int {
	return len(c.b)
}

// Hex renders the bytes as lowercase hex without separators.
func (c ConnectionID) Hex() string {
	return hex.EncodeToString(c.b)
}

func (c ConnectionID) String() string {
	return "CID=" + c.Hex()
}

func (c ConnectionID) MarshalText() ([]byte, error) {
	out := make([]byte, hex.EncodedLen(len(c.b)))
	hex.Encode(out, c.b)
	return out, nil
}
