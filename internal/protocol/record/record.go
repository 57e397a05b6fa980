package record

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/cidgate/internal/protocol/cid"
)

// ContentType is the DTLS record content type.
type ContentType uint8

const (
	TypeChangeCipherSpec ContentType = 20
	TypeAlert            ContentType = 21
	TypeHandshake        ContentType = 22
	TypeApplicationData  ContentType = 23
	TypeTLS12CID         ContentType = 25
)

const (
	// FixedHeaderLen excludes the connection id.
	FixedHeaderLen = 13
	VersionDTLS12  uint16 = 0xFEFD
	MaxSequence    uint64 = 1<<48 - 1
)

var (
	ErrShortHeader      = errors.New("record: short header")
	ErrShortFragment    = errors.New("record: fragment shorter than length field")
	ErrFragmentTooLarge = errors.New("record: fragment too large")
	ErrSequenceOverflow = errors.New("record: sequence number exceeds 48 bits")
	ErrUnexpectedCID    = errors.New("record: connection id on non tls12_cid record")
	ErrInvalidCIDLength = errors.New("record: invalid connection id length")
)

func (t ContentType) String() string {
	switch t {
	case TypeChangeCipherSpec:
		return "change_cipher_spec"
	case TypeAlert:
		return "alert"
	case TypeHandshake:
		return "handshake"
	case TypeApplicationData:
		return "application_data"
	case TypeTLS12CID:
		return "tls12_cid"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Header is the DTLS 1.2 record header. CID is only carried on tls12_cid
// records and is empty otherwise.
type Header struct {
	Type     ContentType
	Version  uint16
	Epoch    uint16
	Sequence uint64
	CID      cid.ConnectionID
	Length   uint16
}

// Record is one complete record.
type Record struct {
	Header   Header
	Fragment []byte
}

// Limits constrains decode/encode memory use.
type Limits struct {
	MaxFragment int
}

func DefaultLimits() Limits {
	return Limits{MaxFragment: 1<<14 + 2048}
}

// HeaderLen returns the encoded header length for h.
func HeaderLen(h Header) int {
	if h.Type == TypeTLS12CID {
		return FixedHeaderLen + h.CID.Len()
	}
	return FixedHeaderLen
}

// Decode reads one record from the start of b. cidLen is the connection id
// length negotiated for the session; it is only consulted for tls12_cid
// records. The returned record aliases b.
func Decode(b []byte, cidLen int, limits Limits) (Record, int, error) {
	if cidLen < 0 || cidLen > cid.MaxLen {
		return Record{}, 0, ErrInvalidCIDLength
	}
	if len(b) < FixedHeaderLen {
		return Record{}, 0, ErrShortHeader
	}
	h := Header{
		Type:     ContentType(b[0]),
		Version:  binary.BigEndian.Uint16(b[1:3]),
		Epoch:    binary.BigEndian.Uint16(b[3:5]),
		Sequence: getUint48(b[5:11]),
		CID:      cid.ConnectionID{},
	}
	i := 11
	if h.Type == TypeTLS12CID {
		if len(b) < FixedHeaderLen+cidLen {
			return Record{}, 0, ErrShortHeader
		}
		id, err := cid.New(b[i : i+cidLen : i+cidLen])
		if err != nil {
			return Record{}, 0, err
		}
		h.CID = id
		i += cidLen
	}
	h.Length = binary.BigEndian.Uint16(b[i : i+2])
	i += 2
	if int(h.Length) > limits.MaxFragment {
		return Record{}, 0, ErrFragmentTooLarge
	}
	if len(b)-i < int(h.Length) {
		return Record{}, 0, ErrShortFragment
	}
	end := i + int(h.Length)
	return Record{Header: h, Fragment: b[i:end:end]}, end, nil
}

// DecodeAll decodes every record packed into one datagram.
func DecodeAll(b []byte, cidLen int, limits Limits) ([]Record, error) {
	out := make([]Record, 0, 1)
	for len(b) > 0 {
		r, n, err := Decode(b, cidLen, limits)
		if err != nil {
			return out, err
		}
		out = append(out, r)
		b = b[n:]
	}
	return out, nil
}

// PeekCID returns the connection id of the first record in b without
// validating the fragment.
func PeekCID(b []byte, cidLen int) (cid.ConnectionID, bool) {
	if len(b) < FixedHeaderLen+cidLen || ContentType(b[0]) != TypeTLS12CID {
		return cid.ConnectionID{}, false
	}
	id, err := cid.New(b[11 : 11+cidLen : 11+cidLen])
	if err != nil {
		return cid.ConnectionID{}, false
	}
	return id, true
}

// AppendRecord appends the encoded record to dst. Header.Length is taken from
// the fragment.
func AppendRecord(dst []byte, r Record, limits Limits) ([]byte, error) {
	h := r.Header
	if h.Sequence > MaxSequence {
		return dst, ErrSequenceOverflow
	}
	if h.Type != TypeTLS12CID && !h.CID.IsEmpty() {
		return dst, ErrUnexpectedCID
	}
	if len(r.Fragment) > limits.MaxFragment || len(r.Fragment) > 0xFFFF {
		return dst, ErrFragmentTooLarge
	}
	dst = append(dst, byte(h.Type))
	dst = binary.BigEndian.AppendUint16(dst, h.Version)
	dst = binary.BigEndian.AppendUint16(dst, h.Epoch)
	dst = appendUint48(dst, h.Sequence)
	if h.Type == TypeTLS12CID {
		dst = append(dst, h.CID.Bytes()...)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(r.Fragment)))
	return append(dst, r.Fragment...), nil
}

func Encode(r Record, limits Limits) ([]byte, error) {
	return AppendRecord(make([]byte, 0, HeaderLen(r.Header)+len(r.Fragment)), r, limits)
}

func getUint48(b []byte) uint64 {
	_ = b[5]
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

func appendUint48(dst []byte, v uint64) []byte {
	return append(dst, byte(v>>40), byte(v>>32), byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
