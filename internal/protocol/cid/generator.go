package cid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var ErrShortBuffer = fmt.Errorf("%w: short buffer", ErrLengthOutOfRange)

// Generator creates connection ids of a fixed length. Read slices an id of
// that length off the front of buf.
type Generator interface {
	Generate() (ConnectionID, error)
	Len() int
	Read(buf []byte) (ConnectionID, error)
}

// RandomGenerator creates random connection ids.
type RandomGenerator struct {
	length int
	rand   io.Reader
}

// NewRandomGenerator returns a generator for ids of the given length. Length 0
// disables connection ids: Generate always returns Empty.
func NewRandomGenerator(length int) (*RandomGenerator, error) {
	if length < 0 || length > MaxLen {
		return nil, fmt.Errorf("%w: got %d", ErrLengthOutOfRange, length)
	}
	return &RandomGenerator{length: length, rand: rand.Reader}, nil
}

func (g *RandomGenerator) Len() int {
	return g.length
}

func (g *RandomGenerator) Generate() (ConnectionID, error) {
	if g.length == 0 {
		return empty(), nil
	}
	b := make([]byte, g.length)
	if _, err := io.ReadFull(g.rand, b); err != nil {
		return ConnectionID{}, fmt.Errorf("cid: generate: %w", err)
	}
	return New(b)
}

// Read returns the connection id at the start of buf. The result aliases buf.
func (g *RandomGenerator) Read(buf []byte) (ConnectionID, error) {
	return readN(buf, g.length)
}

func readN(buf []byte, n int) (ConnectionID, error) {
	if n == 0 {
		return empty(), nil
	}
	if len(buf) < n {
		return ConnectionID{}, fmt.Errorf("%w: need %d bytes, have %d", ErrShortBuffer, n, len(buf))
	}
	return New(buf[:n:n])
}

var ErrNodeIDRequiresLength = errors.New("cid: node generator needs a length of at least 1")

// NodeGenerator creates random connection ids whose first byte is a node id,
// so a load balancer in front of several nodes can route on the id alone.
type NodeGenerator struct {
	RandomGenerator
	node byte
}

func NewNodeGenerator(node byte, length int) (*NodeGenerator, error) {
	if length < 1 {
		return nil, ErrNodeIDRequiresLength
	}
	g, err := NewRandomGenerator(length)
	if err != nil {
		return nil, err
	}
	return &NodeGenerator{RandomGenerator: *g, node: node}, nil
}

func (g *NodeGenerator) Generate() (ConnectionID, error) {
	b := make([]byte, g.length)
	b[0] = g.node
	if _, err := io.ReadFull(g.rand, b[1:]); err != nil {
		return ConnectionID{}, fmt.Errorf("cid: generate: %w", err)
	}
	return New(b)
}

// NodeID returns the node id carried by c and whether c carries one.
func NodeID(c ConnectionID) (byte, bool) {
	if c.IsEmpty() {
		return 0, false
	}
	return c.b[0], true
}
