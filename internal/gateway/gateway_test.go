package gateway

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/cidgate/internal/protocol/cid"
	"github.com/danmuck/cidgate/internal/protocol/record"
	"github.com/danmuck/cidgate/internal/protocol/session"
	"github.com/danmuck/cidgate/internal/testutil/testlog"
)

func startEndpoint(t *testing.T, table *session.Table, h Handler) (net.Addr, func()) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ep := NewEndpoint(DefaultConfig(), table, h)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ep.Serve(ctx, conn)
	}()
	return conn.LocalAddr(), func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Errorf("serve did not stop")
		}
	}
}

func dialPeer(t *testing.T, server net.Addr) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, server.(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func encodeCIDRecord(t *testing.T, id cid.ConnectionID, seq uint64, payload string) []byte {
	t.Helper()
	b, err := record.Encode(record.Record{
		Header: record.Header{
			Type:     record.TypeTLS12CID,
			Version:  record.VersionDTLS12,
			Epoch:    1,
			Sequence: seq,
			CID:      id,
		},
		Fragment: []byte(payload),
	}, record.DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func roundTrip(t *testing.T, conn *net.UDPConn, out []byte) ([]byte, error) {
	t.Helper()
	if _, err := conn.Write(out); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func TestEndpointRoutesByCIDAcrossAddressChange(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.CIDLength = 4
	table := session.NewTable(cfg)
	id := cid.MustNew([]byte{0x01, 0x02, 0x03, 0x04})

	server, stop := startEndpoint(t, table, nil)
	defer stop()

	first := dialPeer(t, server)
	if err := table.Put(session.Session{CID: id, PeerAddr: first.LocalAddr().String(), LastSeen: time.Now()}); err != nil {
		t.Fatalf("put: %v", err)
	}

	msg := encodeCIDRecord(t, id, 1, "hello")
	reply, err := roundTrip(t, first, msg)
	if err != nil {
		t.Fatalf("first peer: %v", err)
	}
	if !bytes.Equal(reply, msg) {
		t.Fatalf("expected echo, got %x", reply)
	}

	// Same id from a new source port: NAT rebinding.
	second := dialPeer(t, server)
	msg = encodeCIDRecord(t, id, 2, "again")
	reply, err = roundTrip(t, second, msg)
	if err != nil {
		t.Fatalf("second peer: %v", err)
	}
	if !bytes.Equal(reply, msg) {
		t.Fatalf("expected echo after migration, got %x", reply)
	}

	s, ok := table.Get(id)
	if !ok {
		t.Fatalf("session missing")
	}
	if s.PeerAddr != second.LocalAddr().String() || s.Migrations != 1 || s.Records != 2 {
		t.Fatalf("unexpected session after migration: %+v", s)
	}
	testlog.Logf("gateway: %s migrated to %s", id, s.PeerAddr)
}

func TestEndpointDropsUnknownAndPlainRecords(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.CIDLength = 2
	table := session.NewTable(cfg)

	server, stop := startEndpoint(t, table, nil)
	defer stop()
	peer := dialPeer(t, server)

	unknown := encodeCIDRecord(t, cid.MustNew([]byte{0xFF, 0xFF}), 1, "x")
	if _, err := roundTrip(t, peer, unknown); err == nil {
		t.Fatalf("expected no reply for unknown connection id")
	}

	plain, err := record.Encode(record.Record{
		Header:   record.Header{Type: record.TypeHandshake, Version: record.VersionDTLS12},
		Fragment: []byte{1},
	}, record.DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := roundTrip(t, peer, plain); err == nil {
		t.Fatalf("expected no reply for plain record")
	}

	if _, err := roundTrip(t, peer, []byte{1, 2, 3}); err == nil {
		t.Fatalf("expected no reply for malformed datagram")
	}
}

func TestEndpointHandlerErrorsAreContained(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.CIDLength = 1
	table := session.NewTable(cfg)
	failing := cid.MustNew([]byte{0x01})
	working := cid.MustNew([]byte{0x02})
	for _, id := range []cid.ConnectionID{failing, working} {
		if err := table.Put(session.Session{CID: id, LastSeen: time.Now()}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	h := HandlerFunc(func(_ context.Context, s session.Session, r record.Record) ([]byte, error) {
		if s.CID.Equal(failing) {
			return nil, errors.New("boom")
		}
		return append([]byte("ack:"), r.Fragment...), nil
	})
	server, stop := startEndpoint(t, table, h)
	defer stop()
	peer := dialPeer(t, server)

	if _, err := roundTrip(t, peer, encodeCIDRecord(t, failing, 1, "a")); err == nil {
		t.Fatalf("expected no reply when handler fails")
	}
	reply, err := roundTrip(t, peer, encodeCIDRecord(t, working, 1, "b"))
	if err != nil {
		t.Fatalf("working session: %v", err)
	}
	if string(reply) != "ack:b" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	def := DefaultConfig()
	if cfg.ReadBuffer != def.ReadBuffer || cfg.SweepInterval != def.SweepInterval || cfg.Limits != def.Limits {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

type scriptedRead struct {
	data []byte
	addr net.Addr
	err  error
}

// scriptedConn replays reads in order, then blocks until closed.
type scriptedConn struct {
	mu        sync.Mutex
	reads     []scriptedRead
	writes    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptedConn(reads ...scriptedRead) *scriptedConn {
	return &scriptedConn{
		reads:  reads,
		writes: make(chan []byte, 8),
		closed: make(chan struct{}),
	}
}

func (c *scriptedConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	if len(c.reads) > 0 {
		r := c.reads[0]
		c.reads = c.reads[1:]
		c.mu.Unlock()
		if r.err != nil {
			return 0, nil, r.err
		}
		return copy(p, r.data), r.addr, nil
	}
	c.mu.Unlock()
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *scriptedConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.writes <- append([]byte(nil), p...)
	return len(p), nil
}

func (c *scriptedConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *scriptedConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5684}
}

func (c *scriptedConn) SetDeadline(time.Time) error      { return nil }
func (c *scriptedConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptedConn) SetWriteDeadline(time.Time) error { return nil }

func fastBackoffConfig(maxFailures int) Config {
	cfg := DefaultConfig()
	cfg.Backoff = BackoffConfig{
		InitialDelay: time.Millisecond,
		Multiplier:   1.0,
		MaxDelay:     time.Millisecond,
		MaxFailures:  maxFailures,
	}
	return cfg
}

func TestEndpointKeepsServingAfterTransientReadErrors(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.CIDLength = 2
	table := session.NewTable(cfg)
	id := cid.MustNew([]byte{0x0A, 0x0B})
	if err := table.Put(session.Session{CID: id, LastSeen: time.Now()}); err != nil {
		t.Fatalf("put: %v", err)
	}

	peer := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 7), Port: 40000}
	transient := errors.New("recvfrom: connection refused")
	datagram := encodeCIDRecord(t, id, 9, "after-errors")
	conn := newScriptedConn(
		scriptedRead{err: transient},
		scriptedRead{err: transient},
		scriptedRead{err: transient},
		scriptedRead{data: datagram, addr: peer},
	)

	ep := NewEndpoint(fastBackoffConfig(5), table, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ep.Serve(ctx, conn) }()

	select {
	case reply := <-conn.writes:
		if !bytes.Equal(reply, datagram) {
			t.Fatalf("unexpected echo %x", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply after transient read errors")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
	s, _ := table.Get(id)
	if s.PeerAddr != peer.String() || s.Records != 1 {
		t.Fatalf("unexpected session after recovery: %+v", s)
	}
}

func TestEndpointStopsAfterConsecutiveReadErrors(t *testing.T) {
	testlog.Start(t)
	table := session.NewTable(session.DefaultConfig())
	broken := errors.New("socket broken")
	conn := newScriptedConn(
		scriptedRead{err: broken},
		scriptedRead{err: broken},
		scriptedRead{err: broken},
	)

	ep := NewEndpoint(fastBackoffConfig(3), table, nil)
	done := make(chan error, 1)
	go func() { done <- ep.Serve(context.Background(), conn) }()

	select {
	case err := <-done:
		if !errors.Is(err, broken) {
			t.Fatalf("expected wrapped read error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve kept running after exhausting its failure budget")
	}
}

func TestEndpointDropsDatagramWithUnknownLeadingCID(t *testing.T) {
	testlog.Start(t)
	cfg := session.DefaultConfig()
	cfg.CIDLength = 2
	table := session.NewTable(cfg)
	known := cid.MustNew([]byte{0x01, 0x02})
	if err := table.Put(session.Session{CID: known, LastSeen: time.Now()}); err != nil {
		t.Fatalf("put: %v", err)
	}

	packed := append(encodeCIDRecord(t, cid.MustNew([]byte{0x09, 0x09}), 1, "a"), encodeCIDRecord(t, known, 2, "b")...)
	peer := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 8), Port: 40001}
	conn := newScriptedConn(
		scriptedRead{data: packed, addr: peer},
		scriptedRead{data: encodeCIDRecord(t, known, 3, "c"), addr: peer},
	)

	ep := NewEndpoint(fastBackoffConfig(3), table, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = ep.Serve(ctx, conn) }()

	select {
	case reply := <-conn.writes:
		r, _, err := record.Decode(reply, 2, record.DefaultLimits())
		if err != nil || r.Header.Sequence != 3 {
			t.Fatalf("expected only the seq=3 echo, got %x err=%v", reply, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reply for known connection id")
	}
	s, _ := table.Get(known)
	if s.Records != 1 {
		t.Fatalf("packed datagram behind an unknown id should be dropped, records=%d", s.Records)
	}
}
