package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/cidgate/internal/observability"
	"github.com/danmuck/cidgate/internal/protocol/record"
	"github.com/danmuck/cidgate/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Config defines the datagram endpoint settings.
type Config struct {
	ReadBuffer    int
	SweepInterval time.Duration
	Limits        record.Limits
	Backoff       BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ReadBuffer:    64 * 1024,
		SweepInterval: 30 * time.Second,
		Limits:        record.DefaultLimits(),
		Backoff: BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     time.Second,
			Jitter:       true,
			MaxFailures:  10,
		},
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = def.ReadBuffer
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.Limits.MaxFragment <= 0 {
		c.Limits = def.Limits
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Handler processes one record routed to a session. Returned bytes, if any,
// are sent to the session's current peer address. r aliases the read buffer
// and must not be retained.
type Handler interface {
	HandleRecord(ctx context.Context, s session.Session, r record.Record) ([]byte, error)
}

type HandlerFunc func(ctx context.Context, s session.Session, r record.Record) ([]byte, error)

func (f HandlerFunc) HandleRecord(ctx context.Context, s session.Session, r record.Record) ([]byte, error) {
	return f(ctx, s, r)
}

// EchoHandler sends every record back unchanged.
type EchoHandler struct {
	Limits record.Limits
}

func (h EchoHandler) HandleRecord(_ context.Context, _ session.Session, r record.Record) ([]byte, error) {
	limits := h.Limits
	if limits.MaxFragment <= 0 {
		limits = record.DefaultLimits()
	}
	return record.Encode(r, limits)
}

// Endpoint routes DTLS records to sessions by connection id, so a peer keeps
// its session when its address changes.
type Endpoint struct {
	cfg     Config
	table   *session.Table
	handler Handler

	mu    sync.Mutex
	local net.Addr
}

func NewEndpoint(cfg Config, table *session.Table, handler Handler) *Endpoint {
	if handler == nil {
		handler = EchoHandler{Limits: cfg.Limits}
	}
	return &Endpoint{
		cfg:     cfg.WithDefaults(),
		table:   table,
		handler: handler,
	}
}

// LocalAddr returns the address of the conn being served, if any.
func (e *Endpoint) LocalAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.local
}

// Serve reads datagrams from conn until ctx is cancelled or conn is closed.
// Read errors pause the loop with backoff; Serve gives up after
// Backoff.MaxFailures consecutive errors. Serve closes conn on return.
func (e *Endpoint) Serve(ctx context.Context, conn net.PacketConn) error {
	e.mu.Lock()
	e.local = conn.LocalAddr()
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go e.sweep(ctx)

	log.Info().Str("addr", conn.LocalAddr().String()).Int("cid_length", e.table.Config().CIDLength).Msg("gateway serving")

	backoff := newReadBackoff(e.cfg.Backoff, rand.New(rand.NewSource(time.Now().UnixNano())))
	buf := make([]byte, e.cfg.ReadBuffer)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			delay := backoff.fail()
			if backoff.exhausted() {
				return fmt.Errorf("gateway: %d consecutive read errors: %w", backoff.failures, err)
			}
			log.Warn().Err(err).Dur("backoff", delay).Int("failures", backoff.failures).Msg("gateway read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		backoff.reset()
		e.handleDatagram(ctx, conn, buf[:n], addr)
	}
}

func (e *Endpoint) handleDatagram(ctx context.Context, conn net.PacketConn, datagram []byte, addr net.Addr) {
	cidLen := e.table.Config().CIDLength
	// Records packed into one datagram share a connection id, so an unknown
	// leading id drops the datagram before any fragment is decoded.
	if id, ok := record.PeekCID(datagram, cidLen); ok && !e.table.Contains(id) {
		observability.RecordSessionLookup(false)
		observability.RecordGatewayDrop(observability.DropUnknownCID)
		log.Debug().Str("cid", id.String()).Str("peer", addr.String()).Msg("unknown connection id")
		return
	}
	records, err := record.DecodeAll(datagram, cidLen, e.cfg.Limits)
	if err != nil {
		observability.RecordGatewayDrop(observability.DropMalformed)
		log.Debug().Err(err).Str("peer", addr.String()).Int("decoded", len(records)).Msg("malformed datagram")
	}
	now := time.Now()
	for _, r := range records {
		if r.Header.Type != record.TypeTLS12CID {
			observability.RecordGatewayDrop(observability.DropPlain)
			continue
		}
		s, migrated, err := e.table.Observe(r.Header.CID, addr.String(), now)
		if err != nil {
			observability.RecordGatewayDrop(observability.DropUnknownCID)
			log.Debug().Str("cid", r.Header.CID.String()).Str("peer", addr.String()).Msg("unknown connection id")
			continue
		}
		if migrated {
			log.Info().Str("cid", s.CID.String()).Str("peer", s.PeerAddr).Uint64("migrations", s.Migrations).Msg("peer address changed")
		}
		observability.RecordGatewayRecord(r.Header.Type.String())

		reply, err := e.handler.HandleRecord(ctx, s, r)
		if err != nil {
			observability.RecordGatewayDrop(observability.DropHandler)
			log.Warn().Err(err).Str("cid", s.CID.String()).Msg("record handler failed")
			continue
		}
		if len(reply) == 0 {
			continue
		}
		if _, err := conn.WriteTo(reply, addr); err != nil {
			log.Warn().Err(err).Str("cid", s.CID.String()).Str("peer", addr.String()).Msg("reply write failed")
		}
	}
}

func (e *Endpoint) sweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, s := range e.table.Expire(now) {
				log.Debug().Str("cid", s.CID.String()).Str("peer", s.PeerAddr).Uint64("records", s.Records).Msg("session expired")
			}
		}
	}
}
