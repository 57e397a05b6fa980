package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/cidgate/internal/observability"
	"github.com/danmuck/cidgate/internal/protocol/cid"
)

var (
	ErrEmptyCID          = errors.New("session: empty connection id cannot be a table key")
	ErrDuplicateCID      = errors.New("session: connection id already in use")
	ErrTableFull         = errors.New("session: table full")
	ErrCIDLength         = errors.New("session: connection id length does not match table")
	ErrNotFound          = errors.New("session: connection id not found")
	ErrAllocateExhausted = errors.New("session: no unique connection id after retries")
)

// Session is the table's view of one peer.
type Session struct {
	CID        cid.ConnectionID `json:"cid"`
	PeerAddr   string           `json:"peer_addr"`
	CreatedAt  time.Time        `json:"created_at"`
	LastSeen   time.Time        `json:"last_seen"`
	Records    uint64           `json:"records"`
	Migrations uint64           `json:"migrations"`
}

// Table maps connection ids to sessions. Lookups hash the id and resolve
// collisions with Equal, so any two ids with the same bytes find the same
// session.
type Table struct {
	cfg Config

	mu      sync.RWMutex
	buckets map[uint32][]*Session
	count   int
}

func NewTable(cfg Config) *Table {
	return &Table{
		cfg:     cfg.WithDefaults(),
		buckets: make(map[uint32][]*Session),
	}
}

func (t *Table) Config() Config {
	return t.cfg
}

// Put stores s. The table keeps s.CID as given; ids decoded from a reused
// read buffer must be cloned first.
func (t *Table) Put(s Session) error {
	if err := t.checkKey(s.CID); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.findLocked(s.CID) != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateCID, s.CID)
	}
	if t.count >= t.cfg.MaxSessions {
		return ErrTableFull
	}
	t.insertLocked(s)
	return nil
}

func (t *Table) Get(id cid.ConnectionID) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.findLocked(id)
	observability.RecordSessionLookup(s != nil)
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

// Contains reports whether id is registered. It does not count as a lookup.
func (t *Table) Contains(id cid.ConnectionID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.findLocked(id) != nil
}

// Observe records one received record for id from peerAddr. The returned bool
// reports whether the peer address changed.
func (t *Table) Observe(id cid.ConnectionID, peerAddr string, at time.Time) (Session, bool, error) {
	peerAddr = strings.TrimSpace(peerAddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.findLocked(id)
	observability.RecordSessionLookup(s != nil)
	if s == nil {
		return Session{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	migrated := peerAddr != "" && s.PeerAddr != peerAddr
	if migrated {
		s.PeerAddr = peerAddr
		s.Migrations++
		observability.RecordMigration()
	}
	s.Records++
	s.LastSeen = at
	return *s, migrated, nil
}

func (t *Table) Remove(id cid.ConnectionID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(id)
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// List returns a snapshot ordered by hex connection id.
func (t *Table) List() []Session {
	t.mu.RLock()
	out := make([]Session, 0, t.count)
	for _, bucket := range t.buckets {
		for _, s := range bucket {
			out = append(out, *s)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CID.Hex() < out[j].CID.Hex()
	})
	return out
}

// Expire drops sessions whose last activity is older than the idle timeout.
func (t *Table) Expire(now time.Time) []Session {
	cutoff := now.Add(-t.cfg.IdleTimeout)
	t.mu.Lock()
	defer t.mu.Unlock()
	var expired []Session
	for _, bucket := range t.buckets {
		for _, s := range bucket {
			if s.LastSeen.Before(cutoff) {
				expired = append(expired, *s)
			}
		}
	}
	for _, s := range expired {
		t.removeLocked(s.CID)
	}
	if len(expired) > 0 {
		observability.RecordExpired(len(expired))
	}
	return expired
}

// Allocate creates a session for peerAddr under a fresh id from gen.
func (t *Table) Allocate(gen cid.Generator, peerAddr string, at time.Time) (Session, error) {
	if gen.Len() != t.cfg.CIDLength {
		return Session{}, fmt.Errorf("%w: generator=%d table=%d", ErrCIDLength, gen.Len(), t.cfg.CIDLength)
	}
	for attempt := 0; attempt < t.cfg.AllocateAttempts; attempt++ {
		id, err := gen.Generate()
		if err != nil {
			return Session{}, err
		}
		s := Session{
			CID:       id,
			PeerAddr:  strings.TrimSpace(peerAddr),
			CreatedAt: at,
			LastSeen:  at,
		}
		err = t.Put(s)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrDuplicateCID) {
			return Session{}, err
		}
	}
	return Session{}, ErrAllocateExhausted
}

func (t *Table) checkKey(id cid.ConnectionID) error {
	if id.IsEmpty() {
		return ErrEmptyCID
	}
	if id.Len() != t.cfg.CIDLength {
		return fmt.Errorf("%w: got %d want %d", ErrCIDLength, id.Len(), t.cfg.CIDLength)
	}
	return nil
}

func (t *Table) findLocked(id cid.ConnectionID) *Session {
	for _, s := range t.buckets[id.Hash()] {
		if s.CID.Equal(id) {
			return s
		}
	}
	return nil
}

func (t *Table) insertLocked(s Session) {
	h := s.CID.Hash()
	t.buckets[h] = append(t.buckets[h], &s)
	t.count++
	observability.SetActiveSessions(t.count)
}

func (t *Table) removeLocked(id cid.ConnectionID) bool {
	h := id.Hash()
	bucket := t.buckets[h]
	for i, s := range bucket {
		if !s.CID.Equal(id) {
			continue
		}
		bucket = append(bucket[:i], bucket[i+1:]...)
		if len(bucket) == 0 {
			delete(t.buckets, h)
		} else {
			t.buckets[h] = bucket
		}
		t.count--
		observability.SetActiveSessions(t.count)
		return true
	}
	return false
}
