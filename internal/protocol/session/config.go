package session

import (
	"fmt"
	"time"

	"github.com/danmuck/cidgate/internal/protocol/cid"
)

// Config defines session table limits.
type Config struct {
	CIDLength        int
	IdleTimeout      time.Duration
	MaxSessions      int
	AllocateAttempts int
}

// DefaultConfig returns table defaults. Six byte ids match the common
// deployment choice for DTLS 1.2 CID.
func DefaultConfig() Config {
	return Config{
		CIDLength:        6,
		IdleTimeout:      5 * time.Minute,
		MaxSessions:      100000,
		AllocateAttempts: 8,
	}
}

// WithDefaults fills unset fields. CIDLength is kept as given: zero is valid.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = def.MaxSessions
	}
	if c.AllocateAttempts <= 0 {
		c.AllocateAttempts = def.AllocateAttempts
	}
	return c
}

func (c Config) Validate() error {
	if c.CIDLength < 0 || c.CIDLength > cid.MaxLen {
		return fmt.Errorf("session: cid_length must be between 0 and %d, got %d", cid.MaxLen, c.CIDLength)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("session: idle_timeout must not be negative")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("session: max_sessions must not be negative")
	}
	return nil
}
