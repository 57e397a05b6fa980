package gateway

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig defines the pause after consecutive read errors. MaxFailures
// consecutive errors end the read loop; zero retries forever.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
	MaxFailures  int
}

// readBackoff counts consecutive read failures. Not safe for concurrent use;
// the read loop owns it.
type readBackoff struct {
	cfg      BackoffConfig
	failures int
	rng      *rand.Rand
}

func newReadBackoff(cfg BackoffConfig, rng *rand.Rand) *readBackoff {
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	return &readBackoff{cfg: cfg, rng: rng}
}

// fail records a failure and returns how long to pause.
func (b *readBackoff) fail() time.Duration {
	b.failures++
	if b.cfg.InitialDelay <= 0 {
		return 0
	}
	delay := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(b.failures-1))
	if b.cfg.MaxDelay > 0 {
		delay = math.Min(delay, float64(b.cfg.MaxDelay))
	}
	if b.cfg.Jitter && b.rng != nil {
		delay *= 0.5 + b.rng.Float64()
	}
	return time.Duration(delay)
}

// exhausted reports whether the failure budget is spent.
func (b *readBackoff) exhausted() bool {
	return b.cfg.MaxFailures > 0 && b.failures >= b.cfg.MaxFailures
}

func (b *readBackoff) reset() {
	b.failures = 0
}
