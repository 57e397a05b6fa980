package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/cidgate/internal/auth"
	"github.com/danmuck/cidgate/internal/gateway"
	"github.com/danmuck/cidgate/internal/logging"
	"github.com/danmuck/cidgate/internal/protocol/cid"
	"github.com/danmuck/cidgate/internal/protocol/session"
)

const (
	GeneratorRandom = "random"
	GeneratorNode   = "node"
)

// Config is the resolved runtime configuration.
type Config struct {
	NodeID      string
	ListenAddr  string
	AdminAddr   string
	AdminToken  string
	CorsOrigins []string
	LogLevel    string
	Generator   string
	NodeByte    uint8
	Session     session.Config
	Gateway     gateway.Config
}

func Default() Config {
	return Config{
		NodeID:      "cidgate",
		ListenAddr:  ":5684",
		AdminAddr:   "127.0.0.1:9180",
		CorsOrigins: []string{"http://localhost:3000"},
		LogLevel:    "info",
		Generator:   GeneratorRandom,
		Session:     session.DefaultConfig(),
		Gateway:     gateway.DefaultConfig(),
	}
}

// File is the on-disk TOML layout.
type File struct {
	NodeID      string      `toml:"node_id"`
	ListenAddr  string      `toml:"listen_addr"`
	AdminAddr   string      `toml:"admin_addr"`
	AdminToken  string      `toml:"admin_token"`
	CorsOrigins []string    `toml:"cors_origins"`
	LogLevel    string      `toml:"log_level"`
	Generator   string      `toml:"generator"`
	NodeByte    uint8       `toml:"node_byte"`
	Session     SessionFile `toml:"session"`
	Gateway     GatewayFile `toml:"gateway"`
}

type SessionFile struct {
	CIDLength        int    `toml:"cid_length"`
	IdleTimeout      string `toml:"idle_timeout"`
	MaxSessions      int    `toml:"max_sessions"`
	AllocateAttempts int    `toml:"allocate_attempts"`
}

type GatewayFile struct {
	ReadBuffer    int    `toml:"read_buffer"`
	SweepInterval string `toml:"sweep_interval"`
	MaxFragment   int    `toml:"max_fragment"`
}

// DefaultFile mirrors Default in file form.
func DefaultFile() File {
	d := Default()
	return File{
		NodeID:      d.NodeID,
		ListenAddr:  d.ListenAddr,
		AdminAddr:   d.AdminAddr,
		CorsOrigins: d.CorsOrigins,
		LogLevel:    d.LogLevel,
		Generator:   d.Generator,
		NodeByte:    d.NodeByte,
		Session: SessionFile{
			CIDLength:        d.Session.CIDLength,
			IdleTimeout:      d.Session.IdleTimeout.String(),
			MaxSessions:      d.Session.MaxSessions,
			AllocateAttempts: d.Session.AllocateAttempts,
		},
		Gateway: GatewayFile{
			ReadBuffer:    d.Gateway.ReadBuffer,
			SweepInterval: d.Gateway.SweepInterval.String(),
			MaxFragment:   d.Gateway.Limits.MaxFragment,
		},
	}
}

// Load reads path and overlays the keys it defines onto Default.
func Load(path string) (Config, error) {
	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := overlay(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for in-memory TOML.
func Parse(data string) (Config, error) {
	var raw File
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config parse failed: %w", err)
	}
	cfg, err := overlay(Default(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overlay(cfg Config, raw File, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("node_id") {
		cfg.NodeID = strings.TrimSpace(raw.NodeID)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("generator") {
		cfg.Generator = strings.ToLower(strings.TrimSpace(raw.Generator))
	}
	if meta.IsDefined("node_byte") {
		cfg.NodeByte = raw.NodeByte
	}

	if meta.IsDefined("session", "cid_length") {
		cfg.Session.CIDLength = raw.Session.CIDLength
	}
	if meta.IsDefined("session", "idle_timeout") {
		d, err := parseDuration("session.idle_timeout", raw.Session.IdleTimeout)
		if err != nil {
			return Config{}, err
		}
		cfg.Session.IdleTimeout = d
	}
	if meta.IsDefined("session", "max_sessions") {
		cfg.Session.MaxSessions = raw.Session.MaxSessions
	}
	if meta.IsDefined("session", "allocate_attempts") {
		cfg.Session.AllocateAttempts = raw.Session.AllocateAttempts
	}

	if meta.IsDefined("gateway", "read_buffer") {
		cfg.Gateway.ReadBuffer = raw.Gateway.ReadBuffer
	}
	if meta.IsDefined("gateway", "sweep_interval") {
		d, err := parseDuration("gateway.sweep_interval", raw.Gateway.SweepInterval)
		if err != nil {
			return Config{}, err
		}
		cfg.Gateway.SweepInterval = d
	}
	if meta.IsDefined("gateway", "max_fragment") {
		cfg.Gateway.Limits.MaxFragment = raw.Gateway.MaxFragment
	}
	return cfg, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return fmt.Errorf("config missing node_id")
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("config missing listen_addr")
	}
	if cfg.LogLevel != "" {
		if _, ok := logging.ParseLevel(cfg.LogLevel); !ok {
			return fmt.Errorf("unknown log_level %q", cfg.LogLevel)
		}
	}
	switch cfg.Generator {
	case GeneratorRandom:
	case GeneratorNode:
		if cfg.Session.CIDLength < 1 {
			return fmt.Errorf("generator %q needs session.cid_length >= 1", GeneratorNode)
		}
	default:
		return fmt.Errorf("unknown generator %q (expected %s or %s)", cfg.Generator, GeneratorRandom, GeneratorNode)
	}
	if err := cfg.Session.Validate(); err != nil {
		return err
	}
	if cfg.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive")
	}
	if cfg.Gateway.ReadBuffer < 0 || cfg.Gateway.Limits.MaxFragment < 0 {
		return fmt.Errorf("gateway sizes must not be negative")
	}
	return nil
}

// AdminValidator returns the token check for mutating admin routes, or nil
// when no token is configured.
func AdminValidator(cfg Config) auth.Validator {
	if cfg.AdminToken == "" {
		return nil
	}
	return auth.StaticToken{Token: cfg.AdminToken}
}

// NewGenerator builds the connection id generator selected by cfg.
func NewGenerator(cfg Config) (cid.Generator, error) {
	switch cfg.Generator {
	case GeneratorNode:
		return cid.NewNodeGenerator(cfg.NodeByte, cfg.Session.CIDLength)
	default:
		return cid.NewRandomGenerator(cfg.Session.CIDLength)
	}
}
