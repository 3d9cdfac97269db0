package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/bridgectl/internal/bridge"
	"github.com/danmuck/bridgectl/internal/protocol/session"
)

const (
	TransportMem = "mem"
	TransportTCP = "tcp"
	TransportWS  = "ws"
)

var (
	ErrInvalidRole      = errors.New("config: role must be near or far")
	ErrMissingSessionID = errors.New("config: session_id is required")
	ErrInvalidTransport = errors.New("config: transport must be mem, tcp, or ws")
	ErrMissingAddress   = errors.New("config: address is required")
	ErrInvalidQueue     = errors.New("config: inbound_queue must be positive")
)

// BridgeConfig is the resolved configuration for one bridgectl endpoint.
type BridgeConfig struct {
	Role               bridge.Side
	SessionID          string
	PeerIdentity       string
	Transport          string
	ListenAddr         string
	DialAddr           string
	AdminAddr          string
	AdminToken         string
	CorsOrigins        []string
	InboundQueue       int
	MaxConnectAttempts int
	HeartbeatInterval  time.Duration
	Session            session.Config
}

type fileConfig struct {
	Role               string   `toml:"role"`
	SessionID          string   `toml:"session_id"`
	PeerIdentity       string   `toml:"peer_identity"`
	Transport          string   `toml:"transport"`
	ListenAddr         string   `toml:"listen_addr"`
	DialAddr           string   `toml:"dial_addr"`
	AdminAddr          string   `toml:"admin_addr"`
	AdminToken         string   `toml:"admin_token"`
	CorsOrigins        []string `toml:"cors_origins"`
	InboundQueue       int      `toml:"inbound_queue"`
	MaxConnectAttempts int      `toml:"max_connect_attempts"`
	HeartbeatInterval  string   `toml:"heartbeat_interval"`
	ConnectTimeout     string   `toml:"connect_timeout"`
	HandshakeTimeout   string   `toml:"handshake_timeout"`
	WriteTimeout       string   `toml:"write_timeout"`
	SurfaceTimeout     string   `toml:"surface_timeout"`
	BackoffInitial     string   `toml:"backoff_initial"`
	BackoffMax         string   `toml:"backoff_max"`
	BackoffMultiplier  float64  `toml:"backoff_multiplier"`
	BackoffJitter      bool     `toml:"backoff_jitter"`
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Role:              bridge.SideNear,
		SessionID:         "bridge.local",
		Transport:         TransportTCP,
		AdminAddr:         "127.0.0.1:7020",
		InboundQueue:      64,
		HeartbeatInterval: 30 * time.Second,
		Session:           session.DefaultConfig(),
	}
}

// Initiator reports whether this endpoint dials its peer.
func (c BridgeConfig) Initiator() bool {
	return c.Transport == TransportMem || c.DialAddr != ""
}

// LoadBridgeConfig reads path and overlays every defined key onto
// DefaultBridgeConfig.
func LoadBridgeConfig(path string) (BridgeConfig, error) {
	cfg := DefaultBridgeConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("load bridge config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return BridgeConfig{}, fmt.Errorf("load bridge config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("role") {
		role, err := bridge.ParseSide(raw.Role)
		if err != nil {
			return BridgeConfig{}, fmt.Errorf("%w: %v", ErrInvalidRole, err)
		}
		cfg.Role = role
	}
	if meta.IsDefined("session_id") {
		cfg.SessionID = strings.TrimSpace(raw.SessionID)
	}
	if meta.IsDefined("peer_identity") {
		cfg.PeerIdentity = strings.TrimSpace(raw.PeerIdentity)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("dial_addr") {
		cfg.DialAddr = strings.TrimSpace(raw.DialAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeList(raw.CorsOrigins)
	}
	if meta.IsDefined("inbound_queue") {
		cfg.InboundQueue = raw.InboundQueue
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("backoff_multiplier") {
		cfg.Session.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("backoff_jitter") {
		cfg.Session.Backoff.Jitter = raw.BackoffJitter
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"surface_timeout", raw.SurfaceTimeout, &cfg.Session.SurfaceTimeout},
		{"backoff_initial", raw.BackoffInitial, &cfg.Session.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Session.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return BridgeConfig{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

func (c BridgeConfig) Validate() error {
	if !c.Role.Valid() {
		return ErrInvalidRole
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return ErrMissingSessionID
	}
	if c.InboundQueue <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueue, c.InboundQueue)
	}
	switch c.Transport {
	case TransportMem:
	case TransportTCP:
		if c.ListenAddr == "" && c.DialAddr == "" {
			return fmt.Errorf("%w: tcp needs listen_addr or dial_addr", ErrMissingAddress)
		}
	case TransportWS:
		if c.DialAddr == "" && c.AdminAddr == "" {
			return fmt.Errorf("%w: ws needs dial_addr or admin_addr", ErrMissingAddress)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTransport, c.Transport)
	}
	return nil
}

// BridgeSession maps the file config onto a bridge.Config.
func (c BridgeConfig) BridgeSession(surface bridge.Surface) bridge.Config {
	return bridge.Config{
		Role:         c.Role,
		SessionID:    c.SessionID,
		PeerIdentity: c.PeerIdentity,
		InboundQueue: c.InboundQueue,
		Session:      c.Session,
		Surface:      surface,
	}
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
