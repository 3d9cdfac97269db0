package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const templateHeader = "# bridgectl endpoint config. Durations use Go syntax (250ms, 5s).\n\n"

// Template renders a starter config for kind (near or far). The near
// template dials; the far template listens.
func Template(kind string) (string, error) {
	def := DefaultBridgeConfig()
	out := fileConfig{
		SessionID:         def.SessionID,
		Transport:         def.Transport,
		CorsOrigins:       []string{"http://localhost:3000"},
		InboundQueue:      def.InboundQueue,
		HeartbeatInterval: def.HeartbeatInterval.String(),
		ConnectTimeout:    def.Session.ConnectTimeout.String(),
		HandshakeTimeout:  def.Session.HandshakeTimeout.String(),
		WriteTimeout:      def.Session.WriteTimeout.String(),
		SurfaceTimeout:    def.Session.SurfaceTimeout.String(),
		BackoffInitial:    def.Session.Backoff.InitialDelay.String(),
		BackoffMax:        def.Session.Backoff.MaxDelay.String(),
		BackoffMultiplier: def.Session.Backoff.Multiplier,
		BackoffJitter:     def.Session.Backoff.Jitter,
	}
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "near":
		out.Role = "near"
		out.PeerIdentity = "near.local"
		out.DialAddr = "127.0.0.1:7030"
		out.AdminAddr = "127.0.0.1:7020"
	case "far":
		out.Role = "far"
		out.PeerIdentity = "far.local"
		out.ListenAddr = "127.0.0.1:7030"
		out.AdminAddr = "127.0.0.1:7021"
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	body, err := toml.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return templateHeader + string(body), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}
