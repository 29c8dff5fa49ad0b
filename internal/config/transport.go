package config

import (
	"fmt"
	"time"

	"github.com/danmuck/uastack/internal/protocol/transport"
)

// Resolve converts the file form into a validated transport.Config with
// defaults filled in.
func (t TransportConfig) Resolve() (transport.Config, error) {
	cfg := transport.Config{
		ReceiveBufferSize: t.ReceiveBufferSize,
		SendBufferSize:    t.SendBufferSize,
		MaxMessageSize:    t.MaxMessageSize,
		MaxChunkCount:     t.MaxChunkCount,
		TokenGrace:        t.TokenGrace,
		RenewFraction:     t.RenewFraction,
		WriteQueue:        t.WriteQueue,
		ListenerWorkers:   t.ListenerWorkers,
	}
	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"requested_lifetime", t.RequestedLifetime, &cfg.RequestedLifetime},
		{"handshake_timeout", t.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"request_timeout", t.RequestTimeout, &cfg.RequestTimeout},
		{"write_timeout", t.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.field, d.raw)
		if err != nil {
			return transport.Config{}, err
		}
		*d.dst = v
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return transport.Config{}, fmt.Errorf("%w: transport: %w", ErrInvalid, err)
	}
	return cfg, nil
}
