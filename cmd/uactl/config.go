package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/uastack/internal/config"
)

type fileConfig struct {
	ID          string   `toml:"id"`
	Listen      string   `toml:"listen"`
	Endpoint    string   `toml:"endpoint"`
	AdminAddr   string   `toml:"admin_addr"`
	AdminToken  string   `toml:"admin_token"`
	CorsOrigins []string `toml:"cors_origins"`
	LogLevel    string   `toml:"log_level"`

	Transport config.TransportConfig `toml:"transport"`
}

type runConfig struct {
	Server   config.ServerConfig
	LogLevel string
}

// loadRunConfig overlays only the keys present in path onto the defaults,
// then applies UACTL_* environment overrides.
func loadRunConfig(path string) (runConfig, error) {
	out := runConfig{Server: config.Default(), LogLevel: "info"}
	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return runConfig{}, fmt.Errorf("load uactl config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return runConfig{}, fmt.Errorf("load uactl config: unknown key %q", undecoded[0].String())
		}
		applyFile(&out, raw, meta)
	}
	if err := config.ApplyEnv(&out.Server, ""); err != nil {
		return runConfig{}, err
	}
	if err := config.ValidateServerConfig(out.Server); err != nil {
		return runConfig{}, err
	}
	return out, nil
}

func applyFile(out *runConfig, raw fileConfig, meta toml.MetaData) {
	cfg := &out.Server
	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("admin_token") {
		cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = normalizeOrigins(raw.CorsOrigins)
	}
	if meta.IsDefined("log_level") {
		out.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	t := &cfg.Transport
	in := raw.Transport
	if meta.IsDefined("transport", "receive_buffer_size") {
		t.ReceiveBufferSize = in.ReceiveBufferSize
	}
	if meta.IsDefined("transport", "send_buffer_size") {
		t.SendBufferSize = in.SendBufferSize
	}
	if meta.IsDefined("transport", "max_message_size") {
		t.MaxMessageSize = in.MaxMessageSize
	}
	if meta.IsDefined("transport", "max_chunk_count") {
		t.MaxChunkCount = in.MaxChunkCount
	}
	if meta.IsDefined("transport", "requested_lifetime") {
		t.RequestedLifetime = in.RequestedLifetime
	}
	if meta.IsDefined("transport", "token_grace") {
		t.TokenGrace = in.TokenGrace
	}
	if meta.IsDefined("transport", "renew_fraction") {
		t.RenewFraction = in.RenewFraction
	}
	if meta.IsDefined("transport", "handshake_timeout") {
		t.HandshakeTimeout = in.HandshakeTimeout
	}
	if meta.IsDefined("transport", "request_timeout") {
		t.RequestTimeout = in.RequestTimeout
	}
	if meta.IsDefined("transport", "write_timeout") {
		t.WriteTimeout = in.WriteTimeout
	}
	if meta.IsDefined("transport", "write_queue") {
		t.WriteQueue = in.WriteQueue
	}
	if meta.IsDefined("transport", "listener_workers") {
		t.ListenerWorkers = in.ListenerWorkers
	}
}

func normalizeOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, origin := range in {
		v := strings.TrimSpace(origin)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
