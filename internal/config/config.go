package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix scopes environment overrides, e.g. UACTL_LISTEN.
const EnvPrefix = "UACTL_"

var ErrInvalid = errors.New("config: invalid")

// ServerConfig is the on-disk shape of a uactl deployment.
type ServerConfig struct {
	ID          string   `toml:"id" env:"ID"`
	Listen      string   `toml:"listen" env:"LISTEN"`
	Endpoint    string   `toml:"endpoint" env:"ENDPOINT"`
	AdminAddr   string   `toml:"admin_addr" env:"ADMIN_ADDR"`
	AdminToken  string   `toml:"admin_token" env:"ADMIN_TOKEN"`
	CorsOrigins []string `toml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`

	Transport TransportConfig `toml:"transport" envPrefix:"TRANSPORT_"`
}

// TransportConfig mirrors transport.Config. Durations are Go duration
// strings; an empty value keeps the transport default.
type TransportConfig struct {
	ReceiveBufferSize uint32 `toml:"receive_buffer_size" env:"RECEIVE_BUFFER_SIZE"`
	SendBufferSize    uint32 `toml:"send_buffer_size" env:"SEND_BUFFER_SIZE"`
	MaxMessageSize    uint32 `toml:"max_message_size" env:"MAX_MESSAGE_SIZE"`
	MaxChunkCount     uint32 `toml:"max_chunk_count" env:"MAX_CHUNK_COUNT"`

	RequestedLifetime string  `toml:"requested_lifetime" env:"REQUESTED_LIFETIME"`
	TokenGrace        float64 `toml:"token_grace" env:"TOKEN_GRACE"`
	RenewFraction     float64 `toml:"renew_fraction" env:"RENEW_FRACTION"`

	HandshakeTimeout string `toml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	RequestTimeout   string `toml:"request_timeout" env:"REQUEST_TIMEOUT"`
	WriteTimeout     string `toml:"write_timeout" env:"WRITE_TIMEOUT"`

	WriteQueue      int `toml:"write_queue" env:"WRITE_QUEUE"`
	ListenerWorkers int `toml:"listener_workers" env:"LISTENER_WORKERS"`
}

func Default() ServerConfig {
	return ServerConfig{
		ID:          "uactl",
		Listen:      ":4840",
		Endpoint:    "opc.tcp://localhost:4840",
		AdminAddr:   "127.0.0.1:9840",
		CorsOrigins: []string{"http://localhost:3000"},
	}
}

// LoadServerConfig reads path over the defaults, applies the environment and
// validates the result. An empty path skips the file.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := Default()
	if path != "" {
		if err := loadToml(path, &cfg); err != nil {
			return ServerConfig{}, err
		}
	}
	if err := ApplyEnv(&cfg, ""); err != nil {
		return ServerConfig{}, err
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// ApplyEnv loads envFile (".env" when empty) if it exists, then overlays
// UACTL_* variables onto cfg. Unset variables leave fields alone.
func ApplyEnv(cfg *ServerConfig, envFile string) error {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config env file failed (%s): %w", envFile, err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config env parse failed: %w", err)
	}
	return nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalid)
	}
	if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Listen)); err != nil {
		return fmt.Errorf("%w: listen %q: %v", ErrInvalid, cfg.Listen, err)
	}
	if !strings.HasPrefix(strings.TrimSpace(cfg.Endpoint), "opc.tcp://") {
		return fmt.Errorf("%w: endpoint %q must be an opc.tcp url", ErrInvalid, cfg.Endpoint)
	}
	if addr := strings.TrimSpace(cfg.AdminAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: admin_addr %q: %v", ErrInvalid, cfg.AdminAddr, err)
		}
	}
	if _, err := cfg.Transport.Resolve(); err != nil {
		return err
	}
	return nil
}

func parseDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", ErrInvalid, field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalid, field)
	}
	return d, nil
}
