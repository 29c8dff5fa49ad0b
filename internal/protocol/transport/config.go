package transport

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danmuck/uastack/internal/protocol/channel"
	"github.com/danmuck/uastack/internal/protocol/chunk"
	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/schema"
	"github.com/danmuck/uastack/internal/protocol/ua"
)

// MinBufferSize is the smallest chunk buffer a peer may announce.
const MinBufferSize = 8192

var (
	ErrInvalidConfig       = errors.New("transport: invalid config")
	ErrUnsupportedSecurity = errors.New("transport: unsupported security policy")
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config holds connection limits, token lifetimes and timeouts shared by
// client and server.
type Config struct {
	ProtocolVersion    uint32
	ReceiveBufferSize  uint32
	SendBufferSize     uint32
	MaxMessageSize     uint32
	MaxChunkCount      uint32
	MaxCertificateSize int

	SecurityPolicyURI string
	SecurityMode      ua.MessageSecurityMode
	RequestedLifetime time.Duration
	TokenGrace        float64
	// RenewFraction of the revised lifetime elapses before a client renews.
	RenewFraction float64

	DialTimeout      time.Duration
	DialAttempts     int
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration
	Backoff          BackoffConfig

	WriteQueue      int
	ListenerWorkers int

	// Registry resolves message bodies. Nil means schema.NewRegistry().
	Registry *codec.Registry
	// Clock stamps token creation. Nil means time.Now.
	Clock channel.Clock
}

// DefaultConfig returns the stack defaults.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion:    0,
		ReceiveBufferSize:  65535,
		SendBufferSize:     65535,
		MaxMessageSize:     16 * 1024 * 1024,
		MaxChunkCount:      0,
		MaxCertificateSize: chunk.DefaultMaxCertificateSize,
		SecurityPolicyURI:  ua.SecurityPolicyNone,
		SecurityMode:       ua.MessageSecurityModeNone,
		RequestedLifetime:  10 * time.Minute,
		TokenGrace:         0.25,
		RenewFraction:      0.75,
		DialTimeout:        5 * time.Second,
		DialAttempts:       3,
		HandshakeTimeout:   5 * time.Second,
		RequestTimeout:     15 * time.Second,
		WriteTimeout:       15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		WriteQueue:      64,
		ListenerWorkers: 4,
	}
}

// WithDefaults fills every zero field from DefaultConfig. ProtocolVersion and
// MaxChunkCount keep their zero values, which are meaningful.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = d.ReceiveBufferSize
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.MaxCertificateSize == 0 {
		c.MaxCertificateSize = d.MaxCertificateSize
	}
	if c.SecurityPolicyURI == "" {
		c.SecurityPolicyURI = d.SecurityPolicyURI
	}
	if c.SecurityMode == ua.MessageSecurityModeInvalid {
		c.SecurityMode = d.SecurityMode
	}
	if c.RequestedLifetime == 0 {
		c.RequestedLifetime = d.RequestedLifetime
	}
	if c.TokenGrace == 0 {
		c.TokenGrace = d.TokenGrace
	}
	if c.RenewFraction == 0 {
		c.RenewFraction = d.RenewFraction
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = d.DialAttempts
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = d.Backoff
	}
	if c.WriteQueue == 0 {
		c.WriteQueue = d.WriteQueue
	}
	if c.ListenerWorkers == 0 {
		c.ListenerWorkers = d.ListenerWorkers
	}
	if c.Registry == nil {
		c.Registry = schema.NewRegistry()
	}
	return c
}

func (c Config) Validate() error {
	if c.ReceiveBufferSize < MinBufferSize || c.SendBufferSize < MinBufferSize {
		return fmt.Errorf("%w: buffer sizes must be at least %d", ErrInvalidConfig, MinBufferSize)
	}
	if c.RenewFraction <= 0 || c.RenewFraction >= 1 {
		return fmt.Errorf("%w: renew fraction %.2f outside (0,1)", ErrInvalidConfig, c.RenewFraction)
	}
	if c.TokenGrace < 0 {
		return fmt.Errorf("%w: negative token grace", ErrInvalidConfig)
	}
	if c.RequestedLifetime < time.Second {
		return fmt.Errorf("%w: requested lifetime %s below 1s", ErrInvalidConfig, c.RequestedLifetime)
	}
	if c.SecurityPolicyURI != ua.SecurityPolicyNone || c.SecurityMode != ua.MessageSecurityModeNone {
		return fmt.Errorf("%w: %s/%s", ErrUnsupportedSecurity, c.SecurityPolicyURI, c.SecurityMode)
	}
	return nil
}

func (c Config) codecContext() *codec.Context {
	l := codec.DefaultLimits()
	l.MaxMessageSize = int(c.MaxMessageSize)
	return codec.NewContext(c.Registry).WithLimits(l)
}

func (c Config) channelOptions() channel.Options {
	return channel.Options{Clock: c.Clock, Grace: c.TokenGrace}
}

func (c Config) lifetimeMillis(d time.Duration) uint32 {
	ms := d / time.Millisecond
	if ms > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ms)
}

func (c Config) assemblerLimits() chunk.Limits {
	return chunk.Limits{
		MaxMessageSize:     int(c.MaxMessageSize),
		MaxChunkCount:      int(c.MaxChunkCount),
		MaxCertificateSize: c.MaxCertificateSize,
	}
}

func (c Config) renewDelay(lifetime time.Duration) time.Duration {
	return time.Duration(float64(lifetime) * c.RenewFraction)
}
