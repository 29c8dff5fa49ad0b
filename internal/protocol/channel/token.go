package channel

import (
	"time"

	"github.com/danmuck/uastack/internal/protocol/ua"
)

// DefaultGrace extends a token's usable window past its revised lifetime so
// in-flight traffic survives renewal.
const DefaultGrace = 0.25

// Clock returns the current time. Tests inject fixed clocks.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// Token is the security boundary the channel machinery depends on.
type Token interface {
	ID() uint32
	Valid(now time.Time) bool
	CreatedAt() time.Time
	Policy() string
	Mode() ua.MessageSecurityMode
}

// SecurityToken is an issued channel token. It is never mutated after
// construction.
type SecurityToken struct {
	channelID uint32
	tokenID   uint32
	createdAt time.Time
	lifetime  time.Duration
	grace     float64
	policy    string
	mode      ua.MessageSecurityMode
}

// NewSecurityToken builds a token. grace <= 0 uses DefaultGrace.
func NewSecurityToken(channelID, tokenID uint32, createdAt time.Time, lifetime time.Duration, grace float64, policy string, mode ua.MessageSecurityMode) *SecurityToken {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &SecurityToken{
		channelID: channelID,
		tokenID:   tokenID,
		createdAt: createdAt,
		lifetime:  lifetime,
		grace:     grace,
		policy:    policy,
		mode:      mode,
	}
}

func (t *SecurityToken) ID() uint32                     { return t.tokenID }
func (t *SecurityToken) ChannelID() uint32              { return t.channelID }
func (t *SecurityToken) CreatedAt() time.Time           { return t.createdAt }
func (t *SecurityToken) RevisedLifetime() time.Duration { return t.lifetime }
func (t *SecurityToken) Policy() string                 { return t.policy }
func (t *SecurityToken) Mode() ua.MessageSecurityMode   { return t.mode }

// ExpiresAt is createdAt + lifetime*(1+grace).
func (t *SecurityToken) ExpiresAt() time.Time {
	return t.createdAt.Add(time.Duration(float64(t.lifetime) * (1 + t.grace)))
}

// RenewAt is the point at which a client should start renewing, 75% into the
// revised lifetime.
func (t *SecurityToken) RenewAt() time.Time {
	return t.createdAt.Add(t.lifetime * 3 / 4)
}

func (t *SecurityToken) Valid(now time.Time) bool { return !now.After(t.ExpiresAt()) }
