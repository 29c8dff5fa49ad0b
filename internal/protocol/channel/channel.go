package channel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/uastack/internal/protocol/async"
	"github.com/danmuck/uastack/internal/protocol/fsm"
	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/rs/zerolog/log"
)

// State is the secure channel lifecycle position.
type State int32

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var transitions = fsm.Table[State]{
	StateClosed:  {StateOpening, StateError},
	StateOpening: {StateOpen, StateError},
	StateOpen:    {StateClosing, StateError},
	StateClosing: {StateClosed, StateError},
}

// Options tunes a channel. Zero values use defaults.
type Options struct {
	Clock Clock
	Grace float64
}

// SecureChannel tracks one channel's state, tokens and failure cause.
type SecureChannel struct {
	id     uint32
	opts   Options
	state  *fsm.Machine[State]
	tokens *TokenSet

	mu     sync.Mutex
	err    error
	connID string

	nextToken atomic.Uint32
}

func NewSecureChannel(id uint32, opts Options) *SecureChannel {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	return &SecureChannel{
		id:     id,
		opts:   opts,
		state:  fsm.New(StateClosed, transitions, State.String),
		tokens: NewTokenSet(opts.Clock),
	}
}

func (c *SecureChannel) ID() uint32     { return c.id }
func (c *SecureChannel) State() State   { return c.state.State() }
func (c *SecureChannel) Now() time.Time { return c.opts.Clock.now() }

// Err is the stored failure cause, set once on entry to StateError.
func (c *SecureChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Bind records the connection currently carrying the channel.
func (c *SecureChannel) Bind(connID string) {
	c.mu.Lock()
	c.connID = connID
	c.mu.Unlock()
}

func (c *SecureChannel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *SecureChannel) failed() error {
	if c.state.Is(StateError) {
		return c.Err()
	}
	return nil
}

func (c *SecureChannel) transition(from, to State) error {
	if err := c.failed(); err != nil {
		return err
	}
	if !c.state.CompareAndSwap(from, to) {
		if err := c.failed(); err != nil {
			return err
		}
		return fmt.Errorf("channel %d: %w: %s -> %s (in %s)", c.id, fsm.ErrIllegalTransition, from, to, c.state.State())
	}
	return nil
}

// BeginOpen moves Closed -> Opening.
func (c *SecureChannel) BeginOpen() error {
	return c.transition(StateClosed, StateOpening)
}

// CompleteOpen installs the first token and moves Opening -> Open.
func (c *SecureChannel) CompleteOpen(tok Token) error {
	if err := c.failed(); err != nil {
		return err
	}
	if !c.state.Is(StateOpening) {
		return fmt.Errorf("channel %d: %w: complete open in %s", c.id, fsm.ErrIllegalTransition, c.state.State())
	}
	if err := c.tokens.SetActive(tok); err != nil {
		return fmt.Errorf("channel %d: %w", c.id, err)
	}
	return c.transition(StateOpening, StateOpen)
}

// Renew makes tok the active token. Older tokens stay usable until they
// expire.
func (c *SecureChannel) Renew(tok Token) error {
	if err := c.failed(); err != nil {
		return err
	}
	if !c.state.Is(StateOpen) {
		return fmt.Errorf("channel %d: %w: renew in %s", c.id, fsm.ErrIllegalTransition, c.state.State())
	}
	if err := c.tokens.SetActive(tok); err != nil {
		return fmt.Errorf("channel %d: %w", c.id, err)
	}
	log.Debug().Uint32("channel_id", c.id).Uint32("token_id", tok.ID()).Msg("channel.SecureChannel.Renew")
	return nil
}

// Fail moves the channel to StateError with cause. Only the first call
// records a cause; it reports whether this call did.
func (c *SecureChannel) Fail(cause error) bool {
	if cause == nil {
		cause = ua.NewStatusError(ua.ErrCommunication, ua.StatusBadUnexpectedError, "channel failed without cause")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	if _, err := c.state.Advance(StateError); err != nil {
		return false
	}
	c.err = cause
	log.Warn().Uint32("channel_id", c.id).Err(cause).Msg("channel.SecureChannel.Fail")
	return true
}

// Close drives Open -> Closing -> Closed and drops every token. It is a no-op
// in any other non-error state.
func (c *SecureChannel) Close() error {
	if err := c.failed(); err != nil {
		return err
	}
	if !c.state.CompareAndSwap(StateOpen, StateClosing) {
		return c.failed()
	}
	c.tokens.Clear()
	if !c.state.CompareAndSwap(StateClosing, StateClosed) {
		return c.failed()
	}
	return nil
}

// CloseAsync closes the channel and returns an already-settled future.
func (c *SecureChannel) CloseAsync() *async.Future[struct{}] {
	if err := c.Close(); err != nil {
		return async.Failed[struct{}](err)
	}
	return async.Resolved(struct{}{})
}

// IssueToken mints the channel's next token. Token ids start at 1.
func (c *SecureChannel) IssueToken(lifetime time.Duration, policy string, mode ua.MessageSecurityMode) *SecurityToken {
	id := c.nextToken.Add(1)
	return NewSecurityToken(c.id, id, c.Now(), lifetime, c.opts.Grace, policy, mode)
}

func (c *SecureChannel) Tokens() *TokenSet { return c.tokens }

func (c *SecureChannel) ActiveToken() (Token, bool) { return c.tokens.Active() }

func (c *SecureChannel) Token(id uint32) (Token, bool) { return c.tokens.Get(id) }

func (c *SecureChannel) LatestNonExpiredToken() (Token, bool) { return c.tokens.LatestNonExpired() }

func (c *SecureChannel) SecurityMode() (ua.MessageSecurityMode, bool) { return c.tokens.Mode() }

func (c *SecureChannel) SecurityPolicy() (string, bool) { return c.tokens.Policy() }

// CheckTokens prunes expired tokens. An open channel left without a valid
// token fails with ua.ErrTokenInvalid.
func (c *SecureChannel) CheckTokens() error {
	if err := c.failed(); err != nil {
		return err
	}
	c.tokens.Prune()
	if !c.state.Is(StateOpen) {
		return nil
	}
	if _, ok := c.tokens.LatestNonExpired(); ok {
		return nil
	}
	err := ua.NewStatusError(ua.ErrTokenInvalid, ua.StatusBadSecureChannelTokenUnknown, "channel %d has no valid security token", c.id)
	c.Fail(err)
	return c.failed()
}

// ValidateIncoming checks that tokenID names a known, unexpired token on an
// open or closing channel.
func (c *SecureChannel) ValidateIncoming(tokenID uint32) error {
	if err := c.failed(); err != nil {
		return err
	}
	switch c.state.State() {
	case StateOpen, StateClosing:
	default:
		return ua.NewStatusError(ua.ErrChannelClosed, ua.StatusBadSecureChannelClosed, "channel %d is %s", c.id, c.state.State())
	}
	tok, ok := c.tokens.Get(tokenID)
	if !ok {
		return ua.NewStatusError(ua.ErrTokenInvalid, ua.StatusBadSecureChannelTokenUnknown, "channel %d token %d unknown", c.id, tokenID)
	}
	if !tok.Valid(c.Now()) {
		return ua.NewStatusError(ua.ErrTokenInvalid, ua.StatusBadSecureChannelTokenUnknown, "channel %d token %d expired", c.id, tokenID)
	}
	return nil
}

// Info is a point-in-time view for admin listings.
type Info struct {
	ChannelID    uint32    `json:"channel_id"`
	State        string    `json:"state"`
	ConnectionID string    `json:"connection_id,omitempty"`
	TokenIDs     []uint32  `json:"token_ids"`
	ActiveToken  uint32    `json:"active_token,omitempty"`
	Policy       string    `json:"security_policy,omitempty"`
	Mode         string    `json:"security_mode,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Error        string    `json:"error,omitempty"`
}

func (c *SecureChannel) Info() Info {
	out := Info{
		ChannelID:    c.id,
		State:        c.State().String(),
		ConnectionID: c.ConnectionID(),
		TokenIDs:     c.tokens.IDs(),
	}
	if tok, ok := c.tokens.Active(); ok {
		out.ActiveToken = tok.ID()
		out.Policy = tok.Policy()
		out.Mode = tok.Mode().String()
		if st, ok := tok.(*SecurityToken); ok {
			out.ExpiresAt = st.ExpiresAt()
		}
	}
	if err := c.Err(); err != nil {
		out.Error = err.Error()
	}
	return out
}
