package channel

import (
	"sync"
	"sync/atomic"

	"github.com/danmuck/uastack/internal/protocol/cowmap"
	"github.com/danmuck/uastack/internal/protocol/ua"
)

type activeRef struct{ tok Token }

// TokenSet holds every token still usable on a channel plus the active one.
// Reads are lock-free snapshot reads; writes serialize on mu.
type TokenSet struct {
	mu     sync.Mutex
	clock  Clock
	tokens *cowmap.Map[uint32, Token]
	active atomic.Pointer[activeRef]
}

func NewTokenSet(clock Clock) *TokenSet {
	return &TokenSet{clock: clock, tokens: cowmap.New[uint32, Token]()}
}

// SetActive installs tok as the active token and prunes every expired token.
// A tok already expired is rejected and the set is left unchanged. The active
// reference is published after the map, so a reader that sees it can always
// find it by id.
func (s *TokenSet) SetActive(tok Token) error {
	if tok == nil {
		panic("channel: SetActive called with nil token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.now()
	if !tok.Valid(now) {
		return ua.NewStatusError(ua.ErrTokenInvalid, ua.StatusBadSecureChannelTokenUnknown, "token %d expired before activation", tok.ID())
	}
	s.tokens.Update(func(tx *cowmap.Tx[uint32, Token]) {
		tx.Set(tok.ID(), tok)
		tx.DeleteFunc(func(id uint32, t Token) bool {
			return id != tok.ID() && !t.Valid(now)
		})
	})
	s.active.Store(&activeRef{tok: tok})
	return nil
}

// Prune drops expired tokens other than the active one and reports how many
// were removed.
func (s *TokenSet) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.now()
	var activeID uint32
	hasActive := false
	if a, ok := s.Active(); ok {
		activeID, hasActive = a.ID(), true
	}
	removed := 0
	s.tokens.Update(func(tx *cowmap.Tx[uint32, Token]) {
		removed = tx.DeleteFunc(func(id uint32, t Token) bool {
			return !(hasActive && id == activeID) && !t.Valid(now)
		})
	})
	return removed
}

// Clear drops every token and the active reference.
func (s *TokenSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active.Store(nil)
	s.tokens.Update(func(tx *cowmap.Tx[uint32, Token]) {
		tx.DeleteFunc(func(uint32, Token) bool { return true })
	})
}

func (s *TokenSet) Active() (Token, bool) {
	ref := s.active.Load()
	if ref == nil {
		return nil, false
	}
	return ref.tok, true
}

func (s *TokenSet) Get(id uint32) (Token, bool) { return s.tokens.Load(id) }

func (s *TokenSet) Len() int { return s.tokens.Len() }

// IDs lists token ids in insertion order.
func (s *TokenSet) IDs() []uint32 { return s.tokens.Keys() }

// LatestNonExpired returns the valid token with the greatest creation time.
// Ties keep the earliest inserted.
func (s *TokenSet) LatestNonExpired() (Token, bool) {
	now := s.clock.now()
	var best Token
	s.tokens.Range(func(_ uint32, t Token) bool {
		if !t.Valid(now) {
			return true
		}
		if best == nil || t.CreatedAt().After(best.CreatedAt()) {
			best = t
		}
		return true
	})
	return best, best != nil
}

func (s *TokenSet) Mode() (ua.MessageSecurityMode, bool) {
	t, ok := s.Active()
	if !ok {
		return ua.MessageSecurityModeInvalid, false
	}
	return t.Mode(), true
}

func (s *TokenSet) Policy() (string, bool) {
	t, ok := s.Active()
	if !ok {
		return "", false
	}
	return t.Policy(), true
}
