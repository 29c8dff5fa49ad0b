package chunk

import (
	"fmt"
	"sync"

	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/rs/zerolog/log"
)

// Limits bounds reassembly. Zero means unbounded.
type Limits struct {
	MaxMessageSize     int
	MaxChunkCount      int
	MaxCertificateSize int
}

// Message is a reassembled request or response body.
type Message struct {
	Type           MessageType
	ChannelID      uint32
	TokenID        uint32
	RequestID      uint32
	SequenceNumber uint32
	// Asymmetric is set for OPN messages, taken from the first chunk.
	Asymmetric *AsymmetricHeader
	Body       []byte
}

// AbortError reports a message the peer abandoned mid-stream. Cause is set
// when the reason string in the abort body could not be decoded.
type AbortError struct {
	ChannelID uint32
	RequestID uint32
	Reason    string
	Cause     error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("chunk: request %d on channel %d aborted: %s", e.RequestID, e.ChannelID, e.Reason)
}

func (e *AbortError) Unwrap() error { return e.Cause }

type partialKey struct {
	channelID uint32
	requestID uint32
}

type partial struct {
	t      MessageType
	token  uint32
	asym   *AsymmetricHeader
	chunks int
	body   []byte
}

type channelSeq struct {
	last uint32
}

// Assembler accumulates chunks per (channel id, request id) until a final or
// abort chunk arrives. Sequence numbers must be contiguous per channel.
type Assembler struct {
	mu      sync.Mutex
	limits  Limits
	seq     map[uint32]*channelSeq
	pending map[partialKey]*partial
}

func NewAssembler(limits Limits) *Assembler {
	return &Assembler{
		limits:  limits,
		seq:     make(map[uint32]*channelSeq),
		pending: make(map[partialKey]*partial),
	}
}

// Add feeds one secure chunk. It returns the message and true once a final
// chunk completes it. An abort returns *AbortError. A sequence violation is a
// protocol error after which the channel's state is dropped.
func (a *Assembler) Add(c Chunk) (Message, bool, error) {
	t := c.MessageType()
	if !t.Secure() {
		return Message{}, false, ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "%s chunk cannot be reassembled", t)
	}

	var (
		seq, req, token uint32
		asym            *AsymmetricHeader
		body            []byte
	)
	if t == TypeOpen {
		h, b, err := c.ParseAsymmetricHeader(a.limits.MaxCertificateSize)
		if err != nil {
			return Message{}, false, err
		}
		seq, req, asym, body = h.SequenceNumber, h.RequestID, &h, b
	} else {
		seq, req, token, body = c.SequenceNumber(), c.RequestID(), c.TokenID(), c.Body()
	}
	ch := c.ChannelID()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkSequence(ch, seq); err != nil {
		a.resetLocked(ch)
		return Message{}, false, err
	}

	key := partialKey{channelID: ch, requestID: req}
	p := a.pending[key]

	if c.Role() == RoleAbort {
		delete(a.pending, key)
		reason, err := AbortReason(body)
		if err != nil {
			log.Debug().Uint32("channel_id", ch).Uint32("request_id", req).Int("body_len", len(body)).Err(err).Msg("chunk.Assembler.Add abort reason")
			reason = "unreadable abort reason: " + err.Error()
		}
		return Message{}, false, &AbortError{ChannelID: ch, RequestID: req, Reason: reason, Cause: err}
	}

	if p == nil {
		p = &partial{t: t, token: token, asym: asym}
		a.pending[key] = p
	} else if p.t != t {
		delete(a.pending, key)
		return Message{}, false, ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "request %d mixes %s and %s chunks", req, p.t, t)
	}

	p.chunks++
	if max := a.limits.MaxChunkCount; max > 0 && p.chunks > max {
		delete(a.pending, key)
		return Message{}, false, ua.DecodeLimitError("request %d exceeds %d chunks", req, max)
	}
	if max := a.limits.MaxMessageSize; max > 0 && len(p.body)+len(body) > max {
		delete(a.pending, key)
		return Message{}, false, ua.DecodeLimitError("request %d exceeds %d bytes", req, max)
	}
	p.body = append(p.body, body...)
	if t != TypeOpen {
		p.token = token
	}

	if c.Role() != RoleFinal {
		return Message{}, false, nil
	}
	delete(a.pending, key)
	return Message{
		Type:           t,
		ChannelID:      ch,
		TokenID:        p.token,
		RequestID:      req,
		SequenceNumber: seq,
		Asymmetric:     p.asym,
		Body:           p.body,
	}, true, nil
}

func (a *Assembler) checkSequence(ch, seq uint32) error {
	s, ok := a.seq[ch]
	if !ok {
		a.seq[ch] = &channelSeq{last: seq}
		return nil
	}
	expected := s.last + 1
	if s.last >= SequenceWrapAt {
		expected = 1
	}
	if seq != expected {
		return ua.ProtocolError(ua.StatusBadSequenceNumberInvalid, "channel %d sequence %d follows %d", ch, seq, s.last)
	}
	s.last = seq
	return nil
}

// Reset drops every partial message and the sequence state of a channel.
func (a *Assembler) Reset(channelID uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked(channelID)
}

func (a *Assembler) resetLocked(channelID uint32) {
	delete(a.seq, channelID)
	for k := range a.pending {
		if k.channelID == channelID {
			delete(a.pending, k)
		}
	}
}

// Pending counts messages waiting for more chunks.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}
