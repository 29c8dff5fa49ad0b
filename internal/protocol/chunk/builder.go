package chunk

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/ua"
)

// SequenceWrapAt is the last sequence number before the counter wraps to 1.
const SequenceWrapAt uint32 = 4294966271

// SequenceCounter hands out strictly increasing sequence numbers for one
// channel. Safe for concurrent use.
type SequenceCounter struct {
	last atomic.Uint32
}

// NewSequenceCounter returns a counter whose first Next is start.
func NewSequenceCounter(start uint32) *SequenceCounter {
	s := &SequenceCounter{}
	if start == 0 {
		start = 1
	}
	s.last.Store(start - 1)
	return s
}

func (s *SequenceCounter) Next() uint32 {
	for {
		cur := s.last.Load()
		next := cur + 1
		if cur >= SequenceWrapAt {
			next = 1
		}
		if s.last.CompareAndSwap(cur, next) {
			return next
		}
	}
}

func putHeader(b []byte, t MessageType, r Role) {
	binary.LittleEndian.PutUint32(b[0:4], Word(t, r))
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(b)))
}

// NewSymmetricChunk builds one MSG or CLS chunk.
func NewSymmetricChunk(t MessageType, r Role, channelID, tokenID, seq, requestID uint32, body []byte) Chunk {
	b := make([]byte, SymmetricHeaderLen+len(body))
	putHeader(b, t, r)
	binary.LittleEndian.PutUint32(b[offsetChannelID:], channelID)
	binary.LittleEndian.PutUint32(b[offsetTokenID:], tokenID)
	binary.LittleEndian.PutUint32(b[offsetSequenceNumber:], seq)
	binary.LittleEndian.PutUint32(b[offsetRequestID:], requestID)
	copy(b[SymmetricHeaderLen:], body)
	return Chunk(b)
}

// NewAsymmetricChunk builds one OPN chunk from h and body.
func NewAsymmetricChunk(r Role, h AsymmetricHeader, body []byte) (Chunk, error) {
	e := codec.NewBinaryEncoder(codec.NewContext(nil).WithLimits(codec.Limits{}))
	if err := e.PutString("SecurityPolicyUri", h.SecurityPolicyURI); err != nil {
		return nil, err
	}
	if err := e.PutByteString("SenderCertificate", h.SenderCertificate); err != nil {
		return nil, err
	}
	if err := e.PutByteString("ReceiverCertificateThumbprint", h.ReceiverThumbprint); err != nil {
		return nil, err
	}
	if err := e.PutUInt32("SequenceNumber", h.SequenceNumber); err != nil {
		return nil, err
	}
	if err := e.PutUInt32("RequestId", h.RequestID); err != nil {
		return nil, err
	}
	sec := e.Bytes()
	b := make([]byte, SecureHeaderLen+len(sec)+len(body))
	putHeader(b, TypeOpen, r)
	binary.LittleEndian.PutUint32(b[offsetChannelID:], h.ChannelID)
	copy(b[SecureHeaderLen:], sec)
	copy(b[SecureHeaderLen+len(sec):], body)
	return Chunk(b), nil
}

// AsymmetricHeaderLen is the encoded size of h's security and sequence
// headers.
func AsymmetricHeaderLen(h AsymmetricHeader) int {
	return SecureHeaderLen + 4 + len(h.SecurityPolicyURI) + 4 + len(h.SenderCertificate) + 4 + len(h.ReceiverThumbprint) + 8
}

// Splitter cuts a message payload into chunks no larger than ChunkSize. With
// a nil Sequence the chunks carry sequence number 0 and the writer stamps
// them with SetSequenceNumber just before they hit the wire.
type Splitter struct {
	ChunkSize     int
	MaxChunkCount int
	MaxMessage    int
	Sequence      *SequenceCounter
}

func (s *Splitter) plan(payload []byte, headerLen int) ([][]byte, error) {
	if s.MaxMessage > 0 && len(payload) > s.MaxMessage {
		return nil, ua.EncodeLimitError("message of %d bytes exceeds %d", len(payload), s.MaxMessage)
	}
	room := s.ChunkSize - headerLen
	if room <= 0 {
		return nil, ua.EncodingError("chunk size %d leaves no room after a %d byte header", s.ChunkSize, headerLen)
	}
	count := (len(payload) + room - 1) / room
	if count == 0 {
		count = 1
	}
	if s.MaxChunkCount > 0 && count > s.MaxChunkCount {
		return nil, ua.EncodeLimitError("message needs %d chunks, limit is %d", count, s.MaxChunkCount)
	}
	parts := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo := i * room
		hi := min(lo+room, len(payload))
		parts = append(parts, payload[lo:hi])
	}
	return parts, nil
}

func (s *Splitter) next() uint32 {
	if s.Sequence == nil {
		return 0
	}
	return s.Sequence.Next()
}

func roleFor(i, n int) Role {
	if i == n-1 {
		return RoleFinal
	}
	return RoleContinue
}

// Symmetric splits payload into MSG or CLS chunks Continue... Final.
func (s *Splitter) Symmetric(t MessageType, channelID, tokenID, requestID uint32, payload []byte) ([]Chunk, error) {
	if !t.Symmetric() {
		return nil, ua.EncodingError("%s is not a symmetric message type", t)
	}
	parts, err := s.plan(payload, SymmetricHeaderLen)
	if err != nil {
		return nil, err
	}
	out := make([]Chunk, len(parts))
	for i, p := range parts {
		out[i] = NewSymmetricChunk(t, roleFor(i, len(parts)), channelID, tokenID, s.next(), requestID, p)
	}
	return out, nil
}

// Asymmetric splits payload into OPN chunks. h.SequenceNumber is assigned per
// chunk.
func (s *Splitter) Asymmetric(h AsymmetricHeader, payload []byte) ([]Chunk, error) {
	parts, err := s.plan(payload, AsymmetricHeaderLen(h))
	if err != nil {
		return nil, err
	}
	out := make([]Chunk, len(parts))
	for i, p := range parts {
		h.SequenceNumber = s.next()
		c, err := NewAsymmetricChunk(roleFor(i, len(parts)), h, p)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// SetSequenceNumber overwrites the sequence number of a built MSG, CLS or OPN
// chunk in place.
func (c Chunk) SetSequenceNumber(seq uint32) error {
	switch t := c.MessageType(); {
	case t.Symmetric():
		binary.LittleEndian.PutUint32(c[offsetSequenceNumber:], seq)
		return nil
	case t == TypeOpen:
		at := SecureHeaderLen
		for i := 0; i < 3; i++ {
			if at+4 > len(c) {
				return ua.DecodingError("asymmetric header truncated at %d", at)
			}
			n := int32(binary.LittleEndian.Uint32(c[at:]))
			at += 4
			if n > 0 {
				at += int(n)
			}
		}
		if at+8 > len(c) {
			return ua.DecodingError("asymmetric header truncated at %d", at)
		}
		binary.LittleEndian.PutUint32(c[at:], seq)
		return nil
	default:
		return ua.EncodingError("%s chunks carry no sequence number", t)
	}
}

// AbortChunk tells the peer to discard request requestID. The body is one
// length-prefixed reason string.
func AbortChunk(t MessageType, channelID, tokenID, seq, requestID uint32, reason string) Chunk {
	body := make([]byte, 4+len(reason))
	binary.LittleEndian.PutUint32(body, uint32(len(reason)))
	copy(body[4:], reason)
	return NewSymmetricChunk(t, RoleAbort, channelID, tokenID, seq, requestID, body)
}

// AbortReason decodes the reason string of an abort body.
func AbortReason(body []byte) (string, error) {
	d, err := codec.NewBinaryDecoder(nil, body)
	if err != nil {
		return "", err
	}
	return d.GetString("Reason")
}
