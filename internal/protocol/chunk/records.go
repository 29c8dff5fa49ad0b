package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/ua"
)

// MaxURLLength bounds Hello endpoint urls and Error reasons.
const MaxURLLength = 4096

// Hello opens a connection and proposes buffer limits.
type Hello struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
	EndpointURL       string
}

func (h *Hello) Encode(e codec.Encoder) error {
	for _, f := range []struct {
		name string
		v    uint32
	}{
		{"ProtocolVersion", h.ProtocolVersion},
		{"ReceiveBufferSize", h.ReceiveBufferSize},
		{"SendBufferSize", h.SendBufferSize},
		{"MaxMessageSize", h.MaxMessageSize},
		{"MaxChunkCount", h.MaxChunkCount},
	} {
		if err := e.PutUInt32(f.name, f.v); err != nil {
			return err
		}
	}
	return e.PutString("EndpointUrl", h.EndpointURL)
}

func (h *Hello) Decode(d codec.Decoder) error {
	for _, f := range []struct {
		name string
		dst  *uint32
	}{
		{"ProtocolVersion", &h.ProtocolVersion},
		{"ReceiveBufferSize", &h.ReceiveBufferSize},
		{"SendBufferSize", &h.SendBufferSize},
		{"MaxMessageSize", &h.MaxMessageSize},
		{"MaxChunkCount", &h.MaxChunkCount},
	} {
		v, err := d.GetUInt32(f.name)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	url, err := d.GetString("EndpointUrl")
	if err != nil {
		return err
	}
	h.EndpointURL = url
	return nil
}

// Acknowledge answers a Hello with the limits the server will use.
type Acknowledge struct {
	ProtocolVersion   uint32
	ReceiveBufferSize uint32
	SendBufferSize    uint32
	MaxMessageSize    uint32
	MaxChunkCount     uint32
}

func (a *Acknowledge) Encode(e codec.Encoder) error {
	for _, v := range []uint32{a.ProtocolVersion, a.ReceiveBufferSize, a.SendBufferSize, a.MaxMessageSize, a.MaxChunkCount} {
		if err := e.PutUInt32("", v); err != nil {
			return err
		}
	}
	return nil
}

func (a *Acknowledge) Decode(d codec.Decoder) error {
	for _, dst := range []*uint32{&a.ProtocolVersion, &a.ReceiveBufferSize, &a.SendBufferSize, &a.MaxMessageSize, &a.MaxChunkCount} {
		v, err := d.GetUInt32("")
		if err != nil {
			return err
		}
		*dst = v
	}
	return nil
}

// ErrorMessage reports a fatal connection error before the socket closes.
type ErrorMessage struct {
	Error  ua.StatusCode
	Reason string
}

func (m *ErrorMessage) Encode(e codec.Encoder) error {
	if err := e.PutStatusCode("Error", m.Error); err != nil {
		return err
	}
	return e.PutString("Reason", m.Reason)
}

func (m *ErrorMessage) Decode(d codec.Decoder) (err error) {
	if m.Error, err = d.GetStatusCode("Error"); err != nil {
		return err
	}
	m.Reason, err = d.GetString("Reason")
	return err
}

// AsError converts the record to a status error.
func (m *ErrorMessage) AsError() error {
	return ua.NewStatusError(ua.ErrCommunication, m.Error, "peer error: %s", m.Reason)
}

func recordContext() *codec.Context {
	return codec.NewContext(nil).WithLimits(codec.Limits{MaxStringLength: MaxURLLength})
}

// NewRecordChunk encodes rec as a single final chunk of type t.
func NewRecordChunk(t MessageType, rec codec.Structure) (Chunk, error) {
	if t.Secure() {
		return nil, ua.EncodingError("%s is not a connection record type", t)
	}
	body, err := codec.Encode(recordContext(), rec)
	if err != nil {
		return nil, fmt.Errorf("chunk: encode %s: %w", t, err)
	}
	b := make([]byte, HeaderLen+len(body))
	putHeader(b, t, RoleFinal)
	copy(b[HeaderLen:], body)
	return Chunk(b), nil
}

// DecodeRecord decodes c's body into rec after checking the chunk type.
func DecodeRecord(c Chunk, t MessageType, rec codec.Structure) error {
	if c.MessageType() != t {
		return ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "expected %s, got %s", t, c.MessageType())
	}
	if err := codec.Decode(recordContext(), c.Body(), rec); err != nil {
		return fmt.Errorf("chunk: decode %s: %w", t, err)
	}
	return nil
}

// PeekWord returns the header word and declared size of a raw header.
func PeekWord(hdr []byte) (uint32, uint32) {
	return binary.LittleEndian.Uint32(hdr[0:4]), binary.LittleEndian.Uint32(hdr[4:8])
}
