package chunk

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"

	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/ua"
)

const (
	// HeaderLen is the type/role word plus the size field.
	HeaderLen = 8
	// SecureHeaderLen adds the secure channel id.
	SecureHeaderLen = 12
	// SymmetricHeaderLen adds token id, sequence number and request id.
	SymmetricHeaderLen = 24

	offsetChannelID      = 8
	offsetTokenID        = 12
	offsetSequenceNumber = 16
	offsetRequestID      = 20

	// DefaultMaxCertificateSize bounds each asymmetric header byte string.
	DefaultMaxCertificateSize = 32 * 1024
)

// Chunk is one complete wire chunk, header included. Accessors assume the
// chunk came from Parse or a builder in this package.
type Chunk []byte

// Parse validates b as a single chunk: known type and role, declared size
// equal to len(b), and room for the header its type requires.
func Parse(b []byte) (Chunk, error) {
	if len(b) < HeaderLen {
		return nil, ua.ProtocolError(ua.StatusBadDecodingError, "chunk of %d bytes is shorter than the header", len(b))
	}
	w := binary.LittleEndian.Uint32(b[0:4])
	size := binary.LittleEndian.Uint32(b[4:8])
	if int64(size) != int64(len(b)) {
		return nil, ua.ProtocolError(ua.StatusBadDecodingError, "chunk declares %d bytes, have %d", size, len(b))
	}
	if err := checkWord(w, size); err != nil {
		return nil, err
	}
	return Chunk(b), nil
}

func checkWord(w, size uint32) error {
	t := TypeOf(w)
	if !knownType(t) {
		return ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "unknown message type 0x%06X", w&MessageTypeMask)
	}
	r := RoleOf(w)
	if !r.valid() {
		return ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "unknown chunk role 0x%02X", uint32(r)>>24)
	}
	if !t.Secure() && r != RoleFinal {
		return ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "%s chunks must be final, got %s", t, r)
	}
	if size < uint32(minSize(t)) {
		return ua.ProtocolError(ua.StatusBadDecodingError, "%s chunk of %d bytes is shorter than its %d byte header", t, size, minSize(t))
	}
	return nil
}

func minSize(t MessageType) int {
	switch {
	case t.Symmetric():
		return SymmetricHeaderLen
	case t.Secure():
		return SecureHeaderLen
	}
	return HeaderLen
}

func (c Chunk) Word() uint32             { return binary.LittleEndian.Uint32(c[0:4]) }
func (c Chunk) MessageType() MessageType { return TypeOf(c.Word()) }
func (c Chunk) Role() Role               { return RoleOf(c.Word()) }
func (c Chunk) Size() uint32             { return binary.LittleEndian.Uint32(c[4:8]) }

// ChannelID is valid for MSG, OPN and CLS chunks.
func (c Chunk) ChannelID() uint32 { return binary.LittleEndian.Uint32(c[offsetChannelID:]) }

// TokenID, SequenceNumber and RequestID are valid for symmetric chunks only.
func (c Chunk) TokenID() uint32        { return binary.LittleEndian.Uint32(c[offsetTokenID:]) }
func (c Chunk) SequenceNumber() uint32 { return binary.LittleEndian.Uint32(c[offsetSequenceNumber:]) }
func (c Chunk) RequestID() uint32      { return binary.LittleEndian.Uint32(c[offsetRequestID:]) }

// Body returns the bytes after the header. For OPN chunks use
// ParseAsymmetricHeader, whose header length is variable.
func (c Chunk) Body() []byte {
	t := c.MessageType()
	if t == TypeOpen {
		return nil
	}
	return c[minSize(t):]
}

func (c Chunk) String() string {
	return fmt.Sprintf("%s%s(%d bytes)", c.MessageType(), c.Role(), c.Size())
}

// AsymmetricHeader is the OPN security header plus its sequence header.
type AsymmetricHeader struct {
	ChannelID          uint32
	SecurityPolicyURI  string
	SenderCertificate  []byte
	ReceiverThumbprint []byte
	SequenceNumber     uint32
	RequestID          uint32
}

// ParseAsymmetricHeader reads the variable-length OPN header and returns it
// with the chunk body. Every length prefix is checked against maxCertSize and
// the bytes left before slicing. maxCertSize <= 0 uses the default.
func (c Chunk) ParseAsymmetricHeader(maxCertSize int) (AsymmetricHeader, []byte, error) {
	if c.MessageType() != TypeOpen {
		return AsymmetricHeader{}, nil, ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "%s chunk has no asymmetric header", c.MessageType())
	}
	if maxCertSize <= 0 {
		maxCertSize = DefaultMaxCertificateSize
	}
	ctx := codec.NewContext(nil).WithLimits(codec.Limits{MaxStringLength: maxCertSize})
	d, err := codec.NewBinaryDecoder(ctx, c[SecureHeaderLen:])
	if err != nil {
		return AsymmetricHeader{}, nil, err
	}
	h := AsymmetricHeader{ChannelID: c.ChannelID()}
	if h.SecurityPolicyURI, err = d.GetString("SecurityPolicyUri"); err != nil {
		return AsymmetricHeader{}, nil, fmt.Errorf("chunk: asymmetric header policy: %w", err)
	}
	if h.SenderCertificate, err = d.GetByteString("SenderCertificate"); err != nil {
		return AsymmetricHeader{}, nil, fmt.Errorf("chunk: asymmetric header certificate: %w", err)
	}
	if h.ReceiverThumbprint, err = d.GetByteString("ReceiverCertificateThumbprint"); err != nil {
		return AsymmetricHeader{}, nil, fmt.Errorf("chunk: asymmetric header thumbprint: %w", err)
	}
	if h.SequenceNumber, err = d.GetUInt32("SequenceNumber"); err != nil {
		return AsymmetricHeader{}, nil, fmt.Errorf("chunk: asymmetric header sequence: %w", err)
	}
	if h.RequestID, err = d.GetUInt32("RequestId"); err != nil {
		return AsymmetricHeader{}, nil, fmt.Errorf("chunk: asymmetric header request id: %w", err)
	}
	return h, c[SecureHeaderLen+d.Offset():], nil
}

// Thumbprint is the SHA-1 digest of a DER certificate, as carried in the
// receiver thumbprint field.
func Thumbprint(der []byte) []byte {
	if len(der) == 0 {
		return nil
	}
	sum := sha1.Sum(der)
	return sum[:]
}
