package codec

import (
	"fmt"

	"github.com/danmuck/uastack/internal/protocol/ua"
)

// EncodeMessage writes s as a service message body: its binary encoding id
// followed by its fields, with no extension object framing.
func EncodeMessage(ctx *Context, s Structure) ([]byte, error) {
	if ctx == nil {
		ctx = NewContext(nil)
	}
	id, ok := ctx.registry().IDOf(s, EncodingBinary)
	if !ok {
		return nil, ua.EncodingError("message %T has no registered binary encoding", s)
	}
	e := NewBinaryEncoder(ctx)
	if err := e.putNodeID(id, 0, false); err != nil {
		return nil, err
	}
	if err := e.PutStructure("", s); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// DecodeMessage reads a service message body. An encoding id missing from the
// registry fails with StatusBadServiceUnsupported.
func DecodeMessage(ctx *Context, b []byte) (Structure, error) {
	d, err := NewBinaryDecoder(ctx, b)
	if err != nil {
		return nil, err
	}
	id, flags, err := d.getNodeID(false)
	if err != nil {
		return nil, err
	}
	if flags != 0 {
		return nil, ua.DecodingError("message type id carries expanded flags 0x%02X", flags)
	}
	entry, ok := d.ctx.registry().Resolve(id)
	if !ok || !entry.BinaryEncodingID.Equal(id) {
		return nil, ua.NewStatusError(ua.ErrDecoding, ua.StatusBadServiceUnsupported, "no message registered for encoding id %s", id)
	}
	s := entry.New()
	if err := d.GetStructure("", s); err != nil {
		return nil, fmt.Errorf("message %s: %w", entry.Name, err)
	}
	if d.Remaining() != 0 {
		return nil, ua.DecodingError("%d trailing bytes after message %s", d.Remaining(), entry.Name)
	}
	return s, nil
}
