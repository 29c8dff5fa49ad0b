package chunk

import (
	"errors"
	"io"

	"github.com/danmuck/uastack/internal/protocol/ua"
)

// ReadChunk reads one chunk from r. The declared size is checked against the
// header length its type requires and against maxSize before the body is
// allocated. A clean EOF before any header byte is returned as io.EOF.
func ReadChunk(r io.Reader, maxSize uint32) (Chunk, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ua.ProtocolError(ua.StatusBadDecodingError, "short chunk header")
		}
		return nil, err
	}
	w, size := PeekWord(hdr[:])
	if err := checkWord(w, size); err != nil {
		return nil, err
	}
	if maxSize > 0 && size > maxSize {
		return nil, ua.ProtocolError(ua.StatusBadTCPMessageTooLarge, "chunk of %d bytes exceeds receive buffer %d", size, maxSize)
	}
	b := make([]byte, size)
	copy(b, hdr[:])
	if _, err := io.ReadFull(r, b[HeaderLen:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ua.ProtocolError(ua.StatusBadDecodingError, "chunk truncated: declared %d bytes", size)
		}
		return nil, err
	}
	return Chunk(b), nil
}

// WriteChunks writes each chunk in order.
func WriteChunks(w io.Writer, chunks ...Chunk) error {
	for _, c := range chunks {
		if _, err := w.Write(c); err != nil {
			return err
		}
	}
	return nil
}
