package transport

import (
	"context"
	"sync"

	"github.com/danmuck/uastack/internal/protocol/async"
	"github.com/danmuck/uastack/internal/protocol/chunk"
	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/rs/zerolog/log"
)

// link is the outbound half of a connection. Messages are split into chunks
// up front and queued whole; the single writer stamps sequence numbers as
// each chunk reaches the socket, so a write cancelled in the queue never
// consumes a number.
type link struct {
	conn  *Conn
	cfg   Config
	role  string
	seq   *chunk.SequenceCounter
	queue chan *async.Write

	stopOnce sync.Once
	stopped  chan struct{}
	onFail   func(error)
}

func newLink(conn *Conn, cfg Config, role string, onFail func(error)) *link {
	return &link{
		conn:    conn,
		cfg:     cfg,
		role:    role,
		seq:     chunk.NewSequenceCounter(1),
		queue:   make(chan *async.Write, cfg.WriteQueue),
		stopped: make(chan struct{}),
		onFail:  onFail,
	}
}

func (l *link) splitter() *chunk.Splitter {
	lim := l.conn.Limits()
	return &chunk.Splitter{
		ChunkSize:     int(lim.SendChunkSize),
		MaxChunkCount: int(lim.SendMaxChunks),
		MaxMessage:    int(lim.SendMaxMessage),
	}
}

func closedError(reason string) error {
	return ua.NewStatusError(ua.ErrChannelClosed, ua.StatusBadSecureChannelClosed, "%s", reason)
}

func (l *link) enqueue(ctx context.Context, chunks []chunk.Chunk) (*async.Write, error) {
	raw := make([][]byte, len(chunks))
	for i, c := range chunks {
		raw[i] = c
	}
	w := async.NewWrite(raw)
	w.Queue()
	select {
	case <-l.stopped:
		w.SetError(closedError("writer stopped"))
		return nil, closedError("writer stopped")
	default:
	}
	select {
	case l.queue <- w:
		// The writer drains once after stopping. A send that lands after
		// that drain is settled here instead.
		select {
		case <-l.stopped:
			l.drain()
		default:
		}
		return w, nil
	case <-l.stopped:
		w.SetError(closedError("writer stopped"))
		return nil, closedError("writer stopped")
	case <-ctx.Done():
		w.Cancel()
		return nil, ctx.Err()
	}
}

// sendSymmetric queues a MSG or CLS message.
func (l *link) sendSymmetric(ctx context.Context, t chunk.MessageType, channelID, tokenID, requestID uint32, body []byte) (*async.Write, error) {
	chunks, err := l.splitter().Symmetric(t, channelID, tokenID, requestID, body)
	if err != nil {
		return nil, err
	}
	return l.enqueue(ctx, chunks)
}

// sendOpen queues an OPN message.
func (l *link) sendOpen(ctx context.Context, h chunk.AsymmetricHeader, body []byte) (*async.Write, error) {
	chunks, err := l.splitter().Asymmetric(h, body)
	if err != nil {
		return nil, err
	}
	return l.enqueue(ctx, chunks)
}

// sendAbort tells the peer to drop requestID.
func (l *link) sendAbort(ctx context.Context, t chunk.MessageType, channelID, tokenID, requestID uint32, reason string) (*async.Write, error) {
	if max := int(l.conn.Limits().SendChunkSize) - chunk.SymmetricHeaderLen - 4; max > 0 && len(reason) > max {
		reason = reason[:max]
	}
	return l.enqueue(ctx, []chunk.Chunk{chunk.AbortChunk(t, channelID, tokenID, 0, requestID, reason)})
}

func (l *link) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.stop()
			l.drain()
			return
		case <-l.stopped:
			l.drain()
			return
		case w := <-l.queue:
			if !w.Begin() {
				continue
			}
			if err := l.write(ctx, w); err != nil {
				w.SetError(err)
				l.stop()
				l.drain()
				if l.onFail != nil {
					l.onFail(err)
				}
				return
			}
			w.SetWritten()
		}
	}
}

func (l *link) write(ctx context.Context, w *async.Write) error {
	raw := w.Chunks()
	out := make([]chunk.Chunk, len(raw))
	for i, b := range raw {
		c := chunk.Chunk(b)
		if err := c.SetSequenceNumber(l.seq.Next()); err != nil {
			return err
		}
		out[i] = c
	}
	wctx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
	defer cancel()
	if err := l.conn.WriteChunks(wctx, out...); err != nil {
		log.Debug().Str("conn_id", l.conn.ID()).Str("role", l.role).Err(err).Msg("transport.link.write")
		return ua.WrapStatusError(ua.ErrCommunication, ua.StatusBadCommunicationError, err, "write chunks")
	}
	return nil
}

func (l *link) stop() {
	l.stopOnce.Do(func() { close(l.stopped) })
}

func (l *link) drain() {
	for {
		select {
		case w := <-l.queue:
			w.SetError(closedError("writer stopped"))
		default:
			return
		}
	}
}
