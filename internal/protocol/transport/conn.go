package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/danmuck/uastack/internal/observability"
	"github.com/danmuck/uastack/internal/protocol/chunk"
	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var aLongTimeAgo = time.Unix(1, 0)

// Limits are the negotiated per-connection sizes. Send limits come from the
// peer; receive limits are this side's own.
type Limits struct {
	ProtocolVersion  uint32 `json:"protocol_version"`
	SendChunkSize    uint32 `json:"send_chunk_size"`
	ReceiveChunkSize uint32 `json:"receive_chunk_size"`
	SendMaxMessage   uint32 `json:"send_max_message"`
	SendMaxChunks    uint32 `json:"send_max_chunks"`
	RecvMaxMessage   uint32 `json:"recv_max_message"`
	RecvMaxChunks    uint32 `json:"recv_max_chunks"`
}

// Conn moves whole chunks over a net.Conn. Reads and writes lock separately
// so one reader and one writer can run at once.
type Conn struct {
	id string
	nc net.Conn

	rmu sync.Mutex
	wmu sync.Mutex

	mu     sync.Mutex
	limits Limits

	closeOnce sync.Once
	closed    chan struct{}
}

func NewConn(nc net.Conn) *Conn {
	return &Conn{id: uuid.NewString(), nc: nc, closed: make(chan struct{})}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() string {
	if addr := c.nc.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Conn) Limits() Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

func (c *Conn) setLimits(l Limits) {
	c.mu.Lock()
	c.limits = l
	c.mu.Unlock()
}

// Closed is closed once Close has run.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// bindDeadline maps ctx onto a socket deadline for the duration of one call.
func bindDeadline(ctx context.Context, set func(time.Time) error) func() bool {
	dl, _ := ctx.Deadline()
	_ = set(dl)
	return context.AfterFunc(ctx, func() { _ = set(aLongTimeAgo) })
}

func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

// ReadChunk reads the next chunk. A protocol violation sends an ERR record
// and closes the connection.
func (c *Conn) ReadChunk(ctx context.Context) (chunk.Chunk, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	stop := bindDeadline(ctx, c.nc.SetReadDeadline)
	defer stop()

	ch, err := chunk.ReadChunk(c.nc, c.Limits().ReceiveChunkSize)
	if err != nil {
		if errors.Is(err, ua.ErrProtocol) {
			c.Abandon(err)
			return nil, err
		}
		return nil, ctxErr(ctx, err)
	}
	observability.RecordChunk("read", ch.MessageType().String(), ch.Role().String())
	return ch, nil
}

// WriteChunks writes chunks back to back under the write lock.
func (c *Conn) WriteChunks(ctx context.Context, chunks ...chunk.Chunk) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	stop := bindDeadline(ctx, c.nc.SetWriteDeadline)
	defer stop()

	for _, ch := range chunks {
		if _, err := c.nc.Write(ch); err != nil {
			return ctxErr(ctx, err)
		}
		observability.RecordChunk("write", ch.MessageType().String(), ch.Role().String())
	}
	return nil
}

// SendError writes an ERR record. The connection stays open; callers close it.
func (c *Conn) SendError(ctx context.Context, code ua.StatusCode, reason string) error {
	if len(reason) > chunk.MaxURLLength {
		reason = reason[:chunk.MaxURLLength]
	}
	rec, err := chunk.NewRecordChunk(chunk.TypeError, &chunk.ErrorMessage{Error: code, Reason: reason})
	if err != nil {
		return err
	}
	return c.WriteChunks(ctx, rec)
}

// Abandon reports cause to the peer as an ERR record, best effort, and
// closes the connection.
func (c *Conn) Abandon(cause error) {
	code := ua.StatusOf(cause)
	if errors.Is(cause, ua.ErrProtocol) {
		observability.RecordProtocolViolation(code.String())
	}
	select {
	case <-c.closed:
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.SendError(ctx, code, cause.Error()); err != nil {
		log.Debug().Str("conn_id", c.id).Err(err).Msg("transport.Conn.Abandon send error record")
	}
	log.Warn().Str("conn_id", c.id).Str("remote", c.RemoteAddr()).Err(cause).Msg("transport.Conn.Abandon")
	_ = c.Close()
}
