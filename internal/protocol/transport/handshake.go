package transport

import (
	"context"
	"errors"

	"github.com/danmuck/uastack/internal/protocol/chunk"
	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/rs/zerolog/log"
)

func nonZeroMin(a, b uint32) uint32 {
	switch {
	case a == 0:
		return b
	case b == 0:
		return a
	}
	return min(a, b)
}

func handshakeContext(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || cfg.HandshakeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, cfg.HandshakeTimeout)
}

// ClientHello sends HEL and waits for ACK or ERR. The negotiated limits are
// installed on c and returned.
func ClientHello(ctx context.Context, c *Conn, endpoint string, cfg Config) (Limits, error) {
	ctx, cancel := handshakeContext(ctx, cfg)
	defer cancel()

	hello := &chunk.Hello{
		ProtocolVersion:   cfg.ProtocolVersion,
		ReceiveBufferSize: cfg.ReceiveBufferSize,
		SendBufferSize:    cfg.SendBufferSize,
		MaxMessageSize:    cfg.MaxMessageSize,
		MaxChunkCount:     cfg.MaxChunkCount,
		EndpointURL:       endpoint,
	}
	rec, err := chunk.NewRecordChunk(chunk.TypeHello, hello)
	if err != nil {
		return Limits{}, err
	}
	c.setLimits(Limits{ReceiveChunkSize: cfg.ReceiveBufferSize})
	if err := c.WriteChunks(ctx, rec); err != nil {
		return Limits{}, err
	}
	reply, err := c.ReadChunk(ctx)
	if err != nil {
		return Limits{}, err
	}
	switch reply.MessageType() {
	case chunk.TypeError:
		var em chunk.ErrorMessage
		if err := chunk.DecodeRecord(reply, chunk.TypeError, &em); err != nil {
			return Limits{}, err
		}
		return Limits{}, em.AsError()
	case chunk.TypeAcknowledge:
	default:
		err := ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "expected ACK, got %s", reply.MessageType())
		c.Abandon(err)
		return Limits{}, err
	}
	var ack chunk.Acknowledge
	if err := chunk.DecodeRecord(reply, chunk.TypeAcknowledge, &ack); err != nil {
		return Limits{}, err
	}
	if ack.ProtocolVersion > cfg.ProtocolVersion {
		err := ua.ProtocolError(ua.StatusBadProtocolVersionUnsupported, "server protocol version %d above ours %d", ack.ProtocolVersion, cfg.ProtocolVersion)
		c.Abandon(err)
		return Limits{}, err
	}
	if ack.ReceiveBufferSize < MinBufferSize || ack.SendBufferSize < MinBufferSize {
		err := ua.ProtocolError(ua.StatusBadTCPNotEnoughResources, "server buffers %d/%d below %d", ack.ReceiveBufferSize, ack.SendBufferSize, MinBufferSize)
		c.Abandon(err)
		return Limits{}, err
	}
	limits := Limits{
		ProtocolVersion:  ack.ProtocolVersion,
		SendChunkSize:    nonZeroMin(cfg.SendBufferSize, ack.ReceiveBufferSize),
		ReceiveChunkSize: nonZeroMin(cfg.ReceiveBufferSize, ack.SendBufferSize),
		SendMaxMessage:   ack.MaxMessageSize,
		SendMaxChunks:    ack.MaxChunkCount,
		RecvMaxMessage:   cfg.MaxMessageSize,
		RecvMaxChunks:    cfg.MaxChunkCount,
	}
	c.setLimits(limits)
	log.Debug().
		Str("conn_id", c.ID()).
		Uint32("send_chunk", limits.SendChunkSize).
		Uint32("recv_chunk", limits.ReceiveChunkSize).
		Msg("transport.ClientHello negotiated")
	return limits, nil
}

// ServerHello reads HEL, answers ACK and returns the client's Hello with the
// negotiated limits. Failures are reported to the client as ERR records.
func ServerHello(ctx context.Context, c *Conn, cfg Config) (chunk.Hello, Limits, error) {
	ctx, cancel := handshakeContext(ctx, cfg)
	defer cancel()

	c.setLimits(Limits{ReceiveChunkSize: MinBufferSize})
	first, err := c.ReadChunk(ctx)
	if err != nil {
		return chunk.Hello{}, Limits{}, err
	}
	if first.MessageType() != chunk.TypeHello {
		err := ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "expected HEL, got %s", first.MessageType())
		c.Abandon(err)
		return chunk.Hello{}, Limits{}, err
	}
	var hello chunk.Hello
	if err := chunk.DecodeRecord(first, chunk.TypeHello, &hello); err != nil {
		if errors.Is(err, ua.ErrLimitExceeded) {
			err = ua.WrapStatusError(ua.ErrProtocol, ua.StatusBadTCPEndpointURLInvalid, err, "endpoint url too long")
		}
		c.Abandon(err)
		return chunk.Hello{}, Limits{}, err
	}
	if hello.ReceiveBufferSize < MinBufferSize || hello.SendBufferSize < MinBufferSize {
		err := ua.ProtocolError(ua.StatusBadTCPNotEnoughResources, "client buffers %d/%d below %d", hello.ReceiveBufferSize, hello.SendBufferSize, MinBufferSize)
		c.Abandon(err)
		return hello, Limits{}, err
	}

	ack := &chunk.Acknowledge{
		ProtocolVersion:   min(cfg.ProtocolVersion, hello.ProtocolVersion),
		ReceiveBufferSize: nonZeroMin(cfg.ReceiveBufferSize, hello.SendBufferSize),
		SendBufferSize:    nonZeroMin(cfg.SendBufferSize, hello.ReceiveBufferSize),
		MaxMessageSize:    cfg.MaxMessageSize,
		MaxChunkCount:     cfg.MaxChunkCount,
	}
	rec, err := chunk.NewRecordChunk(chunk.TypeAcknowledge, ack)
	if err != nil {
		return hello, Limits{}, err
	}
	limits := Limits{
		ProtocolVersion:  ack.ProtocolVersion,
		SendChunkSize:    ack.SendBufferSize,
		ReceiveChunkSize: ack.ReceiveBufferSize,
		SendMaxMessage:   hello.MaxMessageSize,
		SendMaxChunks:    hello.MaxChunkCount,
		RecvMaxMessage:   cfg.MaxMessageSize,
		RecvMaxChunks:    cfg.MaxChunkCount,
	}
	c.setLimits(limits)
	if err := c.WriteChunks(ctx, rec); err != nil {
		return hello, Limits{}, err
	}
	log.Debug().
		Str("conn_id", c.ID()).
		Str("endpoint", hello.EndpointURL).
		Uint32("send_chunk", limits.SendChunkSize).
		Uint32("recv_chunk", limits.ReceiveChunkSize).
		Msg("transport.ServerHello negotiated")
	return hello, limits, nil
}
