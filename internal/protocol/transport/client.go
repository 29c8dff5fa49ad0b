package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/uastack/internal/observability"
	"github.com/danmuck/uastack/internal/protocol/async"
	"github.com/danmuck/uastack/internal/protocol/channel"
	"github.com/danmuck/uastack/internal/protocol/chunk"
	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/schema"
	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/rs/zerolog/log"
)

// Client is one secure channel over one connection. Requests may be issued
// from any number of goroutines; responses are matched by request id.
type Client struct {
	endpoint string
	cfg      Config
	conn     *Conn
	link     *link
	codec    *codec.Context
	asm      *chunk.Assembler
	pending  *PendingTable

	ch        atomic.Pointer[channel.SecureChannel]
	requestID atomic.Uint32
	handle    atomic.Uint32
	renewMu   sync.Mutex
	closing   atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to addr, retrying with backoff, and opens a secure channel
// to endpoint.
func Dial(ctx context.Context, addr, endpoint string, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 1; attempt <= cfg.DialAttempts; attempt++ {
		if attempt > 1 {
			if err := waitBackoff(ctx, cfg.Backoff, attempt-1, rng); err != nil {
				return nil, err
			}
		}
		d := net.Dialer{Timeout: cfg.DialTimeout}
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			log.Warn().Str("addr", addr).Int("attempt", attempt).Err(err).Msg("transport.Dial")
			continue
		}
		c, err := NewClient(ctx, nc, endpoint, cfg)
		if err != nil {
			// The peer answered; retrying a refused handshake will not help.
			return nil, err
		}
		return c, nil
	}
	return nil, ua.WrapStatusError(ua.ErrCommunication, ua.StatusBadCommunicationError, lastErr, fmt.Sprintf("dial %s", addr))
}

// NewClient runs the handshake over nc and opens a secure channel. nc is
// closed on failure.
func NewClient(ctx context.Context, nc net.Conn, endpoint string, cfg Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		_ = nc.Close()
		return nil, err
	}
	conn := NewConn(nc)
	if _, err := ClientHello(ctx, conn, endpoint, cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		endpoint: endpoint,
		cfg:      cfg,
		conn:     conn,
		codec:    cfg.codecContext(),
		asm:      chunk.NewAssembler(cfg.assemblerLimits()),
		pending:  NewPendingTable(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.link = newLink(conn, cfg, "client", c.fail)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.link.run(c.ctx)
	}()
	go c.readLoop()

	if err := c.open(ctx); err != nil {
		c.shutdown(err)
		c.wg.Wait()
		return nil, err
	}

	c.wg.Add(2)
	go c.renewLoop()
	go c.expireLoop()

	log.Info().
		Str("conn_id", conn.ID()).
		Str("endpoint", endpoint).
		Uint32("channel_id", c.ch.Load().ID()).
		Msg("transport.Client.open")
	return c, nil
}

// Channel returns the secure channel, or nil before the first OPN completes.
func (c *Client) Channel() *channel.SecureChannel { return c.ch.Load() }

func (c *Client) ConnectionID() string { return c.conn.ID() }

func (c *Client) Limits() Limits { return c.conn.Limits() }

// Err is the cause that ended the client, or nil while it runs.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) nextRequestID() uint32 {
	for {
		if id := c.requestID.Add(1); id != 0 {
			return id
		}
	}
}

func (c *Client) requestHeader(ctx context.Context) schema.RequestHeader {
	h := schema.RequestHeader{
		Timestamp:     time.Now(),
		RequestHandle: c.handle.Add(1),
	}
	if dl, ok := ctx.Deadline(); ok {
		if ms := time.Until(dl) / time.Millisecond; ms > 0 {
			h.TimeoutHint = uint32(ms)
		}
	}
	return h
}

func (c *Client) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.RequestTimeout)
}

// roundTrip registers requestID, runs send and waits for the response body.
// A write still queued when ctx ends is cancelled and never reaches the wire.
func (c *Client) roundTrip(ctx context.Context, service string, requestID uint32, send func() (*async.Write, error)) (codec.Structure, error) {
	read := async.NewRead[[]byte]()
	p := &PendingRequest{RequestID: requestID, Service: service, QueuedAt: time.Now(), Result: read}
	if dl, ok := ctx.Deadline(); ok {
		p.Deadline = dl
	} else if c.cfg.RequestTimeout > 0 {
		p.Deadline = p.QueuedAt.Add(c.cfg.RequestTimeout)
	}
	if err := c.pending.Add(p); err != nil {
		return nil, err
	}
	w, err := send()
	if err != nil {
		c.pending.Remove(requestID)
		return nil, err
	}
	body, err := read.Wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			if errors.Is(err, ua.ErrTimeout) {
				w.Cancel()
			}
			return nil, err
		}
		c.pending.Remove(requestID)
		if w.Cancel() {
			log.Debug().Uint32("request_id", requestID).Str("service", service).Msg("transport.Client.roundTrip cancelled queued write")
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ua.NewStatusError(ua.ErrTimeout, ua.StatusBadTimeout, "%s request %d timed out", service, requestID)
		}
		return nil, ua.WrapStatusError(ua.ErrCommunication, ua.StatusBadRequestCancelledByClient, ctx.Err(), fmt.Sprintf("%s request %d", service, requestID))
	}
	return codec.DecodeMessage(c.codec, body)
}

func (c *Client) exchangeOpen(ctx context.Context, reqType schema.SecurityTokenRequestType, channelID uint32) (*schema.OpenSecureChannelResponse, error) {
	ctx, cancel := c.requestContext(ctx)
	defer cancel()

	req := &schema.OpenSecureChannelRequest{
		RequestHeader:         c.requestHeader(ctx),
		ClientProtocolVersion: c.conn.Limits().ProtocolVersion,
		RequestType:           reqType,
		SecurityMode:          c.cfg.SecurityMode,
		ClientNonce:           []byte{},
		RequestedLifetime:     c.cfg.lifetimeMillis(c.cfg.RequestedLifetime),
	}
	body, err := codec.EncodeMessage(c.codec, req)
	if err != nil {
		return nil, err
	}
	requestID := c.nextRequestID()
	h := chunk.AsymmetricHeader{
		ChannelID:         channelID,
		SecurityPolicyURI: c.cfg.SecurityPolicyURI,
		RequestID:         requestID,
	}
	out, err := c.roundTrip(ctx, "OpenSecureChannel", requestID, func() (*async.Write, error) {
		return c.link.sendOpen(ctx, h, body)
	})
	if err != nil {
		return nil, err
	}
	switch resp := out.(type) {
	case *schema.OpenSecureChannelResponse:
		if resp.ResponseHeader.ServiceResult.IsBad() {
			return nil, ua.NewStatusError(ua.ErrServiceFault, resp.ResponseHeader.ServiceResult, "open secure channel rejected")
		}
		if channelID != 0 && resp.SecurityToken.ChannelID != channelID {
			return nil, ua.ProtocolError(ua.StatusBadSecureChannelIDInvalid, "renew answered for channel %d, expected %d", resp.SecurityToken.ChannelID, channelID)
		}
		if err := schema.Validate(resp); err != nil {
			return nil, ua.WrapStatusError(ua.ErrProtocol, ua.StatusBadSecureChannelIDInvalid, err, "open secure channel response")
		}
		return resp, nil
	case *schema.ServiceFault:
		return nil, resp.AsError()
	default:
		return nil, ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "unexpected %T answering open secure channel", out)
	}
}

func (c *Client) tokenFrom(ch *channel.SecureChannel, st schema.ChannelSecurityToken) *channel.SecurityToken {
	// Creation is stamped with the local clock; the server's clock may drift.
	return channel.NewSecurityToken(st.ChannelID, st.TokenID, ch.Now(), st.Lifetime(), c.cfg.TokenGrace, c.cfg.SecurityPolicyURI, c.cfg.SecurityMode)
}

func (c *Client) open(ctx context.Context) error {
	resp, err := c.exchangeOpen(ctx, schema.RequestTypeIssue, 0)
	if err != nil {
		return err
	}
	ch := channel.NewSecureChannel(resp.SecurityToken.ChannelID, c.cfg.channelOptions())
	ch.Bind(c.conn.ID())
	if err := ch.BeginOpen(); err != nil {
		return err
	}
	if err := ch.CompleteOpen(c.tokenFrom(ch, resp.SecurityToken)); err != nil {
		return err
	}
	c.ch.Store(ch)
	observability.RecordToken("client", schema.RequestTypeIssue.String())
	return nil
}

// Renew asks the server for a fresh token. Requests already in flight keep
// using the previous token until they complete.
func (c *Client) Renew(ctx context.Context) error {
	c.renewMu.Lock()
	defer c.renewMu.Unlock()

	ch := c.ch.Load()
	if ch == nil || ch.State() != channel.StateOpen {
		return closedError("renew on a channel that is not open")
	}
	resp, err := c.exchangeOpen(ctx, schema.RequestTypeRenew, ch.ID())
	if err != nil {
		if errors.Is(err, ua.ErrProtocol) {
			c.fail(err)
		}
		return err
	}
	if err := ch.Renew(c.tokenFrom(ch, resp.SecurityToken)); err != nil {
		return err
	}
	observability.RecordToken("client", schema.RequestTypeRenew.String())
	return nil
}

// Request sends req over the channel and returns the decoded response. A
// ServiceFault comes back as an error matching ua.ErrServiceFault.
func (c *Client) Request(ctx context.Context, req codec.Structure) (codec.Structure, error) {
	start := time.Now()
	service, _ := c.codec.Registry.NameOf(req)
	resp, err := c.request(ctx, req)
	observability.RecordRequest("client", service, time.Since(start), err == nil)
	return resp, err
}

func (c *Client) request(ctx context.Context, req codec.Structure) (codec.Structure, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	ch := c.ch.Load()
	if ch == nil {
		return nil, closedError("no secure channel")
	}
	if err := ch.CheckTokens(); err != nil {
		return nil, err
	}
	if ch.State() != channel.StateOpen {
		return nil, closedError(fmt.Sprintf("channel %d is %s", ch.ID(), ch.State()))
	}
	tok, ok := ch.ActiveToken()
	if !ok {
		return nil, ua.NewStatusError(ua.ErrTokenInvalid, ua.StatusBadSecureChannelTokenUnknown, "channel %d has no active token", ch.ID())
	}

	ctx, cancel := c.requestContext(ctx)
	defer cancel()
	if r, ok := req.(schema.Request); ok {
		h := r.Header()
		stamp := c.requestHeader(ctx)
		h.Timestamp, h.RequestHandle, h.TimeoutHint = stamp.Timestamp, stamp.RequestHandle, stamp.TimeoutHint
	}
	body, err := codec.EncodeMessage(c.codec, req)
	if err != nil {
		return nil, err
	}
	service, _ := c.codec.Registry.NameOf(req)
	requestID := c.nextRequestID()
	out, err := c.roundTrip(ctx, service, requestID, func() (*async.Write, error) {
		return c.link.sendSymmetric(ctx, chunk.TypeMessage, ch.ID(), tok.ID(), requestID, body)
	})
	if err != nil {
		return nil, err
	}
	if fault, ok := out.(*schema.ServiceFault); ok {
		return nil, fault.AsError()
	}
	return out, nil
}

// Close sends CLS, closes the channel and the connection, and fails every
// request still in flight. It waits for the client's goroutines to exit.
func (c *Client) Close(ctx context.Context) error {
	c.closing.Store(true)
	var sendErr error
	if ch := c.ch.Load(); ch != nil && ch.State() == channel.StateOpen && c.Err() == nil {
		if tok, ok := ch.ActiveToken(); ok {
			sendErr = c.sendClose(ctx, ch, tok)
		}
		if err := ch.Close(); err != nil && sendErr == nil {
			sendErr = err
		}
	}
	c.shutdown(closedError("client closed"))
	c.wg.Wait()
	return sendErr
}

func (c *Client) sendClose(ctx context.Context, ch *channel.SecureChannel, tok channel.Token) error {
	req := &schema.CloseSecureChannelRequest{RequestHeader: c.requestHeader(ctx)}
	body, err := codec.EncodeMessage(c.codec, req)
	if err != nil {
		return err
	}
	w, err := c.link.sendSymmetric(ctx, chunk.TypeClose, ch.ID(), tok.ID(), c.nextRequestID(), body)
	if err != nil {
		return err
	}
	return w.Wait(ctx)
}

func (c *Client) fail(err error) {
	if c.closing.Load() {
		c.shutdown(closedError("client closed"))
		return
	}
	if ch := c.ch.Load(); ch != nil {
		ch.Fail(err)
	}
	c.shutdown(err)
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		c.cancel()
		c.link.stop()
		_ = c.conn.Close()
		n := c.pending.FailAll(cause)
		log.Debug().
			Str("conn_id", c.conn.ID()).
			Int("failed_requests", n).
			Err(cause).
			Msg("transport.Client.shutdown")
	})
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	for {
		ck, err := c.conn.ReadChunk(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.fail(ua.WrapStatusError(ua.ErrCommunication, ua.StatusBadCommunicationError, err, "read chunk"))
			}
			return
		}
		if !c.accept(ck) {
			return
		}
	}
}

// accept handles one inbound chunk. It returns false once the client has
// failed.
func (c *Client) accept(ck chunk.Chunk) bool {
	switch ck.MessageType() {
	case chunk.TypeError:
		var em chunk.ErrorMessage
		if err := chunk.DecodeRecord(ck, chunk.TypeError, &em); err != nil {
			c.fail(err)
			return false
		}
		c.fail(em.AsError())
		return false
	case chunk.TypeOpen:
	case chunk.TypeMessage, chunk.TypeClose:
		ch := c.ch.Load()
		if ch == nil {
			err := ua.ProtocolError(ua.StatusBadTCPSecureChannelUnknown, "%s before the channel opened", ck.MessageType())
			c.conn.Abandon(err)
			c.fail(err)
			return false
		}
		if ck.ChannelID() != ch.ID() {
			err := ua.ProtocolError(ua.StatusBadTCPSecureChannelUnknown, "chunk for channel %d on channel %d", ck.ChannelID(), ch.ID())
			c.conn.Abandon(err)
			c.fail(err)
			return false
		}
		if err := ch.ValidateIncoming(ck.TokenID()); err != nil {
			c.conn.Abandon(err)
			c.fail(err)
			return false
		}
	default:
		err := ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "unexpected %s after handshake", ck.MessageType())
		c.conn.Abandon(err)
		c.fail(err)
		return false
	}

	msg, done, err := c.asm.Add(ck)
	var abort *chunk.AbortError
	if errors.As(err, &abort) {
		observability.RecordAbort("read")
		if p, ok := c.pending.Take(abort.RequestID); ok {
			p.Result.SetError(ua.NewStatusError(ua.ErrCommunication, ua.StatusBadRequestInterrupted, "server aborted %s: %s", p.Service, abort.Reason))
		}
		return true
	}
	if err != nil {
		if errors.Is(err, ua.ErrProtocol) {
			c.conn.Abandon(err)
		}
		c.fail(err)
		return false
	}
	if !done {
		return true
	}
	observability.RecordMessage(msg.Type.String())
	p, ok := c.pending.Take(msg.RequestID)
	if !ok {
		log.Debug().Uint32("request_id", msg.RequestID).Msg("transport.Client.accept dropped response without a caller")
		return true
	}
	p.Result.SetComplete(msg.Body)
	return true
}

func (c *Client) renewLoop() {
	defer c.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	failures := 0
	for {
		ch := c.ch.Load()
		tok, ok := ch.ActiveToken()
		if !ok {
			return
		}
		st, ok := tok.(*channel.SecurityToken)
		if !ok {
			return
		}
		delay := st.CreatedAt().Add(c.cfg.renewDelay(st.RevisedLifetime())).Sub(ch.Now())
		if failures > 0 {
			delay = NextBackoffDelay(c.cfg.Backoff, failures, rng)
		}
		timer := time.NewTimer(max(delay, 0))
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := ch.CheckTokens(); err != nil {
			c.fail(err)
			return
		}
		rctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		err := c.Renew(rctx)
		cancel()
		if err == nil {
			failures = 0
			continue
		}
		if c.ctx.Err() != nil || ch.State() != channel.StateOpen {
			return
		}
		failures++
		log.Warn().Uint32("channel_id", ch.ID()).Int("failures", failures).Err(err).Msg("transport.Client.renewLoop")
	}
}

// expireLoop fails pending requests once their deadline passes, so an entry
// is settled even when its caller is no longer waiting on a context.
func (c *Client) expireLoop() {
	defer c.wg.Done()
	interval := min(max(c.cfg.RequestTimeout/4, 10*time.Millisecond), time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case now := <-ticker.C:
			n := c.pending.Expire(now, func(p *PendingRequest) error {
				return ua.NewStatusError(ua.ErrTimeout, ua.StatusBadTimeout, "%s request %d expired after %s", p.Service, p.RequestID, now.Sub(p.QueuedAt).Round(time.Millisecond))
			})
			if n > 0 {
				log.Debug().Str("conn_id", c.conn.ID()).Int("expired", n).Msg("transport.Client.expireLoop")
			}
		}
	}
}
