package transport

import (
	"context"
	"errors"
	"io"
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

// MaxTokenLifetime caps the lifetime a client may request.
const MaxTokenLifetime = time.Hour

var ErrServerClosed = errors.New("transport: server closed")

// Handler answers service requests arriving on open channels. A returned
// error is sent to the client as a ServiceFault carrying ua.StatusOf(err).
type Handler interface {
	ServeUA(ctx context.Context, ch *channel.SecureChannel, req codec.Structure) (codec.Structure, error)
}

type HandlerFunc func(ctx context.Context, ch *channel.SecureChannel, req codec.Structure) (codec.Structure, error)

func (f HandlerFunc) ServeUA(ctx context.Context, ch *channel.SecureChannel, req codec.Structure) (codec.Structure, error) {
	return f(ctx, ch, req)
}

// Server accepts connections, issues and renews channel tokens and
// dispatches requests to a Handler on a bounded worker pool.
type Server struct {
	cfg      Config
	handler  Handler
	channels *channel.Registry
	codec    *codec.Context
	exec     *async.Pool

	mu      sync.Mutex
	conns   map[string]*serverConn
	wg      sync.WaitGroup
	closing atomic.Bool
}

func NewServer(cfg Config, h Handler) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, errors.New("transport: nil handler")
	}
	return &Server{
		cfg:      cfg,
		handler:  h,
		channels: channel.NewRegistry(cfg.channelOptions()),
		codec:    cfg.codecContext(),
		exec:     async.NewPool(cfg.ListenerWorkers, cfg.WriteQueue),
		conns:    make(map[string]*serverConn),
	}, nil
}

// Channels is the live channel registry.
func (s *Server) Channels() *channel.Registry { return s.channels }

func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Serve accepts connections on ln until ctx ends or Shutdown runs.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.closing.Load() {
		return ErrServerClosed
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	log.Info().Str("addr", ln.Addr().String()).Msg("transport.Server.Serve listening")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.closing.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		go s.ServeConn(ctx, nc)
	}
}

// ServeConn runs one connection to completion.
func (s *Server) ServeConn(ctx context.Context, nc net.Conn) {
	sc := &serverConn{
		srv:   s,
		conn:  NewConn(nc),
		asm:   chunk.NewAssembler(s.cfg.assemblerLimits()),
		owned: make(map[uint32]*channel.SecureChannel),
	}
	sc.ctx, sc.cancel = context.WithCancel(ctx)
	if !s.trackConn(sc) {
		sc.cancel()
		_ = nc.Close()
		return
	}
	defer s.untrackConn(sc)
	sc.run()
}

func (s *Server) trackConn(sc *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[sc.conn.ID()] = sc
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(sc *serverConn) {
	s.mu.Lock()
	delete(s.conns, sc.conn.ID())
	s.mu.Unlock()
	s.wg.Done()
}

// Shutdown stops accepting work, closes every connection and waits for
// them to drain or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	for _, sc := range conns {
		sc.stop()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.exec.Close()
	log.Info().Int("connections", len(conns)).Msg("transport.Server.Shutdown")
	return nil
}

func (s *Server) reviseLifetime(ms uint32) time.Duration {
	if ms == 0 {
		return s.cfg.RequestedLifetime
	}
	return min(time.Duration(ms)*time.Millisecond, MaxTokenLifetime)
}

type serverConn struct {
	srv  *Server
	conn *Conn
	link *link
	asm  *chunk.Assembler

	ctx      context.Context
	cancel   context.CancelFunc
	linkDone chan struct{}

	mu       sync.Mutex
	owned    map[uint32]*channel.SecureChannel
	inflight sync.WaitGroup
}

func (sc *serverConn) run() {
	defer sc.cleanup()

	log.Debug().Str("conn_id", sc.conn.ID()).Str("remote", sc.conn.RemoteAddr()).Msg("transport.Server.conn accepted")
	if _, _, err := ServerHello(sc.ctx, sc.conn, sc.srv.cfg); err != nil {
		log.Warn().Str("conn_id", sc.conn.ID()).Err(err).Msg("transport.Server.conn handshake")
		return
	}

	sc.link = newLink(sc.conn, sc.srv.cfg, "server", func(err error) {
		log.Warn().Str("conn_id", sc.conn.ID()).Err(err).Msg("transport.Server.conn writer failed")
		sc.stop()
	})
	sc.linkDone = make(chan struct{})
	go func() {
		defer close(sc.linkDone)
		sc.link.run(sc.ctx)
	}()

	for {
		ck, err := sc.conn.ReadChunk(sc.ctx)
		if err != nil {
			if sc.ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Str("conn_id", sc.conn.ID()).Err(err).Msg("transport.Server.conn read")
			}
			return
		}
		if !sc.accept(ck) {
			return
		}
	}
}

// stop ends the connection without a goodbye.
func (sc *serverConn) stop() {
	sc.cancel()
	_ = sc.conn.Close()
}

func (sc *serverConn) cleanup() {
	sc.stop()
	sc.inflight.Wait()
	if sc.linkDone != nil {
		<-sc.linkDone
	}

	sc.mu.Lock()
	owned := make([]*channel.SecureChannel, 0, len(sc.owned))
	for _, ch := range sc.owned {
		owned = append(owned, ch)
	}
	sc.mu.Unlock()
	for _, ch := range owned {
		if sc.releaseChannel(ch) {
			log.Debug().Str("conn_id", sc.conn.ID()).Uint32("channel_id", ch.ID()).Str("state", ch.State().String()).Msg("transport.Server.conn released channel")
		}
	}
}

// releaseChannel drops ch from this connection and the registry. Every owned
// channel was counted open when issued, so the gauge is decremented here
// whatever state the channel ended in. It reports whether ch was still owned.
func (sc *serverConn) releaseChannel(ch *channel.SecureChannel) bool {
	sc.mu.Lock()
	_, owned := sc.owned[ch.ID()]
	delete(sc.owned, ch.ID())
	sc.mu.Unlock()
	if !owned {
		return false
	}
	if ch.State() == channel.StateOpen {
		_ = ch.Close()
	}
	observability.ChannelClosed()
	sc.srv.channels.Remove(ch.ID())
	return true
}

func (sc *serverConn) channel(id uint32) (*channel.SecureChannel, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	ch, ok := sc.owned[id]
	return ch, ok
}

func (sc *serverConn) abandon(err error) bool {
	sc.conn.Abandon(err)
	return false
}

func (sc *serverConn) accept(ck chunk.Chunk) bool {
	t := ck.MessageType()
	var ch *channel.SecureChannel
	switch t {
	case chunk.TypeOpen:
	case chunk.TypeMessage, chunk.TypeClose:
		var ok bool
		if ch, ok = sc.channel(ck.ChannelID()); !ok {
			return sc.abandon(ua.ProtocolError(ua.StatusBadTCPSecureChannelUnknown, "channel %d unknown on this connection", ck.ChannelID()))
		}
		if err := ch.CheckTokens(); err != nil {
			return sc.abandon(err)
		}
		if err := ch.ValidateIncoming(ck.TokenID()); err != nil {
			return sc.abandon(err)
		}
	default:
		return sc.abandon(ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "unexpected %s after handshake", t))
	}

	msg, done, err := sc.asm.Add(ck)
	var abort *chunk.AbortError
	if errors.As(err, &abort) {
		observability.RecordAbort("read")
		log.Debug().Uint32("channel_id", abort.ChannelID).Uint32("request_id", abort.RequestID).Str("reason", abort.Reason).Msg("transport.Server.conn client aborted")
		return true
	}
	if err != nil {
		if errors.Is(err, ua.ErrLimitExceeded) {
			err = ua.WrapStatusError(ua.ErrProtocol, ua.StatusBadTCPMessageTooLarge, err, "request too large")
		}
		return sc.abandon(err)
	}
	if !done {
		return true
	}
	observability.RecordMessage(msg.Type.String())

	switch t {
	case chunk.TypeOpen:
		return sc.handleOpen(msg)
	case chunk.TypeClose:
		sc.handleClose(ch)
		return false
	}
	sc.dispatch(ch, msg)
	return true
}

func (sc *serverConn) handleOpen(msg chunk.Message) bool {
	cfg := sc.srv.cfg
	if msg.Asymmetric == nil || msg.Asymmetric.SecurityPolicyURI != cfg.SecurityPolicyURI {
		return sc.abandon(ua.ProtocolError(ua.StatusBadSecurityPolicyRejected, "security policy not supported"))
	}
	s, err := codec.DecodeMessage(sc.srv.codec, msg.Body)
	if err != nil {
		return sc.abandon(ua.WrapStatusError(ua.ErrProtocol, ua.StatusBadDecodingError, err, "open secure channel request"))
	}
	req, ok := s.(*schema.OpenSecureChannelRequest)
	if !ok {
		return sc.abandon(ua.ProtocolError(ua.StatusBadTCPMessageTypeInvalid, "OPN carried %T", s))
	}
	if err := schema.Validate(req); err != nil {
		return sc.abandon(ua.WrapStatusError(ua.ErrProtocol, ua.StatusBadDecodingError, err, "open secure channel request"))
	}
	if req.SecurityMode != cfg.SecurityMode {
		return sc.abandon(ua.ProtocolError(ua.StatusBadSecurityModeRejected, "security mode %s not supported", req.SecurityMode))
	}

	lifetime := sc.srv.reviseLifetime(req.RequestedLifetime)
	var (
		ch  *channel.SecureChannel
		tok *channel.SecurityToken
	)
	switch req.RequestType {
	case schema.RequestTypeIssue:
		if msg.ChannelID != 0 {
			return sc.abandon(ua.ProtocolError(ua.StatusBadSecureChannelIDInvalid, "issue on existing channel %d", msg.ChannelID))
		}
		ch = sc.srv.channels.Allocate()
		ch.Bind(sc.conn.ID())
		if err := ch.BeginOpen(); err != nil {
			sc.srv.channels.Remove(ch.ID())
			return sc.abandon(err)
		}
		tok = ch.IssueToken(lifetime, cfg.SecurityPolicyURI, cfg.SecurityMode)
		if err := ch.CompleteOpen(tok); err != nil {
			sc.srv.channels.Remove(ch.ID())
			return sc.abandon(err)
		}
		sc.mu.Lock()
		sc.owned[ch.ID()] = ch
		sc.mu.Unlock()
		observability.ChannelOpened()
	case schema.RequestTypeRenew:
		var ok bool
		if ch, ok = sc.channel(msg.ChannelID); !ok {
			return sc.abandon(ua.ProtocolError(ua.StatusBadSecureChannelIDInvalid, "renew for unknown channel %d", msg.ChannelID))
		}
		tok = ch.IssueToken(lifetime, cfg.SecurityPolicyURI, cfg.SecurityMode)
		if err := ch.Renew(tok); err != nil {
			return sc.abandon(err)
		}
	default:
		return sc.abandon(ua.ProtocolError(ua.StatusBadRequestTypeInvalid, "request type %s", req.RequestType))
	}
	observability.RecordToken("server", req.RequestType.String())

	resp := &schema.OpenSecureChannelResponse{
		ResponseHeader:        responseHeader(req.RequestHeader.RequestHandle),
		ServerProtocolVersion: sc.conn.Limits().ProtocolVersion,
		SecurityToken: schema.ChannelSecurityToken{
			ChannelID:       ch.ID(),
			TokenID:         tok.ID(),
			CreatedAt:       tok.CreatedAt(),
			RevisedLifetime: cfg.lifetimeMillis(tok.RevisedLifetime()),
		},
		ServerNonce: []byte{},
	}
	body, err := codec.EncodeMessage(sc.srv.codec, resp)
	if err != nil {
		return sc.abandon(ua.WrapStatusError(ua.ErrProtocol, ua.StatusBadTCPInternalError, err, "encode open response"))
	}
	h := chunk.AsymmetricHeader{
		ChannelID:         ch.ID(),
		SecurityPolicyURI: cfg.SecurityPolicyURI,
		RequestID:         msg.RequestID,
	}
	if _, err := sc.link.sendOpen(sc.ctx, h, body); err != nil {
		return false
	}
	log.Info().
		Str("conn_id", sc.conn.ID()).
		Uint32("channel_id", ch.ID()).
		Uint32("token_id", tok.ID()).
		Str("request_type", req.RequestType.String()).
		Dur("lifetime", lifetime).
		Msg("transport.Server.conn token issued")
	return true
}

func (sc *serverConn) handleClose(ch *channel.SecureChannel) {
	sc.releaseChannel(ch)
	log.Info().Str("conn_id", sc.conn.ID()).Uint32("channel_id", ch.ID()).Msg("transport.Server.conn channel closed by client")
}

func (sc *serverConn) dispatch(ch *channel.SecureChannel, msg chunk.Message) {
	sc.inflight.Add(1)
	err := sc.srv.exec.Submit(func() {
		defer sc.inflight.Done()
		sc.serve(ch, msg)
	})
	if err != nil {
		sc.inflight.Done()
		sc.reply(ch, msg, fault(0, ua.NewStatusError(ua.ErrChannelClosed, ua.StatusBadShutdown, "server shutting down")))
	}
}

func (sc *serverConn) serve(ch *channel.SecureChannel, msg chunk.Message) {
	start := time.Now()
	service := "Unknown"
	var handle uint32
	resp, err := func() (codec.Structure, error) {
		req, err := codec.DecodeMessage(sc.srv.codec, msg.Body)
		if err != nil {
			observability.RecordDecodeError(ua.StatusOf(err).String())
			return nil, err
		}
		if name, ok := sc.srv.codec.Registry.NameOf(req); ok {
			service = name
		}
		if r, ok := req.(schema.Request); ok {
			handle = r.Header().RequestHandle
		}
		return sc.srv.handler.ServeUA(sc.ctx, ch, req)
	}()
	if err == nil && resp == nil {
		err = ua.NewStatusError(ua.ErrServiceFault, ua.StatusBadInternalError, "%s handler returned no response", service)
	}
	if err != nil {
		log.Debug().Uint32("channel_id", ch.ID()).Str("service", service).Err(err).Msg("transport.Server.conn service fault")
		resp = fault(handle, err)
	} else if r, ok := resp.(schema.Response); ok {
		h := r.Header()
		h.RequestHandle = handle
		if h.Timestamp.IsZero() {
			h.Timestamp = time.Now()
		}
	}
	sc.reply(ch, msg, resp)
	observability.RecordRequest("server", service, time.Since(start), err == nil)
}

// reply answers msg with resp. A response that does not fit the peer's
// limits is replaced by an abort chunk for the same request.
func (sc *serverConn) reply(ch *channel.SecureChannel, msg chunk.Message, resp codec.Structure) {
	tokenID := msg.TokenID
	if ch.ValidateIncoming(tokenID) != nil {
		if tok, ok := ch.ActiveToken(); ok {
			tokenID = tok.ID()
		}
	}
	body, err := codec.EncodeMessage(sc.srv.codec, resp)
	if err == nil {
		_, err = sc.link.sendSymmetric(sc.ctx, chunk.TypeMessage, ch.ID(), tokenID, msg.RequestID, body)
	}
	switch {
	case err == nil:
	case errors.Is(err, ua.ErrLimitExceeded):
		observability.RecordAbort("write")
		if _, aerr := sc.link.sendAbort(sc.ctx, chunk.TypeMessage, ch.ID(), tokenID, msg.RequestID, err.Error()); aerr != nil {
			log.Debug().Uint32("request_id", msg.RequestID).Err(aerr).Msg("transport.Server.conn abort")
		}
	case errors.Is(err, ua.ErrEncoding):
		body, ferr := codec.EncodeMessage(sc.srv.codec, fault(0, err))
		if ferr == nil {
			_, ferr = sc.link.sendSymmetric(sc.ctx, chunk.TypeMessage, ch.ID(), tokenID, msg.RequestID, body)
		}
		if ferr != nil {
			log.Debug().Uint32("request_id", msg.RequestID).Err(ferr).Msg("transport.Server.conn fault")
		}
	default:
		log.Debug().Uint32("request_id", msg.RequestID).Err(err).Msg("transport.Server.conn reply")
	}
}

func responseHeader(handle uint32) schema.ResponseHeader {
	return schema.ResponseHeader{Timestamp: time.Now(), RequestHandle: handle}
}

func fault(handle uint32, err error) *schema.ServiceFault {
	h := responseHeader(handle)
	h.ServiceResult = ua.StatusOf(err)
	if !h.ServiceResult.IsBad() {
		h.ServiceResult = ua.StatusBadUnexpectedError
	}
	table := ua.NewStringTable()
	h.ServiceDiagnostics = ua.DiagnosticFromError(err, table, ua.DefaultDiagnosticDepth)
	h.StringTable = table.Strings()
	return &schema.ServiceFault{ResponseHeader: h}
}
