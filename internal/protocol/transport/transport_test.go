package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/uastack/internal/observability"
	"github.com/danmuck/uastack/internal/protocol/async"
	"github.com/danmuck/uastack/internal/protocol/channel"
	"github.com/danmuck/uastack/internal/protocol/chunk"
	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/schema"
	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/danmuck/uastack/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
)

type echoRequest struct {
	RequestHeader schema.RequestHeader
	Text          string
	Pad           []byte
}

func (r *echoRequest) Header() *schema.RequestHeader { return &r.RequestHeader }

func (r *echoRequest) Encode(e codec.Encoder) error {
	if err := e.PutStructure("RequestHeader", &r.RequestHeader); err != nil {
		return err
	}
	if err := e.PutString("Text", r.Text); err != nil {
		return err
	}
	return e.PutByteString("Pad", r.Pad)
}

func (r *echoRequest) Decode(d codec.Decoder) (err error) {
	if err = d.GetStructure("RequestHeader", &r.RequestHeader); err != nil {
		return err
	}
	if r.Text, err = d.GetString("Text"); err != nil {
		return err
	}
	r.Pad, err = d.GetByteString("Pad")
	return err
}

type echoResponse struct {
	ResponseHeader schema.ResponseHeader
	Text           string
	Pad            []byte
}

func (r *echoResponse) Header() *schema.ResponseHeader { return &r.ResponseHeader }

func (r *echoResponse) Encode(e codec.Encoder) error {
	if err := e.PutStructure("ResponseHeader", &r.ResponseHeader); err != nil {
		return err
	}
	if err := e.PutString("Text", r.Text); err != nil {
		return err
	}
	return e.PutByteString("Pad", r.Pad)
}

func (r *echoResponse) Decode(d codec.Decoder) (err error) {
	if err = d.GetStructure("ResponseHeader", &r.ResponseHeader); err != nil {
		return err
	}
	if r.Text, err = d.GetString("Text"); err != nil {
		return err
	}
	r.Pad, err = d.GetByteString("Pad")
	return err
}

// pingRequest is only known to clients, so servers answer it with a fault.
type pingRequest struct {
	RequestHeader schema.RequestHeader
}

func (r *pingRequest) Header() *schema.RequestHeader { return &r.RequestHeader }
func (r *pingRequest) Encode(e codec.Encoder) error {
	return e.PutStructure("RequestHeader", &r.RequestHeader)
}
func (r *pingRequest) Decode(d codec.Decoder) error {
	return d.GetStructure("RequestHeader", &r.RequestHeader)
}

func echoEntries() []codec.TypeEntry {
	return []codec.TypeEntry{
		{Name: "EchoRequest", TypeID: ua.NewNumericNodeID(1, 7000), BinaryEncodingID: ua.NewNumericNodeID(1, 7002), New: func() codec.Structure { return &echoRequest{} }},
		{Name: "EchoResponse", TypeID: ua.NewNumericNodeID(1, 7010), BinaryEncodingID: ua.NewNumericNodeID(1, 7012), New: func() codec.Structure { return &echoResponse{} }},
	}
}

func serverRegistry() *codec.Registry {
	return codec.NewRegistry().MustRegister(schema.Table()...).MustRegister(echoEntries()...)
}

func clientRegistry() *codec.Registry {
	return serverRegistry().MustRegister(codec.TypeEntry{
		Name: "PingRequest", TypeID: ua.NewNumericNodeID(1, 7100), BinaryEncodingID: ua.NewNumericNodeID(1, 7102),
		New: func() codec.Structure { return &pingRequest{} },
	})
}

func echo(ctx context.Context, _ *channel.SecureChannel, req codec.Structure) (codec.Structure, error) {
	r, ok := req.(*echoRequest)
	if !ok {
		return nil, ua.NewStatusError(ua.ErrServiceFault, ua.StatusBadServiceUnsupported, "unsupported %T", req)
	}
	switch r.Text {
	case "fault":
		return nil, ua.NewStatusError(ua.ErrServiceFault, ua.StatusBadTypeMismatch, "no echo for fault")
	case "slow":
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case "big":
		return &echoResponse{Text: r.Text, Pad: make([]byte, 200*1024)}, nil
	}
	return &echoResponse{Text: r.Text, Pad: r.Pad}, nil
}

func testConfig(reg *codec.Registry) Config {
	cfg := DefaultConfig()
	cfg.Registry = reg
	cfg.DialAttempts = 2
	cfg.Backoff = BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond}
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	srv, err := NewServer(cfg, HandlerFunc(echo))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string, cfg Config) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, "opc.tcp://"+addr, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func call(t *testing.T, c *Client, text string, pad []byte) *echoResponse {
	t.Helper()
	out, err := c.Request(context.Background(), &echoRequest{Text: text, Pad: pad})
	if err != nil {
		t.Fatalf("request %q: %v", text, err)
	}
	resp, ok := out.(*echoResponse)
	if !ok {
		t.Fatalf("response type %T", out)
	}
	return resp
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeNegotiatesLimits(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	srvCfg := DefaultConfig()
	srvCfg.ReceiveBufferSize = 16384
	srvCfg.SendBufferSize = 32768
	srvCfg.MaxMessageSize = 1 << 20

	type result struct {
		limits Limits
		hello  chunk.Hello
		err    error
	}
	done := make(chan result, 1)
	go func() {
		hello, limits, err := ServerHello(context.Background(), NewConn(b), srvCfg)
		done <- result{limits, hello, err}
	}()

	cl, err := ClientHello(context.Background(), NewConn(a), "opc.tcp://plant:4840", DefaultConfig())
	if err != nil {
		t.Fatalf("client hello: %v", err)
	}
	sr := <-done
	if sr.err != nil {
		t.Fatalf("server hello: %v", sr.err)
	}
	if sr.hello.EndpointURL != "opc.tcp://plant:4840" {
		t.Fatalf("endpoint %q", sr.hello.EndpointURL)
	}
	if cl.SendChunkSize != 16384 || cl.ReceiveChunkSize != 32768 {
		t.Fatalf("client limits %+v", cl)
	}
	if sr.limits.SendChunkSize != 32768 || sr.limits.ReceiveChunkSize != 16384 {
		t.Fatalf("server limits %+v", sr.limits)
	}
	if cl.SendMaxMessage != 1<<20 || sr.limits.SendMaxMessage != DefaultConfig().MaxMessageSize {
		t.Fatalf("max message: client %d server %d", cl.SendMaxMessage, sr.limits.SendMaxMessage)
	}
}

func TestServerHelloRejections(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name  string
		first func(t *testing.T) chunk.Chunk
		want  ua.StatusCode
	}{
		{
			name: "small buffers",
			first: func(t *testing.T) chunk.Chunk {
				rec, err := chunk.NewRecordChunk(chunk.TypeHello, &chunk.Hello{ReceiveBufferSize: 1024, SendBufferSize: 1024, EndpointURL: "opc.tcp://x"})
				if err != nil {
					t.Fatalf("hello: %v", err)
				}
				return rec
			},
			want: ua.StatusBadTCPNotEnoughResources,
		},
		{
			name: "message before hello",
			first: func(t *testing.T) chunk.Chunk {
				return chunk.NewSymmetricChunk(chunk.TypeMessage, chunk.RoleFinal, 1, 1, 1, 1, []byte{0})
			},
			want: ua.StatusBadTCPMessageTypeInvalid,
		},
	}
	for _, tc := range cases {
		a, b := net.Pipe()
		errc := make(chan error, 1)
		go func() {
			_, _, err := ServerHello(context.Background(), NewConn(b), DefaultConfig())
			errc <- err
		}()
		if err := chunk.WriteChunks(a, tc.first(t)); err != nil {
			t.Fatalf("%s: write: %v", tc.name, err)
		}
		reply, err := chunk.ReadChunk(a, MinBufferSize)
		if err != nil {
			t.Fatalf("%s: read reply: %v", tc.name, err)
		}
		var em chunk.ErrorMessage
		if err := chunk.DecodeRecord(reply, chunk.TypeError, &em); err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if em.Error != tc.want {
			t.Fatalf("%s: got %s, want %s", tc.name, em.Error, tc.want)
		}
		if err := <-errc; ua.StatusOf(err) != tc.want || !errors.Is(err, ua.ErrProtocol) {
			t.Fatalf("%s: server err %v", tc.name, err)
		}
		a.Close()
	}
}

func TestClientHelloSurfacesErrorRecord(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		if _, err := chunk.ReadChunk(b, MinBufferSize); err != nil {
			return
		}
		rec, err := chunk.NewRecordChunk(chunk.TypeError, &chunk.ErrorMessage{Error: ua.StatusBadTCPEndpointURLInvalid, Reason: "no such endpoint"})
		if err == nil {
			_ = chunk.WriteChunks(b, rec)
		}
	}()
	_, err := ClientHello(context.Background(), NewConn(a), "opc.tcp://nowhere", DefaultConfig())
	if ua.StatusOf(err) != ua.StatusBadTCPEndpointURLInvalid || !errors.Is(err, ua.ErrCommunication) {
		t.Fatalf("got %v", err)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	srv, addr := startServer(t, testConfig(serverRegistry()))
	c := dial(t, addr, testConfig(clientRegistry()))

	ch := c.Channel()
	if ch == nil || ch.State() != channel.StateOpen || ch.ID() == 0 {
		t.Fatalf("client channel not open: %+v", ch)
	}
	if tok, ok := ch.ActiveToken(); !ok || tok.ID() != 1 {
		t.Fatalf("first token: %v %v", tok, ok)
	}
	sch, ok := srv.Channels().Lookup(ch.ID())
	if !ok || sch.State() != channel.StateOpen || srv.Channels().CountOpen() != 1 {
		t.Fatalf("server channel missing")
	}
	if sch.ConnectionID() == "" {
		t.Fatalf("server channel not bound to a connection")
	}

	req := &echoRequest{Text: "hello"}
	out, err := c.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp := out.(*echoResponse)
	if resp.Text != "hello" {
		t.Fatalf("echo %q", resp.Text)
	}
	if resp.ResponseHeader.RequestHandle != req.RequestHeader.RequestHandle || resp.ResponseHeader.RequestHandle == 0 {
		t.Fatalf("request handle %d vs %d", resp.ResponseHeader.RequestHandle, req.RequestHeader.RequestHandle)
	}
	if resp.ResponseHeader.Timestamp.IsZero() {
		t.Fatalf("response timestamp not stamped")
	}
}

func TestLargeMessagesSpanChunks(t *testing.T) {
	testlog.Start(t)
	_, addr := startServer(t, testConfig(serverRegistry()))
	c := dial(t, addr, testConfig(clientRegistry()))

	pad := bytes.Repeat([]byte("uastack"), 40000)
	resp := call(t, c, "large", pad)
	if !bytes.Equal(resp.Pad, pad) {
		t.Fatalf("payload corrupted: %d bytes back", len(resp.Pad))
	}
}

func TestConcurrentRequests(t *testing.T) {
	testlog.Start(t)
	_, addr := startServer(t, testConfig(serverRegistry()))
	c := dial(t, addr, testConfig(clientRegistry()))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := string(rune('a' + i%26))
			out, err := c.Request(context.Background(), &echoRequest{Text: text})
			if err != nil {
				errs <- err
				return
			}
			if got := out.(*echoResponse).Text; got != text {
				errs <- errors.New("mismatched response " + got + " for " + text)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent request: %v", err)
	}
}

func TestServiceFaultBecomesError(t *testing.T) {
	testlog.Start(t)
	_, addr := startServer(t, testConfig(serverRegistry()))
	c := dial(t, addr, testConfig(clientRegistry()))

	_, err := c.Request(context.Background(), &echoRequest{Text: "fault"})
	if !errors.Is(err, ua.ErrServiceFault) || ua.StatusOf(err) != ua.StatusBadTypeMismatch {
		t.Fatalf("fault: got %v", err)
	}
	if !strings.Contains(err.Error(), "no echo for fault") {
		t.Fatalf("fault reason lost: %v", err)
	}

	_, err = c.Request(context.Background(), &pingRequest{})
	if !errors.Is(err, ua.ErrServiceFault) || ua.StatusOf(err) != ua.StatusBadServiceUnsupported {
		t.Fatalf("unknown service: got %v", err)
	}

	if resp := call(t, c, "still open", nil); resp.Text != "still open" {
		t.Fatalf("channel unusable after faults")
	}
}

func TestOversizeResponseIsAborted(t *testing.T) {
	testlog.Start(t)
	_, addr := startServer(t, testConfig(serverRegistry()))
	cfg := testConfig(clientRegistry())
	cfg.MaxMessageSize = 64 * 1024
	c := dial(t, addr, cfg)

	_, err := c.Request(context.Background(), &echoRequest{Text: "big"})
	if ua.StatusOf(err) != ua.StatusBadRequestInterrupted {
		t.Fatalf("oversize response: got %v", err)
	}
	if resp := call(t, c, "after abort", nil); resp.Text != "after abort" {
		t.Fatalf("channel unusable after abort")
	}
}

func TestRequestTimeout(t *testing.T) {
	testlog.Start(t)
	_, addr := startServer(t, testConfig(serverRegistry()))
	c := dial(t, addr, testConfig(clientRegistry()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, &echoRequest{Text: "slow"})
	if !errors.Is(err, ua.ErrTimeout) {
		t.Fatalf("got %v", err)
	}
	if c.pending.Len() != 0 {
		t.Fatalf("timed out request left pending")
	}
	// The late response is dropped and the channel keeps working.
	time.Sleep(250 * time.Millisecond)
	if resp := call(t, c, "next", nil); resp.Text != "next" {
		t.Fatalf("channel unusable after timeout")
	}
}

func TestRenewKeepsInFlightRequests(t *testing.T) {
	testlog.Start(t)
	srv, addr := startServer(t, testConfig(serverRegistry()))
	c := dial(t, addr, testConfig(clientRegistry()))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Request(context.Background(), &echoRequest{Text: "slow"}); err != nil {
				errs <- err
			}
		}()
	}
	eventually(t, "slow requests in flight", func() bool { return c.pending.Len() == 4 })

	if err := c.Renew(context.Background()); err != nil {
		t.Fatalf("renew: %v", err)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("in-flight request across renew: %v", err)
	}

	tok, ok := c.Channel().ActiveToken()
	if !ok || tok.ID() != 2 {
		t.Fatalf("active token after renew: %v", tok)
	}
	sch, _ := srv.Channels().Lookup(c.Channel().ID())
	if ids := sch.Tokens().IDs(); len(ids) != 2 {
		t.Fatalf("server should keep the unexpired predecessor, got %v", ids)
	}
	if resp := call(t, c, "new token", nil); resp.Text != "new token" {
		t.Fatalf("request on renewed token")
	}
}

func TestClientRenewsAutomatically(t *testing.T) {
	testlog.Start(t)
	_, addr := startServer(t, testConfig(serverRegistry()))
	cfg := testConfig(clientRegistry())
	cfg.RequestedLifetime = time.Second
	cfg.RenewFraction = 0.2
	c := dial(t, addr, cfg)

	eventually(t, "automatic renewal", func() bool {
		tok, ok := c.Channel().ActiveToken()
		return ok && tok.ID() >= 2
	})
	if resp := call(t, c, "renewed", nil); resp.Text != "renewed" {
		t.Fatalf("request after automatic renew")
	}
}

func TestUnknownTokenFailsConnection(t *testing.T) {
	testlog.Start(t)
	_, addr := startServer(t, testConfig(serverRegistry()))
	c := dial(t, addr, testConfig(clientRegistry()))

	body, err := codec.EncodeMessage(c.codec, &echoRequest{Text: "forged"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.link.sendSymmetric(context.Background(), chunk.TypeMessage, c.Channel().ID(), 99, c.nextRequestID(), body); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "client failure", func() bool { return c.Err() != nil })
	if ua.StatusOf(c.Err()) != ua.StatusBadSecureChannelTokenUnknown {
		t.Fatalf("client err %v", c.Err())
	}
	if c.Channel().State() != channel.StateError {
		t.Fatalf("channel state %s", c.Channel().State())
	}
	if _, err := c.Request(context.Background(), &echoRequest{Text: "after"}); ua.StatusOf(err) != ua.StatusBadSecureChannelTokenUnknown {
		t.Fatalf("request after failure: %v", err)
	}
}

func TestCloseFailsPendingAndReleasesChannel(t *testing.T) {
	testlog.Start(t)
	srv, addr := startServer(t, testConfig(serverRegistry()))
	c := dial(t, addr, testConfig(clientRegistry()))

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), &echoRequest{Text: "slow"})
		errc <- err
	}()
	eventually(t, "request in flight", func() bool { return c.pending.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-errc; !errors.Is(err, ua.ErrChannelClosed) {
		t.Fatalf("pending request: got %v", err)
	}
	if c.Channel().State() != channel.StateClosed {
		t.Fatalf("client channel state %s", c.Channel().State())
	}
	if _, err := c.Request(context.Background(), &echoRequest{Text: "late"}); !errors.Is(err, ua.ErrChannelClosed) {
		t.Fatalf("request after close: %v", err)
	}
	eventually(t, "server channel release", func() bool { return srv.Channels().Len() == 0 })
}

func TestServerShutdownFailsClient(t *testing.T) {
	testlog.Start(t)
	srv, err := NewServer(testConfig(serverRegistry()), HandlerFunc(echo))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(context.Background(), ln) }()
	c := dial(t, ln.Addr().String(), testConfig(clientRegistry()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	_ = ln.Close()
	eventually(t, "client failure", func() bool { return c.Err() != nil })
	if !errors.Is(c.Err(), ua.ErrCommunication) {
		t.Fatalf("client err %v", c.Err())
	}
	if srv.ConnCount() != 0 || srv.Channels().Len() != 0 {
		t.Fatalf("server not drained: conns=%d channels=%d", srv.ConnCount(), srv.Channels().Len())
	}
	if err := srv.Serve(context.Background(), ln); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("serve after shutdown: %v", err)
	}
}

func TestDialGivesUpAfterAttempts(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, addr, "opc.tcp://"+addr, testConfig(clientRegistry()))
	if !errors.Is(err, ua.ErrCommunication) {
		t.Fatalf("got %v", err)
	}
}

func openChannelGauge(t *testing.T) float64 {
	t.Helper()
	observability.RegisterMetrics()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "uastack_channel_open" && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestFailedChannelReleasesOpenGauge(t *testing.T) {
	testlog.Start(t)
	base := openChannelGauge(t)
	srv, addr := startServer(t, testConfig(serverRegistry()))
	c := dial(t, addr, testConfig(clientRegistry()))
	eventually(t, "open gauge to count the channel", func() bool { return openChannelGauge(t) == base+1 })

	ch, ok := srv.Channels().Lookup(c.Channel().ID())
	if !ok {
		t.Fatalf("server has no channel %d", c.Channel().ID())
	}
	if !ch.Fail(ua.NewStatusError(ua.ErrChannelClosed, ua.StatusBadSecureChannelClosed, "failed on server")) {
		t.Fatalf("fail reported no transition")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.Request(ctx, &echoRequest{Text: "after fail"}); err == nil {
		t.Fatalf("request on failed channel succeeded")
	}

	eventually(t, "registry to drop the failed channel", func() bool { return srv.Channels().Len() == 0 })
	eventually(t, "open gauge back to baseline", func() bool { return openChannelGauge(t) == base })
}

func TestFaultCarriesDiagnosticChain(t *testing.T) {
	testlog.Start(t)
	err := ua.WrapStatusError(ua.ErrServiceFault, ua.StatusBadTypeMismatch, fmt.Errorf("lookup: %w", errors.New("not found")), "echo rejected")

	f := fault(42, err)
	h := f.ResponseHeader
	if h.RequestHandle != 42 || h.ServiceResult != ua.StatusBadTypeMismatch {
		t.Fatalf("header: handle=%d result=%s", h.RequestHandle, h.ServiceResult)
	}
	root := h.ServiceDiagnostics
	if root == nil || root.Depth() != 3 {
		t.Fatalf("diagnostics: %+v", root)
	}
	if root.AdditionalInfo != err.Error() {
		t.Fatalf("root info=%q want %q", root.AdditionalInfo, err.Error())
	}
	if root.Mask&ua.DiagnosticHasSymbolicID == 0 || int(root.SymbolicID) >= len(h.StringTable) || h.StringTable[root.SymbolicID] != "BadTypeMismatch" {
		t.Fatalf("symbolic id %d in %v", root.SymbolicID, h.StringTable)
	}
	if root.InnerDiagnosticInfo.AdditionalInfo != "lookup: not found" {
		t.Fatalf("inner info=%q", root.InnerDiagnosticInfo.AdditionalInfo)
	}

	back := f.AsError()
	if !errors.Is(back, ua.ErrServiceFault) || ua.StatusOf(back) != ua.StatusBadTypeMismatch || !strings.Contains(back.Error(), "echo rejected") {
		t.Fatalf("as error: %v", back)
	}
}

func TestExpireLoopSettlesOverdueRequests(t *testing.T) {
	testlog.Start(t)
	_, addr := startServer(t, testConfig(serverRegistry()))
	cfg := testConfig(clientRegistry())
	cfg.RequestTimeout = 80 * time.Millisecond
	c := dial(t, addr, cfg)

	read := async.NewRead[[]byte]()
	overdue := &PendingRequest{
		RequestID: 1 << 30,
		Service:   "EchoRequest",
		QueuedAt:  time.Now().Add(-time.Second),
		Deadline:  time.Now().Add(-time.Millisecond),
		Result:    read,
	}
	if err := c.pending.Add(overdue); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := read.Wait(ctx)
	if !errors.Is(err, ua.ErrTimeout) || ua.StatusOf(err) != ua.StatusBadTimeout {
		t.Fatalf("overdue entry: got %v", err)
	}
	if _, ok := c.pending.Take(overdue.RequestID); ok {
		t.Fatalf("expired entry still pending")
	}

	if resp := call(t, c, "after sweep", nil); resp.Text != "after sweep" {
		t.Fatalf("echo=%q", resp.Text)
	}
}

func TestEnqueueRacingStopAlwaysSettles(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.WriteQueue = 4

	stopped := newLink(nil, cfg, "client", nil)
	stopped.stop()
	if _, err := stopped.enqueue(context.Background(), []chunk.Chunk{chunk.NewSymmetricChunk(chunk.TypeMessage, chunk.RoleFinal, 1, 1, 0, 1, nil)}); !errors.Is(err, ua.ErrChannelClosed) {
		t.Fatalf("enqueue on stopped link: %v", err)
	}

	for i := 0; i < 500; i++ {
		l := newLink(nil, cfg, "client", nil)
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			l.stop()
			l.drain()
		}()
		w, err := l.enqueue(context.Background(), []chunk.Chunk{chunk.NewSymmetricChunk(chunk.TypeMessage, chunk.RoleFinal, 1, 1, 0, uint32(i+1), nil)})
		<-writerDone
		if err != nil {
			if !errors.Is(err, ua.ErrChannelClosed) {
				t.Fatalf("iteration %d: %v", i, err)
			}
			continue
		}
		select {
		case <-w.Done():
		default:
			t.Fatalf("iteration %d: write left %s after stop", i, w.State())
		}
		if w.State() != async.WriteError {
			t.Fatalf("iteration %d: state=%s", i, w.State())
		}
	}
}
