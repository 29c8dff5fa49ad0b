package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/uastack/internal/admin"
	"github.com/danmuck/uastack/internal/auth"
	"github.com/danmuck/uastack/internal/observability"
	"github.com/danmuck/uastack/internal/protocol/channel"
	"github.com/danmuck/uastack/internal/protocol/codec"
	"github.com/danmuck/uastack/internal/protocol/transport"
	"github.com/danmuck/uastack/internal/protocol/ua"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "uactl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("uactl", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a uactl TOML config")
	probe := fs.String("probe", "", "dial addr, open and renew one channel, print it, then exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rc, err := loadRunConfig(*configPath)
	if err != nil {
		return err
	}
	observability.InitLogger("uactl", rc.LogLevel)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *probe != "" {
		return runProbe(ctx, rc, *probe, os.Stdout)
	}
	return serve(ctx, rc)
}

// unsupported answers every service with BadServiceUnsupported; uactl
// terminates secure channels only.
var unsupported = transport.HandlerFunc(func(_ context.Context, ch *channel.SecureChannel, req codec.Structure) (codec.Structure, error) {
	return nil, ua.NewStatusError(ua.ErrServiceFault, ua.StatusBadServiceUnsupported, "channel %d: no service for %T", ch.ID(), req)
})

func serve(ctx context.Context, rc runConfig) error {
	cfg := rc.Server
	tcfg, err := cfg.Transport.Resolve()
	if err != nil {
		return err
	}
	srv, err := transport.NewServer(tcfg, unsupported)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if cfg.AdminAddr != "" {
		var operator auth.Validator
		if cfg.AdminToken != "" {
			operator = auth.StaticToken{Token: cfg.AdminToken}
		}
		adm := admin.New(admin.Options{
			ID:          cfg.ID,
			Addr:        cfg.AdminAddr,
			CORSOrigins: cfg.CorsOrigins,
			Channels:    srv.Channels(),
			Connections: srv.ConnCount,
			Operator:    operator,
		})
		g.Go(func() error {
			return adm.Serve(gctx)
		})
	}

	log.Info().
		Str("id", cfg.ID).
		Str("listen", cfg.Listen).
		Str("endpoint", cfg.Endpoint).
		Str("admin_addr", cfg.AdminAddr).
		Msg("uactl.serve started")

	err = g.Wait()
	if errors.Is(err, transport.ErrServerClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Err(err).Msg("uactl.serve stopped")
	return err
}

type probeReport struct {
	ConnectionID string           `json:"connection_id"`
	Limits       transport.Limits `json:"limits"`
	Opened       channel.Info     `json:"opened"`
	Renewed      channel.Info     `json:"renewed"`
	Elapsed      string           `json:"elapsed"`
}

func runProbe(ctx context.Context, rc runConfig, addr string, out io.Writer) error {
	tcfg, err := rc.Server.Transport.Resolve()
	if err != nil {
		return err
	}
	start := time.Now()
	client, err := transport.Dial(ctx, addr, rc.Server.Endpoint, tcfg)
	if err != nil {
		return err
	}
	report := probeReport{
		ConnectionID: client.ConnectionID(),
		Limits:       client.Limits(),
		Opened:       client.Channel().Info(),
	}
	renewErr := client.Renew(ctx)
	if renewErr == nil {
		report.Renewed = client.Channel().Info()
	}
	cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := client.Close(cctx)
	report.Elapsed = time.Since(start).String()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return errors.Join(renewErr, closeErr)
}
