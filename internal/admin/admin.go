package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/uastack/internal/auth"
	"github.com/danmuck/uastack/internal/observability"
	"github.com/danmuck/uastack/internal/protocol/channel"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// Channels is the read side of a channel registry.
type Channels interface {
	Snapshot() []channel.Info
	Lookup(id uint32) (*channel.SecureChannel, bool)
	CountOpen() int
}

type Options struct {
	ID          string
	Addr        string
	CORSOrigins []string
	Channels    Channels
	// Connections reports live transport connections. Nil reports zero.
	Connections func() int
	// Operator guards mutating routes. Nil leaves them open.
	Operator auth.Validator
}

type Admin struct {
	ID       string
	Addr     string
	Appeared time.Time

	channels    Channels
	connections func() int
	operator    auth.Validator
	router      *gin.Engine
}

func New(opts Options) *Admin {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(opts.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(opts.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		ID:          opts.ID,
		Addr:        opts.Addr,
		Appeared:    time.Now(),
		channels:    opts.Channels,
		connections: opts.Connections,
		operator:    opts.Operator,
		router:      r,
	}
	a.registerRoutes()
	return a
}

func (a *Admin) Handler() http.Handler { return a.router }

// Serve listens on Addr until ctx ends, then shuts the HTTP server down.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.Addr).Msg("admin.Admin.Serve listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
