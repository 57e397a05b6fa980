package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/cidgate/internal/auth"
	"github.com/danmuck/cidgate/internal/observability"
	"github.com/danmuck/cidgate/internal/protocol/cid"
	"github.com/danmuck/cidgate/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Admin is the HTTP surface over a session table.
type Admin struct {
	ID       string
	Addr     string
	Appeared time.Time

	table     *session.Table
	generator cid.Generator
	validator auth.Validator
	router    *gin.Engine
}

// NewAdmin builds the admin router. A nil validator leaves the mutating
// routes open; otherwise they require a bearer token.
func NewAdmin(id, addr string, corsOrigins []string, table *session.Table, gen cid.Generator, validator auth.Validator) *Admin {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		ID:        id,
		Addr:      addr,
		Appeared:  time.Now(),
		table:     table,
		generator: gen,
		validator: validator,
		router:    r,
	}
	a.registerRoutes()
	return a
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

// Serve runs the admin server until ctx is cancelled.
func (a *Admin) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("admin", a.ID).Str("addr", ln.Addr().String()).Msg("admin serving")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Admin) mutating() []gin.HandlerFunc {
	if a.validator == nil {
		return nil
	}
	return []gin.HandlerFunc{auth.Require(a.validator)}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}
