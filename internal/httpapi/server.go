// Package httpapi serves the admin endpoints of a running tcpreq: a
// health probe reporting engine stats and the Prometheus scrape target.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"tcpreq/internal/engine"
	"tcpreq/util"
)

// StatsSource reports engine state.  *engine.Manager satisfies it.
type StatsSource interface {
	Stats(ctx context.Context) (engine.Stats, error)
}

// Server is the admin HTTP server.
type Server struct {
	echo      *echo.Echo
	stats     StatsSource
	logger    *util.Logger
	readiness *atomic.Bool
}

// New builds the routes.  reg receives the HTTP middleware metrics and
// is what /metrics serves.
func New(stats StatsSource, reg *prometheus.Registry, logger *util.Logger) *Server {
	if logger == nil {
		logger = util.Discard()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		stats:     stats,
		logger:    logger,
		readiness: atomic.NewBool(false),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("http %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Namespace:  "tcpreq",
		Subsystem:  "admin",
		Registerer: reg,
	}))

	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
	e.GET("/healthz", s.handleHealth)
	e.GET("/readyz", s.handleReadiness)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// handleHealth handles GET /healthz.  It returns the engine stats, or
// 503 once the engine has shut down.
func (s *Server) handleHealth(c echo.Context) error {
	st, err := s.stats.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, st)
}

// handleReadiness handles GET /readyz: 200 while serving, 503 while
// starting or draining.
func (s *Server) handleReadiness(c echo.Context) error {
	if s.readiness.Load() {
		return c.NoContent(http.StatusOK)
	}
	return c.NoContent(http.StatusServiceUnavailable)
}

// Serve accepts on ln until ctx ends, then shuts down within grace.
func (s *Server) Serve(ctx context.Context, ln net.Listener, grace time.Duration) error {
	s.echo.Listener = ln
	errc := make(chan error, 1)
	go func() {
		s.logger.Verbose("admin server listening on %s", ln.Addr())
		s.readiness.Store(true)
		errc <- s.echo.Start("")
	}()

	select {
	case err := <-errc:
		s.readiness.Store(false)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.readiness.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, grace)
}
