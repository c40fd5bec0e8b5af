// Package server hosts the boundary HTTP surface: the agent WebSocket
// endpoint plus the JSON API external controllers drive the tab through.
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/tabrelay/internal/config"
	"github.com/xkilldash9x/tabrelay/internal/metrics"
	"github.com/xkilldash9x/tabrelay/internal/relay"
	"github.com/xkilldash9x/tabrelay/internal/store"
)

// Server composes the relay core with its HTTP boundary.
type Server struct {
	cfg     config.Interface
	logger  *zap.Logger
	relay   *relay.Relay
	store   *store.Store
	metrics *metrics.Metrics

	httpServer *http.Server
}

// New builds the full service: store, metrics, relay, and router.
func New(cfg config.Interface, logger *zap.Logger) *Server {
	st := store.New(cfg.Store(), logger)
	m := metrics.New()
	rl := relay.New(cfg, st, m, logger)

	s := &Server{
		cfg:     cfg,
		logger:  logger.Named("server"),
		relay:   rl,
		store:   st,
		metrics: m,
	}
	s.httpServer = &http.Server{
		Addr:    cfg.Server().ListenAddr,
		Handler: s.routes(),
	}
	return s
}

// Relay exposes the underlying relay, mainly for tests.
func (s *Server) Relay() *relay.Relay { return s.relay }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The WebSocket route stays outside the timeout middleware; the control
	// channel is long-lived by definition.
	r.Get("/ws", s.relay.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(s.cfg.Server().RequestTimeout))

		r.Route("/api/v1", func(r chi.Router) {
			r.Post("/command", s.handleCommand)
			r.Post("/captures", s.handleBeginCapture)
			r.Get("/captures/current", s.handleAwaitCapture)
			r.Get("/state", s.handleState)
			r.Get("/logs", s.handleLogs)
		})

		r.Get("/healthz", s.handleHealthz)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	})

	return r
}

// Start runs the HTTP listener until the context is cancelled or a shutdown
// signal arrives, then drains gracefully.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.logger.Info("Relay server starting", zap.String("address", s.httpServer.Addr))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Received shutdown signal, shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server().ShutdownTimeout)
		defer cancel()

		// Stop reconnect scheduling and drop the agent connection first so
		// the HTTP drain is not kept open by the WebSocket.
		s.relay.Shutdown()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})

	err := g.Wait()
	s.logger.Info("Relay server stopped.")
	return err
}
