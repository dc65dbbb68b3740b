// Package server exposes the voting catalog over an HTTP JSON API with
// server-sent ranking updates.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/pashagolub/bookvote/pkg/data"
	"github.com/pashagolub/bookvote/pkg/journal"
)

// Server is the HTTP front of a catalog
type Server struct {
	cfg      data.ServerConfig
	catalog  *data.Catalog
	sessions *data.Sessions
	broker   *Broker
	limiter  *voteLimiter
	tokens   *tokenIssuer
	exporter *journal.Exporter
	logger   *slog.Logger

	srv          *http.Server
	pruneEvery   time.Duration
	exportFormat journal.ExportFormat
}

// New wires the routes of the API around catalog.
func New(cfg data.ServerConfig, sessionCfg data.SessionConfig, exportCfg data.ExportConfig,
	catalog *data.Catalog, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := sessionCfg.Validate(); err != nil {
		return nil, err
	}
	format, err := journal.ParseFormat(exportCfg.Format)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		catalog:      catalog,
		sessions:     data.NewSessions(catalog, sessionCfg, cfg.SessionIdle),
		broker:       NewBroker(),
		limiter:      newVoteLimiter(cfg.VoteRate, cfg.VoteBurst),
		tokens:       newTokenIssuer(cfg.JWTSecret, cfg.TokenTTL),
		exporter:     journal.NewExporter(catalog, exportCfg.RoundDecimals),
		logger:       logger,
		pruneEvery:   time.Minute,
		exportFormat: format,
	}
	catalog.Subscribe(s.broker.PublishChange)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(newStructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.AllowedOrigins))
	s.addRoutes(r)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Sessions returns the live comparison sessions.
func (s *Server) Sessions() *data.Sessions {
	return s.sessions
}

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("starting http server", "addr", ln.Addr().String())
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down http server")
		s.broker.Close()
		return s.Shutdown(context.Background())
	})

	g.Go(func() error {
		ticker := time.NewTicker(s.pruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if n := s.sessions.Prune(now); n > 0 {
					s.logger.Debug("idle sessions dropped", "count", n)
				}
				s.limiter.prune(now, s.cfg.SessionIdle)
			}
		}
	})

	return g.Wait()
}

// Shutdown stops accepting requests and waits for running ones.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func newStructuredLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// corsMiddleware allows the configured browser origins; "*" allows any.
func corsMiddleware(origins []string) func(next http.Handler) http.Handler {
	wildcard := slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (wildcard || slices.Contains(origins, origin)) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Add("Vary", "Origin")
				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
