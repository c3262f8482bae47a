// Package server exposes the slot allocator and game ledger over HTTP.
// Handlers are stateless; all coordination happens in the shared store,
// so any number of replicas can serve the same traffic.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/bingo/core/pkg/metrics"
)

type Server struct {
	log             *slog.Logger
	cfg             Config
	router          *chi.Mux
	httpSrv         *http.Server
	gameplayLimiter *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

// Handler returns the configured router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)

	s.gameplayLimiter = NewRateLimiter(
		rate.Every(time.Minute/time.Duration(s.cfg.EntryRatePerMin)),
		s.cfg.EntryRateBurst,
	)

	s.router.Route("/mint", func(r chi.Router) {
		r.Post("/reserve", s.handleReserve)
		r.Post("/release", s.handleRelease)
		r.Post("/finalize", s.handleFinalize)
		r.Post("/build-lock", s.handleAcquireBuildLock)
		r.Delete("/build-lock", s.handleReleaseBuildLock)
		r.Post("/submit-lock", s.handleAcquireSubmitLock)
	})

	s.router.Route("/game", func(r chi.Router) {
		r.Get("/", s.handleGetGame)
		r.With(RateLimitMiddleware(s.gameplayLimiter)).Post("/enter", s.handleEnter)
		r.With(RateLimitMiddleware(s.gameplayLimiter)).Post("/claim", s.handleClaim)
	})

	s.router.Get("/history", s.handleHistory)

	if s.cfg.AdminToken != "" {
		s.router.Route("/admin", func(r chi.Router) {
			r.Use(s.adminAuth)
			r.Post("/{action}", s.handleAdmin)
		})
	} else {
		s.log.Warn("server: no admin token configured, admin routes disabled")
	}
}

// adminAuth requires the configured bearer token on every admin request.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.AdminToken {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Run(ctx context.Context) error {
	defer s.gameplayLimiter.Stop()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

// handleReadyz reports ready once the game ledger is reachable through
// the shared store.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Ledger.Load(r.Context()); err != nil {
		s.log.Debug("readyz: store not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("store not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}
