// Package httpapi exposes read-only balance queries and the admin
// pending-payment surface over HTTP. The Telegram bot remains the primary
// interface; this exists for dashboards and operational tooling.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/asterv/marketbot/internal/approval"
	"github.com/asterv/marketbot/internal/config"
	"github.com/asterv/marketbot/internal/ledger"
	"github.com/asterv/marketbot/internal/logger"
	"github.com/asterv/marketbot/internal/store"
)

// Server hosts the HTTP surface.
type Server struct {
	cfg      config.HTTPConfig
	engine   *gin.Engine
	ledger   *ledger.Service
	approval *approval.Service
	store    *store.FileStore
}

// New builds the router. The returned server does nothing until Run is called.
func New(cfg config.HTTPConfig, led *ledger.Service, appr *approval.Service, st *store.FileStore) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		engine:   engine,
		ledger:   led,
		approval: appr,
		store:    st,
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Listen == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info(ctx, "http", "listening", slog.String("listen", s.cfg.Listen))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.health)

	api := s.engine.Group("/api")
	api.GET("/users/:id/balance", s.getBalance)

	admin := api.Group("/pending", s.requireAdminToken())
	admin.GET("", s.listPending)
	admin.POST("/:id/decision", s.decide)
}

// requireAdminToken guards admin endpoints with the static token from config.
// Missing configuration disables the endpoints entirely.
func (s *Server) requireAdminToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminToken == "" {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "admin API disabled"})
			return
		}
		if c.GetHeader("X-Admin-Token") != s.cfg.AdminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}
