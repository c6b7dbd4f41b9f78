// Package api serves the read-only signal feed over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/polygraph/internal/baseline"
	"github.com/rewired-gh/polygraph/internal/logger"
	"github.com/rewired-gh/polygraph/internal/models"
	"github.com/rewired-gh/polygraph/internal/storage"
)

const (
	version        = "0.1.0"
	historyWindow  = 7 * 24 * time.Hour
	marketSignals  = 10
	shutdownPeriod = 5 * time.Second
)

// Store is the persisted side of the feed. storage.Storage implements it.
type Store interface {
	Ping(ctx context.Context) error
	GetMarket(ctx context.Context, id string) (models.Market, error)
	Markets(ctx context.Context, limit int) ([]models.Market, error)
	SnapshotsSince(ctx context.Context, marketID string, since time.Time) ([]models.MarketSnapshot, error)
	RecentSignals(ctx context.Context, f storage.SignalFilter) ([]models.Signal, error)
	Stats(ctx context.Context, since time.Time) (storage.Stats, error)
}

// Baselines exposes live market statistics. baseline.Store implements it.
type Baselines interface {
	Get(marketID string) (baseline.Baseline, error)
}

// Server hosts the JSON feed, the health check and optionally the metrics endpoint.
type Server struct {
	addr      string
	store     Store
	baselines Baselines
	metrics   http.Handler
	now       func() time.Time

	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the router. metrics may be nil.
func NewServer(addr string, store Store, baselines Baselines, metrics http.Handler) *Server {
	s := &Server{
		addr:      addr,
		store:     store,
		baselines: baselines,
		metrics:   metrics,
		now:       time.Now,
	}
	s.engine = s.buildRouter()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("API listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownPeriod)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", s.health)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics))
	}

	api := router.Group("/api")
	api.GET("/markets", s.listMarkets)
	api.GET("/markets/:id", s.getMarket)
	api.GET("/markets/:id/baseline", s.getBaseline)
	api.GET("/signals", s.listSignals)
	api.GET("/signals/top", s.topSignals)
	api.GET("/stats", s.stats)

	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func abort(c *gin.Context, code int, err error) {
	if code >= http.StatusInternalServerError {
		logger.Error("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func (s *Server) health(c *gin.Context) {
	status, code := "healthy", http.StatusOK
	if err := s.store.Ping(c.Request.Context()); err != nil {
		logger.Warn("Health check failed: %v", err)
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": s.now().UTC(),
		"version":   version,
	})
}
