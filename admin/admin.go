// Package admin serves the operator HTTP surface: liveness, the current
// session's status, and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/risa-org/fixsession/logger"
	"github.com/risa-org/fixsession/observability"
	"github.com/risa-org/fixsession/session"
)

// shutdownTimeout bounds graceful shutdown once Run's ctx is done.
const shutdownTimeout = 5 * time.Second

// StatusSource is anything that can report a session status. *session.Session
// satisfies it.
type StatusSource interface {
	Status(ctx context.Context) session.Status
}

// Server is the admin HTTP server. A process reconnecting with fresh
// sessions points it at each one in turn with Track.
type Server struct {
	addr    string
	router  *gin.Engine
	log     logger.Logger
	started time.Time

	mu     sync.RWMutex
	source StatusSource
}

// New builds the router. Nothing listens until Run.
func New(addr string, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	s := &Server{addr: addr, router: r, log: log, started: time.Now()}
	s.routes()
	return s
}

// Track makes src the session reported by /status. nil clears it.
func (s *Server) Track(src StatusSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
}

// Handler exposes the router, for tests and for mounting elsewhere.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	observability.RegisterMetrics()

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).Round(time.Second).String(),
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		s.mu.RLock()
		src := s.source
		s.mu.RUnlock()
		if src == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no session"})
			return
		}
		c.JSON(http.StatusOK, src.Status(c.Request.Context()))
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin listening", logger.Field{Key: "addr", Value: s.addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func requestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []logger.Field{
			{Key: "method", Value: c.Request.Method},
			{Key: "path", Value: path},
			{Key: "status", Value: c.Writer.Status()},
			{Key: "duration", Value: time.Since(start)},
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Error("http_request", fields...)
		case status >= 400:
			log.Warn("http_request", fields...)
		default:
			log.Debug("http_request", fields...)
		}
	}
}
