// Package server exposes ingestion over HTTP for bucket-notification
// webhooks and event forwarders.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chmdznr/instrument-index/internal/ingest"
)

// maxEventSize bounds a single POST /events body.
const maxEventSize = 8 << 20

// EventHandler processes one raw event payload.
type EventHandler interface {
	HandleEvent(ctx context.Context, raw []byte) (ingest.Result, error)
}

// Server serves POST /events, GET /healthz and GET /metrics.
type Server struct {
	events  EventHandler
	metrics http.Handler
	logger  *slog.Logger
	engine  *gin.Engine
}

// New builds the router. metricsHandler may be nil.
func New(events EventHandler, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{events: events, metrics: metricsHandler, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)
	r.GET("/healthz", s.health)
	r.POST("/events", s.handleEvents)
	if metricsHandler != nil {
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}
	s.engine = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleEvents(c *gin.Context) {
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxEventSize))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "failed to read request"})
		return
	}
	result, err := s.events.HandleEvent(c.Request.Context(), raw)
	if errors.Is(err, ingest.ErrUnknownEventFormat) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event format"})
		return
	}
	if err != nil {
		s.logger.Error("event handling failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"elapsed", time.Since(start))
}
