// Package httpapi serves the debug and operator HTTP API of the event bus.
//
// Routes:
//
//	POST /v1/events                publish a topic body under a generated ID
//	POST /v1/events/confirm        confirm a delivery
//	POST /v1/sweep                 run one reconciliation sweep
//	GET  /v1/deliveries?event_id=  delivery records of one event
//	GET  /v1/stats                 throughput of confirmed deliveries
//	GET  /v1/deadletters           list dead letters
//	GET  /v1/deadletters/stats     dead-letter statistics
//	POST /v1/deadletters/replay    replay dead letters
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/metric"

	eventbus "github.com/camtittle/photosharing-eventbus"
	"github.com/camtittle/photosharing-eventbus/metrics"
)

// Server is the HTTP API server.
type Server struct {
	bus        *eventbus.Bus
	reconciler *eventbus.Reconciler
	server     *http.Server
	logger     *slog.Logger
	newID      func() string
	now        func() time.Time
}

// Option configures a Server
type Option func(*options)

type options struct {
	logger         *slog.Logger
	metricsHandler http.Handler
	meterProvider  metric.MeterProvider
	newID          func() string
	now            func() time.Time
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics serves h at /metrics and records request metrics to mp.
func WithMetrics(h http.Handler, mp metric.MeterProvider) Option {
	return func(o *options) {
		o.metricsHandler = h
		o.meterProvider = mp
	}
}

// WithIDGenerator sets the event ID generator used by POST /v1/events.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithClock sets the time source for published event timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// NewServer creates the API server for bus. reconciler serves POST /v1/sweep.
func NewServer(addr string, bus *eventbus.Bus, reconciler *eventbus.Reconciler, opts ...Option) *Server {
	o := &options{
		logger: slog.Default().With("component", "httpapi.server"),
		newID:  newEventID,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Server{
		bus:        bus,
		reconciler: reconciler,
		logger:     o.logger,
		newID:      o.newID,
		now:        o.now,
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router(o),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) router(o *options) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestid.New())
	router.Use(loggerMiddleware(s.logger))
	if o.meterProvider != nil {
		router.Use(metrics.HTTPMiddleware(o.meterProvider))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	if o.metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(o.metricsHandler))
	}

	v1 := router.Group("/v1")
	v1.POST("/events", s.publish)
	v1.POST("/events/confirm", s.confirm)
	v1.POST("/sweep", s.sweep)
	v1.GET("/deliveries", s.deliveries)
	v1.GET("/stats", s.stats)
	v1.GET("/deadletters", s.listDeadLetters)
	v1.GET("/deadletters/stats", s.deadLetterStats)
	v1.POST("/deadletters/replay", s.replayDeadLetters)
	return router
}

// Handler returns the http.Handler for testing purposes.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting http server", slog.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.server.Shutdown(ctx)
}

func loggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("http request",
			slog.String("request_id", requestid.Get(c)),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
