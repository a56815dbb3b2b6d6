// Package api serves a read-only view of the engine state over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/nanovllm/internal/batchctx"
	"github.com/samcharles93/nanovllm/internal/config"
	"github.com/samcharles93/nanovllm/internal/logger"
	"github.com/samcharles93/nanovllm/internal/metrics"
	"github.com/samcharles93/nanovllm/internal/version"
)

const requestIDKey = "request_id"

// Weights is implemented by parameter stores that can report load progress.
type Weights interface {
	Names() []string
	Pending() []string
}

type Server struct {
	holder  *batchctx.Holder
	cfg     config.Config
	metrics *metrics.Metrics
	weights Weights
	log     logger.Logger
	clock   func() time.Time
	started time.Time
}

type Option func(*Server)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithWeights(w Weights) Option {
	return func(s *Server) { s.weights = w }
}

func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer exposes holder and cfg. A nil holder means the process-wide
// batchctx.Default.
func NewServer(holder *batchctx.Holder, cfg config.Config, opts ...Option) *Server {
	if holder == nil {
		holder = batchctx.Default
	}
	s := &Server{
		holder: holder,
		cfg:    cfg,
		log:    logger.Discard(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock()
	return s
}

func (s *Server) Register(e *echo.Echo) {
	e.Use(s.requestID)
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/context", s.handleContext)
	e.GET("/v1/config", s.handleConfig)
	e.GET("/v1/weights", s.handleWeights)
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}
}

// requestID propagates X-Request-ID, generating one when the client did not
// send it.
func (s *Server) requestID(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		id := c.Request().Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		c.Set(requestIDKey, id)
		return next(c)
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version.String(),
		"uptime_seconds": int64(s.clock().Sub(s.started).Seconds()),
	})
}

// ContextResponse is the body of GET /v1/context.
type ContextResponse struct {
	Generation uint64            `json:"generation"`
	Mode       string            `json:"mode"`
	NumSeqs    int               `json:"num_seqs"`
	Snapshot   batchctx.Snapshot `json:"snapshot"`
}

func (s *Server) handleContext(c *echo.Context) error {
	snap, gen := s.holder.Load()
	return c.JSON(http.StatusOK, ContextResponse{
		Generation: gen,
		Mode:       snap.Mode(),
		NumSeqs:    snap.NumSeqs(),
		Snapshot:   snap,
	})
}

func (s *Server) handleConfig(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.cfg)
}

// WeightsResponse is the body of GET /v1/weights.
type WeightsResponse struct {
	Declared int      `json:"declared"`
	Loaded   int      `json:"loaded"`
	Pending  []string `json:"pending"`
}

func (s *Server) handleWeights(c *echo.Context) error {
	if s.weights == nil {
		return writeError(c, http.StatusNotFound, "not_found", "no model loaded")
	}
	names := s.weights.Names()
	pending := s.weights.Pending()
	if pending == nil {
		pending = []string{}
	}
	return c.JSON(http.StatusOK, WeightsResponse{
		Declared: len(names),
		Loaded:   len(names) - len(pending),
		Pending:  pending,
	})
}

// ErrorBody is the error envelope returned by every endpoint.
type ErrorBody struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	id, _ := c.Get(requestIDKey).(string)
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: msg, Type: errType, RequestID: id},
	})
}
