// Package http provides the HTTP API: upload, chat, health and metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/fyrsmithlabs/pdfrag/internal/retrieval"
	"github.com/fyrsmithlabs/pdfrag/internal/upload"
	"github.com/fyrsmithlabs/pdfrag/pkg/auth"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Uploader accepts uploaded files.
type Uploader interface {
	Upload(ctx context.Context, req upload.Request) (*upload.Result, error)
}

// Asker answers questions for an owner.
type Asker interface {
	Ask(ctx context.Context, ownerID, question string) (*retrieval.Answer, error)
}

// HealthCheck reports the readiness of one dependency.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators the handlers call.
type Deps struct {
	Uploads Uploader
	Asks    Asker
	// Checks are reported by GET /health, keyed by service name.
	Checks map[string]HealthCheck
	Meter  metric.Meter
}

// Server provides HTTP endpoints for pdfrag.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *logging.Logger
	config config.ServerConfig
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *logging.Logger, cfg config.ServerConfig) (*Server, error) {
	if deps.Uploads == nil || deps.Asks == nil {
		return nil, fmt.Errorf("uploads and asks handlers are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(e, logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, ownerHeader(cfg)},
		}))
	}
	e.Use(NewHTTPMetrics(deps.Meter, logger).MetricsMiddleware())
	e.Use(requestLogger(logger))

	s := &Server{
		echo:   e,
		deps:   deps,
		logger: logger,
		config: cfg,
	}
	s.registerRoutes()
	return s, nil
}

func ownerHeader(cfg config.ServerConfig) string {
	if cfg.OwnerHeader != "" {
		return cfg.OwnerHeader
	}
	return auth.DefaultOwnerHeader
}

// requestLogger logs every request and seeds the request context with the
// request id. It hands errors to the error handler itself so the logged
// status is the one sent.
func requestLogger(logger *logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), reqID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logCtx := c.Request().Context()
			if owner := auth.OwnerID(c); owner != "" {
				logCtx = logging.WithOwnerID(logCtx, owner)
			}
			logger.Info(logCtx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/", s.handleStatus)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	limit := s.config.MaxUploadBytes
	if limit <= 0 {
		limit = defaultMaxUploadBytes
	}
	// The body limit must run before the owner lookup, which may parse the form.
	owner := auth.OwnerMiddleware(auth.OwnerConfig{Header: ownerHeader(s.config)})
	s.echo.POST("/upload/pdf", s.handleUpload, middleware.BodyLimit(strconv.FormatInt(limit+multipartOverhead, 10)), owner)
	s.echo.GET("/chat", s.handleChat, owner)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}

// errorHandler maps handler errors to responses. Anything that is not an
// *echo.HTTPError is logged and reported as a generic 500.
func errorHandler(e *echo.Echo, logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if !errors.As(err, &he) {
			logger.Error(c.Request().Context(), "request failed",
				zap.String("uri", c.Path()),
				zap.Error(err))
			he = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
		}
		e.DefaultHTTPErrorHandler(he, c)
	}
}
