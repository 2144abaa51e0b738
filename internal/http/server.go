// Package http exposes orchd's read-only status API: live agents, tracked
// work items, recent audit events, and Prometheus metrics. It never mutates
// orchestration state; all writes go through the poller.
package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchd/internal/hub"
	"github.com/fyrsmithlabs/orchd/internal/logging"
)

// Snapshot provides the read surfaces the API serves.
type Snapshot interface {
	Agents() []hub.Agent
	Items() []ItemView
	Events(n int) []hub.Event
}

// ItemView is one tracked issue as last reconciled.
type ItemView struct {
	Issue  int    `json:"issue"`
	Title  string `json:"title,omitempty"`
	State  string `json:"state"`
	Branch string `json:"branch,omitempty"`
	PR     int    `json:"pr,omitempty"`
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server serves the status API.
type Server struct {
	echo     *echo.Echo
	snapshot Snapshot
	log      *logging.Logger
	config   Config
}

func NewServer(snapshot Snapshot, log *logging.Logger, cfg Config) (*Server, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("snapshot source cannot be nil")
	}
	if log == nil {
		log = logging.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 9180
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Debug(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{echo: e, snapshot: snapshot, log: log.Named("http"), config: cfg}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/agents", s.handleAgents)
	v1.GET("/items", s.handleItems)
	v1.GET("/events", s.handleEvents)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleAgents(c echo.Context) error {
	agents := s.snapshot.Agents()
	if agents == nil {
		agents = []hub.Agent{}
	}
	return c.JSON(http.StatusOK, agents)
}

func (s *Server) handleItems(c echo.Context) error {
	items := s.snapshot.Items()
	if items == nil {
		items = []ItemView{}
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) handleEvents(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be in 1..500")
		}
		limit = n
	}
	events := s.snapshot.Events(limit)
	if events == nil {
		events = []hub.Event{}
	}
	return c.JSON(http.StatusOK, events)
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.log.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
