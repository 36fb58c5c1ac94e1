// Package httpapi exposes the rendezvous server's in-memory roster over a
// plain JSON REST API, for operators and dashboards that don't speak the
// OSC control protocol directly. Grounded on server/api.go's APIServer:
// same echo setup (request-logger + recover middleware, a uniform JSON
// error handler), same route/handler shape, narrowed to the read-only
// status surface a rendezvous server actually needs (no uploads, channels,
// or recordings here).
package httpapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"aoo/rendezvous"
)

// Version is the rendezvous server's reported build version.
var Version = "dev"

// Server is the status/metrics HTTP API, running on its own listen address
// alongside the TCP control port and UDP handshake responder.
type Server struct {
	rdv  *rendezvous.Server
	echo *echo.Echo
}

// New constructs a status API server fronting rdv's in-memory roster.
func New(rdv *rendezvous.Server) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[httpapi] %s %s %d %s", v.Method, v.URI, v.Status, c.Response().Header().Get(echo.HeaderXRequestID))
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = jsonErrorHandler

	s := &Server{rdv: rdv, echo: e}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/groups", s.handleGroups)
	s.echo.GET("/api/metrics", s.handleMetrics)
	s.echo.GET("/api/version", s.handleVersion)
}

// Run starts the Echo HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Groups int    `json:"groups"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status: "ok",
		Groups: len(s.rdv.GroupNames()),
	})
}

// GroupsResponse is the payload for GET /api/groups.
type GroupsResponse struct {
	Groups []string `json:"groups"`
}

func (s *Server) handleGroups(c echo.Context) error {
	names := s.rdv.GroupNames()
	if names == nil {
		names = []string{}
	}
	return c.JSON(http.StatusOK, GroupsResponse{Groups: names})
}

// MetricsResponse is the payload for GET /api/metrics.
type MetricsResponse struct {
	Status  string `json:"status"`
	Groups  int    `json:"groups"`
	Members int    `json:"members"`
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, MetricsResponse{
		Status:  "ok",
		Groups:  len(s.rdv.GroupNames()),
		Members: s.rdv.MemberCount(),
	})
}

// VersionResponse is the payload for GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, VersionResponse{Version: Version})
}

// jsonErrorHandler ensures all error responses have a consistent JSON body:
//
//	{"error": "message"}
func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code)
		} else {
			c.JSON(code, map[string]string{"error": msg})
		}
	}
}
