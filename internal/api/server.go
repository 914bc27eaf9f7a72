// Package api exposes the control plane over HTTP. Callers are
// identified by the X-Owner-ID header; authenticating that identity is
// the job of the gateway in front of this service.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"

	"github.com/modelplane/modelplane/internal/hub"
	"github.com/modelplane/modelplane/internal/service"
)

const ownerHeader = "X-Owner-ID"

// Server routes HTTP traffic to the service layer.
type Server struct {
	echo *echo.Echo
	svc  *service.Service
	hub  *hub.Hub
	log  logr.Logger
}

// NewServer wires routes and middleware.
func NewServer(svc *service.Service, h *hub.Hub, log logr.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, svc: svc, hub: h, log: log}

	g := e.Group("/api")
	g.POST("/deployments", s.submitDeployment)
	g.GET("/deployments", s.listDeployments)
	g.GET("/deployments/:id", s.deploymentStatus)
	g.POST("/deployments/:id/addresses", s.registerAddresses)
	g.POST("/keys/verify", s.verifyKey)
	g.GET("/events", s.streamEvents)

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting connections and waits for in-flight
// requests, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenerAddr reports the bound address once Start has opened the
// listener, nil before that.
func (s *Server) ListenerAddr() net.Addr {
	return s.echo.ListenerAddr()
}

func ownerID(c echo.Context) (uint, error) {
	raw := c.Request().Header.Get(ownerHeader)
	if raw == "" {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "missing "+ownerHeader+" header")
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "malformed "+ownerHeader+" header")
	}
	return uint(id), nil
}

// httpError maps service errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, service.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrNotOwner):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrUnknownAPIKey):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, gorm.ErrRecordNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "deployment not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
