// Package api implements the control plane's operator-facing HTTP
// surface and the /agent WebSocket upgrade that hands a fresh
// connection off to pkg/rpc.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/snopsgo/snops/pkg/control"
)

// Server wraps an echo.Echo router bound to one Control instance.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	ctrl       *control.Control
	log        *slog.Logger
}

// NewServer builds a Server with every route registered, ready to
// Start or StartWithListener.
func NewServer(ctrl *control.Control, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()

	s := &Server{echo: e, ctrl: ctrl, log: log.With("component", "api")}
	s.setupRoutes()
	return s
}

// ValidateWiring checks that the server was constructed with a
// non-nil Control; cmd/control calls this before Start so a wiring
// mistake fails fast instead of surfacing as a nil-pointer panic on
// the first request.
func (s *Server) ValidateWiring() error {
	if s.ctrl == nil {
		return fmt.Errorf("api: server wired without a Control")
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.echo.Use(securityHeaders())

	s.echo.GET("/readyz", s.readyzHandler)
	s.echo.GET("/livez", s.livezHandler)
	s.echo.GET("/agent", s.agentWSHandler)
	s.echo.GET("/prometheus/config", s.prometheusConfigHandler)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/agents/:id", s.getAgentHandler)
	v1.GET("/agents/:id/tps", s.tpsHandler)
	v1.GET("/env/list", s.listEnvHandler)
	v1.POST("/env/:id/prepare", s.prepareEnvHandler)
	v1.DELETE("/env/:id", s.deleteEnvHandler)

	// Cannon proxy: a fake blockchain REST surface registered last so
	// the static routes above take priority over the two-segment params.
	s.echo.GET("/:cannon/:network/latest/stateRoot", s.cannonStateRootHandler)
	s.echo.POST("/:cannon/:network/transaction/broadcast", s.cannonBroadcastHandler)
}

// Start starts the HTTP server on the given address, blocking until
// Shutdown is called or the listener fails.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener starts the HTTP server on a pre-created listener.
// Used by test infrastructure to serve on a random OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
