package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nstogner/buildfy/pkg/run"
	"github.com/nstogner/buildfy/pkg/sandbox"
	"github.com/nstogner/buildfy/pkg/sandbox/lifecycle"
	"github.com/nstogner/buildfy/pkg/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Submitter enqueues runs. *run.Dispatcher implements it.
type Submitter interface {
	Submit(req run.Request) (string, error)
}

// Server serves the REST API and the edit-bridge relay.
type Server struct {
	store    store.Store
	runs     *run.Coordinator
	submit   Submitter
	gatherer prometheus.Gatherer
	edits    *editSessions
	echo     *echo.Echo
}

// New creates a Server. gatherer may be nil, in which case /metrics is not
// served.
func New(st store.Store, runs *run.Coordinator, submit Submitter, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		store:    st,
		runs:     runs,
		submit:   submit,
		gatherer: gatherer,
		edits:    newEditSessions(),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	s.registerRoutes(e)
	s.echo = e
	return s
}

func (s *Server) registerRoutes(e *echo.Echo) {
	// Projects
	e.POST("/api/projects", s.handleCreateProject)
	e.GET("/api/projects", s.handleListProjects)
	e.GET("/api/projects/:id/messages", s.handleListMessages)
	e.POST("/api/projects/:id/runs", s.handleSubmitRun)

	// Sandboxes
	e.POST("/api/sandboxes/check", s.handleCheckSandboxes)
	e.POST("/api/sandboxes/restart", s.handleRestartSandbox)
	e.POST("/api/sandboxes/update", s.handleUpdateSandbox)

	// Edit bridge
	e.GET("/api/fragments/:id/edit/page", s.handleEditPage)
	e.GET("/api/fragments/:id/edit/host", s.handleEditHost)
	e.POST("/api/fragments/:id/edit/submit", s.handleSubmitEdits)

	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	e.GET("/health", s.handleHealth)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	slog.Info("Starting web server", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server and closes open edit sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.edits.closeAll()
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func errorResponse(c echo.Context, status int, err error) error {
	if status >= http.StatusInternalServerError {
		slog.Error("API error", "path", c.Path(), "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verr validator.ValidationErrors
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrBatchTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sandbox.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, run.ErrQueueFull):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
