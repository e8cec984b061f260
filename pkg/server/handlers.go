package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nstogner/buildfy/pkg/domain"
	"github.com/nstogner/buildfy/pkg/run"
)

// --- Projects ---

type createProjectRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *Server) handleCreateProject(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, err)
	}
	if err := validate.Struct(req); err != nil {
		return errorResponse(c, http.StatusBadRequest, err)
	}
	p := &domain.Project{ID: uuid.NewString(), Name: req.Name}
	if err := s.store.CreateProject(c.Request().Context(), p); err != nil {
		return errorResponse(c, http.StatusInternalServerError, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleListProjects(c echo.Context) error {
	projects, err := s.store.ListProjects(c.Request().Context())
	if err != nil {
		return errorResponse(c, http.StatusInternalServerError, err)
	}
	if projects == nil {
		projects = []domain.Project{}
	}
	return c.JSON(http.StatusOK, projects)
}

func (s *Server) handleListMessages(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.store.GetProject(ctx, id); err != nil {
		return errorResponse(c, statusFor(err), err)
	}
	msgs, err := s.store.ListMessages(ctx, id)
	if err != nil {
		return errorResponse(c, http.StatusInternalServerError, err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return c.JSON(http.StatusOK, msgs)
}

// --- Runs ---

type submitRunRequest struct {
	Prompt string `json:"prompt"`
}

type submitRunResponse struct {
	RunID string `json:"runId"`
}

func (s *Server) handleSubmitRun(c echo.Context) error {
	var body submitRunRequest
	if err := c.Bind(&body); err != nil {
		return errorResponse(c, http.StatusBadRequest, err)
	}
	projectID := c.Param("id")
	if _, err := s.store.GetProject(c.Request().Context(), projectID); err != nil {
		return errorResponse(c, statusFor(err), err)
	}
	runID, err := s.submit.Submit(run.Request{ProjectID: projectID, Prompt: body.Prompt})
	if err != nil {
		return errorResponse(c, statusFor(err), err)
	}
	return c.JSON(http.StatusAccepted, submitRunResponse{RunID: runID})
}

// --- Sandboxes ---

type checkSandboxesRequest struct {
	Sandboxes []run.SandboxRef `json:"sandboxes" validate:"dive"`
}

type checkSandboxesResponse struct {
	Results []run.CheckResult `json:"results"`
}

func (s *Server) handleCheckSandboxes(c echo.Context) error {
	var req checkSandboxesRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, err)
	}
	if len(req.Sandboxes) == 0 {
		return c.JSON(http.StatusOK, checkSandboxesResponse{Results: []run.CheckResult{}})
	}
	if err := validate.Struct(req); err != nil {
		return errorResponse(c, http.StatusBadRequest, err)
	}
	results, err := s.runs.CheckSandboxes(c.Request().Context(), req.Sandboxes)
	if err != nil {
		return errorResponse(c, statusFor(err), err)
	}
	if results == nil {
		results = []run.CheckResult{}
	}
	return c.JSON(http.StatusOK, checkSandboxesResponse{Results: results})
}

type restartSandboxRequest struct {
	FragmentID string `json:"fragmentId" validate:"required"`
}

type restartSandboxResponse struct {
	SandboxID  string `json:"sandboxId"`
	SandboxURL string `json:"sandboxUrl"`
}

func (s *Server) handleRestartSandbox(c echo.Context) error {
	var req restartSandboxRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, err)
	}
	if err := validate.Struct(req); err != nil {
		return errorResponse(c, http.StatusBadRequest, err)
	}
	f, err := s.runs.RestartSandbox(c.Request().Context(), req.FragmentID)
	if err != nil {
		return errorResponse(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, restartSandboxResponse{SandboxID: f.SandboxID, SandboxURL: f.SandboxURL})
}

func (s *Server) handleUpdateSandbox(c echo.Context) error {
	var req run.UpdateRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, err)
	}
	if err := s.runs.UpdateSandbox(c.Request().Context(), req); err != nil {
		return errorResponse(c, statusFor(err), err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

// --- Edits ---

func (s *Server) handleSubmitEdits(c echo.Context) error {
	ctx := c.Request().Context()
	fragmentID := c.Param("id")
	prompt, ok := s.edits.describe(fragmentID)
	if !ok {
		return errorResponse(c, http.StatusConflict, fmt.Errorf("no edits recorded for fragment %s", fragmentID))
	}
	projectID, err := s.runs.FragmentProject(ctx, fragmentID)
	if err != nil {
		return errorResponse(c, statusFor(err), err)
	}
	runID, err := s.submit.Submit(run.Request{ProjectID: projectID, Prompt: prompt})
	if err != nil {
		return errorResponse(c, statusFor(err), err)
	}
	s.edits.clear(fragmentID)
	return c.JSON(http.StatusAccepted, submitRunResponse{RunID: runID})
}
