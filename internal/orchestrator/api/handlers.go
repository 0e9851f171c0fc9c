package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vibedev/vibedev/internal/backend"
	"github.com/vibedev/vibedev/internal/common/errors"
	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/integrations"
	"github.com/vibedev/vibedev/internal/orchestrator"
)

// Handler contains HTTP handlers for the orchestrator API
type Handler struct {
	orch         *orchestrator.Orchestrator
	integrations *integrations.Client // nil when no service is configured
	logger       *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(orch *orchestrator.Orchestrator, integ *integrations.Client, log *logger.Logger) *Handler {
	return &Handler{
		orch:         orch,
		integrations: integ,
		logger:       log,
	}
}

func respondError(c *gin.Context, err error) {
	status := errors.GetHTTPStatus(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

// Project endpoints

// CreateProject creates a new project
// POST /api/v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	project, err := h.orch.CreateProject(c.Request.Context(), req.Name, req.WorkingDir)
	if err != nil {
		h.logger.Error("failed to create project", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, project)
}

// ListProjects returns all projects
// GET /api/v1/projects
func (h *Handler) ListProjects(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"projects": h.orch.ListProjects()})
}

// GetProject returns a snapshot of one project: its state, recent messages
// and the relay sequence the snapshot reflects
// GET /api/v1/projects/:projectId
func (h *Handler) GetProject(c *gin.Context) {
	projectID := c.Param("projectId")

	project, err := h.orch.GetProject(projectID)
	if err != nil {
		respondError(c, err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	messages, err := h.orch.Messages(c.Request.Context(), projectID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SnapshotResponse{
		Project:  project,
		Messages: messages,
		Sequence: h.orch.CurrentSequence(projectID),
	})
}

// TerminateProject tears down a project
// DELETE /api/v1/projects/:projectId
func (h *Handler) TerminateProject(c *gin.Context) {
	projectID := c.Param("projectId")

	if err := h.orch.Terminate(c.Request.Context(), projectID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Session endpoints

// Prompt sends a user message to a project
// POST /api/v1/projects/:projectId/prompt
func (h *Handler) Prompt(c *gin.Context) {
	projectID := c.Param("projectId")

	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	kind := backend.Kind(req.Backend)
	if kind == "" {
		kind = backend.KindClaude
	}

	sessionID, err := h.orch.Prompt(c.Request.Context(), projectID, kind, req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, PromptResponse{SessionID: sessionID})
}

// Cancel interrupts the project's live session
// POST /api/v1/projects/:projectId/cancel
func (h *Handler) Cancel(c *gin.Context) {
	projectID := c.Param("projectId")

	if err := h.orch.Cancel(c.Request.Context(), projectID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// ListMessages returns the persisted conversation history
// GET /api/v1/projects/:projectId/messages
func (h *Handler) ListMessages(c *gin.Context) {
	projectID := c.Param("projectId")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			appErr := errors.BadRequest("limit must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = parsed
	}

	messages, err := h.orch.Messages(c.Request.Context(), projectID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// Preview endpoints

// StartPreview spawns the project's dev server
// POST /api/v1/projects/:projectId/preview
func (h *Handler) StartPreview(c *gin.Context) {
	projectID := c.Param("projectId")

	preview, err := h.orch.StartPreview(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, preview)
}

// PreviewStatus probes the preview's health
// GET /api/v1/projects/:projectId/preview
func (h *Handler) PreviewStatus(c *gin.Context) {
	projectID := c.Param("projectId")

	preview, err := h.orch.PreviewStatus(projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// StopPreview stops the project's dev server
// DELETE /api/v1/projects/:projectId/preview
func (h *Handler) StopPreview(c *gin.Context) {
	projectID := c.Param("projectId")

	if err := h.orch.StopPreview(c.Request.Context(), projectID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Backend endpoints

// ListBackends reports which agent CLIs are installed
// GET /api/v1/backends
func (h *Handler) ListBackends(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"backends": h.orch.Availability(c.Request.Context())})
}

// Integration endpoints

// ForwardIntegration proxies an opaque payload to the integrations service
// POST /api/v1/projects/:projectId/integrations/:action
func (h *Handler) ForwardIntegration(c *gin.Context) {
	if h.integrations == nil {
		appErr := errors.ServiceUnavailable("integrations")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	projectID := c.Param("projectId")
	action := c.Param("action")

	if _, err := h.orch.GetProject(projectID); err != nil {
		respondError(c, err)
		return
	}

	var req IntegrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp, err := h.integrations.Forward(c.Request.Context(), projectID, action, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", resp)
}

// Health reports service liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
