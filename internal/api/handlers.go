package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentmux/agentmux/internal/agent/service"
	"github.com/agentmux/agentmux/internal/common/errors"
	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/orchestrator"
	"github.com/agentmux/agentmux/internal/template"
)

// Handler contains the HTTP handlers of the agentmux API.
type Handler struct {
	agents   *service.AgentService
	execute  *service.ExecuteService
	orch     *orchestrator.Orchestrator
	registry *template.Registry
	logger   *logger.Logger
}

// NewHandler creates the API handler set.
func NewHandler(agents *service.AgentService, execute *service.ExecuteService, orch *orchestrator.Orchestrator, registry *template.Registry, log *logger.Logger) *Handler {
	return &Handler{
		agents:   agents,
		execute:  execute,
		orch:     orch,
		registry: registry,
		logger:   log.WithFields(zap.String("component", "api")),
	}
}

// renderError writes the AppError body for err. Non-AppErrors become a
// generic 500.
func renderError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("An internal server error occurred", err)
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error": gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		},
	})
}

// CreateAgent handles POST /api/v1/agents.
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.ValidationError("request", err.Error()))
		return
	}

	agent, err := h.agents.Create(c.Request.Context(), req.toCommand())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// ListAgents handles GET /api/v1/agents.
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.agents.List(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

// GetAgent handles GET /api/v1/agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.agents.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UpdateAgent handles PUT /api/v1/agents/:id.
func (h *Handler) UpdateAgent(c *gin.Context) {
	var req UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.ValidationError("request", err.Error()))
		return
	}

	agent, err := h.agents.Update(c.Request.Context(), c.Param("id"), req.toCommand())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// DeleteAgent handles DELETE /api/v1/agents/:id.
func (h *Handler) DeleteAgent(c *gin.Context) {
	if err := h.agents.Delete(c.Request.Context(), c.Param("id")); err != nil {
		renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ExecuteAgent handles POST /api/v1/agents/:id/execute. The call blocks
// until the execution result arrives or the timeout expires; execution
// failures come back as failure result envelopes with status 200.
func (h *Handler) ExecuteAgent(c *gin.Context) {
	var req ExecuteAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, errors.ValidationError("request", err.Error()))
		return
	}

	result, err := h.execute.Execute(c.Request.Context(), req.toCommand(c.Param("id")))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListTemplates handles GET /api/v1/templates.
func (h *Handler) ListTemplates(c *gin.Context) {
	templates := h.registry.List()
	c.JSON(http.StatusOK, gin.H{"templates": templates, "total": len(templates)})
}

// GetTemplate handles GET /api/v1/templates/:id.
func (h *Handler) GetTemplate(c *gin.Context) {
	id := c.Param("id")
	info, ok := h.registry.Get(id)
	if !ok {
		renderError(c, errors.NotFound("template", id))
		return
	}
	c.JSON(http.StatusOK, info)
}

// QueueStats handles GET /api/v1/queues/stats.
func (h *Handler) QueueStats(c *gin.Context) {
	stats, err := h.orch.QueueStats(c.Request.Context())
	if err != nil {
		renderError(c, errors.Wrap(err, "fetch queue stats"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}

// ListInstances handles GET /api/v1/instances.
func (h *Handler) ListInstances(c *gin.Context) {
	instances := h.orch.Instances()
	c.JSON(http.StatusOK, gin.H{"instances": instances, "total": len(instances)})
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
