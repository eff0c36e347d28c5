package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentmux/agentmux/internal/common/logger"
)

// NewRouter builds the gin engine with middleware and the REST routes.
// WebSocket routes are attached separately by the streaming package.
func NewRouter(handler *Handler, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS())
	router.Use(Tracing("agentmux"))

	router.GET("/health", handler.Health)

	v1 := router.Group("/api/v1")
	SetupRoutes(v1, handler)
	return router
}

// SetupRoutes registers the REST routes on a router group.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	agents := router.Group("/agents")
	{
		agents.POST("", handler.CreateAgent)
		agents.GET("", handler.ListAgents)
		agents.GET("/:id", handler.GetAgent)
		agents.PUT("/:id", handler.UpdateAgent)
		agents.DELETE("/:id", handler.DeleteAgent)
		agents.POST("/:id/execute", handler.ExecuteAgent)
	}

	templates := router.Group("/templates")
	{
		templates.GET("", handler.ListTemplates)
		templates.GET("/:id", handler.GetTemplate)
	}

	router.GET("/queues/stats", handler.QueueStats)
	router.GET("/instances", handler.ListInstances)
}
