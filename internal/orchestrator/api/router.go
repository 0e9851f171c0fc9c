package api

import (
	"github.com/gin-gonic/gin"

	"github.com/vibedev/vibedev/internal/common/config"
	"github.com/vibedev/vibedev/internal/common/logger"
	"github.com/vibedev/vibedev/internal/integrations"
	"github.com/vibedev/vibedev/internal/orchestrator"
	"github.com/vibedev/vibedev/internal/relay"
)

// NewRouter builds the gin engine with all orchestrator routes
func NewRouter(cfg config.ServerConfig, orch *orchestrator.Orchestrator, r *relay.Relay, integ *integrations.Client, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	engine.Use(Recovery(log))
	engine.Use(RequestLogger(log))
	engine.Use(ErrorHandler(log))
	engine.Use(CORS())
	if cfg.RateLimit > 0 {
		engine.Use(RateLimit(cfg.RateLimit))
	}

	handler := NewHandler(orch, integ, log)
	stream := NewStreamHandler(r, orch, log)

	engine.GET("/health", handler.Health)

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/backends", handler.ListBackends)

		projects := v1.Group("/projects")
		{
			projects.POST("", handler.CreateProject)
			projects.GET("", handler.ListProjects)
			projects.GET("/:projectId", handler.GetProject)
			projects.DELETE("/:projectId", handler.TerminateProject)

			projects.POST("/:projectId/prompt", handler.Prompt)
			projects.POST("/:projectId/cancel", handler.Cancel)
			projects.GET("/:projectId/messages", handler.ListMessages)

			projects.POST("/:projectId/preview", handler.StartPreview)
			projects.GET("/:projectId/preview", handler.PreviewStatus)
			projects.DELETE("/:projectId/preview", handler.StopPreview)

			projects.POST("/:projectId/integrations/:action", handler.ForwardIntegration)

			projects.GET("/:projectId/stream", stream.Stream)
		}
	}

	return engine
}
