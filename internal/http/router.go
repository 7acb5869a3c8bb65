package http

import (
	"github.com/gin-gonic/gin"

	httpH "github.com/reelgen/reelgen-backend/internal/http/handlers"
	httpMW "github.com/reelgen/reelgen-backend/internal/http/middleware"
	"github.com/reelgen/reelgen-backend/internal/observability"
	"github.com/reelgen/reelgen-backend/internal/pkg/logger"
)

type RouterConfig struct {
	Log            *logger.Logger
	Metrics        *observability.Metrics
	AuthMiddleware *httpMW.AuthMiddleware

	JobHandler      *httpH.JobHandler
	VideoHandler    *httpH.VideoHandler
	RealtimeHandler *httpH.RealtimeHandler
	HealthHandler   *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpMW.CORS())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := r.Group("/api")

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		if cfg.RealtimeHandler != nil {
			protected.GET("/sse/stream", cfg.RealtimeHandler.SSEStream)
		}

		if cfg.JobHandler != nil {
			protected.POST("/jobs", cfg.JobHandler.Submit)
			protected.GET("/jobs/:id", cfg.JobHandler.GetJob)
			protected.POST("/jobs/:id/cancel", cfg.JobHandler.Cancel)
			protected.POST("/jobs/:id/retry", cfg.JobHandler.Retry)
		}

		if cfg.VideoHandler != nil {
			protected.GET("/videos", cfg.VideoHandler.ListVideos)
			protected.GET("/videos/:id", cfg.VideoHandler.GetVideo)
		}
	}

	return r
}
