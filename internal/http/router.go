package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/trialops/sdvlink-backend/internal/http/handlers"
	httpMW "github.com/trialops/sdvlink-backend/internal/http/middleware"
	"github.com/trialops/sdvlink-backend/internal/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	AuthMiddleware *httpMW.AuthMiddleware

	HealthHandler    *httpH.HealthHandler
	UploadHandler    *httpH.UploadHandler
	JobHandler       *httpH.JobHandler
	HierarchyHandler *httpH.HierarchyHandler
	RealtimeHandler  *httpH.RealtimeHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("sdvlink-backend"))
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.CORS(cfg.Log))

	if cfg.HealthHandler != nil {
		r.GET("/healthz", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if cfg.UploadHandler != nil {
		api.POST("/uploads", cfg.UploadHandler.CreateUpload)
		api.POST("/uploads/:id/merge", cfg.UploadHandler.TriggerMerge)
	}
	if cfg.HierarchyHandler != nil {
		api.GET("/uploads/:id/hierarchy", cfg.HierarchyHandler.GetHierarchy)
	}
	if cfg.JobHandler != nil {
		api.GET("/jobs/active", cfg.JobHandler.ListActive)
		api.GET("/jobs/history", cfg.JobHandler.ListHistory)
		api.GET("/jobs/:id", cfg.JobHandler.GetJob)
		api.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
	}
	if cfg.RealtimeHandler != nil {
		api.GET("/events", cfg.RealtimeHandler.Stream)
	}

	return r
}
