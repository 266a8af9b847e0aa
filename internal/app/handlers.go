package app

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	internalhttp "github.com/trialops/sdvlink-backend/internal/http"
	httpH "github.com/trialops/sdvlink-backend/internal/http/handlers"
	httpMW "github.com/trialops/sdvlink-backend/internal/http/middleware"
	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/sse"
)

type Handlers struct {
	Health    *httpH.HealthHandler
	Upload    *httpH.UploadHandler
	Job       *httpH.JobHandler
	Hierarchy *httpH.HierarchyHandler
	Realtime  *httpH.RealtimeHandler
}

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

func wireHandlers(db *gorm.DB, serviceset Services, hub *sse.SSEHub, log *logger.Logger) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:    httpH.NewHealthHandler(db),
		Upload:    httpH.NewUploadHandler(log, serviceset.Uploads),
		Job:       httpH.NewJobHandler(serviceset.Jobs),
		Hierarchy: httpH.NewHierarchyHandler(serviceset.Hierarchy),
		Realtime:  httpH.NewRealtimeHandler(log, hub),
	}
}

func wireMiddleware(cfg Config, log *logger.Logger) Middleware {
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(cfg.JWTSecretKey, log),
	}
}

func wireRouter(handlerset Handlers, middleware Middleware, log *logger.Logger) *gin.Engine {
	return internalhttp.NewRouter(internalhttp.RouterConfig{
		Log:              log,
		AuthMiddleware:   middleware.Auth,
		HealthHandler:    handlerset.Health,
		UploadHandler:    handlerset.Upload,
		JobHandler:       handlerset.Job,
		HierarchyHandler: handlerset.Hierarchy,
		RealtimeHandler:  handlerset.Realtime,
	})
}
