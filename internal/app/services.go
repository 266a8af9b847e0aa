package app

import (
	"gorm.io/gorm"

	"github.com/trialops/sdvlink-backend/internal/ingest"
	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/merge"
	"github.com/trialops/sdvlink-backend/internal/services"
	"github.com/trialops/sdvlink-backend/internal/sse"
	"github.com/trialops/sdvlink-backend/internal/tasks"
)

type Services struct {
	Notifier  *services.JobNotifier
	Uploads   *services.UploadService
	Jobs      *services.JobService
	Hierarchy *services.HierarchyService

	Coordinator *ingest.Coordinator
	Processor   *ingest.Processor
	MergeEngine *merge.Engine
	WorkerPool  *tasks.WorkerPool
}

func wireServices(db *gorm.DB, cfg Config, reposet Repos, clients Clients, hub *sse.SSEHub, log *logger.Logger) Services {
	log.Info("Wiring services...")

	notifier := services.NewJobNotifier(hub, clients.Bus, log)

	coordinator := ingest.NewCoordinator(reposet.UploadJobs, reposet.Tasks, clients.Blobs, notifier, log)
	processor := ingest.NewProcessor(reposet.UploadJobs, reposet.DatasetUploads, reposet.SiteRecords, reposet.SDVRecords, clients.Blobs, notifier, log)

	var invalidator merge.TreeInvalidator
	if clients.TreeCache != nil {
		invalidator = clients.TreeCache
	}
	engine := merge.NewEngine(db, reposet.DatasetUploads, reposet.SiteRecords, reposet.SDVRecords, reposet.MergedRecords, reposet.QueryRecords, invalidator, log)

	registry := tasks.NewRegistry()
	tasks.RegisterPipeline(registry, processor, engine, notifier)
	pool := tasks.NewWorkerPool(reposet.Tasks, registry, cfg.Pool, log)

	return Services{
		Notifier:    notifier,
		Uploads:     services.NewUploadService(reposet.UploadJobs, reposet.DatasetUploads, reposet.Tasks, coordinator, notifier, log),
		Jobs:        services.NewJobService(reposet.UploadJobs, notifier, log),
		Hierarchy:   services.NewHierarchyService(reposet.DatasetUploads, reposet.MergedRecords, clients.TreeCache, log),
		Coordinator: coordinator,
		Processor:   processor,
		MergeEngine: engine,
		WorkerPool:  pool,
	}
}
