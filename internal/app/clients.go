package app

import (
	"fmt"

	"github.com/trialops/sdvlink-backend/internal/clients/gcp"
	redisclients "github.com/trialops/sdvlink-backend/internal/clients/redis"
	"github.com/trialops/sdvlink-backend/internal/logger"
)

type Clients struct {
	Blobs     gcp.BlobStore
	Bus       redisclients.SSEBus
	TreeCache redisclients.TreeCache
}

func wireClients(cfg Config, log *logger.Logger) (Clients, error) {
	log.Info("Wiring clients...")

	blobs, err := gcp.NewBucketStore(log)
	if err != nil {
		return Clients{}, fmt.Errorf("init blob store: %w", err)
	}

	clients := Clients{Blobs: blobs}

	// Redis is optional: without it SSE events stay instance-local and
	// the hierarchy cache is skipped.
	if cfg.RedisEnabled {
		bus, err := redisclients.NewSSEBus(log)
		if err != nil {
			return Clients{}, fmt.Errorf("init sse bus: %w", err)
		}
		cache, err := redisclients.NewTreeCache(log)
		if err != nil {
			return Clients{}, fmt.Errorf("init tree cache: %w", err)
		}
		clients.Bus = bus
		clients.TreeCache = cache
	} else {
		log.Warn("REDIS_ADDR not set; running without cross-instance events or tree cache")
	}

	return clients, nil
}
