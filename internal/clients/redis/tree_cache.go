package redis

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/trialops/sdvlink-backend/internal/logger"
)

// TreeCache holds serialized hierarchy trees so repeated reads of a large
// upload do not rebuild from merged records every time. The merge engine
// invalidates an upload's entry whenever it rewrites the records.
type TreeCache interface {
	Get(ctx context.Context, uploadID uuid.UUID) ([]byte, bool, error)
	Set(ctx context.Context, uploadID uuid.UUID, payload []byte) error
	Invalidate(ctx context.Context, uploadID uuid.UUID) error
	Close() error
}

type treeCache struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

func NewTreeCache(log *logger.Logger) (TreeCache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &treeCache{
		log: log.With("service", "RedisTreeCache"),
		rdb: rdb,
		ttl: time.Hour,
	}, nil
}

func treeKey(uploadID uuid.UUID) string {
	return "hierarchy:" + uploadID.String()
}

func (c *treeCache) Get(ctx context.Context, uploadID uuid.UUID) ([]byte, bool, error) {
	raw, err := c.rdb.Get(ctx, treeKey(uploadID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (c *treeCache) Set(ctx context.Context, uploadID uuid.UUID, payload []byte) error {
	return c.rdb.Set(ctx, treeKey(uploadID), payload, c.ttl).Err()
}

func (c *treeCache) Invalidate(ctx context.Context, uploadID uuid.UUID) error {
	return c.rdb.Del(ctx, treeKey(uploadID)).Err()
}

func (c *treeCache) Close() error {
	return c.rdb.Close()
}
