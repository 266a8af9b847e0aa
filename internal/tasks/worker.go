package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/repos"
	"github.com/trialops/sdvlink-backend/internal/types"
	"github.com/trialops/sdvlink-backend/internal/utils"
)

// PoolConfig tunes the worker pool. Zero values fall back to the
// environment (TASK_* variables) and then to defaults.
type PoolConfig struct {
	Workers        int
	PollInterval   time.Duration
	MaxAttempts    int
	RetryDelay     time.Duration
	StaleRunning   time.Duration
	HeartbeatEvery time.Duration
}

func PoolConfigFromEnv(log *logger.Logger) PoolConfig {
	return PoolConfig{
		Workers:        utils.GetEnvAsInt("TASK_WORKERS", 4, log),
		PollInterval:   time.Duration(utils.GetEnvAsInt("TASK_POLL_INTERVAL_MS", 500, log)) * time.Millisecond,
		MaxAttempts:    utils.GetEnvAsInt("TASK_MAX_ATTEMPTS", 3, log),
		RetryDelay:     time.Duration(utils.GetEnvAsInt("TASK_RETRY_DELAY_MS", 5000, log)) * time.Millisecond,
		StaleRunning:   time.Duration(utils.GetEnvAsInt("TASK_STALE_RUNNING_SEC", 120, log)) * time.Second,
		HeartbeatEvery: time.Duration(utils.GetEnvAsInt("TASK_HEARTBEAT_SEC", 15, log)) * time.Second,
	}
}

// WorkerPool runs the database-backed task queue: each worker claims the
// next runnable task with SKIP LOCKED, heartbeats it while the handler
// runs, and records the outcome. Queue state survives restarts because
// it is just rows; a crashed worker's task reappears once its heartbeat
// goes stale.
type WorkerPool struct {
	repo     repos.TaskRepo
	registry *Registry
	cfg      PoolConfig
	log      *logger.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewWorkerPool(repo repos.TaskRepo, registry *Registry, cfg PoolConfig, baseLog *logger.Logger) *WorkerPool {
	return &WorkerPool{
		repo:     repo,
		registry: registry,
		cfg:      cfg,
		log:      baseLog.With("component", "WorkerPool"),
	}
}

func (p *WorkerPool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(runCtx, i)
	}
	p.log.Info("worker pool started", "workers", p.cfg.Workers)
}

// Stop signals every worker and waits for in-flight handlers to return.
func (p *WorkerPool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *WorkerPool) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.log.With("worker", n)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := p.repo.ClaimNextRunnable(ctx, nil, p.cfg.MaxAttempts, p.cfg.RetryDelay, p.cfg.StaleRunning)
		if err != nil {
			log.Error("claim failed", "error", err)
			p.pause(ctx)
			continue
		}
		if task == nil {
			p.pause(ctx)
			continue
		}
		p.execute(ctx, log, task)
	}
}

func (p *WorkerPool) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.PollInterval):
	}
}

func (p *WorkerPool) execute(ctx context.Context, log *logger.Logger, task *types.Task) {
	log = log.With("task_id", task.ID, "task_type", task.TaskType, "attempt", task.Attempts+1)

	handler, ok := p.registry.Resolve(task.TaskType)
	if !ok {
		// No retry budget for a type nothing handles.
		log.Error("no handler registered")
		p.recordFailure(task, fmt.Sprintf("no handler registered for %q", task.TaskType))
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, task)

	err := p.runHandler(ctx, handler, task)
	stopHeartbeat()

	if err != nil {
		log.Error("task failed", "error", err)
		p.recordFailure(task, err.Error())
		return
	}
	now := time.Now()
	// Outcome writes use a fresh context so a shutdown that cancelled the
	// run context cannot strand a finished task in running state.
	if uErr := p.repo.UpdateFields(context.Background(), nil, task.ID, map[string]interface{}{
		"status":       types.TaskStatusSucceeded,
		"error":        "",
		"locked_at":    nil,
		"heartbeat_at": nil,
		"updated_at":   now,
	}); uErr != nil {
		log.Error("could not record task success", "error", uErr)
	}
}

// runHandler isolates handler panics: a panicking task must burn one
// attempt, not take the worker down.
func (p *WorkerPool) runHandler(ctx context.Context, handler HandlerFunc, task *types.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, task)
}

func (p *WorkerPool) recordFailure(task *types.Task, msg string) {
	now := time.Now()
	if err := p.repo.UpdateFields(context.Background(), nil, task.ID, map[string]interface{}{
		"status":        types.TaskStatusFailed,
		"error":         msg,
		"last_error_at": now,
		"locked_at":     nil,
		"heartbeat_at":  nil,
		"updated_at":    now,
	}); err != nil {
		p.log.Error("could not record task failure", "task_id", task.ID, "error", err)
	}
}

func (p *WorkerPool) heartbeat(ctx context.Context, task *types.Task) {
	ticker := time.NewTicker(p.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.repo.Heartbeat(ctx, nil, task.ID); err != nil {
				p.log.Warn("heartbeat failed", "task_id", task.ID, "error", err)
			}
		}
	}
}
