package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	redisclients "github.com/trialops/sdvlink-backend/internal/clients/redis"
	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/sse"
	"github.com/trialops/sdvlink-backend/internal/types"
)

// JobChannel is the SSE channel carrying every job event for one company.
func JobChannel(companyID uuid.UUID) string {
	return fmt.Sprintf("jobs:%s", companyID)
}

// JobNotifier fans job lifecycle events to local SSE subscribers and, when
// a Redis bus is configured, to subscribers on other instances. Events are
// advisory: the job row is the source of truth and a missed event costs a
// client one poll, nothing more.
type JobNotifier struct {
	hub *sse.SSEHub
	bus redisclients.SSEBus
	log *logger.Logger
}

func NewJobNotifier(hub *sse.SSEHub, bus redisclients.SSEBus, baseLog *logger.Logger) *JobNotifier {
	return &JobNotifier{
		hub: hub,
		bus: bus,
		log: baseLog.With("service", "JobNotifier"),
	}
}

func (n *JobNotifier) JobCreated(job *types.UploadJob)  { n.publishJob(sse.SSEEventJobCreated, job) }
func (n *JobNotifier) JobProgress(job *types.UploadJob) { n.publishJob(sse.SSEEventJobProgress, job) }
func (n *JobNotifier) JobFailed(job *types.UploadJob)   { n.publishJob(sse.SSEEventJobFailed, job) }
func (n *JobNotifier) JobDone(job *types.UploadJob)     { n.publishJob(sse.SSEEventJobDone, job) }

func (n *JobNotifier) MergeDone(companyID, uploadID uuid.UUID) {
	n.publish(sse.SSEMessage{
		Channel: JobChannel(companyID),
		Event:   sse.SSEEventMergeDone,
		Data:    map[string]interface{}{"upload_id": uploadID},
	})
}

func (n *JobNotifier) publishJob(event sse.SSEEvent, job *types.UploadJob) {
	n.publish(sse.SSEMessage{
		Channel: JobChannel(job.CompanyID),
		Event:   event,
		Data:    job,
	})
}

func (n *JobNotifier) publish(msg sse.SSEMessage) {
	n.hub.Broadcast(msg)
	if n.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.bus.Publish(ctx, msg); err != nil {
		n.log.Warn("bus publish failed", "channel", msg.Channel, "event", msg.Event, "error", err)
	}
}
