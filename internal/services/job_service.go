package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/repos"
	"github.com/trialops/sdvlink-backend/internal/requestdata"
	"github.com/trialops/sdvlink-backend/internal/types"
)

// ErrJobFinished is returned when a cancel arrives after the job already
// reached a terminal status.
var ErrJobFinished = errors.New("job already finished")

// JobService answers job queries and handles cancellation. All reads are
// company-scoped; a job id from another tenant behaves like a missing row.
type JobService struct {
	jobs     repos.UploadJobRepo
	notifier *JobNotifier
	log      *logger.Logger
}

func NewJobService(jobs repos.UploadJobRepo, notifier *JobNotifier, baseLog *logger.Logger) *JobService {
	return &JobService{
		jobs:     jobs,
		notifier: notifier,
		log:      baseLog.With("service", "JobService"),
	}
}

func (s *JobService) Get(ctx context.Context, rd *requestdata.RequestData, id uuid.UUID) (*types.UploadJob, error) {
	return s.jobs.GetByID(ctx, nil, rd.CompanyID, id)
}

func (s *JobService) ListActive(ctx context.Context, rd *requestdata.RequestData) ([]*types.UploadJob, error) {
	return s.jobs.ListActive(ctx, nil, rd.CompanyID)
}

func (s *JobService) ListHistory(ctx context.Context, rd *requestdata.RequestData, limit int) ([]*types.UploadJob, error) {
	return s.jobs.ListHistory(ctx, nil, rd.CompanyID, limit)
}

// Cancel moves a live job to cancelled. The status guard makes this a
// no-op race-free: chunk tasks still in flight observe the terminal
// status and drop their writes.
func (s *JobService) Cancel(ctx context.Context, rd *requestdata.RequestData, id uuid.UUID) (*types.UploadJob, error) {
	job, err := s.jobs.GetByID(ctx, nil, rd.CompanyID, id)
	if err != nil {
		return nil, err
	}

	ok, err := s.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID,
		[]string{types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled},
		map[string]interface{}{
			"status":       types.JobStatusCancelled,
			"completed_at": time.Now(),
		})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobFinished
	}

	cancelled, err := s.jobs.GetByID(ctx, nil, rd.CompanyID, id)
	if err != nil {
		return nil, err
	}
	s.log.Info("job cancelled", "job_id", cancelled.ID)
	s.notifier.JobDone(cancelled)
	return cancelled, nil
}
