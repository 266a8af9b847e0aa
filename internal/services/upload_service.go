package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/trialops/sdvlink-backend/internal/ingest"
	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/normalizer"
	"github.com/trialops/sdvlink-backend/internal/repos"
	"github.com/trialops/sdvlink-backend/internal/requestdata"
	"github.com/trialops/sdvlink-backend/internal/tasks"
	"github.com/trialops/sdvlink-backend/internal/types"
)

var (
	ErrUnknownDatasetKind = errors.New("unknown dataset kind")
	ErrNotPrimaryDataset  = errors.New("merge runs against a site data entry dataset")
)

// UploadParams is one upload request after the HTTP layer unpacked it.
type UploadParams struct {
	JobType        string
	FileName       string
	Content        []byte
	LinkedUploadID *uuid.UUID
}

// UploadService accepts dataset uploads and merge triggers. The upload
// path validates headers synchronously, persists the job row, and hands
// the bytes to the coordinator on a separate goroutine so the request
// returns as soon as the job exists.
type UploadService struct {
	jobs        repos.UploadJobRepo
	uploads     repos.DatasetUploadRepo
	taskQueue   repos.TaskRepo
	coordinator *ingest.Coordinator
	notifier    *JobNotifier
	log         *logger.Logger
}

func NewUploadService(
	jobs repos.UploadJobRepo,
	uploads repos.DatasetUploadRepo,
	taskQueue repos.TaskRepo,
	coordinator *ingest.Coordinator,
	notifier *JobNotifier,
	baseLog *logger.Logger,
) *UploadService {
	return &UploadService{
		jobs:        jobs,
		uploads:     uploads,
		taskQueue:   taskQueue,
		coordinator: coordinator,
		notifier:    notifier,
		log:         baseLog.With("service", "UploadService"),
	}
}

// CreateUpload validates the export and starts its ingestion job.
func (s *UploadService) CreateUpload(ctx context.Context, rd *requestdata.RequestData, params UploadParams) (*types.UploadJob, error) {
	var required []string
	switch params.JobType {
	case types.JobTypeSiteDataEntry:
		required = normalizer.SiteDataEntryColumns
	case types.JobTypeSDVData:
		required = normalizer.SDVDataColumns
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDatasetKind, params.JobType)
	}

	if err := normalizer.ValidateHeaders(bytes.NewReader(params.Content), required); err != nil {
		return nil, err
	}

	job, err := s.jobs.Create(ctx, nil, &types.UploadJob{
		CompanyID: rd.CompanyID,
		UserID:    rd.UserID,
		JobType:   params.JobType,
		FileName:  params.FileName,
		Status:    types.JobStatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create upload job: %w", err)
	}
	s.notifier.JobCreated(job)
	s.log.Info("upload job created", "job_id", job.ID, "job_type", job.JobType, "file", job.FileName, "bytes", len(params.Content))

	go func() {
		// The request context dies with the response; staging gets its own.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.coordinator.Run(ctx, job, params.LinkedUploadID, params.Content); err != nil {
			s.log.Error("staging failed", "job_id", job.ID, "error", err)
		}
	}()

	return job, nil
}

// TriggerMerge enqueues a merge run for a primary dataset. Triggering an
// already-merged upload is fine: the run rebuilds the same records.
func (s *UploadService) TriggerMerge(ctx context.Context, rd *requestdata.RequestData, uploadID uuid.UUID) error {
	upload, err := s.uploads.GetByID(ctx, nil, rd.CompanyID, uploadID)
	if err != nil {
		return err
	}
	if upload.Kind != types.JobTypeSiteDataEntry {
		return ErrNotPrimaryDataset
	}

	payload, err := json.Marshal(tasks.MergePayload{UploadID: upload.ID, CompanyID: rd.CompanyID})
	if err != nil {
		return err
	}
	_, err = s.taskQueue.Enqueue(ctx, nil, []*types.Task{{
		CompanyID: rd.CompanyID,
		TaskType:  types.TaskTypeMergeUpload,
		Status:    types.TaskStatusQueued,
		Payload:   datatypes.JSON(payload),
	}})
	if err != nil {
		return fmt.Errorf("enqueue merge: %w", err)
	}
	s.log.Info("merge enqueued", "upload_id", upload.ID)
	return nil
}
