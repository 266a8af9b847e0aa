package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	"github.com/trialops/sdvlink-backend/internal/clients/gcp"
	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/normalizer"
	"github.com/trialops/sdvlink-backend/internal/repos"
	"github.com/trialops/sdvlink-backend/internal/types"
)

const (
	// upsertBatchSize is how many raw rows go into one insert statement.
	upsertBatchSize = 500

	// upsertConcurrency bounds parallel batch inserts per chunk.
	upsertConcurrency = 4
)

// Processor handles one ingest_chunk task: parse the staged blob, persist
// its rows, and, when it is the last outstanding chunk, finish the job.
type Processor struct {
	jobs        repos.UploadJobRepo
	uploads     repos.DatasetUploadRepo
	siteRecords repos.SiteEntryRecordRepo
	sdvRecords  repos.SDVRecordRepo
	blobs       gcp.BlobStore
	notifier    Notifier
	log         *logger.Logger
}

func NewProcessor(
	jobs repos.UploadJobRepo,
	uploads repos.DatasetUploadRepo,
	siteRecords repos.SiteEntryRecordRepo,
	sdvRecords repos.SDVRecordRepo,
	blobs gcp.BlobStore,
	notifier Notifier,
	baseLog *logger.Logger,
) *Processor {
	return &Processor{
		jobs:        jobs,
		uploads:     uploads,
		siteRecords: siteRecords,
		sdvRecords:  sdvRecords,
		blobs:       blobs,
		notifier:    notifier,
		log:         baseLog.With("service", "IngestProcessor"),
	}
}

// Process runs one chunk. A returned error means the attempt can be
// retried; permanent problems (bad CSV, unknown dataset kind) fail the
// job and return nil so the task is not retried pointlessly.
func (p *Processor) Process(ctx context.Context, payload ChunkPayload) error {
	log := p.log.With("job_id", payload.JobID, "chunk", payload.ChunkIndex)

	job, err := p.jobs.GetByID(ctx, nil, payload.CompanyID, payload.JobID)
	if err != nil {
		if errors.Is(err, repos.ErrNotFound) {
			log.Warn("job row missing, dropping chunk")
			return nil
		}
		return err
	}
	if types.Terminal(job.Status) {
		// Cancelled or already failed while this chunk waited in the queue.
		log.Info("job already terminal, dropping chunk", "status", job.Status)
		p.deleteBlob(payload.BlobKey)
		return nil
	}

	required, err := requiredColumns(payload.JobType)
	if err != nil {
		p.failJob(ctx, job, err.Error(), nil)
		return nil
	}

	rc, err := p.blobs.Get(ctx, payload.BlobKey)
	if err != nil {
		return fmt.Errorf("read staged chunk %s: %w", payload.BlobKey, err)
	}
	res, parseErr := normalizer.Parse(rc, required)
	rc.Close()
	if parseErr != nil {
		p.failJob(ctx, job, fmt.Sprintf("chunk %d of %d is not a valid export: %v", payload.ChunkIndex, payload.TotalChunks, parseErr),
			map[string]interface{}{"chunk": payload.ChunkIndex})
		return nil
	}

	records := dedupe(res.Records)
	if err := p.persist(ctx, payload, records); err != nil {
		return fmt.Errorf("persist chunk %d: %w", payload.ChunkIndex, err)
	}

	// A retried chunk re-upserts the same rows (harmless) but must not
	// re-add its counts; counted=false means an earlier attempt already
	// did, and only the completion check below remains.
	meta, counted, err := p.jobs.MarkChunkProcessed(ctx, nil, job.ID, payload.ChunkIndex, len(records), res.FailedRows)
	if err != nil {
		return err
	}
	if !counted {
		log.Info("chunk already counted, retry resumes at completion check")
	}
	log.Info("chunk processed", "records", len(records), "processed_chunks", meta.ProcessedChunks, "total_chunks", meta.TotalChunks)

	if meta.ProcessedChunks >= meta.TotalChunks {
		return p.finish(ctx, payload)
	}
	return nil
}

// persist upserts the chunk's rows in bounded-parallel batches. Upserts
// are keyed on (upload_id, merge_key), so a retried chunk rewrites the
// same rows instead of duplicating them.
func (p *Processor) persist(ctx context.Context, payload ChunkPayload, records []normalizer.Record) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(upsertConcurrency)

	for start := 0; start < len(records); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		g.Go(func() error {
			switch payload.JobType {
			case types.JobTypeSiteDataEntry:
				return p.siteRecords.UpsertBatch(gctx, nil, toSiteEntryRecords(payload.UploadID, batch))
			case types.JobTypeSDVData:
				return p.sdvRecords.UpsertBatch(gctx, nil, toSDVRecords(payload.UploadID, batch))
			default:
				return fmt.Errorf("unknown dataset kind %q", payload.JobType)
			}
		})
	}
	return g.Wait()
}

// finish runs once, in whichever chunk task observed the final increment:
// it materializes the DatasetUpload, completes the job, and drops the
// staged blobs.
func (p *Processor) finish(ctx context.Context, payload ChunkPayload) error {
	job, err := p.jobs.GetByID(ctx, nil, payload.CompanyID, payload.JobID)
	if err != nil {
		return err
	}
	if types.Terminal(job.Status) {
		p.cleanup(payload.JobID)
		return nil
	}

	var count int64
	switch payload.JobType {
	case types.JobTypeSiteDataEntry:
		count, err = p.siteRecords.CountByUpload(ctx, nil, payload.UploadID)
	case types.JobTypeSDVData:
		count, err = p.sdvRecords.CountByUpload(ctx, nil, payload.UploadID)
	}
	if err != nil {
		return err
	}

	upload, err := p.uploads.Create(ctx, nil, &types.DatasetUpload{
		ID:             payload.UploadID,
		CompanyID:      payload.CompanyID,
		UserID:         payload.UserID,
		Kind:           payload.JobType,
		FileName:       payload.FileName,
		RecordCount:    int(count),
		LinkedUploadID: payload.LinkedUploadID,
		MergeStatus:    types.MergeStatusPending,
	})
	if err != nil {
		return fmt.Errorf("create dataset upload: %w", err)
	}

	now := time.Now()
	ok, err := p.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID, denyTerminal, map[string]interface{}{
		"status":       types.JobStatusCompleted,
		"progress":     100,
		"upload_id":    upload.ID,
		"completed_at": now,
	})
	if err != nil {
		return err
	}
	if !ok {
		p.log.Warn("job went terminal during finish, dataset kept", "job_id", job.ID, "upload_id", upload.ID)
		p.cleanup(payload.JobID)
		return nil
	}

	p.cleanup(payload.JobID)

	snapshot := *job
	snapshot.Status = types.JobStatusCompleted
	snapshot.Progress = 100
	snapshot.UploadID = &upload.ID
	snapshot.CompletedAt = &now
	p.notifier.JobDone(&snapshot)

	p.log.Info("upload ingested", "job_id", job.ID, "upload_id", upload.ID, "records", count)
	return nil
}

func (p *Processor) failJob(ctx context.Context, job *types.UploadJob, msg string, details map[string]interface{}) {
	updates := map[string]interface{}{
		"status":        types.JobStatusFailed,
		"error_message": msg,
		"completed_at":  time.Now(),
	}
	if details != nil {
		if raw, err := json.Marshal(details); err == nil {
			updates["error_details"] = datatypes.JSON(raw)
		}
	}
	ok, err := p.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID, denyTerminal, updates)
	if err != nil {
		p.log.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}
	p.cleanup(job.ID)
	if !ok {
		return
	}
	snapshot := *job
	snapshot.Status = types.JobStatusFailed
	snapshot.ErrorMessage = msg
	p.notifier.JobFailed(&snapshot)
}

func (p *Processor) cleanup(jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.blobs.DeletePrefix(ctx, stagePrefix(jobID)); err != nil {
		p.log.Warn("staged blob cleanup failed", "job_id", jobID, "error", err)
	}
}

func (p *Processor) deleteBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.blobs.Delete(ctx, key); err != nil {
		p.log.Warn("staged blob delete failed", "key", key, "error", err)
	}
}

func requiredColumns(jobType string) ([]string, error) {
	switch jobType {
	case types.JobTypeSiteDataEntry:
		return normalizer.SiteDataEntryColumns, nil
	case types.JobTypeSDVData:
		return normalizer.SDVDataColumns, nil
	}
	return nil, fmt.Errorf("unknown dataset kind %q", jobType)
}

// dedupe keeps the last record per merge key, preserving first-seen
// order. One insert statement may not touch the same conflict target
// twice, so in-batch duplicates must collapse before the upsert.
func dedupe(records []normalizer.Record) []normalizer.Record {
	index := make(map[string]int, len(records))
	out := make([]normalizer.Record, 0, len(records))
	for _, rec := range records {
		key := rec.MergeKey()
		if i, ok := index[key]; ok {
			out[i] = rec
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}

func toSiteEntryRecords(uploadID uuid.UUID, records []normalizer.Record) []*types.SiteEntryRecord {
	out := make([]*types.SiteEntryRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, &types.SiteEntryRecord{
			UploadID:        uploadID,
			MergeKey:        rec.MergeKey(),
			SiteName:        rec[normalizer.ColSiteName],
			SubjectID:       rec[normalizer.ColSubjectID],
			EventName:       rec[normalizer.ColEventName],
			FormName:        rec[normalizer.ColFormName],
			ItemID:          rec[normalizer.ColItemID],
			ItemExportLabel: rec[normalizer.ColItemExportLabel],
			EditDateTime:    rec[normalizer.ColEditDateTime],
			EditBy:          rec[normalizer.ColEditBy],
		})
	}
	return out
}

func toSDVRecords(uploadID uuid.UUID, records []normalizer.Record) []*types.SDVRecord {
	out := make([]*types.SDVRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, &types.SDVRecord{
			UploadID:  uploadID,
			MergeKey:  rec.MergeKey(),
			SiteName:  rec[normalizer.ColSiteName],
			SubjectID: rec[normalizer.ColSubjectID],
			EventName: rec[normalizer.ColEventName],
			FormName:  rec[normalizer.ColFormName],
			ItemID:    rec[normalizer.ColItemID],
			ItemName:  rec[normalizer.ColItemName],
			SdvBy:     rec[normalizer.ColSdvBy],
			SdvDate:   rec[normalizer.ColSdvDate],
		})
	}
	return out
}
