package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/trialops/sdvlink-backend/internal/clients/gcp"
	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/repos"
	"github.com/trialops/sdvlink-backend/internal/types"
)

const (
	// chunkThresholdBytes is the file size above which an upload is split
	// into row-aligned chunks instead of staged as a single blob.
	chunkThresholdBytes = 10 << 20

	// chunkRows is how many data rows one staged chunk carries.
	chunkRows = 5000

	// putAttempts bounds retries per chunk blob upload. Backoff grows
	// 1s, 2s, 3s between attempts.
	putAttempts = 3
)

// denyTerminal guards job writes: a completed, failed, or cancelled job
// never changes again.
var denyTerminal = []string{types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled}

// Notifier publishes job lifecycle events to connected observers. All
// calls are fire-and-forget; delivery failures never affect the job.
type Notifier interface {
	JobProgress(job *types.UploadJob)
	JobFailed(job *types.UploadJob)
	JobDone(job *types.UploadJob)
}

// ChunkPayload is the task payload for one staged chunk. It carries
// everything the processor needs so chunk tasks survive process restarts
// without re-reading coordinator state.
type ChunkPayload struct {
	JobID          uuid.UUID  `json:"job_id"`
	UploadID       uuid.UUID  `json:"upload_id"`
	CompanyID      uuid.UUID  `json:"company_id"`
	UserID         uuid.UUID  `json:"user_id"`
	JobType        string     `json:"job_type"`
	FileName       string     `json:"file_name"`
	BlobKey        string     `json:"blob_key"`
	ChunkIndex     int        `json:"chunk_index"`
	TotalChunks    int        `json:"total_chunks"`
	TotalRows      int        `json:"total_rows"`
	LinkedUploadID *uuid.UUID `json:"linked_upload_id,omitempty"`
}

// Coordinator stages an uploaded CSV into chunk blobs and enqueues one
// ingest task per chunk. Blob uploads are sequential; chunk processing is
// not awaited, the tasks run on the worker pool and the one that observes
// the final chunk processed completes the job.
type Coordinator struct {
	jobs     repos.UploadJobRepo
	tasks    repos.TaskRepo
	blobs    gcp.BlobStore
	notifier Notifier
	log      *logger.Logger

	sleep func(time.Duration)
}

func NewCoordinator(jobs repos.UploadJobRepo, tasks repos.TaskRepo, blobs gcp.BlobStore, notifier Notifier, baseLog *logger.Logger) *Coordinator {
	return &Coordinator{
		jobs:     jobs,
		tasks:    tasks,
		blobs:    blobs,
		notifier: notifier,
		log:      baseLog.With("service", "IngestCoordinator"),
		sleep:    time.Sleep,
	}
}

// Run stages the upload for the given pending job. It is meant to run on
// its own goroutine: the HTTP handler returns as soon as the job row
// exists.
func (c *Coordinator) Run(ctx context.Context, job *types.UploadJob, linkedUploadID *uuid.UUID, content []byte) error {
	log := c.log.With("job_id", job.ID, "job_type", job.JobType)

	chunks, totalRows, failedRows, err := splitChunks(content)
	if err != nil {
		c.fail(ctx, job, fmt.Sprintf("could not split upload into chunks: %v", err), nil)
		return err
	}

	if len(chunks) == 0 {
		err := errors.New("upload has no parseable data rows")
		c.fail(ctx, job, err.Error(), map[string]interface{}{"failed_rows": failedRows})
		return err
	}

	uploadID := uuid.New()
	meta := types.JobMetadata{
		IsChunked:   len(content) > chunkThresholdBytes,
		TotalChunks: len(chunks),
		ChunkPaths:  make([]string, 0, len(chunks)),
	}
	for i := range chunks {
		meta.ChunkPaths = append(meta.ChunkPaths, chunkKey(job.ID, i+1))
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	now := time.Now()
	ok, err := c.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID, denyTerminal, map[string]interface{}{
		"status":         types.JobStatusProcessing,
		"started_at":     now,
		"total_records":  totalRows,
		"failed_records": failedRows,
		"metadata":       datatypes.JSON(metaJSON),
	})
	if err != nil {
		return err
	}
	if !ok {
		// Cancelled before any chunk moved.
		log.Info("job no longer accepts writes, staging skipped")
		return nil
	}

	log.Info("staging upload", "chunks", len(chunks), "rows", totalRows, "chunked", meta.IsChunked)

	for i, chunk := range chunks {
		n := i + 1
		key := chunkKey(job.ID, n)

		if err := c.putWithRetry(ctx, key, chunk); err != nil {
			msg := fmt.Sprintf("staging chunk %d of %d failed: %v", n, len(chunks), err)
			c.fail(ctx, job, msg, map[string]interface{}{"chunk": n, "total_chunks": len(chunks)})
			c.cleanup(job.ID)
			return errors.New(msg)
		}

		payload, err := json.Marshal(ChunkPayload{
			JobID:          job.ID,
			UploadID:       uploadID,
			CompanyID:      job.CompanyID,
			UserID:         job.UserID,
			JobType:        job.JobType,
			FileName:       job.FileName,
			BlobKey:        key,
			ChunkIndex:     n,
			TotalChunks:    len(chunks),
			TotalRows:      totalRows,
			LinkedUploadID: linkedUploadID,
		})
		if err != nil {
			return err
		}
		_, err = c.tasks.Enqueue(ctx, nil, []*types.Task{{
			CompanyID: job.CompanyID,
			TaskType:  types.TaskTypeIngestChunk,
			Status:    types.TaskStatusQueued,
			Payload:   datatypes.JSON(payload),
		}})
		if err != nil {
			msg := fmt.Sprintf("enqueue for chunk %d of %d failed: %v", n, len(chunks), err)
			c.fail(ctx, job, msg, map[string]interface{}{"chunk": n})
			c.cleanup(job.ID)
			return errors.New(msg)
		}

		progress := stagingProgress(n, totalRows)
		ok, err := c.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID, denyTerminal, map[string]interface{}{
			"progress": progress,
			// current_chunk is patched in place so concurrent
			// processed_chunks increments from chunk tasks are not clobbered.
			"metadata": gorm.Expr("jsonb_set(COALESCE(metadata, '{}'::jsonb), '{current_chunk}', ?::text::jsonb, true)", n),
		})
		if err != nil {
			log.Warn("progress update failed", "chunk", n, "error", err)
		}
		if !ok && err == nil {
			// The guard rejects for any terminal status: the last
			// chunk's task can complete the job before this progress
			// write lands, which is success, not cancellation.
			current, gerr := c.jobs.GetByID(ctx, nil, job.CompanyID, job.ID)
			if gerr == nil && current.Status == types.JobStatusCompleted {
				log.Info("job completed during staging", "chunk", n)
				return nil
			}
			log.Info("job cancelled during staging, remaining chunks skipped", "chunk", n)
			c.cleanup(job.ID)
			return nil
		}

		snapshot := *job
		snapshot.Status = types.JobStatusProcessing
		snapshot.Progress = progress
		snapshot.TotalRecords = totalRows
		c.notifier.JobProgress(&snapshot)
	}

	log.Info("staging complete", "chunks", len(chunks))
	return nil
}

func (c *Coordinator) putWithRetry(ctx context.Context, key string, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= putAttempts; attempt++ {
		lastErr = c.blobs.Put(ctx, key, bytes.NewReader(data))
		if lastErr == nil {
			return nil
		}
		c.log.Warn("chunk upload attempt failed", "key", key, "attempt", attempt, "error", lastErr)
		if attempt < putAttempts {
			c.sleep(time.Duration(attempt) * time.Second)
		}
	}
	return lastErr
}

func (c *Coordinator) fail(ctx context.Context, job *types.UploadJob, msg string, details map[string]interface{}) {
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
	ok, err := c.jobs.UpdateFieldsUnlessStatus(ctx, nil, job.ID, denyTerminal, updates)
	if err != nil {
		c.log.Error("failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	snapshot := *job
	snapshot.Status = types.JobStatusFailed
	snapshot.ErrorMessage = msg
	c.notifier.JobFailed(&snapshot)
}

// cleanup drops all staged blobs for a job. Best effort: orphaned blobs
// cost storage, not correctness.
func (c *Coordinator) cleanup(jobID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.blobs.DeletePrefix(ctx, stagePrefix(jobID)); err != nil {
		c.log.Warn("staged blob cleanup failed", "job_id", jobID, "error", err)
	}
}

func stagePrefix(jobID uuid.UUID) string {
	return fmt.Sprintf("uploads/%s/", jobID)
}

func chunkKey(jobID uuid.UUID, n int) string {
	return fmt.Sprintf("%schunk_%05d.csv", stagePrefix(jobID), n)
}

// stagingProgress reports how far staging has moved through the data rows
// after chunk n went up.
func stagingProgress(n, totalRows int) int {
	if totalRows <= 0 {
		return 100
	}
	staged := n * chunkRows
	if staged > totalRows {
		staged = totalRows
	}
	return int(math.Round(float64(staged) / float64(totalRows) * 100))
}

// splitChunks re-serializes the upload into standalone CSV chunks of at
// most chunkRows data rows, each carrying both header rows so the chunk
// parses on its own. Splitting goes through the csv package rather than
// newline scanning: quoted cells may contain line breaks, and a chunk
// boundary inside a quoted cell would corrupt both neighboring chunks.
// Rows the parser rejects never reach a chunk, so their count is returned
// here and recorded on the job up front.
func splitChunks(content []byte) (chunks [][]byte, totalRows, failedRows int, err error) {
	cr := csv.NewReader(bytes.NewReader(content))
	cr.FieldsPerRecord = -1

	labelRow, err := cr.Read()
	if err != nil {
		return nil, 0, 0, errors.New("upload is missing its header rows")
	}
	headerRow, err := cr.Read()
	if err != nil {
		return nil, 0, 0, errors.New("upload is missing its header rows")
	}

	var rows [][]string
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			failedRows++
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 && failedRows == 0 {
		return nil, 0, 0, errors.New("upload has no data rows")
	}

	for start := 0; start < len(rows); start += chunkRows {
		end := start + chunkRows
		if end > len(rows) {
			end = len(rows)
		}
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(labelRow); err != nil {
			return nil, 0, 0, err
		}
		if err := w.Write(headerRow); err != nil {
			return nil, 0, 0, err
		}
		if err := w.WriteAll(rows[start:end]); err != nil {
			return nil, 0, 0, err
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, 0, 0, err
		}
		chunks = append(chunks, buf.Bytes())
	}
	return chunks, len(rows), failedRows, nil
}
