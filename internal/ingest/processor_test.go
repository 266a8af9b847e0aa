package ingest

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/trialops/sdvlink-backend/internal/normalizer"
	"github.com/trialops/sdvlink-backend/internal/types"
)

type processorFixture struct {
	jobs     *fakeJobRepo
	uploads  *fakeUploadRepo
	site     *fakeSiteEntryRepo
	sdv      *fakeSDVRepo
	blobs    *fakeBlobStore
	notifier *fakeNotifier
	proc     *Processor
}

func newProcessorFixture(t *testing.T, job *types.UploadJob) *processorFixture {
	t.Helper()
	f := &processorFixture{
		jobs:     newFakeJobRepo(job),
		uploads:  newFakeUploadRepo(),
		site:     newFakeSiteEntryRepo(),
		sdv:      newFakeSDVRepo(),
		blobs:    newFakeBlobStore(),
		notifier: &fakeNotifier{},
	}
	f.proc = NewProcessor(f.jobs, f.uploads, f.site, f.sdv, f.blobs, f.notifier, testLog(t))
	return f
}

func (f *processorFixture) stage(t *testing.T, key string, content []byte) {
	t.Helper()
	if err := f.blobs.Put(context.Background(), key, bytes.NewReader(content)); err != nil {
		t.Fatalf("stage blob: %v", err)
	}
}

func chunkPayload(job *types.UploadJob, uploadID uuid.UUID, chunk, total int) ChunkPayload {
	return ChunkPayload{
		JobID:       job.ID,
		UploadID:    uploadID,
		CompanyID:   job.CompanyID,
		UserID:      job.UserID,
		JobType:     job.JobType,
		FileName:    job.FileName,
		BlobKey:     chunkKey(job.ID, chunk),
		ChunkIndex:  chunk,
		TotalChunks: total,
	}
}

func TestProcessPersistsIntermediateChunk(t *testing.T) {
	job := pendingJob()
	job.Status = types.JobStatusProcessing
	f := newProcessorFixture(t, job)
	f.jobs.meta[job.ID].TotalChunks = 2

	uploadID := uuid.New()
	payload := chunkPayload(job, uploadID, 1, 2)
	f.stage(t, payload.BlobKey, siteEntryCSV(3))

	if err := f.proc.Process(context.Background(), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if n, _ := f.site.CountByUpload(context.Background(), nil, uploadID); n != 3 {
		t.Fatalf("persisted rows = %d", n)
	}
	if got := f.jobs.status(job.ID); got != types.JobStatusProcessing {
		t.Fatalf("status = %q, job must wait for the last chunk", got)
	}
	if len(f.uploads.uploads) != 0 {
		t.Fatalf("dataset created before the last chunk")
	}
}

func TestProcessFinalChunkCompletesJob(t *testing.T) {
	job := pendingJob()
	job.Status = types.JobStatusProcessing
	f := newProcessorFixture(t, job)
	f.jobs.meta[job.ID].TotalChunks = 1

	uploadID := uuid.New()
	payload := chunkPayload(job, uploadID, 1, 1)
	f.stage(t, payload.BlobKey, siteEntryCSV(4))

	if err := f.proc.Process(context.Background(), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if got := f.jobs.status(job.ID); got != types.JobStatusCompleted {
		t.Fatalf("status = %q", got)
	}
	upload, ok := f.uploads.uploads[uploadID]
	if !ok {
		t.Fatalf("dataset upload not created")
	}
	if upload.RecordCount != 4 || upload.Kind != types.JobTypeSiteDataEntry || upload.MergeStatus != types.MergeStatusPending {
		t.Fatalf("upload = %+v", upload)
	}
	if f.blobs.count() != 0 {
		t.Fatalf("staged blobs not cleaned: %d", f.blobs.count())
	}
	if f.notifier.done != 1 {
		t.Fatalf("done events = %d", f.notifier.done)
	}
}

func TestProcessRetryAfterCompletionWriteFailure(t *testing.T) {
	job := pendingJob()
	job.Status = types.JobStatusProcessing
	f := newProcessorFixture(t, job)
	f.jobs.meta[job.ID].TotalChunks = 1
	f.jobs.failStatusWrites = 1

	uploadID := uuid.New()
	payload := chunkPayload(job, uploadID, 1, 1)
	f.stage(t, payload.BlobKey, siteEntryCSV(3))

	if err := f.proc.Process(context.Background(), payload); err == nil {
		t.Fatalf("expected a retryable error when the completion write fails")
	}
	if got := f.jobs.status(job.ID); got != types.JobStatusProcessing {
		t.Fatalf("status after failed attempt = %q", got)
	}

	// The retry replays the whole chunk: same rows, same dataset id,
	// same completion attempt.
	if err := f.proc.Process(context.Background(), payload); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if got := f.jobs.status(job.ID); got != types.JobStatusCompleted {
		t.Fatalf("status after retry = %q", got)
	}
	if got := f.jobs.jobs[job.ID].ProcessedRecords; got != 3 {
		t.Fatalf("processed_records = %d, retry must not double-count", got)
	}
	if got := f.jobs.meta[job.ID].ProcessedChunks; got != 1 {
		t.Fatalf("processed_chunks = %d, retry must not double-count", got)
	}
	if f.uploads.creates != 2 {
		t.Fatalf("dataset creates = %d, both attempts reach the insert", f.uploads.creates)
	}
	if len(f.uploads.uploads) != 1 {
		t.Fatalf("dataset rows = %d", len(f.uploads.uploads))
	}
	if f.notifier.done != 1 {
		t.Fatalf("done events = %d", f.notifier.done)
	}
	if f.blobs.count() != 0 {
		t.Fatalf("staged blobs not cleaned after retry: %d", f.blobs.count())
	}
}

func TestProcessDedupesWithinChunk(t *testing.T) {
	job := pendingJob()
	job.Status = types.JobStatusProcessing
	f := newProcessorFixture(t, job)
	f.jobs.meta[job.ID].TotalChunks = 1

	csvText := "Site,Subject,Event,Form,Item,Label,Edited,By\n" +
		"SiteName,SubjectId,EventName,FormName,ItemId,ItemExportLabel,EditDateTime,EditBy\n" +
		"Site A,101,Week 1,Vitals,HR,Heart Rate,2024-03-01,first\n" +
		"Site A,101,Week 1,Vitals,HR,Heart Rate,2024-03-02,second\n"

	uploadID := uuid.New()
	payload := chunkPayload(job, uploadID, 1, 1)
	f.stage(t, payload.BlobKey, []byte(csvText))

	if err := f.proc.Process(context.Background(), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if n, _ := f.site.CountByUpload(context.Background(), nil, uploadID); n != 1 {
		t.Fatalf("persisted rows = %d, duplicate key must collapse", n)
	}
	row := f.site.rows[uploadID.String()+"/"+normalizer.MergeKey("101", "Week 1", "Vitals", "HR")]
	if row == nil || row.EditBy != "second" {
		t.Fatalf("row = %+v, last duplicate must win", row)
	}
}

func TestProcessDropsChunkForCancelledJob(t *testing.T) {
	job := pendingJob()
	job.Status = types.JobStatusCancelled
	f := newProcessorFixture(t, job)

	uploadID := uuid.New()
	payload := chunkPayload(job, uploadID, 1, 1)
	f.stage(t, payload.BlobKey, siteEntryCSV(2))

	if err := f.proc.Process(context.Background(), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if n, _ := f.site.CountByUpload(context.Background(), nil, uploadID); n != 0 {
		t.Fatalf("cancelled job persisted %d rows", n)
	}
	if f.blobs.count() != 0 {
		t.Fatalf("staged blob kept for cancelled job")
	}
}

func TestProcessBadChunkFailsJob(t *testing.T) {
	job := pendingJob()
	job.Status = types.JobStatusProcessing
	f := newProcessorFixture(t, job)

	payload := chunkPayload(job, uuid.New(), 1, 2)
	f.stage(t, payload.BlobKey, []byte("just one line"))

	if err := f.proc.Process(context.Background(), payload); err != nil {
		t.Fatalf("Process must not ask for a retry on a bad chunk: %v", err)
	}
	if got := f.jobs.status(job.ID); got != types.JobStatusFailed {
		t.Fatalf("status = %q", got)
	}
	if len(f.notifier.failed) != 1 || !strings.Contains(f.notifier.failed[0], "chunk 1 of 2") {
		t.Fatalf("failure events = %v", f.notifier.failed)
	}
}

func TestProcessMissingBlobRetries(t *testing.T) {
	job := pendingJob()
	job.Status = types.JobStatusProcessing
	f := newProcessorFixture(t, job)

	if err := f.proc.Process(context.Background(), chunkPayload(job, uuid.New(), 1, 1)); err == nil {
		t.Fatalf("expected a retryable error for a missing blob")
	}
	if got := f.jobs.status(job.ID); got != types.JobStatusProcessing {
		t.Fatalf("status = %q, transient errors must not fail the job", got)
	}
}

func TestDedupeLastWinsKeepsOrder(t *testing.T) {
	a1 := normalizer.Record{normalizer.ColSubjectID: "101", normalizer.ColItemID: "HR", normalizer.ColEditBy: "first"}
	b := normalizer.Record{normalizer.ColSubjectID: "102", normalizer.ColItemID: "HR"}
	a2 := normalizer.Record{normalizer.ColSubjectID: "101", normalizer.ColItemID: "HR", normalizer.ColEditBy: "second"}

	out := dedupe([]normalizer.Record{a1, b, a2})
	if len(out) != 2 {
		t.Fatalf("deduped length = %d", len(out))
	}
	if out[0][normalizer.ColEditBy] != "second" {
		t.Fatalf("duplicate slot = %+v, last must win in place", out[0])
	}
	if out[1][normalizer.ColSubjectID] != "102" {
		t.Fatalf("order not preserved: %+v", out)
	}
}
