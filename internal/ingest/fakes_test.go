package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/trialops/sdvlink-backend/internal/repos"
	"github.com/trialops/sdvlink-backend/internal/types"
)

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*types.UploadJob
	meta map[uuid.UUID]*types.JobMetadata

	updates []map[string]interface{}

	// failStatusWrites makes the next n status-changing updates fail
	// with a transient error.
	failStatusWrites int
}

func newFakeJobRepo(jobs ...*types.UploadJob) *fakeJobRepo {
	r := &fakeJobRepo{
		jobs: map[uuid.UUID]*types.UploadJob{},
		meta: map[uuid.UUID]*types.JobMetadata{},
	}
	for _, j := range jobs {
		r.jobs[j.ID] = j
		r.meta[j.ID] = &types.JobMetadata{}
	}
	return r
}

func (r *fakeJobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.UploadJob) (*types.UploadJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	r.meta[job.ID] = &types.JobMetadata{}
	return job, nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, tx *gorm.DB, companyID, id uuid.UUID) (*types.UploadJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok || job.CompanyID != companyID {
		return nil, repos.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (r *fakeJobRepo) ListActive(ctx context.Context, tx *gorm.DB, companyID uuid.UUID) ([]*types.UploadJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) ListHistory(ctx context.Context, tx *gorm.DB, companyID uuid.UUID, limit int) ([]*types.UploadJob, error) {
	return nil, nil
}

func (r *fakeJobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, denyStatuses []string, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, nil
	}
	for _, s := range denyStatuses {
		if job.Status == s {
			return false, nil
		}
	}
	if _, changesStatus := updates["status"]; changesStatus && r.failStatusWrites > 0 {
		r.failStatusWrites--
		return false, errors.New("connection reset")
	}
	r.updates = append(r.updates, updates)
	if s, ok := updates["status"].(string); ok {
		job.Status = s
	}
	if p, ok := updates["progress"].(int); ok {
		job.Progress = p
	}
	if m, ok := updates["error_message"].(string); ok {
		job.ErrorMessage = m
	}
	if n, ok := updates["total_records"].(int); ok {
		job.TotalRecords = n
	}
	if u, ok := updates["upload_id"].(uuid.UUID); ok {
		job.UploadID = &u
	}
	return true, nil
}

func (r *fakeJobRepo) MarkChunkProcessed(ctx context.Context, tx *gorm.DB, id uuid.UUID, chunk, recordCount, failedCount int) (*types.JobMetadata, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, false, repos.ErrNotFound
	}
	meta := r.meta[id]
	for _, done := range meta.ChunksDone {
		if done == chunk {
			copied := *meta
			return &copied, false, nil
		}
	}
	meta.ChunksDone = append(meta.ChunksDone, chunk)
	meta.ProcessedChunks++
	job.ProcessedRecords += recordCount
	job.FailedRecords += failedCount
	copied := *meta
	return &copied, true, nil
}

func (r *fakeJobRepo) status(id uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id].Status
}

type fakeTaskRepo struct {
	mu    sync.Mutex
	tasks []*types.Task

	// onEnqueue runs after each enqueue, standing in for a worker that
	// picks the task up immediately.
	onEnqueue func()
}

func (r *fakeTaskRepo) Enqueue(ctx context.Context, tx *gorm.DB, tasks []*types.Task) ([]*types.Task, error) {
	r.mu.Lock()
	r.tasks = append(r.tasks, tasks...)
	hook := r.onEnqueue
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	return tasks, nil
}

func (r *fakeTaskRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, maxAttempts int, retryDelay, staleRunning time.Duration) (*types.Task, error) {
	return nil, nil
}

func (r *fakeTaskRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	return nil
}

func (r *fakeTaskRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	return nil
}

// fakeBlobStore keeps blobs in memory; failPuts makes the first n Put
// calls fail to exercise the retry path.
type fakeBlobStore struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	failPuts int
	puts     int
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: map[string][]byte{}}
}

func (s *fakeBlobStore) Put(ctx context.Context, key string, data io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.failPuts > 0 {
		s.failPuts--
		return errors.New("stage unavailable")
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	s.blobs[key] = raw
	return nil
}

func (s *fakeBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.blobs[key]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (s *fakeBlobStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *fakeBlobStore) DeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			delete(s.blobs, key)
		}
	}
	return nil
}

func (s *fakeBlobStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

type fakeSiteEntryRepo struct {
	mu   sync.Mutex
	rows map[string]*types.SiteEntryRecord
}

func newFakeSiteEntryRepo() *fakeSiteEntryRepo {
	return &fakeSiteEntryRepo{rows: map[string]*types.SiteEntryRecord{}}
}

func (r *fakeSiteEntryRepo) UpsertBatch(ctx context.Context, tx *gorm.DB, records []*types.SiteEntryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.rows[rec.UploadID.String()+"/"+rec.MergeKey] = rec
	}
	return nil
}

func (r *fakeSiteEntryRepo) ListPage(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID, offset, limit int) ([]*types.SiteEntryRecord, error) {
	return nil, nil
}

func (r *fakeSiteEntryRepo) CountByUpload(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key := range r.rows {
		if strings.HasPrefix(key, uploadID.String()+"/") {
			n++
		}
	}
	return n, nil
}

type fakeSDVRepo struct {
	mu   sync.Mutex
	rows map[string]*types.SDVRecord
}

func newFakeSDVRepo() *fakeSDVRepo {
	return &fakeSDVRepo{rows: map[string]*types.SDVRecord{}}
}

func (r *fakeSDVRepo) UpsertBatch(ctx context.Context, tx *gorm.DB, records []*types.SDVRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.rows[rec.UploadID.String()+"/"+rec.MergeKey] = rec
	}
	return nil
}

func (r *fakeSDVRepo) ListPage(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID, offset, limit int) ([]*types.SDVRecord, error) {
	return nil, nil
}

func (r *fakeSDVRepo) CountByUpload(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key := range r.rows {
		if strings.HasPrefix(key, uploadID.String()+"/") {
			n++
		}
	}
	return n, nil
}

type fakeUploadRepo struct {
	mu      sync.Mutex
	uploads map[uuid.UUID]*types.DatasetUpload
	creates int
}

func newFakeUploadRepo() *fakeUploadRepo {
	return &fakeUploadRepo{uploads: map[uuid.UUID]*types.DatasetUpload{}}
}

// Create mirrors the real repo's conflict handling: re-creating an
// existing id keeps the first row.
func (r *fakeUploadRepo) Create(ctx context.Context, tx *gorm.DB, upload *types.DatasetUpload) (*types.DatasetUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if existing, ok := r.uploads[upload.ID]; ok {
		return existing, nil
	}
	r.uploads[upload.ID] = upload
	return upload, nil
}

func (r *fakeUploadRepo) GetByID(ctx context.Context, tx *gorm.DB, companyID, id uuid.UUID) (*types.DatasetUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	upload, ok := r.uploads[id]
	if !ok {
		return nil, repos.ErrNotFound
	}
	return upload, nil
}

func (r *fakeUploadRepo) FindLinkedSecondary(ctx context.Context, tx *gorm.DB, primaryID uuid.UUID) (*types.DatasetUpload, error) {
	return nil, nil
}

func (r *fakeUploadRepo) SetMergeStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status, mergeError string, mergedAt *time.Time) error {
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	progress []int
	failed   []string
	done     int
}

func (n *fakeNotifier) JobProgress(job *types.UploadJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, job.Progress)
}

func (n *fakeNotifier) JobFailed(job *types.UploadJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, job.ErrorMessage)
}

func (n *fakeNotifier) JobDone(job *types.UploadJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done++
}
