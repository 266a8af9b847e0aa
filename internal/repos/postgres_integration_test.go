package repos

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/types"
)

var (
	testDBOnce sync.Once
	testDB     *gorm.DB
	testDBErr  error
)

// openTestDB connects to the database named by TEST_POSTGRES_DSN and
// migrates the schema once per test binary. Tests run inside a
// transaction that is rolled back on cleanup, so they leave no rows
// behind and can run against a shared database.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set TEST_POSTGRES_DSN to run postgres integration tests")
	}
	testDBOnce.Do(func() {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			DisableForeignKeyConstraintWhenMigrating: true,
		})
		if err != nil {
			testDBErr = err
			return
		}
		if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
			testDBErr = err
			return
		}
		testDBErr = db.AutoMigrate(
			&types.UploadJob{},
			&types.DatasetUpload{},
			&types.SiteEntryRecord{},
			&types.SDVRecord{},
			&types.MergedRecord{},
			&types.QueryRecord{},
			&types.Task{},
		)
		if testDBErr == nil {
			testDB = db
		}
	})
	if testDBErr != nil {
		t.Fatalf("open test db: %v", testDBErr)
	}
	tx := testDB.Begin()
	if tx.Error != nil {
		t.Fatalf("begin test tx: %v", tx.Error)
	}
	t.Cleanup(func() { tx.Rollback() })
	return tx
}

func repoLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func seedJob(t *testing.T, tx *gorm.DB, repo UploadJobRepo, status string) *types.UploadJob {
	t.Helper()
	job, err := repo.Create(context.Background(), tx, &types.UploadJob{
		CompanyID: uuid.New(),
		UserID:    uuid.New(),
		JobType:   types.JobTypeSiteDataEntry,
		FileName:  "site_data.csv",
		Status:    status,
	})
	if err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func TestUploadJobLookupIsCompanyScoped(t *testing.T) {
	tx := openTestDB(t)
	repo := NewUploadJobRepo(testDB, repoLog(t))
	ctx := context.Background()

	job := seedJob(t, tx, repo, types.JobStatusPending)

	got, err := repo.GetByID(ctx, tx, job.CompanyID, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.FileName != "site_data.csv" {
		t.Fatalf("file name = %q", got.FileName)
	}

	if _, err := repo.GetByID(ctx, tx, uuid.New(), job.ID); err != ErrNotFound {
		t.Fatalf("cross-company lookup error = %v, want ErrNotFound", err)
	}
}

func TestUploadJobGuardBlocksTerminalWrites(t *testing.T) {
	tx := openTestDB(t)
	repo := NewUploadJobRepo(testDB, repoLog(t))
	ctx := context.Background()
	deny := []string{types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled}

	job := seedJob(t, tx, repo, types.JobStatusPending)

	ok, err := repo.UpdateFieldsUnlessStatus(ctx, tx, job.ID, deny, map[string]interface{}{
		"status":   types.JobStatusProcessing,
		"progress": 40,
	})
	if err != nil {
		t.Fatalf("update pending job: %v", err)
	}
	if !ok {
		t.Fatalf("guard rejected write to pending job")
	}

	ok, err = repo.UpdateFieldsUnlessStatus(ctx, tx, job.ID, deny, map[string]interface{}{
		"status": types.JobStatusCancelled,
	})
	if err != nil || !ok {
		t.Fatalf("cancel job: ok=%v err=%v", ok, err)
	}

	// A late chunk worker must not resurrect a cancelled job.
	ok, err = repo.UpdateFieldsUnlessStatus(ctx, tx, job.ID, deny, map[string]interface{}{
		"status":   types.JobStatusCompleted,
		"progress": 100,
	})
	if err != nil {
		t.Fatalf("update cancelled job: %v", err)
	}
	if ok {
		t.Fatalf("guard allowed write to cancelled job")
	}

	got, err := repo.GetByID(ctx, tx, job.CompanyID, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != types.JobStatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}
	if got.Progress != 40 {
		t.Fatalf("progress = %d, want 40", got.Progress)
	}
}

func TestUploadJobListActiveExcludesFinished(t *testing.T) {
	tx := openTestDB(t)
	repo := NewUploadJobRepo(testDB, repoLog(t))
	ctx := context.Background()
	companyID := uuid.New()

	statuses := []string{
		types.JobStatusPending,
		types.JobStatusProcessing,
		types.JobStatusCompleted,
		types.JobStatusFailed,
		types.JobStatusCancelled,
	}
	for _, status := range statuses {
		_, err := repo.Create(ctx, tx, &types.UploadJob{
			CompanyID: companyID,
			UserID:    uuid.New(),
			JobType:   types.JobTypeSiteDataEntry,
			FileName:  status + ".csv",
			Status:    status,
		})
		if err != nil {
			t.Fatalf("create %s job: %v", status, err)
		}
	}

	active, err := repo.ListActive(ctx, tx, companyID)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active jobs = %d, want 2", len(active))
	}
	for _, job := range active {
		if types.Terminal(job.Status) {
			t.Fatalf("terminal job %s listed as active", job.Status)
		}
	}

	history, err := repo.ListHistory(ctx, tx, companyID, 3)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("history jobs = %d, want limit 3", len(history))
	}
}

func TestUploadJobMarkChunkProcessed(t *testing.T) {
	tx := openTestDB(t)
	repo := NewUploadJobRepo(testDB, repoLog(t))
	ctx := context.Background()

	meta, err := json.Marshal(types.JobMetadata{
		IsChunked:   true,
		TotalChunks: 3,
		ChunkPaths:  []string{"uploads/x/chunk_00001.csv"},
	})
	if err != nil {
		t.Fatalf("marshal metadata: %v", err)
	}
	job, err := repo.Create(ctx, tx, &types.UploadJob{
		CompanyID: uuid.New(),
		UserID:    uuid.New(),
		JobType:   types.JobTypeSiteDataEntry,
		FileName:  "chunked.csv",
		Status:    types.JobStatusProcessing,
		Metadata:  meta,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	for want := 1; want <= 2; want++ {
		got, counted, err := repo.MarkChunkProcessed(ctx, tx, job.ID, want, 100, 2)
		if err != nil {
			t.Fatalf("mark chunk %d: %v", want, err)
		}
		if !counted {
			t.Fatalf("chunk %d reported as already counted", want)
		}
		if got.ProcessedChunks != want {
			t.Fatalf("processed_chunks = %d, want %d", got.ProcessedChunks, want)
		}
		if got.TotalChunks != 3 {
			t.Fatalf("total_chunks clobbered: %d", got.TotalChunks)
		}
	}

	// A retried chunk must not re-add its counts.
	got, counted, err := repo.MarkChunkProcessed(ctx, tx, job.ID, 2, 100, 2)
	if err != nil {
		t.Fatalf("remark chunk 2: %v", err)
	}
	if counted {
		t.Fatalf("chunk 2 counted twice")
	}
	if got.ProcessedChunks != 2 {
		t.Fatalf("processed_chunks after retry = %d, want 2", got.ProcessedChunks)
	}

	reloaded, err := repo.GetByID(ctx, tx, job.CompanyID, job.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.ProcessedRecords != 200 || reloaded.FailedRecords != 4 {
		t.Fatalf("row counts = %d/%d, want 200/4", reloaded.ProcessedRecords, reloaded.FailedRecords)
	}

	if _, _, err := repo.MarkChunkProcessed(ctx, tx, uuid.New(), 1, 0, 0); err != ErrNotFound {
		t.Fatalf("mark missing job error = %v, want ErrNotFound", err)
	}
}

func TestSiteEntryUpsertLastWriteWins(t *testing.T) {
	tx := openTestDB(t)
	repo := NewSiteEntryRecordRepo(testDB, repoLog(t))
	ctx := context.Background()
	uploadID := uuid.New()

	first := &types.SiteEntryRecord{
		UploadID:     uploadID,
		MergeKey:     "S001|V1|AE|AETERM",
		SiteName:     "Site 001",
		SubjectID:    "S001",
		EventName:    "V1",
		FormName:     "AE",
		ItemID:       "AETERM",
		EditDateTime: "2026-01-02 09:00",
		EditBy:       "coordinator.a",
	}
	if err := repo.UpsertBatch(ctx, tx, []*types.SiteEntryRecord{first}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := &types.SiteEntryRecord{
		UploadID:     uploadID,
		MergeKey:     "S001|V1|AE|AETERM",
		SiteName:     "Site 001",
		SubjectID:    "S001",
		EventName:    "V1",
		FormName:     "AE",
		ItemID:       "AETERM",
		EditDateTime: "2026-01-05 14:30",
		EditBy:       "coordinator.b",
	}
	if err := repo.UpsertBatch(ctx, tx, []*types.SiteEntryRecord{second}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	n, err := repo.CountByUpload(ctx, tx, uploadID)
	if err != nil {
		t.Fatalf("CountByUpload: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}

	rows, err := repo.ListPage(ctx, tx, uploadID, 0, 10)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if rows[0].EditBy != "coordinator.b" || rows[0].EditDateTime != "2026-01-05 14:30" {
		t.Fatalf("upsert did not overwrite: %+v", rows[0])
	}
}

func TestSiteEntryListPageIsolatesUploads(t *testing.T) {
	tx := openTestDB(t)
	repo := NewSiteEntryRecordRepo(testDB, repoLog(t))
	ctx := context.Background()
	uploadA := uuid.New()
	uploadB := uuid.New()

	records := []*types.SiteEntryRecord{
		{UploadID: uploadA, MergeKey: "S001|V1|AE|A", SubjectID: "S001"},
		{UploadID: uploadA, MergeKey: "S001|V1|AE|B", SubjectID: "S001"},
		{UploadID: uploadB, MergeKey: "S001|V1|AE|A", SubjectID: "S001"},
	}
	if err := repo.UpsertBatch(ctx, tx, records); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	rows, err := repo.ListPage(ctx, tx, uploadA, 0, 10)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("upload A rows = %d, want 2", len(rows))
	}
	if rows[0].MergeKey != "S001|V1|AE|A" || rows[1].MergeKey != "S001|V1|AE|B" {
		t.Fatalf("page not ordered by merge key: %q, %q", rows[0].MergeKey, rows[1].MergeKey)
	}
}

func TestMergedRecordDeleteThenInsertIsIdempotent(t *testing.T) {
	tx := openTestDB(t)
	repo := NewMergedRecordRepo(testDB, repoLog(t))
	ctx := context.Background()
	uploadID := uuid.New()
	companyID := uuid.New()

	stale := []*types.MergedRecord{
		{UploadID: uploadID, CompanyID: companyID, MergeKey: "S001|V1|AE|A", SubjectID: "S001", DataEntered: 1},
		{UploadID: uploadID, CompanyID: companyID, MergeKey: "S001|V1|AE|B", SubjectID: "S001", DataExpected: 1},
	}
	if err := repo.CreateBatches(ctx, tx, stale); err != nil {
		t.Fatalf("seed stale records: %v", err)
	}

	if err := repo.DeleteByUpload(ctx, tx, uploadID); err != nil {
		t.Fatalf("DeleteByUpload: %v", err)
	}
	fresh := []*types.MergedRecord{
		{UploadID: uploadID, CompanyID: companyID, MergeKey: "S001|V1|AE|A", SubjectID: "S001", DataEntered: 1, DataVerified: 1},
	}
	if err := repo.CreateBatches(ctx, tx, fresh); err != nil {
		t.Fatalf("CreateBatches: %v", err)
	}

	n, err := repo.CountByUpload(ctx, tx, uploadID)
	if err != nil {
		t.Fatalf("CountByUpload: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows after rerun = %d, want 1", n)
	}
	rows, err := repo.ListPage(ctx, tx, uploadID, 0, 10)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if rows[0].DataVerified != 1 {
		t.Fatalf("rerun did not replace record: %+v", rows[0])
	}
}

func TestTaskClaimLifecycle(t *testing.T) {
	tx := openTestDB(t)
	repo := NewTaskRepo(testDB, repoLog(t))
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]string{"upload_id": uuid.NewString()})
	enqueued, err := repo.Enqueue(ctx, tx, []*types.Task{{
		CompanyID: uuid.New(),
		TaskType:  types.TaskTypeMergeUpload,
		Status:    types.TaskStatusQueued,
		Payload:   payload,
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	taskID := enqueued[0].ID

	claimed, err := repo.ClaimNextRunnable(ctx, tx, 3, 5*time.Second, 2*time.Minute)
	if err != nil {
		t.Fatalf("claim queued task: %v", err)
	}
	if claimed == nil || claimed.ID != taskID {
		t.Fatalf("claimed = %+v, want task %s", claimed, taskID)
	}

	// The claim marked it running with a fresh heartbeat, so a second
	// poll finds nothing.
	again, err := repo.ClaimNextRunnable(ctx, tx, 3, 5*time.Second, 2*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("claimed running task %s", again.ID)
	}

	errAt := time.Now().Add(-time.Minute)
	err = repo.UpdateFields(ctx, tx, taskID, map[string]interface{}{
		"status":        types.TaskStatusFailed,
		"error":         "merge engine unavailable",
		"last_error_at": errAt,
	})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	retried, err := repo.ClaimNextRunnable(ctx, tx, 3, 5*time.Second, 2*time.Minute)
	if err != nil {
		t.Fatalf("claim failed task: %v", err)
	}
	if retried == nil || retried.ID != taskID {
		t.Fatalf("retry claim = %+v, want task %s", retried, taskID)
	}

	var row types.Task
	if err := tx.Where("id = ?", taskID).First(&row).Error; err != nil {
		t.Fatalf("load task: %v", err)
	}
	if row.Status != types.TaskStatusRunning {
		t.Fatalf("status = %q, want running", row.Status)
	}
	if row.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", row.Attempts)
	}
}

func TestTaskClaimRespectsRetryDelayAndBudget(t *testing.T) {
	tx := openTestDB(t)
	repo := NewTaskRepo(testDB, repoLog(t))
	ctx := context.Background()

	recent := time.Now()
	_, err := repo.Enqueue(ctx, tx, []*types.Task{{
		CompanyID:   uuid.New(),
		TaskType:    types.TaskTypeIngestChunk,
		Status:      types.TaskStatusFailed,
		Attempts:    1,
		LastErrorAt: &recent,
	}})
	if err != nil {
		t.Fatalf("enqueue cooling-down task: %v", err)
	}

	old := time.Now().Add(-time.Hour)
	_, err = repo.Enqueue(ctx, tx, []*types.Task{{
		CompanyID:   uuid.New(),
		TaskType:    types.TaskTypeIngestChunk,
		Status:      types.TaskStatusFailed,
		Attempts:    3,
		LastErrorAt: &old,
	}})
	if err != nil {
		t.Fatalf("enqueue exhausted task: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(ctx, tx, 3, 5*time.Minute, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed != nil {
		t.Fatalf("claimed task %s, want none: one is cooling down, one is out of attempts", claimed.ID)
	}
}

func TestTaskClaimReclaimsStaleRunning(t *testing.T) {
	tx := openTestDB(t)
	repo := NewTaskRepo(testDB, repoLog(t))
	ctx := context.Background()

	stale := time.Now().Add(-10 * time.Minute)
	enqueued, err := repo.Enqueue(ctx, tx, []*types.Task{{
		CompanyID:   uuid.New(),
		TaskType:    types.TaskTypeIngestChunk,
		Status:      types.TaskStatusRunning,
		Attempts:    1,
		LockedAt:    &stale,
		HeartbeatAt: &stale,
	}})
	if err != nil {
		t.Fatalf("enqueue stale task: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(ctx, tx, 3, 5*time.Second, 2*time.Minute)
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed == nil || claimed.ID != enqueued[0].ID {
		t.Fatalf("stale running task not reclaimed: %+v", claimed)
	}

	if err := repo.Heartbeat(ctx, tx, enqueued[0].ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	var row types.Task
	if err := tx.Where("id = ?", enqueued[0].ID).First(&row).Error; err != nil {
		t.Fatalf("load task: %v", err)
	}
	if row.HeartbeatAt == nil || !row.HeartbeatAt.After(stale) {
		t.Fatalf("heartbeat not refreshed: %v", row.HeartbeatAt)
	}
}

func TestDatasetUploadFindLinkedSecondary(t *testing.T) {
	tx := openTestDB(t)
	repo := NewDatasetUploadRepo(testDB, repoLog(t))
	ctx := context.Background()
	companyID := uuid.New()

	primary, err := repo.Create(ctx, tx, &types.DatasetUpload{
		CompanyID:   companyID,
		UserID:      uuid.New(),
		Kind:        types.JobTypeSiteDataEntry,
		FileName:    "site_data.csv",
		MergeStatus: types.MergeStatusPending,
		RecordCount: 10,
	})
	if err != nil {
		t.Fatalf("create primary: %v", err)
	}

	// A retried ingest finish re-creates the same id; that must be a
	// no-op, not a duplicate-key error.
	if _, err := repo.Create(ctx, tx, &types.DatasetUpload{
		ID:          primary.ID,
		CompanyID:   companyID,
		UserID:      primary.UserID,
		Kind:        primary.Kind,
		FileName:    primary.FileName,
		MergeStatus: types.MergeStatusPending,
		RecordCount: 99,
	}); err != nil {
		t.Fatalf("re-create primary: %v", err)
	}
	kept, err := repo.GetByID(ctx, tx, companyID, primary.ID)
	if err != nil {
		t.Fatalf("GetByID after re-create: %v", err)
	}
	if kept.RecordCount != 10 {
		t.Fatalf("record_count = %d, first insert must win", kept.RecordCount)
	}

	none, err := repo.FindLinkedSecondary(ctx, tx, primary.ID)
	if err != nil {
		t.Fatalf("FindLinkedSecondary: %v", err)
	}
	if none != nil {
		t.Fatalf("found secondary before one exists: %+v", none)
	}

	secondary, err := repo.Create(ctx, tx, &types.DatasetUpload{
		CompanyID:      companyID,
		UserID:         uuid.New(),
		Kind:           types.JobTypeSDVData,
		FileName:       "sdv.csv",
		MergeStatus:    types.MergeStatusPending,
		LinkedUploadID: &primary.ID,
	})
	if err != nil {
		t.Fatalf("create secondary: %v", err)
	}

	got, err := repo.FindLinkedSecondary(ctx, tx, primary.ID)
	if err != nil {
		t.Fatalf("FindLinkedSecondary: %v", err)
	}
	if got == nil || got.ID != secondary.ID {
		t.Fatalf("linked secondary = %+v, want %s", got, secondary.ID)
	}

	if err := repo.SetMergeStatus(ctx, tx, primary.ID, types.MergeStatusCompleted, "", timePtr(time.Now())); err != nil {
		t.Fatalf("SetMergeStatus: %v", err)
	}
	reloaded, err := repo.GetByID(ctx, tx, companyID, primary.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.MergeStatus != types.MergeStatusCompleted || reloaded.MergedAt == nil {
		t.Fatalf("merge status not updated: %+v", reloaded)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
