package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/types"
)

var ErrNotFound = errors.New("record not found")

type UploadJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.UploadJob) (*types.UploadJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, companyID, id uuid.UUID) (*types.UploadJob, error)
	ListActive(ctx context.Context, tx *gorm.DB, companyID uuid.UUID) ([]*types.UploadJob, error)
	ListHistory(ctx context.Context, tx *gorm.DB, companyID uuid.UUID, limit int) ([]*types.UploadJob, error)
	// UpdateFieldsUnlessStatus applies updates only while the job status is
	// outside denyStatuses. Returns false when the guard rejected the write;
	// this is how terminal and cancelled jobs stay immutable.
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, denyStatuses []string, updates map[string]interface{}) (bool, error)
	// MarkChunkProcessed counts one chunk exactly once: it appends the
	// chunk index to metadata.chunks_done, bumps
	// metadata.processed_chunks, and folds the chunk's row counts into
	// the job, all in one statement guarded on the chunk not being
	// marked yet. A retried chunk gets counted=false and the current
	// metadata, so the caller can still run the completion check.
	MarkChunkProcessed(ctx context.Context, tx *gorm.DB, id uuid.UUID, chunk, recordCount, failedCount int) (meta *types.JobMetadata, counted bool, err error)
}

type uploadJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUploadJobRepo(db *gorm.DB, baseLog *logger.Logger) UploadJobRepo {
	return &uploadJobRepo{
		db:  db,
		log: baseLog.With("repo", "UploadJobRepo"),
	}
}

func (r *uploadJobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.UploadJob) (*types.UploadJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job == nil {
		return nil, errors.New("nil job")
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *uploadJobRepo) GetByID(ctx context.Context, tx *gorm.DB, companyID, id uuid.UUID) (*types.UploadJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.UploadJob
	err := transaction.WithContext(ctx).
		Where("id = ? AND company_id = ?", id, companyID).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *uploadJobRepo) ListActive(ctx context.Context, tx *gorm.DB, companyID uuid.UUID) ([]*types.UploadJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.UploadJob
	err := transaction.WithContext(ctx).
		Where("company_id = ? AND status IN ?", companyID, []string{types.JobStatusPending, types.JobStatusProcessing}).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *uploadJobRepo) ListHistory(ctx context.Context, tx *gorm.DB, companyID uuid.UUID, limit int) ([]*types.UploadJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	var out []*types.UploadJob
	err := transaction.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *uploadJobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, denyStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := transaction.WithContext(ctx).
		Model(&types.UploadJob{}).
		Where("id = ?", id)
	if len(denyStatuses) > 0 {
		q = q.Where("status NOT IN ?", denyStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *uploadJobRepo) MarkChunkProcessed(ctx context.Context, tx *gorm.DB, id uuid.UUID, chunk, recordCount, failedCount int) (*types.JobMetadata, bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var raw datatypes.JSON
	err := transaction.WithContext(ctx).Raw(`
		UPDATE upload_job
		SET metadata = jsonb_set(
			jsonb_set(
				COALESCE(metadata, '{}'::jsonb),
				'{processed_chunks}',
				(COALESCE((metadata->>'processed_chunks')::int, 0) + 1)::text::jsonb,
				true
			),
			'{chunks_done}',
			COALESCE(metadata->'chunks_done', '[]'::jsonb) || to_jsonb(?::int),
			true
		),
		processed_records = processed_records + ?,
		failed_records = failed_records + ?,
		updated_at = now()
		WHERE id = ?
		AND NOT COALESCE(metadata->'chunks_done', '[]'::jsonb) @> to_jsonb(?::int)
		RETURNING metadata
	`, chunk, recordCount, failedCount, id, chunk).Scan(&raw).Error
	if err != nil {
		return nil, false, err
	}
	counted := len(raw) > 0
	if !counted {
		// Either the chunk was counted by an earlier attempt or the job
		// row is gone; a plain read tells them apart.
		rErr := transaction.WithContext(ctx).Raw(`SELECT COALESCE(metadata, '{}'::jsonb) FROM upload_job WHERE id = ?`, id).Scan(&raw).Error
		if rErr != nil {
			return nil, false, rErr
		}
		if len(raw) == 0 {
			return nil, false, ErrNotFound
		}
	}
	var meta types.JobMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, false, err
	}
	return &meta, counted, nil
}
