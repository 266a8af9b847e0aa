package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/types"
)

type DatasetUploadRepo interface {
	// Create inserts the dataset row. Ids are generated by the caller
	// before ingestion starts, and a retried finish attempt re-creates
	// the same row, so an existing id is a no-op rather than an error.
	Create(ctx context.Context, tx *gorm.DB, upload *types.DatasetUpload) (*types.DatasetUpload, error)
	GetByID(ctx context.Context, tx *gorm.DB, companyID, id uuid.UUID) (*types.DatasetUpload, error)
	// FindLinkedSecondary resolves the 0-or-1 SDV dataset linked to a
	// primary Site Data Entry dataset.
	FindLinkedSecondary(ctx context.Context, tx *gorm.DB, primaryID uuid.UUID) (*types.DatasetUpload, error)
	SetMergeStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status, mergeError string, mergedAt *time.Time) error
}

type datasetUploadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDatasetUploadRepo(db *gorm.DB, baseLog *logger.Logger) DatasetUploadRepo {
	return &datasetUploadRepo{
		db:  db,
		log: baseLog.With("repo", "DatasetUploadRepo"),
	}
}

func (r *datasetUploadRepo) Create(ctx context.Context, tx *gorm.DB, upload *types.DatasetUpload) (*types.DatasetUpload, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if upload == nil {
		return nil, errors.New("nil upload")
	}
	err := transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(upload).Error
	if err != nil {
		return nil, err
	}
	return upload, nil
}

func (r *datasetUploadRepo) GetByID(ctx context.Context, tx *gorm.DB, companyID, id uuid.UUID) (*types.DatasetUpload, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var upload types.DatasetUpload
	err := transaction.WithContext(ctx).
		Where("id = ? AND company_id = ?", id, companyID).
		First(&upload).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &upload, nil
}

func (r *datasetUploadRepo) FindLinkedSecondary(ctx context.Context, tx *gorm.DB, primaryID uuid.UUID) (*types.DatasetUpload, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var upload types.DatasetUpload
	err := transaction.WithContext(ctx).
		Where("linked_upload_id = ? AND kind = ?", primaryID, types.JobTypeSDVData).
		Order("created_at DESC").
		Limit(1).
		Find(&upload).Error
	if err != nil {
		return nil, err
	}
	if upload.ID == uuid.Nil {
		return nil, nil
	}
	return &upload, nil
}

func (r *datasetUploadRepo) SetMergeStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, status, mergeError string, mergedAt *time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Model(&types.DatasetUpload{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"merge_status": status,
			"merge_error":  mergeError,
			"merged_at":    mergedAt,
			"updated_at":   time.Now(),
		}).Error
}
