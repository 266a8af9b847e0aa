package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/types"
)

// mergedRecordBatchSize bounds peak memory and transaction size on the
// merge engine's bulk insert.
const mergedRecordBatchSize = 500

type MergedRecordRepo interface {
	// DeleteByUpload removes every previously-materialized record for the
	// upload; running it before insert is what makes merges idempotent.
	DeleteByUpload(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID) error
	CreateBatches(ctx context.Context, tx *gorm.DB, records []*types.MergedRecord) error
	ListPage(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID, offset, limit int) ([]*types.MergedRecord, error)
	CountByUpload(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID) (int64, error)
}

type mergedRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMergedRecordRepo(db *gorm.DB, baseLog *logger.Logger) MergedRecordRepo {
	return &mergedRecordRepo{
		db:  db,
		log: baseLog.With("repo", "MergedRecordRepo"),
	}
}

func (r *mergedRecordRepo) DeleteByUpload(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("upload_id = ?", uploadID).
		Delete(&types.MergedRecord{}).Error
}

func (r *mergedRecordRepo) CreateBatches(ctx context.Context, tx *gorm.DB, records []*types.MergedRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(records) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		CreateInBatches(&records, mergedRecordBatchSize).Error
}

func (r *mergedRecordRepo) ListPage(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID, offset, limit int) ([]*types.MergedRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.MergedRecord
	err := transaction.WithContext(ctx).
		Where("upload_id = ?", uploadID).
		Order("merge_key ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *mergedRecordRepo) CountByUpload(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.MergedRecord{}).
		Where("upload_id = ?", uploadID).
		Count(&n).Error
	return n, err
}
