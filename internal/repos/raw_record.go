package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/types"
)

type SiteEntryRecordRepo interface {
	// UpsertBatch writes raw rows with last-write-wins semantics on
	// (upload_id, merge_key), matching natural CSV append order.
	UpsertBatch(ctx context.Context, tx *gorm.DB, records []*types.SiteEntryRecord) error
	ListPage(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID, offset, limit int) ([]*types.SiteEntryRecord, error)
	CountByUpload(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID) (int64, error)
}

type SDVRecordRepo interface {
	UpsertBatch(ctx context.Context, tx *gorm.DB, records []*types.SDVRecord) error
	ListPage(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID, offset, limit int) ([]*types.SDVRecord, error)
	CountByUpload(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID) (int64, error)
}

type siteEntryRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSiteEntryRecordRepo(db *gorm.DB, baseLog *logger.Logger) SiteEntryRecordRepo {
	return &siteEntryRecordRepo{
		db:  db,
		log: baseLog.With("repo", "SiteEntryRecordRepo"),
	}
}

func (r *siteEntryRecordRepo) UpsertBatch(ctx context.Context, tx *gorm.DB, records []*types.SiteEntryRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(records) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "upload_id"}, {Name: "merge_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"site_name", "subject_id", "event_name", "form_name", "item_id", "item_export_label", "edit_date_time", "edit_by"}),
		}).
		Create(&records).Error
}

func (r *siteEntryRecordRepo) ListPage(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID, offset, limit int) ([]*types.SiteEntryRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SiteEntryRecord
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

func (r *siteEntryRecordRepo) CountByUpload(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.SiteEntryRecord{}).
		Where("upload_id = ?", uploadID).
		Count(&n).Error
	return n, err
}

type sdvRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSDVRecordRepo(db *gorm.DB, baseLog *logger.Logger) SDVRecordRepo {
	return &sdvRecordRepo{
		db:  db,
		log: baseLog.With("repo", "SDVRecordRepo"),
	}
}

func (r *sdvRecordRepo) UpsertBatch(ctx context.Context, tx *gorm.DB, records []*types.SDVRecord) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(records) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "upload_id"}, {Name: "merge_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"site_name", "subject_id", "event_name", "form_name", "item_id", "item_name", "sdv_by", "sdv_date"}),
		}).
		Create(&records).Error
}

func (r *sdvRecordRepo) ListPage(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID, offset, limit int) ([]*types.SDVRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.SDVRecord
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

func (r *sdvRecordRepo) CountByUpload(ctx context.Context, tx *gorm.DB, uploadID uuid.UUID) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&types.SDVRecord{}).
		Where("upload_id = ?", uploadID).
		Count(&n).Error
	return n, err
}
