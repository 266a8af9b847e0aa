package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/types"
)

// QueryRecordRepo is read-only: the query tracker owns its rows and this
// service only consumes them during a merge run.
type QueryRecordRepo interface {
	ListPageByCompany(ctx context.Context, tx *gorm.DB, companyID uuid.UUID, offset, limit int) ([]*types.QueryRecord, error)
}

type queryRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueryRecordRepo(db *gorm.DB, baseLog *logger.Logger) QueryRecordRepo {
	return &queryRecordRepo{
		db:  db,
		log: baseLog.With("repo", "QueryRecordRepo"),
	}
}

func (r *queryRecordRepo) ListPageByCompany(ctx context.Context, tx *gorm.DB, companyID uuid.UUID, offset, limit int) ([]*types.QueryRecord, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.QueryRecord
	err := transaction.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("created_at ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
