package merge

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/trialops/sdvlink-backend/internal/logger"
	"github.com/trialops/sdvlink-backend/internal/repos"
	"github.com/trialops/sdvlink-backend/internal/types"
)

// pageSize bounds how many raw rows a merge run holds per database
// round-trip. The SDV and query indexes still live fully in memory; only
// the primary scan is streamed.
const pageSize = 1000

// TreeInvalidator drops any cached hierarchy for an upload after its
// merged records change.
type TreeInvalidator interface {
	Invalidate(ctx context.Context, uploadID uuid.UUID) error
}

type Engine struct {
	db      *gorm.DB
	uploads repos.DatasetUploadRepo
	primary repos.SiteEntryRecordRepo
	sdv     repos.SDVRecordRepo
	merged  repos.MergedRecordRepo
	queries repos.QueryRecordRepo
	cache   TreeInvalidator
	log     *logger.Logger
}

func NewEngine(
	db *gorm.DB,
	uploads repos.DatasetUploadRepo,
	primary repos.SiteEntryRecordRepo,
	sdv repos.SDVRecordRepo,
	merged repos.MergedRecordRepo,
	queries repos.QueryRecordRepo,
	cache TreeInvalidator,
	baseLog *logger.Logger,
) *Engine {
	return &Engine{
		db:      db,
		uploads: uploads,
		primary: primary,
		sdv:     sdv,
		merged:  merged,
		queries: queries,
		cache:   cache,
		log:     baseLog.With("service", "MergeEngine"),
	}
}

// Run merges the primary Site Data Entry dataset with its linked SDV
// dataset (if any) and rewrites the upload's MergedRecords. The run is
// idempotent: previous records are deleted and rebuilt inside one
// transaction, so a crashed or repeated run never leaves partial output.
func (e *Engine) Run(ctx context.Context, primaryUploadID, companyID uuid.UUID) error {
	if err := e.run(ctx, primaryUploadID, companyID); err != nil {
		e.log.Error("merge failed", "upload_id", primaryUploadID, "error", err)
		if markErr := e.uploads.SetMergeStatus(ctx, nil, primaryUploadID, types.MergeStatusFailed, err.Error(), nil); markErr != nil {
			e.log.Error("failed to record merge failure", "upload_id", primaryUploadID, "error", markErr)
		}
		return err
	}
	return nil
}

func (e *Engine) run(ctx context.Context, primaryUploadID, companyID uuid.UUID) error {
	primary, err := e.uploads.GetByID(ctx, nil, companyID, primaryUploadID)
	if err != nil {
		return fmt.Errorf("load primary dataset: %w", err)
	}
	if primary.Kind != types.JobTypeSiteDataEntry {
		return fmt.Errorf("dataset %s is %s, not a site data entry dataset", primary.ID, primary.Kind)
	}

	secondary, err := e.uploads.FindLinkedSecondary(ctx, nil, primary.ID)
	if err != nil {
		return fmt.Errorf("resolve linked sdv dataset: %w", err)
	}

	sdvIndex := map[string]*types.SDVRecord{}
	if secondary != nil {
		sdvIndex, err = e.indexSDV(ctx, secondary.ID)
		if err != nil {
			return fmt.Errorf("index sdv records: %w", err)
		}
	}

	opened, answered, err := e.indexQueries(ctx, companyID)
	if err != nil {
		return fmt.Errorf("index query records: %w", err)
	}

	var out []*types.MergedRecord
	for offset := 0; ; offset += pageSize {
		page, err := e.primary.ListPage(ctx, nil, primary.ID, offset, pageSize)
		if err != nil {
			return fmt.Errorf("list primary records: %w", err)
		}
		for _, row := range page {
			out = append(out, buildRecord(primary, row, sdvIndex[row.MergeKey], opened[row.MergeKey], answered[row.MergeKey]))
		}
		if len(page) < pageSize {
			break
		}
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.merged.DeleteByUpload(ctx, tx, primary.ID); err != nil {
			return err
		}
		return e.merged.CreateBatches(ctx, tx, out)
	})
	if err != nil {
		return fmt.Errorf("rewrite merged records: %w", err)
	}

	now := time.Now()
	if err := e.uploads.SetMergeStatus(ctx, nil, primary.ID, types.MergeStatusCompleted, "", &now); err != nil {
		return fmt.Errorf("mark primary merged: %w", err)
	}
	if secondary != nil {
		if err := e.uploads.SetMergeStatus(ctx, nil, secondary.ID, types.MergeStatusCompleted, "", &now); err != nil {
			return fmt.Errorf("mark sdv dataset merged: %w", err)
		}
	}

	if e.cache != nil {
		if err := e.cache.Invalidate(ctx, primary.ID); err != nil {
			// A stale cache entry just means one extra rebuild on read.
			e.log.Warn("hierarchy cache invalidation failed", "upload_id", primary.ID, "error", err)
		}
	}

	e.log.Info("merge completed",
		"upload_id", primary.ID,
		"records", len(out),
		"sdv_records", len(sdvIndex))
	return nil
}

// indexSDV loads the SDV dataset into a merge-key map. Pages arrive
// ordered by merge key, so on a duplicate key the later row overwrites
// the earlier one.
func (e *Engine) indexSDV(ctx context.Context, uploadID uuid.UUID) (map[string]*types.SDVRecord, error) {
	index := make(map[string]*types.SDVRecord)
	for offset := 0; ; offset += pageSize {
		page, err := e.sdv.ListPage(ctx, nil, uploadID, offset, pageSize)
		if err != nil {
			return nil, err
		}
		for _, row := range page {
			index[row.MergeKey] = row
		}
		if len(page) < pageSize {
			return index, nil
		}
	}
}

func (e *Engine) indexQueries(ctx context.Context, companyID uuid.UUID) (opened, answered map[string]int, err error) {
	opened = make(map[string]int)
	answered = make(map[string]int)
	for offset := 0; ; offset += pageSize {
		page, err := e.queries.ListPageByCompany(ctx, nil, companyID, offset, pageSize)
		if err != nil {
			return nil, nil, err
		}
		for _, q := range page {
			switch q.QueryState {
			case types.QueryStateRaised:
				opened[q.MergeKey]++
			case types.QueryStateResolved:
				answered[q.MergeKey]++
			}
		}
		if len(page) < pageSize {
			return opened, answered, nil
		}
	}
}

// buildRecord derives one MergedRecord from a primary row and its
// optional SDV match. A field counts as entered when it carries an edit
// timestamp, and as verified when an SDV row with a verification date
// matches its key; a verification without an entry is ignored so
// needing_review never goes negative.
func buildRecord(upload *types.DatasetUpload, row *types.SiteEntryRecord, sdv *types.SDVRecord, opened, answered int) *types.MergedRecord {
	entered := 0
	if strings.TrimSpace(row.EditDateTime) != "" {
		entered = 1
	}
	verified := 0
	if entered == 1 && sdv != nil && strings.TrimSpace(sdv.SdvDate) != "" {
		verified = 1
	}
	needing := entered - verified

	var percent float64
	if entered > 0 {
		percent = round2(float64(verified) / float64(entered) * 100)
	}

	hours := round2(float64(needing) / 60)
	days := round2(hours / 7)

	rec := &types.MergedRecord{
		UploadID:          upload.ID,
		CompanyID:         upload.CompanyID,
		MergeKey:          row.MergeKey,
		SiteName:          row.SiteName,
		SubjectID:         row.SubjectID,
		VisitName:         row.EventName,
		CRFName:           row.FormName,
		CRFField:          fieldLabel(row, sdv),
		DataEntered:       entered,
		DataVerified:      verified,
		DataExpected:      1 - entered,
		DataNeedingReview: needing,
		SdvPercent:        percent,
		OpenedQueries:     opened,
		AnsweredQueries:   answered,
		EstimateHours:     hours,
		EstimateDays:      days,
		EnteredBy:         row.EditBy,
		EnteredAt:         row.EditDateTime,
	}
	if sdv != nil {
		rec.VerifiedBy = sdv.SdvBy
		rec.VerifiedAt = sdv.SdvDate
	}
	return rec
}

// fieldLabel picks the human-readable field name: the export label from
// data entry, then the SDV item name, then the bare item id.
func fieldLabel(row *types.SiteEntryRecord, sdv *types.SDVRecord) string {
	if s := strings.TrimSpace(row.ItemExportLabel); s != "" {
		return s
	}
	if sdv != nil {
		if s := strings.TrimSpace(sdv.ItemName); s != "" {
			return s
		}
	}
	return strings.TrimSpace(row.ItemID)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
