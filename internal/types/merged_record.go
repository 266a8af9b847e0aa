package types

import (
	"time"

	"github.com/google/uuid"
)

// MergedRecord is the per-field verification record produced by the merge
// engine: one row per unique merge key in the primary dataset, recreated
// wholesale on every merge run.
//
// Invariants: DataEntered+DataExpected == 1, DataNeedingReview ==
// DataEntered-DataVerified >= 0, SdvPercent == 0 when nothing is entered.
type MergedRecord struct {
	ID                uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UploadID          uuid.UUID `gorm:"type:uuid;not null;index" json:"upload_id"`
	CompanyID         uuid.UUID `gorm:"type:uuid;not null;index" json:"company_id"`
	MergeKey          string    `gorm:"column:merge_key;not null;index" json:"merge_key"`
	SiteName          string    `gorm:"column:site_name;index" json:"site_name"`
	SubjectID         string    `gorm:"column:subject_id;index" json:"subject_id"`
	VisitName         string    `gorm:"column:visit_name" json:"visit_name"`
	CRFName           string    `gorm:"column:crf_name" json:"crf_name"`
	CRFField          string    `gorm:"column:crf_field" json:"crf_field"`
	DataEntered       int       `gorm:"column:data_entered;not null;default:0" json:"data_entered"`
	DataVerified      int       `gorm:"column:data_verified;not null;default:0" json:"data_verified"`
	DataExpected      int       `gorm:"column:data_expected;not null;default:0" json:"data_expected"`
	DataNeedingReview int       `gorm:"column:data_needing_review;not null;default:0" json:"data_needing_review"`
	SdvPercent        float64   `gorm:"column:sdv_percent;not null;default:0" json:"sdv_percent"`
	OpenedQueries     int       `gorm:"column:opened_queries;not null;default:0" json:"opened_queries"`
	AnsweredQueries   int       `gorm:"column:answered_queries;not null;default:0" json:"answered_queries"`
	EstimateHours     float64   `gorm:"column:estimate_hours;not null;default:0" json:"estimate_hours"`
	EstimateDays      float64   `gorm:"column:estimate_days;not null;default:0" json:"estimate_days"`
	EnteredBy         string    `gorm:"column:entered_by" json:"entered_by,omitempty"`
	EnteredAt         string    `gorm:"column:entered_at" json:"entered_at,omitempty"`
	VerifiedBy        string    `gorm:"column:verified_by" json:"verified_by,omitempty"`
	VerifiedAt        string    `gorm:"column:verified_at" json:"verified_at,omitempty"`
	CreatedAt         time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (MergedRecord) TableName() string { return "merged_record" }
