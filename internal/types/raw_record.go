package types

import (
	"time"

	"github.com/google/uuid"
)

// SiteEntryRecord is one raw Site Data Entry row. Rows are keyed by
// (upload_id, merge_key); re-inserting the same key overwrites, so the
// last CSV row wins.
type SiteEntryRecord struct {
	ID              uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UploadID        uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:uq_site_entry_upload_key" json:"upload_id"`
	MergeKey        string    `gorm:"column:merge_key;not null;uniqueIndex:uq_site_entry_upload_key" json:"merge_key"`
	SiteName        string    `gorm:"column:site_name" json:"site_name"`
	SubjectID       string    `gorm:"column:subject_id;not null" json:"subject_id"`
	EventName       string    `gorm:"column:event_name" json:"event_name"`
	FormName        string    `gorm:"column:form_name" json:"form_name"`
	ItemID          string    `gorm:"column:item_id" json:"item_id"`
	ItemExportLabel string    `gorm:"column:item_export_label" json:"item_export_label"`
	EditDateTime    string    `gorm:"column:edit_date_time" json:"edit_date_time"`
	EditBy          string    `gorm:"column:edit_by" json:"edit_by"`
	CreatedAt       time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (SiteEntryRecord) TableName() string { return "site_entry_record" }

// SDVRecord is one raw Source Data Verification row, same keying rule as
// SiteEntryRecord.
type SDVRecord struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UploadID  uuid.UUID `gorm:"type:uuid;not null;index;uniqueIndex:uq_sdv_upload_key" json:"upload_id"`
	MergeKey  string    `gorm:"column:merge_key;not null;uniqueIndex:uq_sdv_upload_key" json:"merge_key"`
	SiteName  string    `gorm:"column:site_name" json:"site_name"`
	SubjectID string    `gorm:"column:subject_id;not null" json:"subject_id"`
	EventName string    `gorm:"column:event_name" json:"event_name"`
	FormName  string    `gorm:"column:form_name" json:"form_name"`
	ItemID    string    `gorm:"column:item_id" json:"item_id"`
	ItemName  string    `gorm:"column:item_name" json:"item_name"`
	SdvBy     string    `gorm:"column:sdv_by" json:"sdv_by"`
	SdvDate   string    `gorm:"column:sdv_date" json:"sdv_date"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (SDVRecord) TableName() string { return "sdv_record" }
