package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	MergeStatusPending   = "pending"
	MergeStatusCompleted = "completed"
	MergeStatusFailed    = "failed"
)

// DatasetUpload is one fully-ingested dataset (all raw rows persisted).
// An SDV dataset points at its primary Site Data Entry dataset through
// LinkedUploadID; a primary dataset has at most one linked secondary.
type DatasetUpload struct {
	ID             uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CompanyID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"company_id"`
	UserID         uuid.UUID  `gorm:"type:uuid;not null;index" json:"user_id"`
	Kind           string     `gorm:"column:kind;not null;index" json:"kind"`
	FileName       string     `gorm:"column:file_name;not null" json:"file_name"`
	RecordCount    int        `gorm:"column:record_count;not null;default:0" json:"record_count"`
	LinkedUploadID *uuid.UUID `gorm:"type:uuid;column:linked_upload_id;index" json:"linked_upload_id,omitempty"`
	MergeStatus    string     `gorm:"column:merge_status;not null;default:pending;index" json:"merge_status"`
	MergeError     string     `gorm:"column:merge_error" json:"merge_error,omitempty"`
	MergedAt       *time.Time `gorm:"column:merged_at" json:"merged_at,omitempty"`
	CreatedAt      time.Time  `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (DatasetUpload) TableName() string { return "dataset_upload" }
