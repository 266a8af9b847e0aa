package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobTypeSiteDataEntry = "site_data_entry"
	JobTypeSDVData       = "sdv_data"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// UploadJob is the durable state machine for one logical CSV upload,
// which may span many staged chunks. Status only ever moves forward:
// pending -> processing -> completed|failed|cancelled.
type UploadJob struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CompanyID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"company_id"`
	UserID           uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	JobType          string         `gorm:"column:job_type;not null;index" json:"job_type"`
	FileName         string         `gorm:"column:file_name;not null" json:"file_name"`
	Status           string         `gorm:"column:status;not null;index" json:"status"`
	Progress         int            `gorm:"column:progress;not null;default:0" json:"progress"`
	TotalRecords     int            `gorm:"column:total_records;not null;default:0" json:"total_records"`
	ProcessedRecords int            `gorm:"column:processed_records;not null;default:0" json:"processed_records"`
	FailedRecords    int            `gorm:"column:failed_records;not null;default:0" json:"failed_records"`
	ErrorMessage     string         `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorDetails     datatypes.JSON `gorm:"column:error_details;type:jsonb" json:"error_details,omitempty"`
	Metadata         datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata"`
	UploadID         *uuid.UUID     `gorm:"type:uuid;column:upload_id;index" json:"upload_id,omitempty"`
	StartedAt        *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (UploadJob) TableName() string { return "upload_job" }

// Terminal reports whether a status accepts no further writes.
func Terminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobMetadata is the chunk bookkeeping bag serialized into UploadJob.Metadata.
// ChunksDone lists the chunk indexes already counted, so a retried chunk
// task cannot double-count its rows.
type JobMetadata struct {
	IsChunked       bool     `json:"is_chunked"`
	TotalChunks     int      `json:"total_chunks"`
	CurrentChunk    int      `json:"current_chunk"`
	ProcessedChunks int      `json:"processed_chunks"`
	ChunksDone      []int    `json:"chunks_done,omitempty"`
	ChunkPaths      []string `json:"chunk_paths"`
}
