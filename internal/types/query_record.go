package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	QueryStateRaised   = "raised"
	QueryStateResolved = "resolved"
)

// QueryRecord is a read-only row owned by the query-tracker collaborator.
// The merge engine only ever reads these, keyed by the same merge key the
// datasets share.
type QueryRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	CompanyID  uuid.UUID `gorm:"type:uuid;not null;index" json:"company_id"`
	MergeKey   string    `gorm:"column:merge_key;not null;index" json:"merge_key"`
	QueryState string    `gorm:"column:query_state;not null;index" json:"query_state"`
	CreatedAt  time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (QueryRecord) TableName() string { return "query_record" }
