package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobStatus represents the lifecycle state of a scraping job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// JobError is one structured entry in a job's append-only error log
type JobError struct {
	AccountID string   `json:"account_id"`
	Platform  Platform `json:"platform"`
	Handle    string   `json:"handle"`
	Error     string   `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// IsSystem reports whether the entry was produced by the orchestrator
// rather than by a fetch task
func (e JobError) IsSystem() bool {
	return e.Platform == PlatformSystem
}

// JobErrorList is stored as a single JSONB column on the job row
type JobErrorList []JobError

// ScrapingJob represents one unit of scraping orchestration
type ScrapingJob struct {
	ID              string       `gorm:"primaryKey;column:id" json:"id"`
	Status          JobStatus    `gorm:"column:status;not null;default:'PENDING'" json:"status"`
	TotalAccounts   int          `gorm:"column:total_accounts;default:0" json:"totalAccounts"`
	CompletedCount  int          `gorm:"column:completed_count;default:0" json:"completedCount"`
	FailedCount     int          `gorm:"column:failed_count;default:0" json:"failedCount"`
	CategoryID      *string      `gorm:"column:category_id" json:"categoryId"`
	CancelRequested bool         `gorm:"column:cancel_requested;default:false" json:"cancelRequested"`
	Errors          JobErrorList `gorm:"column:errors;type:jsonb;serializer:json" json:"errors"`
	CreatedAt       time.Time    `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	StartedAt       time.Time    `gorm:"column:started_at" json:"startedAt"`
	CompletedAt     *time.Time   `gorm:"column:completed_at" json:"completedAt"`
}

// TableName specifies the table name for the ScrapingJob model
func (ScrapingJob) TableName() string {
	return "scraping_jobs"
}

// BeforeCreate assigns a UUID primary key when none was provided
func (j *ScrapingJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}
