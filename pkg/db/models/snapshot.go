package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Snapshot is one immutable follower/engagement reading for an account on
// a single platform. JobID is nil only for rows imported from CSV.
type Snapshot struct {
	ID         string    `gorm:"primaryKey;column:id" json:"id"`
	AccountID  string    `gorm:"column:account_id;not null;index;uniqueIndex:idx_snapshot_job_account_platform" json:"accountId"`
	Platform   Platform  `gorm:"column:platform;not null;uniqueIndex:idx_snapshot_job_account_platform" json:"platform"`
	JobID      *string   `gorm:"column:job_id;index;uniqueIndex:idx_snapshot_job_account_platform" json:"jobId"`
	ScrapedAt  time.Time `gorm:"column:scraped_at;not null;index" json:"scrapedAt"`
	Followers  int64     `gorm:"column:followers;default:0" json:"followers"`
	Following  int64     `gorm:"column:following;default:0" json:"following"`
	Posts      int64     `gorm:"column:posts;default:0" json:"posts"`
	Likes      int64     `gorm:"column:likes;default:0" json:"likes"`
	Engagement float64   `gorm:"column:engagement;default:0" json:"engagement"`
}

// TableName specifies the table name for the Snapshot model
func (Snapshot) TableName() string {
	return "snapshots"
}

// BeforeCreate assigns a UUID primary key when none was provided
func (s *Snapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
