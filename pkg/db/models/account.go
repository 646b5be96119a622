package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Platform identifies a supported social media platform
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
	PlatformTwitter   Platform = "twitter"

	// PlatformSystem marks job error entries that were produced by the
	// orchestrator itself rather than by a fetch task
	PlatformSystem Platform = "system"
)

// Platforms lists every scrapeable platform in a fixed order
var Platforms = []Platform{PlatformInstagram, PlatformTikTok, PlatformTwitter}

// Account represents a tracked social media identity
type Account struct {
	ID              string    `gorm:"primaryKey;column:id" json:"id"`
	Name            string    `gorm:"column:name;uniqueIndex;not null" json:"name"`
	InstagramHandle string    `gorm:"column:instagram_handle" json:"instagramHandle"`
	TiktokHandle    string    `gorm:"column:tiktok_handle" json:"tiktokHandle"`
	TwitterHandle   string    `gorm:"column:twitter_handle" json:"twitterHandle"`
	IsActive        bool      `gorm:"column:is_active;default:true" json:"isActive"`
	CreatedAt       time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`

	Categories []Category `gorm:"many2many:account_categories" json:"categories,omitempty"`
}

// TableName specifies the table name for the Account model
func (Account) TableName() string {
	return "accounts"
}

// BeforeCreate assigns a UUID primary key when none was provided
func (a *Account) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

// Handle returns the trimmed handle for the given platform, or the empty
// string when the account has none
func (a *Account) Handle(platform Platform) string {
	switch platform {
	case PlatformInstagram:
		return strings.TrimSpace(a.InstagramHandle)
	case PlatformTikTok:
		return strings.TrimSpace(a.TiktokHandle)
	case PlatformTwitter:
		return strings.TrimSpace(a.TwitterHandle)
	default:
		return ""
	}
}

// Category groups accounts for scoped scraping runs
type Category struct {
	ID        string    `gorm:"primaryKey;column:id" json:"id"`
	Name      string    `gorm:"column:name;uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
}

// TableName specifies the table name for the Category model
func (Category) TableName() string {
	return "categories"
}

// BeforeCreate assigns a UUID primary key when none was provided
func (c *Category) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
