package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/dhiodhaha/socialstats/pkg/db/models"
	"github.com/dhiodhaha/socialstats/pkg/stats"
)

// SnapshotStore persists fetched readings
type SnapshotStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewSnapshotStore creates a SnapshotStore over the given database
func NewSnapshotStore(db *gorm.DB, logger *logrus.Logger) *SnapshotStore {
	return &SnapshotStore{db: db, logger: logger}
}

// Upsert writes the reading for (jobID, accountID, platform). A re-fetch
// within the same job updates the existing row in place, keeping at most
// one snapshot per triple. Reports whether a new row was created.
func (s *SnapshotStore) Upsert(ctx context.Context, jobID, accountID string, platform models.Platform, reading stats.Stats) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Snapshot
		err := tx.Where("job_id = ? AND account_id = ? AND platform = ?", jobID, accountID, platform).
			First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			created = true
			snapshot := models.Snapshot{
				AccountID:  accountID,
				Platform:   platform,
				JobID:      &jobID,
				ScrapedAt:  time.Now(),
				Followers:  reading.Followers,
				Following:  reading.Following,
				Posts:      reading.Posts,
				Likes:      reading.Likes,
				Engagement: reading.Engagement,
			}
			if err := tx.Create(&snapshot).Error; err != nil {
				return fmt.Errorf("failed to create snapshot: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to look up snapshot: %w", err)
		}

		err = tx.Model(&existing).Updates(map[string]interface{}{
			"scraped_at": time.Now(),
			"followers":  reading.Followers,
			"following":  reading.Following,
			"posts":      reading.Posts,
			"likes":      reading.Likes,
			"engagement": reading.Engagement,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to update snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":     jobID,
		"account_id": accountID,
		"platform":   platform,
		"created":    created,
	}).Debug("Snapshot upserted")

	return created, nil
}

// FindTodayForAccounts returns every snapshot taken today for the given
// accounts, across all platforms and jobs
func (s *SnapshotStore) FindTodayForAccounts(ctx context.Context, accountIDs []string) ([]models.Snapshot, error) {
	if len(accountIDs) == 0 {
		return nil, nil
	}

	var snapshots []models.Snapshot
	err := s.db.WithContext(ctx).
		Where("account_id IN ? AND scraped_at >= ?", accountIDs, startOfToday()).
		Find(&snapshots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load today's snapshots: %w", err)
	}
	return snapshots, nil
}
