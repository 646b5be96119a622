package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/dhiodhaha/socialstats/pkg/db/models"
)

// JobStore persists scraping jobs and their progress
type JobStore struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewJobStore creates a JobStore over the given database
func NewJobStore(db *gorm.DB, logger *logrus.Logger) *JobStore {
	return &JobStore{db: db, logger: logger}
}

// FindByID returns the job with the given id, or (nil, nil) when absent
func (s *JobStore) FindByID(ctx context.Context, jobID string) (*models.ScrapingJob, error) {
	var job models.ScrapingJob
	err := s.db.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job %s: %w", jobID, err)
	}
	return &job, nil
}

// FindRunning returns the RUNNING job for the scope, or (nil, nil).
// At most one such job exists per scope; this is the invariant the
// orchestrator's join-in-progress behavior rests on.
func (s *JobStore) FindRunning(ctx context.Context, categoryID *string) (*models.ScrapingJob, error) {
	var job models.ScrapingJob
	err := scopeQuery(s.db.WithContext(ctx), categoryID).
		Where("status = ?", models.JobStatusRunning).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find running job: %w", err)
	}
	return &job, nil
}

// FindCreatedToday returns the most recent job created today for the scope,
// regardless of its status, or (nil, nil)
func (s *JobStore) FindCreatedToday(ctx context.Context, categoryID *string) (*models.ScrapingJob, error) {
	var job models.ScrapingJob
	err := scopeQuery(s.db.WithContext(ctx), categoryID).
		Where("created_at >= ?", startOfToday()).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find today's job: %w", err)
	}
	return &job, nil
}

// FindLatestCompletedWithFailures returns the most recently completed job
// that still has failed tasks, or (nil, nil)
func (s *JobStore) FindLatestCompletedWithFailures(ctx context.Context) (*models.ScrapingJob, error) {
	var job models.ScrapingJob
	err := s.db.WithContext(ctx).
		Where("status = ? AND failed_count > 0", models.JobStatusCompleted).
		Order("completed_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find completed job with failures: %w", err)
	}
	return &job, nil
}

// Create inserts a new job row
func (s *JobStore) Create(ctx context.Context, job *models.ScrapingJob) error {
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"status": job.Status,
		"total":  job.TotalAccounts,
	}).Debug("Created scraping job")
	return nil
}

// Reopen flips a job back to RUNNING, resets its task scope and clears any
// stale cancel request. Used by same-day merges and failure-only retries.
func (s *JobStore) Reopen(ctx context.Context, jobID string, totalAccounts int) error {
	result := s.db.WithContext(ctx).Model(&models.ScrapingJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":           models.JobStatusRunning,
			"total_accounts":   totalAccounts,
			"cancel_requested": false,
			"started_at":       time.Now(),
			"completed_at":     nil,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to reopen job %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("job %s not found", jobID)
	}
	return nil
}

// UpdateProgress persists the running counters and error log so progress is
// observable mid-run
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, completed, failed int, errs models.JobErrorList) error {
	err := s.db.WithContext(ctx).Model(&models.ScrapingJob{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"completed_count": completed,
			"failed_count":    failed,
			"errors":          errs,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return nil
}

// SetStatus writes the job status and, when provided, the completion time
func (s *JobStore) SetStatus(ctx context.Context, jobID string, status models.JobStatus, completedAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	err := s.db.WithContext(ctx).Model(&models.ScrapingJob{}).
		Where("id = ?", jobID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to set job status: %w", err)
	}
	s.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"status": status,
	}).Debug("Job status updated")
	return nil
}

// RequestCancel durably marks the job as cancel-requested
func (s *JobStore) RequestCancel(ctx context.Context, jobID string) error {
	err := s.db.WithContext(ctx).Model(&models.ScrapingJob{}).
		Where("id = ?", jobID).
		Update("cancel_requested", true).Error
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	return nil
}

// CancelRequested reads the durable cancel flag
func (s *JobStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.db.WithContext(ctx).Model(&models.ScrapingJob{}).
		Where("id = ?", jobID).
		Pluck("cancel_requested", &requested).Error
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// ClearCancel resets the durable cancel flag once consumed
func (s *JobStore) ClearCancel(ctx context.Context, jobID string) error {
	err := s.db.WithContext(ctx).Model(&models.ScrapingJob{}).
		Where("id = ?", jobID).
		Update("cancel_requested", false).Error
	if err != nil {
		return fmt.Errorf("failed to clear cancel flag: %w", err)
	}
	return nil
}

// scopeQuery filters jobs to one category scope; a nil category is its own
// scope, not a wildcard
func scopeQuery(db *gorm.DB, categoryID *string) *gorm.DB {
	if categoryID == nil {
		return db.Where("category_id IS NULL")
	}
	return db.Where("category_id = ?", *categoryID)
}

func startOfToday() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
