package scraper

import (
	"context"
	"time"

	"github.com/dhiodhaha/socialstats/pkg/db/models"
	"github.com/dhiodhaha/socialstats/pkg/stats"
)

// Task is one (account, platform, handle) unit of fetch work
type Task struct {
	AccountID string
	Platform  models.Platform
	Handle    string
}

// TaskResult is the outcome of a single task. Exactly one of Stats or Err
// is meaningful.
type TaskResult struct {
	Task  Task
	Stats stats.Stats
	Err   error
}

// AccountStore reads the tracked account roster
type AccountStore interface {
	// ListActive returns active accounts, optionally restricted to one
	// category scope. A nil categoryID means the unscoped roster.
	ListActive(ctx context.Context, categoryID *string) ([]models.Account, error)
}

// JobStore is the persistence contract for scraping jobs.
// Find methods return (nil, nil) when no row matches.
type JobStore interface {
	FindByID(ctx context.Context, jobID string) (*models.ScrapingJob, error)
	FindRunning(ctx context.Context, categoryID *string) (*models.ScrapingJob, error)
	FindCreatedToday(ctx context.Context, categoryID *string) (*models.ScrapingJob, error)
	FindLatestCompletedWithFailures(ctx context.Context) (*models.ScrapingJob, error)
	Create(ctx context.Context, job *models.ScrapingJob) error
	// Reopen moves an existing job back to RUNNING, resets its task scope
	// and clears any stale cancel request.
	Reopen(ctx context.Context, jobID string, totalAccounts int) error
	UpdateProgress(ctx context.Context, jobID string, completed, failed int, errs models.JobErrorList) error
	SetStatus(ctx context.Context, jobID string, status models.JobStatus, completedAt *time.Time) error
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	ClearCancel(ctx context.Context, jobID string) error
}

// SnapshotStore persists fetched readings
type SnapshotStore interface {
	// Upsert writes the reading for (jobID, accountID, platform), updating
	// in place when a row for the triple already exists. It reports whether
	// a new row was created.
	Upsert(ctx context.Context, jobID, accountID string, platform models.Platform, s stats.Stats) (created bool, err error)
	FindTodayForAccounts(ctx context.Context, accountIDs []string) ([]models.Snapshot, error)
}

// ProfileFetcher is the outbound platform API client
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, platform models.Platform, handle string) (map[string]any, error)
}

// TaskFetcher performs one task end to end, including retries
type TaskFetcher interface {
	FetchWithRetry(ctx context.Context, task Task) (stats.Stats, error)
}

// Sink receives a fire-and-forget summary when a run finishes
type Sink interface {
	NotifyRunFinished(ctx context.Context, summary RunSummary)
}

// RunSummary describes one finished run for the notification sink
type RunSummary struct {
	JobID          string
	Status         models.JobStatus
	TotalAccounts  int
	CompletedCount int
	FailedCount    int
	Duration       time.Duration
}
