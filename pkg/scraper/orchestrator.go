package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dhiodhaha/socialstats/pkg/db/models"
)

const (
	// DefaultBatchSize is the number of tasks dispatched per batch
	DefaultBatchSize = 50
	// DefaultConcurrency caps in-flight fetches within a batch
	DefaultConcurrency = 5
	// DefaultBatchDelay is the pause between batches, a crude throttle on
	// the provider's shared quota
	DefaultBatchDelay = 2 * time.Second

	stoppedByUserMessage = "Stopped by user"
)

// Config holds tunables for the orchestrator's background runs
type Config struct {
	BatchSize   int
	Concurrency int
	BatchDelay  time.Duration
}

// Orchestrator owns the end-to-end scraping job lifecycle: joining
// in-progress jobs, task planning, job creation or same-day merging,
// background batch execution with progress persistence, cancellation and
// failure-only retry.
type Orchestrator struct {
	accounts  AccountStore
	jobs      JobStore
	snapshots SnapshotStore
	fetcher   TaskFetcher
	sink      Sink
	logger    *logrus.Logger
	config    Config

	// cancelled is the in-memory fast path for cancellation; the durable
	// cancel_requested column on the job row is the restart-safe mirror.
	mu        sync.Mutex
	cancelled map[string]struct{}

	runs sync.WaitGroup
}

// Deps bundles the orchestrator's collaborators
type Deps struct {
	Accounts  AccountStore
	Jobs      JobStore
	Snapshots SnapshotStore
	Fetcher   TaskFetcher
	Sink      Sink
	Logger    *logrus.Logger
}

// NewOrchestrator creates an Orchestrator with the given collaborators.
// Zero-valued config fields fall back to the defaults.
func NewOrchestrator(deps Deps, config Config) (*Orchestrator, error) {
	if deps.Accounts == nil || deps.Jobs == nil || deps.Snapshots == nil {
		return nil, fmt.Errorf("account, job and snapshot stores are required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("task fetcher is required")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.Sink == nil {
		deps.Sink = noopSink{}
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.BatchDelay == 0 {
		config.BatchDelay = DefaultBatchDelay
	}

	return &Orchestrator{
		accounts:  deps.Accounts,
		jobs:      deps.Jobs,
		snapshots: deps.Snapshots,
		fetcher:   deps.Fetcher,
		sink:      deps.Sink,
		logger:    deps.Logger,
		config:    config,
		cancelled: make(map[string]struct{}),
	}, nil
}

// Trigger starts or joins a scraping run for the given category scope and
// returns the job id immediately; the fetch work proceeds in a detached
// background run. It never blocks on network I/O.
func (o *Orchestrator) Trigger(ctx context.Context, categoryID *string) (string, error) {
	log := o.logger.WithField("category_id", scopeLabel(categoryID))

	// Join an in-progress job instead of duplicating work
	running, err := o.jobs.FindRunning(ctx, categoryID)
	if err != nil {
		return "", fmt.Errorf("failed to look up running job: %w", err)
	}
	if running != nil {
		log.WithField("job_id", running.ID).Info("Joining already running job")
		return running.ID, nil
	}

	accounts, err := o.accounts.ListActive(ctx, categoryID)
	if err != nil {
		return "", fmt.Errorf("failed to load accounts: %w", err)
	}
	if len(accounts) == 0 {
		return "", ErrNoAccountsInScope
	}

	accountIDs := make([]string, len(accounts))
	for i, account := range accounts {
		accountIDs[i] = account.ID
	}
	todaySnapshots, err := o.snapshots.FindTodayForAccounts(ctx, accountIDs)
	if err != nil {
		return "", fmt.Errorf("failed to load today's snapshots: %w", err)
	}

	tasks := PlanTasks(accounts, todaySnapshots)
	if len(tasks) == 0 {
		existing, err := o.jobs.FindCreatedToday(ctx, categoryID)
		if err != nil {
			return "", fmt.Errorf("failed to look up today's job: %w", err)
		}
		if existing != nil && existing.Status == models.JobStatusCompleted {
			log.WithField("job_id", existing.ID).Info("All accounts already scraped today")
			return existing.ID, nil
		}
		return "", ErrNothingToDo
	}

	state := runState{tasks: tasks}

	// Merge into a job already created today for this scope rather than
	// opening a second one, inheriting its counters and error log
	existing, err := o.jobs.FindCreatedToday(ctx, categoryID)
	if err != nil {
		return "", fmt.Errorf("failed to look up today's job: %w", err)
	}
	if existing != nil {
		state.jobID = existing.ID
		state.completed = existing.CompletedCount
		state.failed = existing.FailedCount
		state.errors = existing.Errors
		if err := o.jobs.Reopen(ctx, existing.ID, len(accounts)); err != nil {
			return "", fmt.Errorf("failed to reopen job: %w", err)
		}
		log.WithFields(logrus.Fields{
			"job_id": existing.ID,
			"tasks":  len(tasks),
		}).Info("Merging into today's existing job")
	} else {
		job := &models.ScrapingJob{
			Status:        models.JobStatusRunning,
			TotalAccounts: len(accounts),
			CategoryID:    categoryID,
			StartedAt:     time.Now(),
		}
		if err := o.jobs.Create(ctx, job); err != nil {
			return "", fmt.Errorf("failed to create job: %w", err)
		}
		state.jobID = job.ID
		log.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"accounts": len(accounts),
			"tasks":    len(tasks),
		}).Info("Created scraping job")
	}

	o.spawnRun(state)
	return state.jobID, nil
}

// Cancel requests cooperative cancellation of a job's background run and
// immediately force-writes the job to FAILED so observers never see a
// zombie RUNNING job, even if the run is stalled or the process restarts.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	o.mu.Lock()
	o.cancelled[jobID] = struct{}{}
	o.mu.Unlock()

	if err := o.jobs.RequestCancel(ctx, jobID); err != nil {
		return fmt.Errorf("failed to persist cancel request: %w", err)
	}

	now := time.Now()
	if err := o.jobs.SetStatus(ctx, jobID, models.JobStatusFailed, &now); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}

	o.logger.WithField("job_id", jobID).Info("Cancellation requested")
	return nil
}

// RetryFailedOnly re-runs only the (account, platform) pairs that failed in
// the most recent completed job, reusing that job's id so retried snapshots
// land beside the original successes. Returns the job id and the number of
// pairs being retried.
func (o *Orchestrator) RetryFailedOnly(ctx context.Context) (string, int, error) {
	job, err := o.jobs.FindLatestCompletedWithFailures(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("failed to look up retryable job: %w", err)
	}
	if job == nil {
		return "", 0, ErrNoFailedAccountsToRetry
	}

	// Reopening while another job in the scope is RUNNING would break the
	// one-running-job-per-scope invariant
	running, err := o.jobs.FindRunning(ctx, job.CategoryID)
	if err != nil {
		return "", 0, fmt.Errorf("failed to look up running job: %w", err)
	}
	if running != nil {
		return "", 0, ErrJobAlreadyRunning
	}

	accounts, err := o.accounts.ListActive(ctx, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load accounts: %w", err)
	}
	byID := make(map[string]models.Account, len(accounts))
	for _, account := range accounts {
		byID[account.ID] = account
	}

	// One task per distinct failed pair, skipping system entries and pairs
	// whose account is gone, inactive or no longer has the handle
	seen := make(map[string]struct{})
	var tasks []Task
	for _, entry := range job.Errors {
		if entry.IsSystem() {
			continue
		}
		key := pairKey(entry.AccountID, entry.Platform)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		account, ok := byID[entry.AccountID]
		if !ok {
			continue
		}
		handle := account.Handle(entry.Platform)
		if handle == "" {
			continue
		}
		tasks = append(tasks, Task{
			AccountID: account.ID,
			Platform:  entry.Platform,
			Handle:    handle,
		})
	}
	if len(tasks) == 0 {
		return "", 0, ErrNoFailedAccountsToRetry
	}

	if err := o.jobs.Reopen(ctx, job.ID, job.TotalAccounts); err != nil {
		return "", 0, fmt.Errorf("failed to reopen job: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"tasks":  len(tasks),
	}).Info("Retrying failed accounts")

	o.spawnRun(runState{
		jobID:     job.ID,
		tasks:     tasks,
		completed: job.CompletedCount,
		failed:    job.FailedCount,
		errors:    job.Errors,
		retry:     true,
	})
	return job.ID, len(tasks), nil
}

// GetJob returns the current job record for progress polling
func (o *Orchestrator) GetJob(ctx context.Context, jobID string) (*models.ScrapingJob, error) {
	return o.jobs.FindByID(ctx, jobID)
}

// Wait blocks until all background runs have finished. Used for graceful
// shutdown.
func (o *Orchestrator) Wait() {
	o.runs.Wait()
}

// runState carries one run's working set: the job it belongs to, the tasks
// to execute and the counters inherited from the job row.
type runState struct {
	jobID     string
	tasks     []Task
	completed int
	failed    int
	errors    models.JobErrorList
	retry     bool
}

func (o *Orchestrator) spawnRun(state runState) {
	o.runs.Add(1)
	go func() {
		defer o.runs.Done()
		// The triggering call has already returned; the run owns its own
		// error boundary and detached context.
		o.run(context.Background(), state)
	}()
}

func (o *Orchestrator) run(ctx context.Context, state runState) {
	log := o.logger.WithFields(logrus.Fields{
		"job_id": state.jobID,
		"tasks":  len(state.tasks),
		"retry":  state.retry,
	})

	// A cancel request must never outlive the run it targeted: a stale
	// in-memory flag would kill the job's next run at its first boundary
	defer o.forgetCancel(state.jobID)

	defer func() {
		if r := recover(); r != nil {
			now := time.Now()
			state.errors = append(state.errors, systemError(fmt.Sprintf("run aborted: %v", r)))
			if err := o.jobs.UpdateProgress(ctx, state.jobID, state.completed, state.failed, state.errors); err != nil {
				log.WithError(err).Error("Failed to persist error log after panic")
			}
			if err := o.jobs.SetStatus(ctx, state.jobID, models.JobStatusFailed, &now); err != nil {
				log.WithError(err).Error("Failed to mark job failed after panic")
			}
			log.WithField("panic", r).Error("Scraping run aborted by panic")
		}
	}()

	log.Info("Scraping run started")
	start := time.Now()
	runFailures := 0

	for offset := 0; offset < len(state.tasks); offset += o.config.BatchSize {
		if offset > 0 && o.config.BatchDelay > 0 {
			time.Sleep(o.config.BatchDelay)
		}

		if o.consumeCancellation(ctx, state.jobID) {
			o.finishCancelled(ctx, &state, log)
			return
		}

		end := offset + o.config.BatchSize
		if end > len(state.tasks) {
			end = len(state.tasks)
		}
		batch := state.tasks[offset:end]

		results := RunBatch(ctx, batch, o.config.Concurrency, o.fetcher.FetchWithRetry)
		for _, result := range results {
			if result.Err != nil {
				runFailures++
				if !state.retry {
					state.failed++
				}
				state.errors = append(state.errors, models.JobError{
					AccountID: result.Task.AccountID,
					Platform:  result.Task.Platform,
					Handle:    result.Task.Handle,
					Error:     result.Err.Error(),
					Timestamp: time.Now(),
				})
				continue
			}

			created, err := o.snapshots.Upsert(ctx, state.jobID, result.Task.AccountID, result.Task.Platform, result.Stats)
			if err != nil {
				// A store failure on one snapshot is a task failure, not a
				// run failure
				log.WithError(err).WithFields(logrus.Fields{
					"account_id": result.Task.AccountID,
					"platform":   result.Task.Platform,
				}).Error("Failed to save snapshot")
				runFailures++
				if !state.retry {
					state.failed++
				}
				state.errors = append(state.errors, models.JobError{
					AccountID: result.Task.AccountID,
					Platform:  result.Task.Platform,
					Handle:    result.Task.Handle,
					Error:     fmt.Sprintf("failed to save snapshot: %v", err),
					Timestamp: time.Now(),
				})
				continue
			}

			if state.retry {
				// A fixed pair moves from the failed column to the
				// completed column
				state.failed--
				state.completed++
			} else if created {
				// Updating a snapshot that already exists in this job must
				// not double-count
				state.completed++
			}
		}

		if err := o.jobs.UpdateProgress(ctx, state.jobID, state.completed, state.failed, state.errors); err != nil {
			log.WithError(err).Error("Failed to persist run progress")
		}
	}

	// A cancel that arrived while the last batch was in flight has no later
	// batch boundary to consume it; honoring it here keeps the terminal
	// write from overturning the fail-safe FAILED with COMPLETED
	if o.consumeCancellation(ctx, state.jobID) {
		o.finishCancelled(ctx, &state, log)
		return
	}

	status := models.JobStatusCompleted
	if !state.retry && runFailures == len(state.tasks) {
		status = models.JobStatusFailed
	}

	now := time.Now()
	if err := o.jobs.SetStatus(ctx, state.jobID, status, &now); err != nil {
		log.WithError(err).Error("Failed to persist terminal job status")
	}

	duration := time.Since(start)
	log.WithFields(logrus.Fields{
		"status":    status,
		"completed": state.completed,
		"failed":    state.failed,
		"duration":  duration.String(),
	}).Info("Scraping run finished")

	o.sink.NotifyRunFinished(ctx, RunSummary{
		JobID:          state.jobID,
		Status:         status,
		TotalAccounts:  len(state.tasks),
		CompletedCount: state.completed,
		FailedCount:    state.failed,
		Duration:       duration,
	})
}

// finishCancelled records the stop in the error log and closes the job as
// FAILED, persisting whatever progress the finished batches made
func (o *Orchestrator) finishCancelled(ctx context.Context, state *runState, log *logrus.Entry) {
	now := time.Now()
	state.errors = append(state.errors, systemError(stoppedByUserMessage))
	if err := o.jobs.UpdateProgress(ctx, state.jobID, state.completed, state.failed, state.errors); err != nil {
		log.WithError(err).Error("Failed to persist progress after cancellation")
	}
	if err := o.jobs.SetStatus(ctx, state.jobID, models.JobStatusFailed, &now); err != nil {
		log.WithError(err).Error("Failed to mark cancelled job failed")
	}
	log.Info("Scraping run stopped by user")
}

func (o *Orchestrator) forgetCancel(jobID string) {
	o.mu.Lock()
	delete(o.cancelled, jobID)
	o.mu.Unlock()
}

// consumeCancellation checks both the in-memory flag and the durable
// cancel_requested column, clearing whichever was set. The durable flag is
// what makes cancellation survive a process restart.
func (o *Orchestrator) consumeCancellation(ctx context.Context, jobID string) bool {
	o.mu.Lock()
	_, inMemory := o.cancelled[jobID]
	if inMemory {
		delete(o.cancelled, jobID)
	}
	o.mu.Unlock()

	durable, err := o.jobs.CancelRequested(ctx, jobID)
	if err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Error("Failed to read cancel flag")
	}

	if !inMemory && !durable {
		return false
	}
	if durable {
		if err := o.jobs.ClearCancel(ctx, jobID); err != nil {
			o.logger.WithError(err).WithField("job_id", jobID).Error("Failed to clear cancel flag")
		}
	}
	return true
}

func systemError(message string) models.JobError {
	return models.JobError{
		Platform:  models.PlatformSystem,
		Error:     message,
		Timestamp: time.Now(),
	}
}

func scopeLabel(categoryID *string) string {
	if categoryID == nil {
		return "all"
	}
	return *categoryID
}

type noopSink struct{}

func (noopSink) NotifyRunFinished(context.Context, RunSummary) {}
