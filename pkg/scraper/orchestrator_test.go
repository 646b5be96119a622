package scraper_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"

	"github.com/dhiodhaha/socialstats/pkg/db/models"
	"github.com/dhiodhaha/socialstats/pkg/scraper"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx       context.Context
		accounts  *fakeAccountStore
		jobs      *fakeJobStore
		snapshots *fakeSnapshotStore
		fetcher   *fakeFetcher
		sink      *fakeSink
		orch      *scraper.Orchestrator
	)

	newOrchestrator := func(config scraper.Config) *scraper.Orchestrator {
		logger := logrus.New()
		logger.SetLevel(logrus.PanicLevel)
		o, err := scraper.NewOrchestrator(scraper.Deps{
			Accounts:  accounts,
			Jobs:      jobs,
			Snapshots: snapshots,
			Fetcher:   fetcher,
			Sink:      sink,
			Logger:    logger,
		}, config)
		Expect(err).NotTo(HaveOccurred())
		return o
	}

	instagramAccount := func(id, handle string) models.Account {
		return models.Account{
			ID:              id,
			Name:            id,
			InstagramHandle: handle,
			IsActive:        true,
			UpdatedAt:       time.Now(),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		accounts = &fakeAccountStore{}
		jobs = newFakeJobStore()
		snapshots = newFakeSnapshotStore()
		fetcher = newFakeFetcher()
		sink = &fakeSink{}
		// BatchDelay is negative so runs do not throttle under test
		orch = newOrchestrator(scraper.Config{Concurrency: 2, BatchDelay: -1})
	})

	Describe("Trigger", func() {
		It("fails when the scope has no active accounts", func() {
			_, err := orch.Trigger(ctx, nil)
			Expect(err).To(MatchError(scraper.ErrNoAccountsInScope))
		})

		It("runs all planned tasks to completion", func() {
			accounts.accounts = []models.Account{
				instagramAccount("a1", "one"),
				instagramAccount("a2", "two"),
				instagramAccount("a3", "three"),
			}

			jobID, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			orch.Wait()

			job := jobs.get(jobID)
			Expect(job).NotTo(BeNil())
			Expect(job.Status).To(Equal(models.JobStatusCompleted))
			Expect(job.CompletedCount).To(Equal(3))
			Expect(job.FailedCount).To(Equal(0))
			Expect(job.TotalAccounts).To(Equal(3))
			Expect(job.CompletedAt).NotTo(BeNil())
			Expect(snapshots.count()).To(Equal(3))

			summary := sink.last()
			Expect(summary).NotTo(BeNil())
			Expect(summary.JobID).To(Equal(jobID))
			Expect(summary.Status).To(Equal(models.JobStatusCompleted))
		})

		It("records a failed task without aborting the rest", func() {
			accounts.accounts = []models.Account{
				instagramAccount("a1", "one"),
				instagramAccount("a2", "two"),
				instagramAccount("a3", "three"),
			}
			fetcher.failing[taskKey("a2", models.PlatformInstagram)] = errors.New("fetch failed after 3 attempts")

			jobID, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			orch.Wait()

			job := jobs.get(jobID)
			Expect(job.Status).To(Equal(models.JobStatusCompleted))
			Expect(job.CompletedCount).To(Equal(2))
			Expect(job.FailedCount).To(Equal(1))
			Expect(job.CompletedCount + job.FailedCount).To(Equal(3))
			Expect(snapshots.count()).To(Equal(2))

			Expect(job.Errors).To(HaveLen(1))
			Expect(job.Errors[0].AccountID).To(Equal("a2"))
			Expect(job.Errors[0].Platform).To(Equal(models.PlatformInstagram))
			Expect(job.Errors[0].Handle).To(Equal("two"))
		})

		It("marks the job FAILED when every task fails", func() {
			accounts.accounts = []models.Account{
				instagramAccount("a1", "one"),
				instagramAccount("a2", "two"),
			}
			fetcher.failing[taskKey("a1", models.PlatformInstagram)] = errors.New("boom")
			fetcher.failing[taskKey("a2", models.PlatformInstagram)] = errors.New("boom")

			jobID, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			orch.Wait()

			job := jobs.get(jobID)
			Expect(job.Status).To(Equal(models.JobStatusFailed))
			Expect(job.FailedCount).To(Equal(2))
			Expect(job.CompletedCount).To(Equal(0))
		})

		It("counts a snapshot write failure as a task failure", func() {
			accounts.accounts = []models.Account{instagramAccount("a1", "one")}
			snapshots.upsertErr[taskKey("a1", models.PlatformInstagram)] = errors.New("connection refused")

			jobID, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			orch.Wait()

			job := jobs.get(jobID)
			Expect(job.Status).To(Equal(models.JobStatusFailed))
			Expect(job.FailedCount).To(Equal(1))
			Expect(job.Errors).To(HaveLen(1))
			Expect(job.Errors[0].Error).To(ContainSubstring("failed to save snapshot"))
		})

		It("joins an already running job instead of duplicating work", func() {
			accounts.accounts = []models.Account{instagramAccount("a1", "one")}
			jobs.seed(models.ScrapingJob{
				ID:     "running-job",
				Status: models.JobStatusRunning,
			})

			jobID, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).To(Equal("running-job"))
			Expect(jobs.count()).To(Equal(1))
			Expect(fetcher.callCount()).To(Equal(0))
		})

		It("does not join a running job from a different scope", func() {
			scope := "c1"
			accounts.accounts = []models.Account{instagramAccount("a1", "one")}
			jobs.seed(models.ScrapingJob{
				ID:         "scoped-job",
				Status:     models.JobStatusRunning,
				CategoryID: &scope,
			})

			jobID, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).NotTo(Equal("scoped-job"))
			orch.Wait()
		})

		Context("when planning yields zero tasks", func() {
			BeforeEach(func() {
				account := instagramAccount("a1", "one")
				account.UpdatedAt = time.Now().Add(-2 * time.Hour)
				accounts.accounts = []models.Account{account}
				snapshots.today = []models.Snapshot{{
					AccountID: "a1",
					Platform:  models.PlatformInstagram,
					ScrapedAt: time.Now().Add(-time.Hour),
				}}
			})

			It("returns today's completed job when one exists", func() {
				jobs.seed(models.ScrapingJob{
					ID:     "done-today",
					Status: models.JobStatusCompleted,
				})

				jobID, err := orch.Trigger(ctx, nil)
				Expect(err).NotTo(HaveOccurred())
				Expect(jobID).To(Equal("done-today"))
				Expect(jobs.count()).To(Equal(1))
			})

			It("reports nothing to do otherwise", func() {
				_, err := orch.Trigger(ctx, nil)
				Expect(err).To(MatchError(scraper.ErrNothingToDo))
				Expect(jobs.count()).To(Equal(0))
			})
		})

		It("merges into a job already created today for the scope", func() {
			stale := instagramAccount("a1", "one")
			stale.UpdatedAt = time.Now().Add(-2 * time.Hour)
			fresh := instagramAccount("a2", "two")
			accounts.accounts = []models.Account{stale, fresh}
			snapshots.today = []models.Snapshot{{
				AccountID: "a1",
				Platform:  models.PlatformInstagram,
				ScrapedAt: time.Now().Add(-time.Hour),
			}}

			inherited := models.JobError{
				AccountID: "a9",
				Platform:  models.PlatformTwitter,
				Error:     "user not found",
				Timestamp: time.Now().Add(-time.Hour),
			}
			jobs.seed(models.ScrapingJob{
				ID:             "todays-job",
				Status:         models.JobStatusCompleted,
				TotalAccounts:  1,
				CompletedCount: 1,
				FailedCount:    1,
				Errors:         models.JobErrorList{inherited},
			})

			jobID, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).To(Equal("todays-job"))
			orch.Wait()

			job := jobs.get("todays-job")
			Expect(job.Status).To(Equal(models.JobStatusCompleted))
			Expect(job.TotalAccounts).To(Equal(2))
			Expect(job.CompletedCount).To(Equal(2), "inherited counter plus the new task")
			Expect(job.FailedCount).To(Equal(1))
			Expect(job.Errors).To(ContainElement(inherited))
			Expect(fetcher.calledFor("a1", models.PlatformInstagram)).To(BeFalse())
			Expect(fetcher.calledFor("a2", models.PlatformInstagram)).To(BeTrue())
		})

		It("does not double-count a pair fetched twice within the same job", func() {
			accounts.accounts = []models.Account{instagramAccount("a1", "one")}

			jobID, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			orch.Wait()

			// Force a second run against the same job: the account was
			// touched after its snapshot, so the planner re-includes it
			accounts.mu.Lock()
			accounts.accounts[0].UpdatedAt = time.Now().Add(time.Hour)
			accounts.mu.Unlock()
			snapshots.today = []models.Snapshot{{
				AccountID: "a1",
				Platform:  models.PlatformInstagram,
				ScrapedAt: time.Now(),
			}}

			again, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(jobID))
			orch.Wait()

			job := jobs.get(jobID)
			Expect(job.CompletedCount).To(Equal(1), "updating in place must not double-count")
			Expect(snapshots.count()).To(Equal(1), "at most one snapshot per (job, account, platform)")
		})
	})

	Describe("Cancel", func() {
		It("stops the run at the next batch boundary and keeps earlier snapshots", func() {
			accounts.accounts = []models.Account{
				instagramAccount("a1", "one"),
				instagramAccount("a2", "two"),
				instagramAccount("a3", "three"),
			}
			orch = newOrchestrator(scraper.Config{BatchSize: 1, Concurrency: 1, BatchDelay: -1})

			jobIDCh := make(chan string, 1)
			var once sync.Once
			fetcher.onFetch = func(task scraper.Task) {
				once.Do(func() {
					Expect(orch.Cancel(ctx, <-jobIDCh)).To(Succeed())
				})
			}

			jobID, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			jobIDCh <- jobID
			orch.Wait()

			job := jobs.get(jobID)
			Expect(job.Status).To(Equal(models.JobStatusFailed))
			Expect(job.CancelRequested).To(BeFalse(), "flag is cleared once consumed")
			Expect(fetcher.callCount()).To(Equal(1), "in-flight batch finishes, later batches never start")
			Expect(snapshots.count()).To(Equal(1), "completed batch results persist")

			var messages []string
			for _, entry := range job.Errors {
				messages = append(messages, entry.Error)
			}
			Expect(messages).To(ContainElement("Stopped by user"))
		})

		It("honors a cancel that arrives during the final batch", func() {
			accounts.accounts = []models.Account{
				instagramAccount("a1", "one"),
				instagramAccount("a2", "two"),
				instagramAccount("a3", "three"),
			}
			orch = newOrchestrator(scraper.Config{BatchSize: 3, Concurrency: 1, BatchDelay: -1})

			// The whole run is one batch, so there is no later batch
			// boundary left to observe the cancel
			jobIDCh := make(chan string, 1)
			var once sync.Once
			fetcher.onFetch = func(task scraper.Task) {
				once.Do(func() {
					Expect(orch.Cancel(ctx, <-jobIDCh)).To(Succeed())
				})
			}

			jobID, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			jobIDCh <- jobID
			orch.Wait()

			job := jobs.get(jobID)
			Expect(job.Status).To(Equal(models.JobStatusFailed), "the terminal write must not overturn the user's stop")
			Expect(job.CancelRequested).To(BeFalse())

			var messages []string
			for _, entry := range job.Errors {
				messages = append(messages, entry.Error)
			}
			Expect(messages).To(ContainElement("Stopped by user"))
		})

		It("does not kill the next run of a previously cancelled job", func() {
			accounts.accounts = []models.Account{
				instagramAccount("a1", "one"),
				instagramAccount("a2", "two"),
				instagramAccount("a3", "three"),
			}
			orch = newOrchestrator(scraper.Config{BatchSize: 3, Concurrency: 1, BatchDelay: -1})

			jobIDCh := make(chan string, 1)
			var once sync.Once
			fetcher.onFetch = func(task scraper.Task) {
				once.Do(func() {
					Expect(orch.Cancel(ctx, <-jobIDCh)).To(Succeed())
				})
			}

			jobID, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			jobIDCh <- jobID
			orch.Wait()
			Expect(jobs.get(jobID).Status).To(Equal(models.JobStatusFailed))
			firstRunFetches := fetcher.callCount()

			// A fresh same-day trigger merges into the cancelled job and must
			// run to completion: nobody cancelled this run
			again, err := orch.Trigger(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(jobID))
			orch.Wait()

			job := jobs.get(jobID)
			Expect(job.Status).To(Equal(models.JobStatusCompleted))
			Expect(fetcher.callCount()).To(Equal(firstRunFetches+3), "the second run fetches every planned task")

			var stops int
			for _, entry := range job.Errors {
				if entry.Error == "Stopped by user" {
					stops++
				}
			}
			Expect(stops).To(Equal(1), "only the cancelled run was stopped")
		})

		It("force-writes FAILED immediately as a zombie-job fail-safe", func() {
			jobs.seed(models.ScrapingJob{
				ID:     "stalled-job",
				Status: models.JobStatusRunning,
			})

			Expect(orch.Cancel(ctx, "stalled-job")).To(Succeed())

			job := jobs.get("stalled-job")
			Expect(job.Status).To(Equal(models.JobStatusFailed))
			Expect(job.CancelRequested).To(BeTrue())
		})
	})

	Describe("RetryFailedOnly", func() {
		completedAt := time.Now().Add(-time.Hour)

		seedFailedJob := func() {
			jobs.seed(models.ScrapingJob{
				ID:             "job-1",
				Status:         models.JobStatusCompleted,
				TotalAccounts:  3,
				CompletedCount: 1,
				FailedCount:    2,
				CompletedAt:    &completedAt,
				Errors: models.JobErrorList{
					{AccountID: "a2", Platform: models.PlatformInstagram, Handle: "two", Error: "timeout", Timestamp: completedAt},
					{AccountID: "a3", Platform: models.PlatformInstagram, Handle: "three", Error: "timeout", Timestamp: completedAt},
					{AccountID: "a2", Platform: models.PlatformInstagram, Handle: "two", Error: "timeout again", Timestamp: completedAt},
					{Platform: models.PlatformSystem, Error: "Stopped by user", Timestamp: completedAt},
				},
			})
		}

		It("fails when no completed job has failures", func() {
			_, _, err := orch.RetryFailedOnly(ctx)
			Expect(err).To(MatchError(scraper.ErrNoFailedAccountsToRetry))
		})

		It("refuses to reopen while another job in the scope is running", func() {
			seedFailedJob()
			accounts.accounts = []models.Account{instagramAccount("a2", "two")}
			jobs.seed(models.ScrapingJob{
				ID:     "in-flight",
				Status: models.JobStatusRunning,
			})

			_, _, err := orch.RetryFailedOnly(ctx)
			Expect(err).To(MatchError(scraper.ErrJobAlreadyRunning))
			Expect(jobs.get("job-1").Status).To(Equal(models.JobStatusCompleted), "the completed job is left untouched")
			Expect(fetcher.callCount()).To(Equal(0))
		})

		It("retries only distinct, still-eligible failed pairs in the same job", func() {
			seedFailedJob()
			inactive := instagramAccount("a3", "three")
			inactive.IsActive = false
			accounts.accounts = []models.Account{
				instagramAccount("a1", "one"),
				instagramAccount("a2", "two"),
				inactive,
			}

			jobID, failedCount, err := orch.RetryFailedOnly(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobID).To(Equal("job-1"))
			Expect(failedCount).To(Equal(1), "a3 is inactive, system entries are skipped, duplicates collapse")
			orch.Wait()

			job := jobs.get("job-1")
			Expect(job.Status).To(Equal(models.JobStatusCompleted))
			Expect(job.CompletedCount).To(Equal(2))
			Expect(job.FailedCount).To(Equal(1))

			// Pairs that succeeded originally are never re-fetched
			Expect(fetcher.calledFor("a1", models.PlatformInstagram)).To(BeFalse())
			Expect(fetcher.calledFor("a2", models.PlatformInstagram)).To(BeTrue())
			Expect(snapshots.has("job-1", "a2", models.PlatformInstagram)).To(BeTrue())
			Expect(snapshots.has("job-1", "a1", models.PlatformInstagram)).To(BeFalse())
		})

		It("still closes COMPLETED when retried pairs fail again", func() {
			seedFailedJob()
			accounts.accounts = []models.Account{
				instagramAccount("a2", "two"),
				instagramAccount("a3", "three"),
			}
			fetcher.failing[taskKey("a2", models.PlatformInstagram)] = errors.New("still down")
			fetcher.failing[taskKey("a3", models.PlatformInstagram)] = errors.New("still down")

			jobID, failedCount, err := orch.RetryFailedOnly(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(failedCount).To(Equal(2))
			orch.Wait()

			job := jobs.get(jobID)
			Expect(job.Status).To(Equal(models.JobStatusCompleted), "a retry run never ends FAILED")
			Expect(job.CompletedCount).To(Equal(1))
			Expect(job.FailedCount).To(Equal(2))
		})

		It("fails when no failed pair is still eligible", func() {
			seedFailedJob()
			noHandles := models.Account{ID: "a2", Name: "a2", IsActive: true, UpdatedAt: time.Now()}
			accounts.accounts = []models.Account{noHandles}

			_, _, err := orch.RetryFailedOnly(ctx)
			Expect(err).To(MatchError(scraper.ErrNoFailedAccountsToRetry))
		})
	})
})
