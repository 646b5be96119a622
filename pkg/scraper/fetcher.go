package scraper

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dhiodhaha/socialstats/pkg/stats"
)

const (
	// DefaultFetchAttempts is the per-task retry ceiling
	DefaultFetchAttempts = 3
	// DefaultRetryBaseDelay is the first backoff delay; subsequent delays
	// double (1s, 2s, 4s)
	DefaultRetryBaseDelay = time.Second
)

// FetcherOption customizes a Fetcher
type FetcherOption func(*Fetcher)

// WithAttempts overrides the retry ceiling
func WithAttempts(attempts int) FetcherOption {
	return func(f *Fetcher) {
		f.attempts = attempts
	}
}

// WithRetryBaseDelay overrides the first backoff delay
func WithRetryBaseDelay(delay time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.baseDelay = delay
	}
}

// Fetcher performs one platform/handle fetch with exponential-backoff
// retry. It is the uniform success-or-failure boundary the batch runner
// relies on: errors are returned, never thrown past it.
type Fetcher struct {
	client    ProfileFetcher
	logger    *logrus.Logger
	attempts  int
	baseDelay time.Duration
}

// NewFetcher creates a retry-wrapped fetcher over the platform client
func NewFetcher(client ProfileFetcher, logger *logrus.Logger, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:    client,
		logger:    logger,
		attempts:  DefaultFetchAttempts,
		baseDelay: DefaultRetryBaseDelay,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchWithRetry fetches and parses stats for the task, retrying failed
// attempts with pure exponential backoff. After exhausting retries it
// returns the last error.
func (f *Fetcher) FetchWithRetry(ctx context.Context, task Task) (stats.Stats, error) {
	log := f.logger.WithFields(logrus.Fields{
		"account_id": task.AccountID,
		"platform":   task.Platform,
		"handle":     task.Handle,
	})

	var lastErr error
	for attempt := 0; attempt < f.attempts; attempt++ {
		if attempt > 0 {
			backoff := f.baseDelay << (attempt - 1)
			log.WithFields(logrus.Fields{
				"attempt": attempt + 1,
				"backoff": backoff.String(),
			}).Info("Retrying fetch")

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return stats.Stats{}, ctx.Err()
			}
		}

		result, err := f.fetchOnce(ctx, task)
		if err == nil {
			return result, nil
		}
		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("Fetch attempt failed")
	}

	return stats.Stats{}, fmt.Errorf("fetch failed after %d attempts: %w", f.attempts, lastErr)
}

func (f *Fetcher) fetchOnce(ctx context.Context, task Task) (stats.Stats, error) {
	raw, err := f.client.FetchProfile(ctx, task.Platform, task.Handle)
	if err != nil {
		return stats.Stats{}, err
	}
	return stats.Parse(task.Platform, raw)
}
