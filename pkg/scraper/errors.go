package scraper

import "errors"

var (
	// ErrNoAccountsInScope indicates the requested scope has no active accounts
	ErrNoAccountsInScope = errors.New("no active accounts in scope")

	// ErrNothingToDo indicates planning produced zero tasks and no job from
	// today exists to report
	ErrNothingToDo = errors.New("nothing to scrape")

	// ErrNoFailedAccountsToRetry indicates there is no eligible prior job or
	// no retryable failed pairs
	ErrNoFailedAccountsToRetry = errors.New("no failed accounts to retry")

	// ErrJobAlreadyRunning indicates the scope already has a RUNNING job, so
	// reopening another one would leave two runs racing over it
	ErrJobAlreadyRunning = errors.New("a job is already running for this scope")
)
