package scraper

import (
	"context"
	"fmt"
	"sync"

	"github.com/dhiodhaha/socialstats/pkg/stats"
)

// RunBatch executes the tasks with at most limit fetches in flight,
// collecting exactly one result per task. One task's failure never cancels
// or blocks the others; a panicking fetch is converted into a failed
// result. Result ordering does not match input ordering.
func RunBatch(ctx context.Context, tasks []Task, limit int, fetch func(context.Context, Task) (stats.Stats, error)) []TaskResult {
	if limit < 1 {
		limit = 1
	}

	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, limit)
		results = make(chan TaskResult, len(tasks))
	)

	for _, task := range tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results <- runTask(ctx, task, fetch)
		}(task)
	}

	wg.Wait()
	close(results)

	collected := make([]TaskResult, 0, len(tasks))
	for result := range results {
		collected = append(collected, result)
	}
	return collected
}

func runTask(ctx context.Context, task Task, fetch func(context.Context, Task) (stats.Stats, error)) (result TaskResult) {
	result.Task = task

	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("fetch panicked: %v", r)
		}
	}()

	result.Stats, result.Err = fetch(ctx, task)
	return result
}
