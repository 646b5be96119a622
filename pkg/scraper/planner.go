package scraper

import (
	"time"

	"github.com/dhiodhaha/socialstats/pkg/db/models"
)

// PlanTasks decides which (account, platform) pairs need fetching today.
//
// A pair is included when the account has a non-empty handle for the
// platform and either no same-day snapshot exists for the pair, or the
// account was modified after the latest same-day snapshot was taken (its
// handle may have been corrected, so the stale reading is re-fetched).
// This keeps API quota off accounts whose data is already current.
func PlanTasks(accounts []models.Account, todaySnapshots []models.Snapshot) []Task {
	latest := make(map[string]time.Time, len(todaySnapshots))
	for _, snap := range todaySnapshots {
		key := pairKey(snap.AccountID, snap.Platform)
		if existing, ok := latest[key]; !ok || snap.ScrapedAt.After(existing) {
			latest[key] = snap.ScrapedAt
		}
	}

	var tasks []Task
	for _, account := range accounts {
		for _, platform := range models.Platforms {
			handle := account.Handle(platform)
			if handle == "" {
				continue
			}

			scrapedAt, ok := latest[pairKey(account.ID, platform)]
			if ok && !account.UpdatedAt.After(scrapedAt) {
				continue
			}

			tasks = append(tasks, Task{
				AccountID: account.ID,
				Platform:  platform,
				Handle:    handle,
			})
		}
	}
	return tasks
}

func pairKey(accountID string, platform models.Platform) string {
	return accountID + "|" + string(platform)
}
