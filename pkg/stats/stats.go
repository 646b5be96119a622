// Package stats normalizes platform-specific API payloads into a single
// followers/engagement record.
package stats

import (
	"errors"
	"fmt"

	"github.com/dhiodhaha/socialstats/pkg/db/models"
)

// ErrMalformedResponse indicates the payload was missing the required
// top-level structure for its platform. A zero-filled record is never
// produced from such a payload because it would corrupt downstream growth
// calculations.
var ErrMalformedResponse = errors.New("malformed platform response")

// Stats is one normalized reading. Likes is populated only for platforms
// that expose it (currently TikTok).
type Stats struct {
	Followers  int64
	Following  int64
	Posts      int64
	Likes      int64
	Engagement float64
}

// Parse extracts a normalized Stats record from a decoded platform payload.
// The required top-level object for the platform must be present; missing
// sub-fields default to zero.
func Parse(platform models.Platform, raw map[string]any) (Stats, error) {
	switch platform {
	case models.PlatformInstagram:
		return parseInstagram(raw)
	case models.PlatformTikTok:
		return parseTikTok(raw)
	case models.PlatformTwitter:
		return parseTwitter(raw)
	default:
		return Stats{}, fmt.Errorf("unsupported platform %q", platform)
	}
}

func parseInstagram(raw map[string]any) (Stats, error) {
	user, ok := dig(raw, "data", "user")
	if !ok {
		return Stats{}, fmt.Errorf("%w: instagram payload missing data.user", ErrMalformedResponse)
	}
	return Stats{
		Followers: count(user, "edge_followed_by"),
		Following: count(user, "edge_follow"),
		Posts:     count(user, "edge_owner_to_timeline_media"),
	}, nil
}

func parseTikTok(raw map[string]any) (Stats, error) {
	st, ok := dig(raw, "stats")
	if !ok {
		return Stats{}, fmt.Errorf("%w: tiktok payload missing stats object", ErrMalformedResponse)
	}
	return Stats{
		Followers: asInt64(st["followerCount"]),
		Following: asInt64(st["followingCount"]),
		Posts:     asInt64(st["videoCount"]),
		Likes:     asInt64(st["heartCount"]),
	}, nil
}

func parseTwitter(raw map[string]any) (Stats, error) {
	legacy, ok := dig(raw, "legacy")
	if !ok {
		return Stats{}, fmt.Errorf("%w: twitter payload missing legacy user fields", ErrMalformedResponse)
	}
	return Stats{
		Followers: asInt64(legacy["followers_count"]),
		Following: asInt64(legacy["friends_count"]),
		Posts:     asInt64(legacy["statuses_count"]),
	}, nil
}

// dig walks nested objects by key, failing if any level is absent or not
// an object
func dig(raw map[string]any, keys ...string) (map[string]any, bool) {
	current := raw
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}

// count reads the Instagram edge pattern {"<edge>": {"count": N}}
func count(obj map[string]any, edge string) int64 {
	inner, ok := obj[edge].(map[string]any)
	if !ok {
		return 0
	}
	return asInt64(inner["count"])
}

// asInt64 converts the numeric types encoding/json produces; anything else
// is treated as zero
func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
