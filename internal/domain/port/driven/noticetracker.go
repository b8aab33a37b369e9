package driven

import "context"

// NoticeTracker deduplicates owner notices, so "still waiting on
// activation" and "target unreachable" warnings go out once per capsule
// rather than once per delivery attempt.
type NoticeTracker interface {
	// FirstNotice reports whether key is being seen for the first time
	// within the tracker's retention window, recording it as seen.
	FirstNotice(ctx context.Context, key string) (bool, error)
}
