// Package clock abstracts wall time and context-aware waiting so the crawl and
// normalization loops can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock reports the current time and waits.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}
