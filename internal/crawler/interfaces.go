package crawler

import (
	"context"
	"time"

	"github.com/alekkss/avito/internal/browser"
	"github.com/alekkss/avito/internal/listing"
)

// Navigator drives the live browser page. *browser.Session implements it.
type Navigator interface {
	Navigate(ctx context.Context, rawURL string) (browser.Outcome, error)
	Reload(ctx context.Context) (browser.Outcome, error)
	Classify(ctx context.Context) (browser.Outcome, error)
	WaitFor(ctx context.Context, selector string, timeout time.Duration) (bool, error)
	Snapshot(ctx context.Context) (browser.PageHandle, error)
	CurrentURL(ctx context.Context) (string, error)
	SimulateInteraction(ctx context.Context)
}

// Extractor turns a rendered page into listings and reads its pagination widget.
// *extract.Extractor implements it.
type Extractor interface {
	Extract(page browser.PageHandle) []listing.RawListing
	TotalPages(page browser.PageHandle) int
}

// Sink persists raw listings as each page is extracted.
type Sink interface {
	UpsertRawMany(ctx context.Context, items []listing.RawListing) (int, error)
}
