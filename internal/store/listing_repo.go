package store

import (
	"context"
	"errors"
	"sort"

	"github.com/alekkss/avito/internal/listing"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("listing not found")

// Store persists raw and normalized listings keyed by listing ID. Upserts are
// last-write-wins and batch writes are atomic.
type Store interface {
	// Initialize creates the schema if needed. It is idempotent.
	Initialize(ctx context.Context) error

	UpsertRaw(ctx context.Context, item listing.RawListing) error
	// UpsertRawMany writes the batch in one transaction and returns how many records it wrote.
	UpsertRawMany(ctx context.Context, items []listing.RawListing) (int, error)
	// Raw returns one raw listing or ErrNotFound.
	Raw(ctx context.Context, id string) (listing.RawListing, error)
	// AllRaw returns raw listings, newest capture first.
	AllRaw(ctx context.Context) ([]listing.RawListing, error)
	// RawWithoutNormalized returns raw listings lacking a normalized counterpart, newest first.
	RawWithoutNormalized(ctx context.Context) ([]listing.RawListing, error)
	RawExists(ctx context.Context, id string) (bool, error)
	CountRaw(ctx context.Context) (int, error)

	// UpsertNormalized returns ErrNotFound when no raw listing shares the ID.
	UpsertNormalized(ctx context.Context, item listing.NormalizedListing) error
	// UpsertNormalizedMany writes the batch in one transaction, skipping
	// records without a raw counterpart, and returns how many it wrote.
	UpsertNormalizedMany(ctx context.Context, items []listing.NormalizedListing) (int, error)
	// AllNormalized returns normalized listings ordered by category, then normalized title.
	AllNormalized(ctx context.Context) ([]listing.NormalizedListing, error)
	CountNormalized(ctx context.Context) (int, error)

	Close() error
}

// SortRaw orders raw listings newest capture first, ties broken by ID.
func SortRaw(items []listing.RawListing) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].ScrapedAt.Equal(items[j].ScrapedAt) {
			return items[i].ScrapedAt.After(items[j].ScrapedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// SortNormalized orders normalized listings by category, normalized title and ID.
func SortNormalized(items []listing.NormalizedListing) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.NormalizedTitle != b.NormalizedTitle {
			return a.NormalizedTitle < b.NormalizedTitle
		}
		return a.ID < b.ID
	})
}
