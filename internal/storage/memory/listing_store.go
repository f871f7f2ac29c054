// Package memory provides in-memory listing and blob stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alekkss/avito/internal/listing"
	"github.com/alekkss/avito/internal/store"
)

// ListingStore provides an in-memory store.Store for development and tests.
type ListingStore struct {
	mu         sync.RWMutex
	raw        map[string]listing.RawListing
	normalized map[string]listing.NormalizedListing
	closed     bool
}

var _ store.Store = (*ListingStore)(nil)

// NewListingStore constructs an empty ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{
		raw:        make(map[string]listing.RawListing),
		normalized: make(map[string]listing.NormalizedListing),
	}
}

// Initialize is a no-op beyond checking the store is open.
func (s *ListingStore) Initialize(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen()
}

// UpsertRaw stores or replaces a raw listing.
func (s *ListingStore) UpsertRaw(ctx context.Context, item listing.RawListing) error {
	_, err := s.UpsertRawMany(ctx, []listing.RawListing{item})
	return err
}

// UpsertRawMany stores the batch atomically.
func (s *ListingStore) UpsertRawMany(_ context.Context, items []listing.RawListing) (int, error) {
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return 0, fmt.Errorf("upsert raw %q: %w", it.ID, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	for _, it := range items {
		s.raw[it.ID] = it
	}
	return len(items), nil
}

// Raw fetches a raw listing by ID.
func (s *ListingStore) Raw(_ context.Context, id string) (listing.RawListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.raw[id]
	if !ok {
		return listing.RawListing{}, store.ErrNotFound
	}
	return item, nil
}

// AllRaw returns a copy of every raw listing, newest first.
func (s *ListingStore) AllRaw(_ context.Context) ([]listing.RawListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]listing.RawListing, 0, len(s.raw))
	for _, it := range s.raw {
		out = append(out, it)
	}
	store.SortRaw(out)
	return out, nil
}

// RawWithoutNormalized returns raw listings that have not been normalized yet.
func (s *ListingStore) RawWithoutNormalized(_ context.Context) ([]listing.RawListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]listing.RawListing, 0, len(s.raw))
	for id, it := range s.raw {
		if _, done := s.normalized[id]; !done {
			out = append(out, it)
		}
	}
	store.SortRaw(out)
	return out, nil
}

// RawExists reports whether a raw listing with id is stored.
func (s *ListingStore) RawExists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.raw[id]
	return ok, nil
}

// CountRaw returns the number of raw listings.
func (s *ListingStore) CountRaw(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.raw), nil
}

// UpsertNormalized stores a normalized listing whose raw counterpart exists.
func (s *ListingStore) UpsertNormalized(_ context.Context, item listing.NormalizedListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := s.raw[item.ID]; !ok {
		return fmt.Errorf("normalize %q: %w", item.ID, store.ErrNotFound)
	}
	s.normalized[item.ID] = item
	return nil
}

// UpsertNormalizedMany stores the batch, skipping orphans.
func (s *ListingStore) UpsertNormalizedMany(_ context.Context, items []listing.NormalizedListing) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	written := 0
	for _, it := range items {
		if _, ok := s.raw[it.ID]; !ok {
			continue
		}
		s.normalized[it.ID] = it
		written++
	}
	return written, nil
}

// AllNormalized returns a copy of every normalized listing.
func (s *ListingStore) AllNormalized(_ context.Context) ([]listing.NormalizedListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]listing.NormalizedListing, 0, len(s.normalized))
	for _, it := range s.normalized {
		out = append(out, it)
	}
	store.SortNormalized(out)
	return out, nil
}

// CountNormalized returns the number of normalized listings.
func (s *ListingStore) CountNormalized(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.normalized), nil
}

// Close marks the store closed; later writes fail.
func (s *ListingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *ListingStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}
