package crawler

import (
	"github.com/alekkss/avito/internal/listing"
)

// visitTracker remembers which page identities have been loaded.
type visitTracker struct {
	seen map[string]struct{}
}

func newVisitTracker() *visitTracker {
	return &visitTracker{seen: make(map[string]struct{})}
}

// MarkIfNew stores the identity if it has not been seen before and returns true.
func (t *visitTracker) MarkIfNew(identity string) bool {
	if identity == "" {
		return false
	}
	if _, ok := t.seen[identity]; ok {
		return false
	}
	t.seen[identity] = struct{}{}
	return true
}

// listingSet deduplicates listings across the whole crawl.
type listingSet struct {
	ids   map[string]struct{}
	order []listing.RawListing
}

func newListingSet() *listingSet {
	return &listingSet{ids: make(map[string]struct{})}
}

// Split partitions a page's listings into those never seen before and a
// duplicate count. Fresh listings are recorded.
func (s *listingSet) Split(items []listing.RawListing) ([]listing.RawListing, int) {
	fresh := make([]listing.RawListing, 0, len(items))
	duplicates := 0
	for _, item := range items {
		if _, ok := s.ids[item.ID]; ok {
			duplicates++
			continue
		}
		s.ids[item.ID] = struct{}{}
		fresh = append(fresh, item)
	}
	s.order = append(s.order, fresh...)
	return fresh, duplicates
}

// All returns every distinct listing in first-seen order.
func (s *listingSet) All() []listing.RawListing {
	return s.order
}
