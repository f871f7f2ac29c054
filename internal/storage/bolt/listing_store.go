// Package bolt provides an embedded store.Store backed by bbolt.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/alekkss/avito/internal/listing"
	"github.com/alekkss/avito/internal/store"
)

var (
	rawBucket        = []byte("raw_listings")
	normalizedBucket = []byte("normalized_listings")
)

// ListingStore keeps listings as JSON values keyed by listing ID.
type ListingStore struct {
	db *bbolt.DB
}

var _ store.Store = (*ListingStore)(nil)

// Open opens or creates the database file at path.
func Open(path string) (*ListingStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	return &ListingStore{db: db}, nil
}

// Initialize creates the buckets.
func (s *ListingStore) Initialize(_ context.Context) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{rawBucket, normalizedBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("init buckets: %w", err)
	}
	return nil
}

// UpsertRaw stores or replaces a raw listing.
func (s *ListingStore) UpsertRaw(ctx context.Context, item listing.RawListing) error {
	_, err := s.UpsertRawMany(ctx, []listing.RawListing{item})
	return err
}

// UpsertRawMany writes the batch in a single transaction.
func (s *ListingStore) UpsertRawMany(_ context.Context, items []listing.RawListing) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, rawBucket)
		if err != nil {
			return err
		}
		for _, it := range items {
			if err := it.Validate(); err != nil {
				return fmt.Errorf("upsert raw %q: %w", it.ID, err)
			}
			if err := put(b, it.ID, it); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Raw fetches one raw listing.
func (s *ListingStore) Raw(_ context.Context, id string) (listing.RawListing, error) {
	var item listing.RawListing
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, rawBucket)
		if err != nil {
			return err
		}
		data := b.Get([]byte(id))
		if data == nil {
			return store.ErrNotFound
		}
		return json.Unmarshal(data, &item)
	})
	if err != nil {
		return listing.RawListing{}, err
	}
	return item, nil
}

// AllRaw returns every raw listing, newest first.
func (s *ListingStore) AllRaw(_ context.Context) ([]listing.RawListing, error) {
	return s.scanRaw(func(*bbolt.Tx, string) bool { return true })
}

// RawWithoutNormalized returns raw listings with no normalized entry.
func (s *ListingStore) RawWithoutNormalized(_ context.Context) ([]listing.RawListing, error) {
	return s.scanRaw(func(tx *bbolt.Tx, id string) bool {
		nb := tx.Bucket(normalizedBucket)
		return nb == nil || nb.Get([]byte(id)) == nil
	})
}

func (s *ListingStore) scanRaw(keep func(tx *bbolt.Tx, id string) bool) ([]listing.RawListing, error) {
	var out []listing.RawListing
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, rawBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if !keep(tx, string(k)) {
				return nil
			}
			var item listing.RawListing
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode raw %q: %w", k, err)
			}
			out = append(out, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	store.SortRaw(out)
	return out, nil
}

// RawExists reports whether id has a raw listing.
func (s *ListingStore) RawExists(_ context.Context, id string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, rawBucket)
		if err != nil {
			return err
		}
		ok = b.Get([]byte(id)) != nil
		return nil
	})
	return ok, err
}

// CountRaw returns the number of raw listings.
func (s *ListingStore) CountRaw(_ context.Context) (int, error) {
	return s.count(rawBucket)
}

// UpsertNormalized stores a normalized listing for an existing raw listing.
func (s *ListingStore) UpsertNormalized(_ context.Context, item listing.NormalizedListing) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		written, err := putNormalized(tx, []listing.NormalizedListing{item})
		if err != nil {
			return err
		}
		if written == 0 {
			return fmt.Errorf("normalize %q: %w", item.ID, store.ErrNotFound)
		}
		return nil
	})
}

// UpsertNormalizedMany writes the batch in one transaction, skipping orphans.
func (s *ListingStore) UpsertNormalizedMany(_ context.Context, items []listing.NormalizedListing) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	var written int
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		written, err = putNormalized(tx, items)
		return err
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func putNormalized(tx *bbolt.Tx, items []listing.NormalizedListing) (int, error) {
	rb, err := bucket(tx, rawBucket)
	if err != nil {
		return 0, err
	}
	nb, err := bucket(tx, normalizedBucket)
	if err != nil {
		return 0, err
	}
	written := 0
	for _, it := range items {
		if rb.Get([]byte(it.ID)) == nil {
			continue
		}
		if err := put(nb, it.ID, it); err != nil {
			return 0, err
		}
		written++
	}
	return written, nil
}

// AllNormalized returns every normalized listing.
func (s *ListingStore) AllNormalized(_ context.Context) ([]listing.NormalizedListing, error) {
	var out []listing.NormalizedListing
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, normalizedBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var item listing.NormalizedListing
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode normalized %q: %w", k, err)
			}
			out = append(out, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	store.SortNormalized(out)
	return out, nil
}

// CountNormalized returns the number of normalized listings.
func (s *ListingStore) CountNormalized(_ context.Context) (int, error) {
	return s.count(normalizedBucket)
}

// Close closes the database file.
func (s *ListingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *ListingStore) count(name []byte) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := bucket(tx, name)
		if err != nil {
			return err
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func bucket(tx *bbolt.Tx, name []byte) (*bbolt.Bucket, error) {
	b := tx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %s missing: store not initialized", name)
	}
	return b, nil
}

func put(b *bbolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", id, err)
	}
	if err := b.Put([]byte(id), data); err != nil {
		return fmt.Errorf("put %q: %w", id, err)
	}
	return nil
}
