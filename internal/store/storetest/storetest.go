// Package storetest holds behavior checks shared by every store.Store driver.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alekkss/avito/internal/listing"
	"github.com/alekkss/avito/internal/store"
)

// Factory returns a fresh, empty store. Cleanup is the factory's job.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 4, 2, 9, 0, 0, 0, time.UTC)

// Raw builds a valid raw listing whose capture time grows with n.
func Raw(n int) listing.RawListing {
	id := fmt.Sprintf("%d", 1000+n)
	return listing.RawListing{
		ID:            id,
		Title:         "Listing " + id,
		Price:         int64(n * 100),
		URL:           "/moskva/telefony/item_" + id,
		FullURL:       "https://www.avito.ru/moskva/telefony/item_" + id,
		Description:   "Описание " + id,
		ImageURL:      "https://img.example/" + id + ".jpg",
		SellerName:    "Seller",
		SellerRating:  "4,8",
		SellerReviews: "12 отзывов",
		ScrapedAt:     base.Add(time.Duration(n) * time.Minute),
	}
}

// Normalized derives a normalized listing for raw.
func Normalized(raw listing.RawListing, category string) listing.NormalizedListing {
	return listing.Normalize(raw, listing.Classification{
		NormalizedTitle: "Model " + raw.ID,
		Category:        category,
		KeySpecs:        "128GB",
	}, base.Add(24*time.Hour))
}

// Run exercises the full store.Store contract against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("InitializeIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Initialize(context.Background()))
		require.NoError(t, s.Initialize(context.Background()))
	})

	t.Run("UpsertRawIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		item := Raw(1)
		require.NoError(t, s.UpsertRaw(ctx, item))
		require.NoError(t, s.UpsertRaw(ctx, item))
		count, err := s.CountRaw(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, count)

		item.Title = "Updated title"
		item.Price = 999
		require.NoError(t, s.UpsertRaw(ctx, item))
		got, err := s.Raw(ctx, item.ID)
		require.NoError(t, err)
		require.Equal(t, "Updated title", got.Title)
		require.Equal(t, int64(999), got.Price)
		requireRawEqual(t, item, got)

		count, err = s.CountRaw(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("UpsertRawManyAndQueries", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		written, err := s.UpsertRawMany(ctx, nil)
		require.NoError(t, err)
		require.Zero(t, written)

		batch := []listing.RawListing{Raw(1), Raw(2), Raw(3)}
		written, err = s.UpsertRawMany(ctx, batch)
		require.NoError(t, err)
		require.Equal(t, 3, written)

		written, err = s.UpsertRawMany(ctx, batch)
		require.NoError(t, err)
		require.Equal(t, 3, written)

		count, err := s.CountRaw(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, count)

		ok, err := s.RawExists(ctx, Raw(2).ID)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.RawExists(ctx, "missing")
		require.NoError(t, err)
		require.False(t, ok)

		_, err = s.Raw(ctx, "missing")
		require.True(t, errors.Is(err, store.ErrNotFound))

		all, err := s.AllRaw(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{Raw(3).ID, Raw(2).ID, Raw(1).ID}, listing.IDs(all))
		requireRawEqual(t, Raw(3), all[0])
	})

	t.Run("NormalizationLifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		raws := []listing.RawListing{Raw(1), Raw(2), Raw(3), Raw(4)}
		_, err := s.UpsertRawMany(ctx, raws)
		require.NoError(t, err)

		pending, err := s.RawWithoutNormalized(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 4)

		orphan := Normalized(Raw(99), "Смартфоны")
		require.True(t, errors.Is(s.UpsertNormalized(ctx, orphan), store.ErrNotFound))

		require.NoError(t, s.UpsertNormalized(ctx, Normalized(raws[0], "Смартфоны")))
		written, err := s.UpsertNormalizedMany(ctx, []listing.NormalizedListing{
			Normalized(raws[2], "Ноутбуки"),
			orphan,
			Normalized(raws[3], "Смартфоны"),
		})
		require.NoError(t, err)
		require.Equal(t, 2, written)

		pending, err = s.RawWithoutNormalized(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{raws[1].ID}, listing.IDs(pending))

		count, err := s.CountNormalized(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, count)

		// A second pass overwrites.
		again := Normalized(raws[0], "Смартфоны")
		again.NormalizedTitle = "Model renamed"
		require.NoError(t, s.UpsertNormalized(ctx, again))
		count, err = s.CountNormalized(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, count)

		all, err := s.AllNormalized(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		require.Equal(t, "Ноутбуки", all[0].Category)
		require.Equal(t, raws[2].ID, all[0].ID)
		require.Equal(t, raws[3].ID, all[1].ID)
		require.Equal(t, "Model renamed", all[2].NormalizedTitle)
		require.Equal(t, raws[0].ID, all[2].ID)

		requireRawEqual(t, raws[2], all[0].RawListing)
		require.Equal(t, "128GB", all[0].KeySpecs)
		require.True(t, all[0].NormalizedAt.Equal(base.Add(24*time.Hour)))
	})
}

func requireRawEqual(t *testing.T, want, got listing.RawListing) {
	t.Helper()
	require.True(t, want.ScrapedAt.Equal(got.ScrapedAt), "scraped_at %v != %v", want.ScrapedAt, got.ScrapedAt)
	want.ScrapedAt, got.ScrapedAt = time.Time{}, time.Time{}
	require.Equal(t, want, got)
}
