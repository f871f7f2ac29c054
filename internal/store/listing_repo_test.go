package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alekkss/avito/internal/listing"
)

func TestSortRaw(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []listing.RawListing{
		{ID: "b", ScrapedAt: base},
		{ID: "c", ScrapedAt: base.Add(time.Hour)},
		{ID: "a", ScrapedAt: base},
	}
	SortRaw(items)
	require.Equal(t, []string{"c", "a", "b"}, listing.IDs(items))
}

func TestSortNormalized(t *testing.T) {
	t.Parallel()

	items := []listing.NormalizedListing{
		{RawListing: listing.RawListing{ID: "3"}, Category: "Ноутбуки", NormalizedTitle: "MacBook Air"},
		{RawListing: listing.RawListing{ID: "2"}, Category: "Смартфоны", NormalizedTitle: "iPhone 13"},
		{RawListing: listing.RawListing{ID: "1"}, Category: "Ноутбуки", NormalizedTitle: "MacBook Air"},
	}
	SortNormalized(items)
	require.Equal(t, "1", items[0].ID)
	require.Equal(t, "3", items[1].ID)
	require.Equal(t, "2", items[2].ID)
}
