package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/alekkss/avito/internal/listing"
	"github.com/alekkss/avito/internal/store"
)

var rawCols = []string{
	"id", "title", "price", "url", "full_url", "description", "image_url",
	"seller_name", "seller_rating", "seller_reviews", "scraped_at",
}

func sampleRaw() listing.RawListing {
	return listing.RawListing{
		ID:            "3001",
		Title:         "MacBook Air M1",
		Price:         65000,
		URL:           "/moskva/noutbuki/macbook_3001",
		FullURL:       "https://www.avito.ru/moskva/noutbuki/macbook_3001",
		Description:   "8/256",
		ImageURL:      "https://img.example/3001.jpg",
		SellerName:    "Мария",
		SellerRating:  "5,0",
		SellerReviews: "3 отзыва",
		ScrapedAt:     time.Unix(1700000000, 0).UTC(),
	}
}

func newMockStore(t *testing.T) (*ListingStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewListingStoreWithPool(mock, "", "")
	require.NoError(t, err)
	return s, mock
}

func TestUpsertRawManyUsesOneTransaction(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	a := sampleRaw()
	b := sampleRaw()
	b.ID = "3002"

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO raw_listings").
		WithArgs(rawArgs(a)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO raw_listings").
		WithArgs(rawArgs(b)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	written, err := s.UpsertRawMany(context.Background(), []listing.RawListing{a, b})
	require.NoError(t, err)
	require.Equal(t, 2, written)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRawManyRollsBackOnError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	item := sampleRaw()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO raw_listings").
		WithArgs(rawArgs(item)...).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.UpsertRawMany(context.Background(), []listing.RawListing{item})
	require.ErrorContains(t, err, "connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRawManyValidatesBeforeWriting(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	_, err := s.UpsertRawMany(context.Background(), []listing.RawListing{{ID: "x"}})
	require.ErrorIs(t, err, listing.ErrInvalid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertNormalizedSkipsOrphans(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	at := time.Unix(1700003600, 0).UTC()
	known := listing.Normalize(sampleRaw(), listing.Classification{
		NormalizedTitle: "MacBook Air M1", Category: "Ноутбуки", KeySpecs: "8GB/256GB",
	}, at)
	orphanRaw := sampleRaw()
	orphanRaw.ID = "9999"
	orphan := listing.Normalize(orphanRaw, listing.Classification{NormalizedTitle: "X"}, at)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO normalized_listings").
		WithArgs(normalizedArgs(known)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO normalized_listings").
		WithArgs(normalizedArgs(orphan)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	written, err := s.UpsertNormalizedMany(context.Background(), []listing.NormalizedListing{known, orphan})
	require.NoError(t, err)
	require.Equal(t, 1, written)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertNormalizedOrphanIsNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	item := listing.Normalize(sampleRaw(), listing.Classification{NormalizedTitle: "X"}, time.Unix(0, 0))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO normalized_listings").
		WithArgs(normalizedArgs(item)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	err := s.UpsertNormalized(context.Background(), item)
	require.True(t, errors.Is(err, store.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRawWithoutNormalized(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	item := sampleRaw()
	rows := mock.NewRows(rawCols).AddRow(rawArgs(item)...)
	mock.ExpectQuery("SELECT (.+) FROM raw_listings r\\s+WHERE NOT EXISTS").WillReturnRows(rows)

	got, err := s.RawWithoutNormalized(context.Background())
	require.NoError(t, err)
	require.Equal(t, []listing.RawListing{item}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRawNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM raw_listings WHERE id").
		WithArgs("missing").
		WillReturnRows(mock.NewRows(rawCols))

	_, err := s.Raw(context.Background(), "missing")
	require.True(t, errors.Is(err, store.ErrNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCounts(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM raw_listings").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(30)))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM normalized_listings").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(int64(28)))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("3001").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))

	raw, err := s.CountRaw(context.Background())
	require.NoError(t, err)
	require.Equal(t, 30, raw)
	normalized, err := s.CountNormalized(context.Background())
	require.NoError(t, err)
	require.Equal(t, 28, normalized)
	ok, err := s.RawExists(context.Background(), "3001")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInitializeCreatesSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS raw_listings").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS normalized_listings").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS normalized_listings_title_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS normalized_listings_category_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewListingStoreWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewListingStoreWithPool(mock, "raw; DROP TABLE x", "")
	require.Error(t, err)
	_, err = NewListingStoreWithPool(nil, "", "")
	require.Error(t, err)
}
