// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alekkss/avito/internal/listing"
	"github.com/alekkss/avito/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	RawTable        string
	NormalizedTable string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it too.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// ListingStore writes listings into two Postgres tables.
type ListingStore struct {
	pool       pool
	raw        string
	normalized string
}

var _ store.Store = (*ListingStore)(nil)

// NewListingStore connects to Postgres using the provided config.
func NewListingStore(ctx context.Context, cfg Config) (*ListingStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewListingStoreWithPool(p, cfg.RawTable, cfg.NormalizedTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewListingStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewListingStoreWithPool(p pool, rawTable, normalizedTable string) (*ListingStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if rawTable == "" {
		rawTable = "raw_listings"
	}
	if normalizedTable == "" {
		normalizedTable = "normalized_listings"
	}
	for _, table := range []string{rawTable, normalizedTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &ListingStore{pool: p, raw: rawTable, normalized: normalizedTable}, nil
}

const rawColumns = `id, title, price, url, full_url, description, image_url, seller_name, seller_rating, seller_reviews, scraped_at`

const normalizedColumns = rawColumns + `, normalized_title, category, key_specs, normalized_at`

// Initialize creates tables and indexes when missing.
func (s *ListingStore) Initialize(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	price BIGINT NOT NULL DEFAULT 0,
	url TEXT NOT NULL,
	full_url TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	seller_name TEXT NOT NULL DEFAULT '',
	seller_rating TEXT NOT NULL DEFAULT '',
	seller_reviews TEXT NOT NULL DEFAULT '',
	scraped_at TIMESTAMPTZ NOT NULL
)`, s.raw),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY REFERENCES %s(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	price BIGINT NOT NULL DEFAULT 0,
	url TEXT NOT NULL,
	full_url TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	image_url TEXT NOT NULL DEFAULT '',
	seller_name TEXT NOT NULL DEFAULT '',
	seller_rating TEXT NOT NULL DEFAULT '',
	seller_reviews TEXT NOT NULL DEFAULT '',
	scraped_at TIMESTAMPTZ NOT NULL,
	normalized_title TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	key_specs TEXT NOT NULL DEFAULT '',
	normalized_at TIMESTAMPTZ NOT NULL
)`, s.normalized, s.raw),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_title_idx ON %s (normalized_title)`, s.normalized, s.normalized),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_category_idx ON %s (category)`, s.normalized, s.normalized),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (s *ListingStore) upsertRawSQL() string {
	return fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	url = EXCLUDED.url,
	full_url = EXCLUDED.full_url,
	description = EXCLUDED.description,
	image_url = EXCLUDED.image_url,
	seller_name = EXCLUDED.seller_name,
	seller_rating = EXCLUDED.seller_rating,
	seller_reviews = EXCLUDED.seller_reviews,
	scraped_at = EXCLUDED.scraped_at`, s.raw, rawColumns)
}

func (s *ListingStore) upsertNormalizedSQL() string {
	return fmt.Sprintf(`
INSERT INTO %s (%s)
SELECT $1::text, $2::text, $3::bigint, $4::text, $5::text, $6::text, $7::text, $8::text,
	$9::text, $10::text, $11::timestamptz, $12::text, $13::text, $14::text, $15::timestamptz
WHERE EXISTS (SELECT 1 FROM %s WHERE id = $1)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	price = EXCLUDED.price,
	url = EXCLUDED.url,
	full_url = EXCLUDED.full_url,
	description = EXCLUDED.description,
	image_url = EXCLUDED.image_url,
	seller_name = EXCLUDED.seller_name,
	seller_rating = EXCLUDED.seller_rating,
	seller_reviews = EXCLUDED.seller_reviews,
	scraped_at = EXCLUDED.scraped_at,
	normalized_title = EXCLUDED.normalized_title,
	category = EXCLUDED.category,
	key_specs = EXCLUDED.key_specs,
	normalized_at = EXCLUDED.normalized_at`, s.normalized, normalizedColumns, s.raw)
}

// UpsertRaw stores or replaces a raw listing.
func (s *ListingStore) UpsertRaw(ctx context.Context, item listing.RawListing) error {
	_, err := s.UpsertRawMany(ctx, []listing.RawListing{item})
	return err
}

// UpsertRawMany writes the batch in one transaction.
func (s *ListingStore) UpsertRawMany(ctx context.Context, items []listing.RawListing) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return 0, fmt.Errorf("upsert raw %q: %w", it.ID, err)
		}
	}
	query := s.upsertRawSQL()
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, it := range items {
			if _, err := tx.Exec(ctx, query, rawArgs(it)...); err != nil {
				return fmt.Errorf("upsert raw %q: %w", it.ID, err)
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
func (s *ListingStore) Raw(ctx context.Context, id string) (listing.RawListing, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, rawColumns, s.raw)
	item, err := scanRaw(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return listing.RawListing{}, store.ErrNotFound
	}
	if err != nil {
		return listing.RawListing{}, fmt.Errorf("get raw: %w", err)
	}
	return item, nil
}

// AllRaw returns raw listings newest first.
func (s *ListingStore) AllRaw(ctx context.Context) ([]listing.RawListing, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY scraped_at DESC, id ASC`, rawColumns, s.raw)
	return s.queryRaw(ctx, query)
}

// RawWithoutNormalized anti-joins raw against normalized listings.
func (s *ListingStore) RawWithoutNormalized(ctx context.Context) ([]listing.RawListing, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s r
WHERE NOT EXISTS (SELECT 1 FROM %s n WHERE n.id = r.id)
ORDER BY r.scraped_at DESC, r.id ASC`, rawColumns, s.raw, s.normalized)
	return s.queryRaw(ctx, query)
}

func (s *ListingStore) queryRaw(ctx context.Context, query string) ([]listing.RawListing, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query raw: %w", err)
	}
	defer rows.Close()
	var out []listing.RawListing
	for rows.Next() {
		item, err := scanRaw(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raw: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raw: %w", err)
	}
	return out, nil
}

// RawExists reports whether id has a raw listing.
func (s *ListingStore) RawExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, s.raw)
	if err := s.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("raw exists: %w", err)
	}
	return exists, nil
}

// CountRaw returns the number of raw listings.
func (s *ListingStore) CountRaw(ctx context.Context) (int, error) {
	return s.count(ctx, s.raw)
}

// UpsertNormalized stores a normalized listing whose raw counterpart exists.
func (s *ListingStore) UpsertNormalized(ctx context.Context, item listing.NormalizedListing) error {
	written, err := s.UpsertNormalizedMany(ctx, []listing.NormalizedListing{item})
	if err != nil {
		return err
	}
	if written == 0 {
		return fmt.Errorf("normalize %q: %w", item.ID, store.ErrNotFound)
	}
	return nil
}

// UpsertNormalizedMany writes the batch in one transaction, skipping orphans.
func (s *ListingStore) UpsertNormalizedMany(ctx context.Context, items []listing.NormalizedListing) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	query := s.upsertNormalizedSQL()
	written := 0
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, it := range items {
			tag, err := tx.Exec(ctx, query, normalizedArgs(it)...)
			if err != nil {
				return fmt.Errorf("upsert normalized %q: %w", it.ID, err)
			}
			written += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// AllNormalized returns normalized listings ordered for reporting.
func (s *ListingStore) AllNormalized(ctx context.Context) ([]listing.NormalizedListing, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY category, normalized_title, id`, normalizedColumns, s.normalized)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query normalized: %w", err)
	}
	defer rows.Close()
	var out []listing.NormalizedListing
	for rows.Next() {
		var item listing.NormalizedListing
		err := rows.Scan(
			&item.ID, &item.Title, &item.Price, &item.URL, &item.FullURL, &item.Description,
			&item.ImageURL, &item.SellerName, &item.SellerRating, &item.SellerReviews, &item.ScrapedAt,
			&item.NormalizedTitle, &item.Category, &item.KeySpecs, &item.NormalizedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan normalized: %w", err)
		}
		item.ScrapedAt = item.ScrapedAt.UTC()
		item.NormalizedAt = item.NormalizedAt.UTC()
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate normalized: %w", err)
	}
	return out, nil
}

// CountNormalized returns the number of normalized listings.
func (s *ListingStore) CountNormalized(ctx context.Context) (int, error) {
	return s.count(ctx, s.normalized)
}

// Close releases the underlying pool resources.
func (s *ListingStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *ListingStore) count(ctx context.Context, table string) (int, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return int(n), nil
}

func (s *ListingStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func scanRaw(row pgx.Row) (listing.RawListing, error) {
	var item listing.RawListing
	err := row.Scan(
		&item.ID, &item.Title, &item.Price, &item.URL, &item.FullURL, &item.Description,
		&item.ImageURL, &item.SellerName, &item.SellerRating, &item.SellerReviews, &item.ScrapedAt,
	)
	item.ScrapedAt = item.ScrapedAt.UTC()
	return item, err
}

func rawArgs(it listing.RawListing) []any {
	return []any{
		it.ID, it.Title, it.Price, it.URL, it.FullURL, it.Description,
		it.ImageURL, it.SellerName, it.SellerRating, it.SellerReviews, it.ScrapedAt.UTC(),
	}
}

func normalizedArgs(it listing.NormalizedListing) []any {
	return append(rawArgs(it.RawListing),
		it.NormalizedTitle, it.Category, it.KeySpecs, it.NormalizedAt.UTC(),
	)
}
