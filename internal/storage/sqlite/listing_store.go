// Package sqlite provides a store.Store backed by an SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/alekkss/avito/internal/listing"
	"github.com/alekkss/avito/internal/store"
)

// timeLayout is fixed-width so text ordering matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const rawColumns = `id, title, price, url, full_url, description, image_url,
	seller_name, seller_rating, seller_reviews, scraped_at`

const normalizedColumns = rawColumns + `, normalized_title, category, key_specs, normalized_at`

var schema = []string{
	`CREATE TABLE IF NOT EXISTS raw_listings (
		id             TEXT PRIMARY KEY,
		title          TEXT NOT NULL,
		price          INTEGER NOT NULL DEFAULT 0,
		url            TEXT NOT NULL,
		full_url       TEXT NOT NULL DEFAULT '',
		description    TEXT NOT NULL DEFAULT '',
		image_url      TEXT NOT NULL DEFAULT '',
		seller_name    TEXT NOT NULL DEFAULT '',
		seller_rating  TEXT NOT NULL DEFAULT '',
		seller_reviews TEXT NOT NULL DEFAULT '',
		scraped_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS normalized_listings (
		id               TEXT PRIMARY KEY,
		title            TEXT NOT NULL,
		price            INTEGER NOT NULL DEFAULT 0,
		url              TEXT NOT NULL,
		full_url         TEXT NOT NULL DEFAULT '',
		description      TEXT NOT NULL DEFAULT '',
		image_url        TEXT NOT NULL DEFAULT '',
		seller_name      TEXT NOT NULL DEFAULT '',
		seller_rating    TEXT NOT NULL DEFAULT '',
		seller_reviews   TEXT NOT NULL DEFAULT '',
		scraped_at       TEXT NOT NULL,
		normalized_title TEXT NOT NULL,
		category         TEXT NOT NULL DEFAULT '',
		key_specs        TEXT NOT NULL DEFAULT '',
		normalized_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_scraped_at ON raw_listings(scraped_at)`,
	`CREATE INDEX IF NOT EXISTS idx_normalized_title ON normalized_listings(normalized_title)`,
	`CREATE INDEX IF NOT EXISTS idx_normalized_category ON normalized_listings(category)`,
}

// Config tunes the SQLite connection.
type Config struct {
	Path          string
	BusyTimeoutMS int
	WALMode       bool
}

// ListingStore stores listings in two tables.
type ListingStore struct {
	db *sql.DB
}

var _ store.Store = (*ListingStore)(nil)

// Open opens the database file, creating parent directories as needed.
func Open(ctx context.Context, cfg Config) (*ListingStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps batch transactions and ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	busy := cfg.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy),
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return &ListingStore{db: db}, nil
}

// Initialize creates tables and indexes.
func (s *ListingStore) Initialize(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

const upsertRawSQL = `INSERT INTO raw_listings (` + rawColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	title = excluded.title,
	price = excluded.price,
	url = excluded.url,
	full_url = excluded.full_url,
	description = excluded.description,
	image_url = excluded.image_url,
	seller_name = excluded.seller_name,
	seller_rating = excluded.seller_rating,
	seller_reviews = excluded.seller_reviews,
	scraped_at = excluded.scraped_at`

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
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertRawSQL)
		if err != nil {
			return fmt.Errorf("prepare raw upsert: %w", err)
		}
		defer stmt.Close()
		for _, it := range items {
			if err := it.Validate(); err != nil {
				return fmt.Errorf("upsert raw %q: %w", it.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, rawArgs(it)...); err != nil {
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
	row := s.db.QueryRowContext(ctx, `SELECT `+rawColumns+` FROM raw_listings WHERE id = ?`, id)
	item, err := scanRaw(row)
	if errors.Is(err, sql.ErrNoRows) {
		return listing.RawListing{}, store.ErrNotFound
	}
	if err != nil {
		return listing.RawListing{}, fmt.Errorf("get raw: %w", err)
	}
	return item, nil
}

// AllRaw returns raw listings newest first.
func (s *ListingStore) AllRaw(ctx context.Context) ([]listing.RawListing, error) {
	return s.queryRaw(ctx, `SELECT `+rawColumns+` FROM raw_listings ORDER BY scraped_at DESC, id ASC`)
}

// RawWithoutNormalized anti-joins raw against normalized listings.
func (s *ListingStore) RawWithoutNormalized(ctx context.Context) ([]listing.RawListing, error) {
	cols := "r." + strings.Join(strings.Fields(strings.ReplaceAll(rawColumns, ",", " ")), ", r.")
	query := `SELECT ` + cols + `
FROM raw_listings r
LEFT JOIN normalized_listings n ON n.id = r.id
WHERE n.id IS NULL
ORDER BY r.scraped_at DESC, r.id ASC`
	return s.queryRaw(ctx, query)
}

func (s *ListingStore) queryRaw(ctx context.Context, query string) ([]listing.RawListing, error) {
	rows, err := s.db.QueryContext(ctx, query)
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
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM raw_listings WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("raw exists: %w", err)
	}
	return true, nil
}

// CountRaw returns the number of raw listings.
func (s *ListingStore) CountRaw(ctx context.Context) (int, error) {
	return s.count(ctx, "raw_listings")
}

const upsertNormalizedSQL = `INSERT INTO normalized_listings (` + normalizedColumns + `)
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
WHERE EXISTS (SELECT 1 FROM raw_listings WHERE id = ?)
ON CONFLICT(id) DO UPDATE SET
	title = excluded.title,
	price = excluded.price,
	url = excluded.url,
	full_url = excluded.full_url,
	description = excluded.description,
	image_url = excluded.image_url,
	seller_name = excluded.seller_name,
	seller_rating = excluded.seller_rating,
	seller_reviews = excluded.seller_reviews,
	scraped_at = excluded.scraped_at,
	normalized_title = excluded.normalized_title,
	category = excluded.category,
	key_specs = excluded.key_specs,
	normalized_at = excluded.normalized_at`

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
	written := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertNormalizedSQL)
		if err != nil {
			return fmt.Errorf("prepare normalized upsert: %w", err)
		}
		defer stmt.Close()
		for _, it := range items {
			args := append(normalizedArgs(it), it.ID)
			res, err := stmt.ExecContext(ctx, args...)
			if err != nil {
				return fmt.Errorf("upsert normalized %q: %w", it.ID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			written += int(n)
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
	rows, err := s.db.QueryContext(ctx, `SELECT `+normalizedColumns+`
FROM normalized_listings ORDER BY category, normalized_title, id`)
	if err != nil {
		return nil, fmt.Errorf("query normalized: %w", err)
	}
	defer rows.Close()
	var out []listing.NormalizedListing
	for rows.Next() {
		var (
			item                    listing.NormalizedListing
			scrapedAt, normalizedAt string
		)
		err := rows.Scan(
			&item.ID, &item.Title, &item.Price, &item.URL, &item.FullURL, &item.Description,
			&item.ImageURL, &item.SellerName, &item.SellerRating, &item.SellerReviews, &scrapedAt,
			&item.NormalizedTitle, &item.Category, &item.KeySpecs, &normalizedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan normalized: %w", err)
		}
		if item.ScrapedAt, err = parseTime(scrapedAt); err != nil {
			return nil, err
		}
		if item.NormalizedAt, err = parseTime(normalizedAt); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate normalized: %w", err)
	}
	return out, nil
}

// CountNormalized returns the number of normalized listings.
func (s *ListingStore) CountNormalized(ctx context.Context) (int, error) {
	return s.count(ctx, "normalized_listings")
}

// Close closes the database handle.
func (s *ListingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *ListingStore) count(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *ListingStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRaw(row scanner) (listing.RawListing, error) {
	var (
		item      listing.RawListing
		scrapedAt string
	)
	err := row.Scan(
		&item.ID, &item.Title, &item.Price, &item.URL, &item.FullURL, &item.Description,
		&item.ImageURL, &item.SellerName, &item.SellerRating, &item.SellerReviews, &scrapedAt,
	)
	if err != nil {
		return listing.RawListing{}, err
	}
	item.ScrapedAt, err = parseTime(scrapedAt)
	return item, err
}

func rawArgs(it listing.RawListing) []any {
	return []any{
		it.ID, it.Title, it.Price, it.URL, it.FullURL, it.Description,
		it.ImageURL, it.SellerName, it.SellerRating, it.SellerReviews, formatTime(it.ScrapedAt),
	}
}

func normalizedArgs(it listing.NormalizedListing) []any {
	return append(rawArgs(it.RawListing),
		it.NormalizedTitle, it.Category, it.KeySpecs, formatTime(it.NormalizedAt),
	)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
