// Package listing defines the catalog records harvested and enriched by the pipeline.
package listing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrInvalid marks a listing that is missing one of its required fields.
var ErrInvalid = errors.New("invalid listing")

// RawListing is a single catalog entry as captured from a results page.
type RawListing struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Price         int64     `json:"price"`
	URL           string    `json:"url"`
	FullURL       string    `json:"full_url"`
	Description   string    `json:"description,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	SellerName    string    `json:"seller_name,omitempty"`
	SellerRating  string    `json:"seller_rating,omitempty"`
	SellerReviews string    `json:"seller_reviews,omitempty"`
	ScrapedAt     time.Time `json:"scraped_at"`
}

// Validate reports whether the listing carries the fields every stored record needs.
func (l RawListing) Validate() error {
	switch {
	case strings.TrimSpace(l.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalid)
	case strings.TrimSpace(l.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalid)
	case strings.TrimSpace(l.URL) == "":
		return fmt.Errorf("%w: url is required", ErrInvalid)
	}
	return nil
}

// NormalizedListing is a RawListing enriched with a classifier result.
type NormalizedListing struct {
	RawListing
	NormalizedTitle string    `json:"normalized_title"`
	Category        string    `json:"category"`
	KeySpecs        string    `json:"key_specs"`
	NormalizedAt    time.Time `json:"normalized_at"`
}

// Classification is the subset of a classifier answer that enriches a listing.
type Classification struct {
	NormalizedTitle string
	Category        string
	KeySpecs        string
}

// Normalize combines one raw listing with one classification.
func Normalize(raw RawListing, c Classification, at time.Time) NormalizedListing {
	return NormalizedListing{
		RawListing:      raw,
		NormalizedTitle: strings.TrimSpace(c.NormalizedTitle),
		Category:        strings.TrimSpace(c.Category),
		KeySpecs:        strings.TrimSpace(c.KeySpecs),
		NormalizedAt:    at.UTC(),
	}
}

// AbsoluteURL resolves ref against base. Absolute refs are returned unchanged
// and an unparsable base yields ref as-is.
func AbsoluteURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if r.IsAbs() {
		return r.String()
	}
	b, err := url.Parse(base)
	if err != nil || b.Host == "" {
		return ref
	}
	return b.ResolveReference(r).String()
}

// Origin returns scheme://host of rawURL, or "" when it has no host.
func Origin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// IDs returns the listing IDs in input order.
func IDs(items []RawListing) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}
