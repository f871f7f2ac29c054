// Package extract turns a rendered catalog page into RawListing records.
package extract

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/alekkss/avito/internal/browser"
	"github.com/alekkss/avito/internal/listing"
)

// Selectors locates listing fields within the catalog markup.
type Selectors struct {
	Item          string
	ItemIDAttr    string
	Title         string
	Price         string
	Description   string
	Image         string
	SellerName    string
	SellerRating  string
	SellerReviews string
	// PageLink matches the numbered links of the pagination widget.
	PageLink string
}

// DefaultSelectors matches the data-marker conventions of the target catalog.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:          "div[data-marker='item']",
		ItemIDAttr:    "data-item-id",
		Title:         "a[data-marker='item-title']",
		Price:         "meta[itemprop='price']",
		Description:   "meta[itemprop='description']",
		Image:         "img[itemprop='image']",
		SellerName:    "div[class*='iva-item-sellerInfo'] a p",
		SellerRating:  "[data-marker='seller-rating/score']",
		SellerReviews: "[data-marker='seller-info/summary']",
		PageLink:      "[data-marker^='pagination-button/page']",
	}
}

// Extractor reads listing cards from a PageHandle.
type Extractor struct {
	sel    Selectors
	origin string
	now    func() time.Time
	logger *zap.Logger
}

// New builds an Extractor. origin is used to absolutize relative listing links
// and now stamps ScrapedAt.
func New(sel Selectors, origin string, now func() time.Time, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Extractor{sel: sel, origin: origin, now: now, logger: logger.Named("extract")}
}

// Extract returns every well-formed listing on the page in document order.
// Cards missing an ID, title or link are skipped, as are repeats of an ID
// already returned from the same page. A card that fails to parse never
// aborts the page.
func (e *Extractor) Extract(page browser.PageHandle) []listing.RawListing {
	if page == nil {
		return nil
	}
	cards := page.Query(e.sel.Item)
	scrapedAt := e.now().UTC()
	out := make([]listing.RawListing, 0, len(cards))
	seen := make(map[string]struct{}, len(cards))
	skipped := 0

	for i, card := range cards {
		item, err := e.parseCard(card, scrapedAt)
		if err != nil {
			skipped++
			e.logger.Debug("Skipping card", zap.Int("index", i), zap.Error(err))
			continue
		}
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		out = append(out, item)
	}

	e.logger.Debug("Extracted listings",
		zap.String("url", page.URL()),
		zap.Int("cards", len(cards)),
		zap.Int("listings", len(out)),
		zap.Int("skipped", skipped),
	)
	return out
}

func (e *Extractor) parseCard(card browser.ElementHandle, scrapedAt time.Time) (item listing.RawListing, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("card parse panic: %v", r)
		}
	}()

	id, _ := card.Attribute(e.sel.ItemIDAttr)
	item.ID = strings.TrimSpace(id)

	if link, ok := card.First(e.sel.Title); ok {
		item.Title = link.Text()
		href, _ := link.Attribute("href")
		item.URL = strings.TrimSpace(href)
	}
	if err := item.Validate(); err != nil {
		return listing.RawListing{}, err
	}

	item.FullURL = listing.AbsoluteURL(e.origin, item.URL)
	item.Price = ParsePrice(e.attr(card, e.sel.Price, "content"))
	item.Description = strings.TrimSpace(e.attr(card, e.sel.Description, "content"))
	item.ImageURL = e.attr(card, e.sel.Image, "src")
	item.SellerName = e.text(card, e.sel.SellerName)
	item.SellerRating = e.text(card, e.sel.SellerRating)
	item.SellerReviews = e.text(card, e.sel.SellerReviews)
	item.ScrapedAt = scrapedAt
	return item, nil
}

func (e *Extractor) attr(card browser.ElementHandle, selector, name string) string {
	if selector == "" {
		return ""
	}
	el, ok := card.First(selector)
	if !ok {
		return ""
	}
	v, _ := el.Attribute(name)
	return strings.TrimSpace(v)
}

func (e *Extractor) text(card browser.ElementHandle, selector string) string {
	if selector == "" {
		return ""
	}
	el, ok := card.First(selector)
	if !ok {
		return ""
	}
	return el.Text()
}

// TotalPages reads the highest page number shown by the pagination widget,
// or 0 when the widget is absent.
func (e *Extractor) TotalPages(page browser.PageHandle) int {
	if page == nil || e.sel.PageLink == "" {
		return 0
	}
	maxPage := 0
	for _, link := range page.Query(e.sel.PageLink) {
		n, err := strconv.Atoi(strings.TrimSpace(link.Text()))
		if err == nil && n > maxPage {
			maxPage = n
		}
	}
	return maxPage
}

// ParsePrice converts a price attribute to an integer amount. Grouping spaces
// and a trailing currency sign are tolerated; anything else yields 0.
func ParsePrice(raw string) int64 {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	cleaned = strings.TrimSuffix(cleaned, "₽")
	cleaned = strings.TrimSuffix(strings.ToLower(cleaned), "руб.")
	if cleaned == "" {
		return 0
	}
	if n, err := strconv.ParseInt(cleaned, 10, 64); err == nil && n >= 0 {
		return n
	}
	if f, err := strconv.ParseFloat(cleaned, 64); err == nil && f >= 0 {
		return int64(f)
	}
	return 0
}
