package browser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ElementHandle is a read-only view of one DOM element.
type ElementHandle interface {
	// Attribute returns the attribute value and whether it exists.
	Attribute(name string) (string, bool)
	// Text returns the trimmed text content.
	Text() string
	// Query returns descendants matching selector in document order.
	Query(selector string) []ElementHandle
	// First returns the first descendant matching selector.
	First(selector string) (ElementHandle, bool)
}

// PageHandle is a read-only view of a loaded page. The extractor depends on
// this instead of on a live browser so it can be fed static fixtures.
type PageHandle interface {
	URL() string
	Title() string
	// BodyText returns the visible text of the document body.
	BodyText() string
	Query(selector string) []ElementHandle
	First(selector string) (ElementHandle, bool)
}

type htmlPage struct {
	url string
	doc *goquery.Document
}

// NewHTMLPage parses markup captured from pageURL into a PageHandle.
func NewHTMLPage(markup, pageURL string) (PageHandle, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("parse page html: %w", err)
	}
	return &htmlPage{url: pageURL, doc: doc}, nil
}

func (p *htmlPage) URL() string { return p.url }

func (p *htmlPage) Title() string {
	return strings.TrimSpace(p.doc.Find("title").First().Text())
}

func (p *htmlPage) BodyText() string {
	return collapseSpace(p.doc.Find("body").Text())
}

func (p *htmlPage) Query(selector string) []ElementHandle {
	return wrap(p.doc.Find(selector))
}

func (p *htmlPage) First(selector string) (ElementHandle, bool) {
	return first(p.doc.Find(selector))
}

type htmlElement struct {
	sel *goquery.Selection
}

func (e htmlElement) Attribute(name string) (string, bool) {
	return e.sel.Attr(name)
}

func (e htmlElement) Text() string {
	return collapseSpace(e.sel.Text())
}

func (e htmlElement) Query(selector string) []ElementHandle {
	return wrap(e.sel.Find(selector))
}

func (e htmlElement) First(selector string) (ElementHandle, bool) {
	return first(e.sel.Find(selector))
}

func wrap(sel *goquery.Selection) []ElementHandle {
	out := make([]ElementHandle, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		out = append(out, htmlElement{sel: s})
	})
	return out
}

func first(sel *goquery.Selection) (ElementHandle, bool) {
	if sel.Length() == 0 {
		return nil, false
	}
	return htmlElement{sel: sel.First()}, true
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
