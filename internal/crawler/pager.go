package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPageParam is the query parameter carrying the catalog page number.
const DefaultPageParam = "p"

// Pager builds catalog page URLs and identifies which page a URL points at.
type Pager struct {
	base  *url.URL
	param string
	start int
}

// NewPager parses the catalog start URL. The page number found in it, if any,
// becomes the first page of the crawl.
func NewPager(startURL, param string) (*Pager, error) {
	if param == "" {
		param = DefaultPageParam
	}
	normalized, err := NormalizeURL(startURL)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(normalized)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("start url %q must be absolute", startURL)
	}
	p := &Pager{base: base, param: param}
	p.start = p.pageNumber(base)
	return p, nil
}

// StartPage is the page number the crawl begins on.
func (p *Pager) StartPage() int {
	return p.start
}

// PageURL returns the URL of catalog page n. Page 1 carries no page parameter.
func (p *Pager) PageURL(n int) string {
	u := *p.base
	q := u.Query()
	if n <= 1 {
		q.Del(p.param)
	} else {
		q.Set(p.param, strconv.Itoa(n))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Identity reduces a URL to the catalog path plus page number. Two URLs with
// the same identity show the same catalog page regardless of tracking
// parameters or ordering.
func (p *Pager) Identity(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	path := strings.TrimSuffix(u.EscapedPath(), "/")
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("%s%s#%d", strings.ToLower(u.Host), path, p.pageNumber(u))
}

func (p *Pager) pageNumber(u *url.URL) int {
	raw := u.Query().Get(p.param)
	if raw == "" {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}
