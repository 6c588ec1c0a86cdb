// Package scraper fetches URL content for ingestion and extracts readable
// text from HTML. Requests are rate limited so a batch of update checks does
// not hammer a host.
package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"
)

type FetcherConfig struct {
	RateLimit float64 // requests per second
	Timeout   time.Duration
	UserAgent string
}

// Page is one fetched URL: extracted text plus the validators needed for
// change detection without re-downloading.
type Page struct {
	URL          string
	Title        string
	Text         string
	ETag         string
	LastModified string
	ContentType  string
	NotModified  bool
}

type Fetcher struct {
	config  FetcherConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewFetcher(config FetcherConfig) *Fetcher {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if config.UserAgent == "" {
		config.UserAgent = "guide-rag/1.0"
	}

	return &Fetcher{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

// Fetch downloads one page and extracts its text. etag/lastModified from a
// previous fetch are sent as conditional headers; a 304 response comes back
// with NotModified set and no body, which is enough to prove no change.
func (f *Fetcher) Fetch(ctx context.Context, url, etag, lastModified string) (*Page, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &Page{URL: url, ETag: etag, LastModified: lastModified, NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, url)
	}

	page := &Page{
		URL:          url,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  resp.Header.Get("Content-Type"),
	}

	if strings.Contains(page.ContentType, "text/html") || page.ContentType == "" {
		doc, err := goquery.NewDocumentFromReader(resp.Body)
		if err != nil {
			return nil, err
		}
		page.Title = strings.TrimSpace(doc.Find("title").Text())
		page.Text = extractMainContent(doc)
	} else {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		page.Text = string(body)
	}

	return page, nil
}

// ExtractHTMLText pulls readable text out of raw HTML, used both for fetched
// pages and for local .html files.
func ExtractHTMLText(r io.Reader) (title, text string, err error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(doc.Find("title").Text()), extractMainContent(doc), nil
}

func extractMainContent(doc *goquery.Document) string {
	doc.Find("script, style, noscript").Remove()

	selectors := []string{
		"main",
		"article",
		".content",
		"#content",
		".documentation",
		"#documentation",
	}

	var content string
	for _, selector := range selectors {
		if selected := doc.Find(selector); selected.Length() > 0 {
			content = selected.Text()
			break
		}
	}

	if content == "" {
		content = doc.Find("body").Text()
	}

	return cleanContent(content)
}

func cleanContent(content string) string {
	lines := strings.Split(content, "\n")
	var kept []string
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
