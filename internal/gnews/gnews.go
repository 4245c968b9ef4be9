// Package gnews searches Google News RSS for recent articles about a
// city.
package gnews

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jonboulle/clockwork"
)

const defaultBaseURL = "https://news.google.com"

// Entry is one RSS item from a search feed.
type Entry struct {
	Title       string
	Link        string
	Source      string
	Summary     string
	Published   string
	PublishedTS int64
}

type Client struct {
	baseURL   string
	userAgent string
	timeout   time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
}

func New(userAgent string, timeout time.Duration, clock clockwork.Clock, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:   defaultBaseURL,
		userAgent: userAgent,
		timeout:   timeout,
		clock:     clock,
		logger:    logger,
	}
}

// SetBaseURL overrides the feed host, for tests.
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// Search fetches the RSS search feed for one city and returns its
// entries in feed order.
func (c *Client) Search(ctx context.Context, city string) ([]Entry, error) {
	feedURL := fmt.Sprintf("%s/rss/search?q=%s&hl=en-US&gl=US&ceid=US:en",
		c.baseURL, url.QueryEscape(city))

	col := colly.NewCollector(
		colly.UserAgent(c.userAgent),
		colly.MaxDepth(1),
	)
	col.SetRequestTimeout(c.timeout)

	var entries []Entry
	col.OnXML("//item", func(e *colly.XMLElement) {
		title := e.ChildText("title")
		if title == "" {
			return
		}
		entry := Entry{
			Title:     title,
			Link:      e.ChildText("link"),
			Source:    e.ChildText("source"),
			Summary:   e.ChildText("description"),
			Published: e.ChildText("pubDate"),
		}
		if entry.Source == "" {
			entry.Source = "Google News"
		}
		entry.PublishedTS = c.publishedUnix(entry.Published)
		entries = append(entries, entry)
	})

	var fetchErr error
	col.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("fetch news feed for %q: %w (status: %d)", city, err, r.StatusCode)
	})

	if err := col.Visit(feedURL); err != nil {
		return nil, fmt.Errorf("visit news feed for %q: %w", city, err)
	}
	col.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	return entries, nil
}

// publishedUnix parses an RSS pubDate, falling back to now so entries
// without a date still sort sanely.
func (c *Client) publishedUnix(pub string) int64 {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC822Z, time.RFC822} {
		if t, err := time.Parse(layout, pub); err == nil {
			return t.Unix()
		}
	}
	return c.clock.Now().Unix()
}
