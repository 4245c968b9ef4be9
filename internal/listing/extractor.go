package listing

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/jonboulle/clockwork"
)

// EventItem is one discrete entry from the current-events listing. Text
// carries the running category prefix ("Category: ...") when one applies.
type EventItem struct {
	Text  string
	Links []string
}

var dateIDPattern = regexp.MustCompile(`^\d{4}_[A-Z][a-z]+_\d{1,2}$`)

// Extractor fetches the public current-events listing page and splits it
// into EventItems.
type Extractor struct {
	url       string
	userAgent string
	timeout   time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger
}

func New(url, userAgent string, timeout time.Duration, clock clockwork.Clock, logger *slog.Logger) *Extractor {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Extractor{
		url:       url,
		userAgent: userAgent,
		timeout:   timeout,
		clock:     clock,
		logger:    logger,
	}
}

// Fetch downloads the listing page and extracts its event items. A fetch
// failure is returned to the caller; it is fatal to the run.
func (e *Extractor) Fetch(ctx context.Context) ([]EventItem, error) {
	c := colly.NewCollector(
		colly.UserAgent(e.userAgent),
		colly.MaxDepth(1),
	)
	c.SetRequestTimeout(e.timeout)

	var body []byte
	var fetchErr error
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		fetchErr = fmt.Errorf("fetch %s: %w (status: %d)", e.url, err, r.StatusCode)
	})

	if err := c.Visit(e.url); err != nil {
		return nil, fmt.Errorf("failed to visit %s: %w", e.url, err)
	}
	c.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response from %s", e.url)
	}

	return e.Parse(body)
}

// Parse extracts event items from raw listing HTML.
func (e *Extractor) Parse(html []byte) ([]EventItem, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse listing page: %w", err)
	}

	doc.Find("script, style, header, footer, nav, aside").Remove()

	blocks := e.selectDayBlocks(doc)
	if len(blocks) == 0 {
		blocks = fallbackBlocks(doc)
	}
	blocks = appendTopicContainers(doc, blocks)

	var items []EventItem
	for _, block := range blocks {
		items = append(items, parseBlock(block)...)
	}
	if len(items) == 0 {
		e.logger.Warn("No event items found for the current date section")
	}
	return items, nil
}

// selectDayBlocks tries today then up to three preceding days, keeping the
// first day whose block actually has paragraph or list content. The
// server's notion of "today" can lag or lead the content.
func (e *Extractor) selectDayBlocks(doc *goquery.Document) []*goquery.Selection {
	now := e.clock.Now().UTC()
	for offset := 0; offset < 4; offset++ {
		day := now.AddDate(0, 0, -offset)
		blocks := blocksForDay(doc, day)
		if len(blocks) == 0 {
			continue
		}
		for _, b := range blocks {
			if hasContent(b) {
				return blocks
			}
		}
	}
	return nil
}

func dayBlockID(day time.Time) string {
	return fmt.Sprintf("%d_%s_%d", day.Year(), day.Month().String(), day.Day())
}

// blocksForDay returns the block for a given day plus any directly
// following "more" sibling blocks.
func blocksForDay(doc *goquery.Document, day time.Time) []*goquery.Selection {
	// Day ids start with a digit, which a #id selector cannot express.
	sel := doc.Find(fmt.Sprintf("div[id=%q]", dayBlockID(day)))
	if sel.Length() == 0 {
		return nil
	}

	blocks := []*goquery.Selection{sel.First()}
	for sib := sel.First().Next(); sib.Length() > 0; sib = sib.Next() {
		if !sib.Is("div") {
			continue
		}
		if sib.HasClass("current-events-more") {
			blocks = append(blocks, sib)
		} else {
			break
		}
	}
	return blocks
}

func hasContent(block *goquery.Selection) bool {
	content := block.Find("div.current-events-content").First()
	if content.Length() == 0 {
		return false
	}
	found := false
	content.Children().EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Is("p") || s.Is("ul") {
			if cleanText(s.Text()) != "" {
				found = true
				return false
			}
		}
		return true
	})
	return found
}

// fallbackBlocks collects date blocks when no day id matched: first the
// standard day-block class, then day blocks nested in listing containers,
// then any div whose id is date-shaped.
func fallbackBlocks(doc *goquery.Document) []*goquery.Selection {
	var blocks []*goquery.Selection

	doc.Find("div.current-events-main").Each(func(_ int, s *goquery.Selection) {
		blocks = append(blocks, s)
	})
	if len(blocks) > 0 {
		return blocks
	}

	doc.Find("div.p-current-events-events, div.current-events").Each(func(_ int, container *goquery.Selection) {
		container.Find("div.current-events-main").Each(func(_ int, s *goquery.Selection) {
			blocks = append(blocks, s)
		})
	})
	if len(blocks) > 0 {
		return blocks
	}

	doc.Find("div[id]").Each(func(_ int, s *goquery.Selection) {
		if id, ok := s.Attr("id"); ok && dateIDPattern.MatchString(id) {
			blocks = append(blocks, s)
		}
	})
	return blocks
}

// appendTopicContainers adds regional/topic listing containers with real
// content after the date blocks, preserving order and skipping blocks
// already selected.
func appendTopicContainers(doc *goquery.Document, blocks []*goquery.Selection) []*goquery.Selection {
	nodes := make(map[any]bool, len(blocks))
	for _, b := range blocks {
		if len(b.Nodes) > 0 {
			nodes[b.Nodes[0]] = true
		}
	}

	doc.Find("div.current-events").Each(func(_ int, s *goquery.Selection) {
		if len(s.Nodes) > 0 && nodes[s.Nodes[0]] {
			return
		}
		if !hasContent(s) {
			return
		}
		blocks = append(blocks, s)
		if len(s.Nodes) > 0 {
			nodes[s.Nodes[0]] = true
		}
	})
	return blocks
}

// parseBlock walks one content block. Short fully-bold paragraphs act as a
// running category label prefixed onto following items until superseded.
func parseBlock(block *goquery.Selection) []EventItem {
	content := block.Find("div.current-events-content").First()
	if content.Length() == 0 {
		return nil
	}

	var items []EventItem
	category := ""

	content.Children().Each(func(_ int, s *goquery.Selection) {
		switch {
		case s.Is("p"):
			b := s.Find("b").First()
			ptext := cleanText(s.Text())
			if b.Length() > 0 && len(ptext) < 60 && cleanText(b.Text()) == ptext {
				category = ptext
			} else if ptext != "" {
				items = append(items, EventItem{Text: withCategory(category, ptext)})
			}
		case s.Is("ul"):
			s.ChildrenFiltered("li").Each(func(_ int, li *goquery.Selection) {
				litext := cleanText(li.Text())
				if litext == "" {
					return
				}
				var links []string
				li.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
					if href, ok := a.Attr("href"); ok {
						links = append(links, absoluteURL(href))
					}
				})
				items = append(items, EventItem{Text: withCategory(category, litext), Links: links})
			})
		}
	})
	return items
}

func withCategory(category, text string) string {
	if category == "" {
		return text
	}
	return category + ": " + text
}

func absoluteURL(href string) string {
	switch {
	case strings.HasPrefix(href, "//"):
		return "https:" + href
	case strings.HasPrefix(href, "/"):
		return "https://en.wikipedia.org" + href
	}
	return href
}

func cleanText(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}
