package listing

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDay = time.Date(2026, time.March, 5, 12, 0, 0, 0, time.UTC)

func testExtractor(url string) *Extractor {
	return New(url, "pulse-test/1.0", 5*time.Second,
		clockwork.NewFakeClockAt(testDay),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

const dayPage = `<html><body>
<script>ignored()</script>
<nav>site nav</nav>
<div id="2026_March_5" class="current-events-main">
  <div class="current-events-content description">
    <p><b>Armed conflicts</b></p>
    <ul>
      <li>Fighting continues near <a href="/wiki/Example_City">Example City</a> (<a href="//example.com/report">report</a>)</li>
      <li>A ceasefire is announced</li>
    </ul>
    <p><b>Politics</b></p>
    <ul>
      <li>Parliament is dissolved in <a href="https://en.wikipedia.org/wiki/Otherland">Otherland</a></li>
    </ul>
    <p>Standalone paragraph event without a list</p>
  </div>
</div>
</body></html>`

func TestParse_DayBlockWithCategories(t *testing.T) {
	items, err := testExtractor("").Parse([]byte(dayPage))
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, "Armed conflicts: Fighting continues near Example City (report)", items[0].Text)
	assert.Equal(t, []string{
		"https://en.wikipedia.org/wiki/Example_City",
		"https://example.com/report",
	}, items[0].Links)

	assert.Equal(t, "Armed conflicts: A ceasefire is announced", items[1].Text)
	assert.Empty(t, items[1].Links)

	// Category labels supersede each other.
	assert.Equal(t, "Politics: Parliament is dissolved in Otherland", items[2].Text)
	assert.Equal(t, []string{"https://en.wikipedia.org/wiki/Otherland"}, items[2].Links)

	// Paragraph events still inherit the running category.
	assert.Equal(t, "Politics: Standalone paragraph event without a list", items[3].Text)
}

func TestParse_FallsBackToPreviousDay(t *testing.T) {
	page := `<html><body>
<div id="2026_March_5" class="current-events-main">
  <div class="current-events-content"></div>
</div>
<div id="2026_March_4" class="current-events-main">
  <div class="current-events-content">
    <ul><li>Yesterday's event</li></ul>
  </div>
</div>
</body></html>`

	items, err := testExtractor("").Parse([]byte(page))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Yesterday's event", items[0].Text)
}

func TestParse_MoreSiblingBlocksIncluded(t *testing.T) {
	page := `<html><body>
<div id="2026_March_5" class="current-events-main">
  <div class="current-events-content">
    <ul><li>Main event</li></ul>
  </div>
</div>
<div class="current-events-more">
  <div class="current-events-content">
    <ul><li>Continued event</li></ul>
  </div>
</div>
<div class="unrelated">
  <div class="current-events-content"><ul><li>Not picked up</li></ul></div>
</div>
</body></html>`

	items, err := testExtractor("").Parse([]byte(page))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Main event", items[0].Text)
	assert.Equal(t, "Continued event", items[1].Text)
}

func TestParse_DateShapedIDFallback(t *testing.T) {
	page := `<html><body>
<div id="2025_December_31">
  <div class="current-events-content">
    <ul><li>Archived day event</li></ul>
  </div>
</div>
</body></html>`

	items, err := testExtractor("").Parse([]byte(page))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Archived day event", items[0].Text)
}

func TestParse_TopicContainersAppended(t *testing.T) {
	page := `<html><body>
<div id="2026_March_5" class="current-events-main">
  <div class="current-events-content">
    <ul><li>Day event</li></ul>
  </div>
</div>
<div class="current-events">
  <div class="current-events-content">
    <ul><li>Topic section event</li></ul>
  </div>
</div>
<div class="current-events">
  <div class="current-events-content"></div>
</div>
</body></html>`

	items, err := testExtractor("").Parse([]byte(page))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Day event", items[0].Text)
	assert.Equal(t, "Topic section event", items[1].Text)
}

func TestFetch_ServesParsedItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(dayPage))
	}))
	defer srv.Close()

	items, err := testExtractor(srv.URL).Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 4)
}

func TestFetch_FailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testExtractor(srv.URL).Fetch(context.Background())
	require.Error(t, err)
}
