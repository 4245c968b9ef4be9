package wikidata

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testClient(baseURL string) *Client {
	c := New("pulse-test/1.0", 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.SetBaseURL(baseURL)
	return c
}

func TestCoordinates_Found(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("action") {
		case "wbsearchentities":
			assert.Equal(t, "Paris, France", r.URL.Query().Get("search"))
			assert.Equal(t, "1", r.URL.Query().Get("limit"))
			w.Write([]byte(`{"search":[{"id":"Q90","label":"Paris"}]}`))
		case "wbgetentities":
			assert.Equal(t, "Q90", r.URL.Query().Get("ids"))
			w.Write([]byte(`{"entities":{"Q90":{"claims":{"P625":[
				{"mainsnak":{"datavalue":{"value":{"latitude":48.8566,"longitude":2.3522}}}}
			]}}}}`))
		default:
			t.Errorf("unexpected action %q", r.URL.Query().Get("action"))
		}
	}))
	defer srv.Close()

	lat, lng, found := testClient(srv.URL).Coordinates(context.Background(), "Paris, France")
	assert.True(t, found)
	assert.InDelta(t, 48.8566, lat, 1e-9)
	assert.InDelta(t, 2.3522, lng, 1e-9)
}

func TestCoordinates_NoSearchHit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"search":[]}`))
	}))
	defer srv.Close()

	_, _, found := testClient(srv.URL).Coordinates(context.Background(), "Nowhere Specific")
	assert.False(t, found)
}

func TestCoordinates_NoCoordinateClaim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("action") == "wbsearchentities" {
			w.Write([]byte(`{"search":[{"id":"Q1"}]}`))
			return
		}
		w.Write([]byte(`{"entities":{"Q1":{"claims":{}}}}`))
	}))
	defer srv.Close()

	_, _, found := testClient(srv.URL).Coordinates(context.Background(), "Universe")
	assert.False(t, found)
}

func TestCoordinates_SkipsSentinelNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected for sentinel names")
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	for _, name := range []string{"", "  ", "Unknown", "unknown"} {
		_, _, found := c.Coordinates(context.Background(), name)
		assert.False(t, found, "name %q", name)
	}
}

func TestCoordinates_APIErrorIsAMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, _, found := testClient(srv.URL).Coordinates(context.Background(), "Paris")
	assert.False(t, found)
}
