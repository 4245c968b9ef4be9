package wikidata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://www.wikidata.org/w/api.php"

// coordinateClaim is the Wikidata property for "coordinate location".
const coordinateClaim = "P625"

// Client queries the Wikidata action API: a free-text entity search
// followed by an entity fetch to read the coordinate claim.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	logger     *slog.Logger
}

// New creates a Wikidata client. timeout guards each of the two calls.
func New(userAgent string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    defaultBaseURL,
		userAgent:  userAgent,
		logger:     logger,
	}
}

// SetBaseURL overrides the API endpoint, for tests.
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

// Coordinates resolves a place name to a coordinate through entity search
// plus a claims fetch. A miss of any kind (no hit, no coordinate claim,
// API error) reports found=false; the run is never aborted over it.
func (c *Client) Coordinates(ctx context.Context, name string) (lat, lng float64, found bool) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "unknown") {
		return 0, 0, false
	}

	qid, err := c.searchEntity(ctx, name)
	if err != nil {
		c.logger.Warn("Wikidata search failed", "name", name, "error", err)
		return 0, 0, false
	}
	if qid == "" {
		c.logger.Warn("Wikidata: no search results", "name", name)
		return 0, 0, false
	}

	lat, lng, ok, err := c.entityCoordinates(ctx, qid)
	if err != nil {
		c.logger.Warn("Wikidata entity fetch failed", "name", name, "qid", qid, "error", err)
		return 0, 0, false
	}
	if !ok {
		c.logger.Warn("Wikidata: no coordinate claim", "name", name, "qid", qid)
		return 0, 0, false
	}

	c.logger.Info("Wikidata: found coordinates", "name", name, "qid", qid, "lat", lat, "lng", lng)
	return lat, lng, true
}

func (c *Client) searchEntity(ctx context.Context, name string) (string, error) {
	params := url.Values{
		"action":   {"wbsearchentities"},
		"search":   {name},
		"language": {"en"},
		"limit":    {"1"},
		"format":   {"json"},
	}

	var result struct {
		Search []struct {
			ID string `json:"id"`
		} `json:"search"`
	}
	if err := c.get(ctx, params, &result); err != nil {
		return "", err
	}
	if len(result.Search) == 0 {
		return "", nil
	}
	return result.Search[0].ID, nil
}

func (c *Client) entityCoordinates(ctx context.Context, qid string) (float64, float64, bool, error) {
	params := url.Values{
		"action": {"wbgetentities"},
		"ids":    {qid},
		"props":  {"claims"},
		"format": {"json"},
	}

	var result struct {
		Entities map[string]struct {
			Claims map[string][]struct {
				Mainsnak struct {
					Datavalue struct {
						Value struct {
							Latitude  float64 `json:"latitude"`
							Longitude float64 `json:"longitude"`
						} `json:"value"`
					} `json:"datavalue"`
				} `json:"mainsnak"`
			} `json:"claims"`
		} `json:"entities"`
	}
	if err := c.get(ctx, params, &result); err != nil {
		return 0, 0, false, err
	}

	entity, ok := result.Entities[qid]
	if !ok {
		return 0, 0, false, nil
	}
	claims := entity.Claims[coordinateClaim]
	if len(claims) == 0 {
		return 0, 0, false, nil
	}
	v := claims[0].Mainsnak.Datavalue.Value
	return v.Latitude, v.Longitude, true, nil
}

func (c *Client) get(ctx context.Context, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wikidata request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wikidata returned %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
