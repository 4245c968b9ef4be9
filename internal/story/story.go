// Package story turns one raw listing item into a structured news story
// by prompting a language model and parsing its reply leniently.
package story

import (
	"encoding/json"
	"strconv"
	"strings"
)

// SystemPrompt pins the model to a bare JSON reply.
const SystemPrompt = "You are a concise news analyst. Reply with a single JSON object and nothing else."

// Story is the structured form of one event item. EventText always holds
// usable text: the model's restatement when it gave one, the original
// listing text otherwise.
type Story struct {
	Title     string
	Summary   string
	Place     string
	Lat       float64
	Lng       float64
	HasCoords bool
	EventText string
	Raw       string
}

// Prompt builds the extraction request for one listing item.
func Prompt(text string, links []string) string {
	var b strings.Builder
	b.WriteString("Describe the following news event as a JSON object with the fields ")
	b.WriteString(`"title", "summary", "place", "lat", "lng" and "event_text". `)
	b.WriteString(`"place" is the most specific named location of the event, `)
	b.WriteString(`as "City, Country" where possible. `)
	b.WriteString(`"lat" and "lng" are your best estimate of the location in decimal degrees. `)
	b.WriteString(`"event_text" is a one sentence restatement of the event.` + "\n\nEvent:\n")
	b.WriteString(text)
	if len(links) > 0 {
		b.WriteString("\n\nRelated pages:\n")
		for _, l := range links {
			b.WriteString(l)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Clean strips markdown code fences a model tends to wrap JSON in.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if after, ok := strings.CutPrefix(s, "```json"); ok {
		s = after
	} else if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

type payload struct {
	Title     string          `json:"title"`
	Summary   string          `json:"summary"`
	Place     json.RawMessage `json:"place"`
	Lat       json.RawMessage `json:"lat"`
	Lng       json.RawMessage `json:"lng"`
	EventText string          `json:"event_text"`
}

type placeObject struct {
	City    string          `json:"city"`
	Country string          `json:"country"`
	Lat     json.RawMessage `json:"lat"`
	Lng     json.RawMessage `json:"lng"`
}

// Parse interprets a model reply. Any reply the parser cannot use yields
// a partial story carrying the original item text, never an error: one
// bad reply must not stop the run.
func Parse(raw, itemText string) Story {
	s := Story{EventText: strings.TrimSpace(itemText), Raw: raw}

	body := extractObject(Clean(raw))
	if body == "" {
		return s
	}
	var p payload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return s
	}

	s.Title = strings.TrimSpace(p.Title)
	s.Summary = strings.TrimSpace(p.Summary)
	if t := strings.TrimSpace(p.EventText); t != "" {
		s.EventText = t
	}

	lat, latOK := toFloat(p.Lat)
	lng, lngOK := toFloat(p.Lng)

	// place may be a plain string or a {city, country, lat, lng} object;
	// coordinates nested in the object win over the top-level pair.
	if len(p.Place) > 0 {
		var name string
		if err := json.Unmarshal(p.Place, &name); err == nil {
			s.Place = strings.TrimSpace(name)
		} else {
			var obj placeObject
			if err := json.Unmarshal(p.Place, &obj); err == nil {
				s.Place = joinPlace(obj.City, obj.Country)
				if la, ok := toFloat(obj.Lat); ok {
					if ln, ok2 := toFloat(obj.Lng); ok2 {
						lat, lng, latOK, lngOK = la, ln, true, true
					}
				}
			}
		}
	}

	if latOK && lngOK && inRange(lat, lng) {
		s.Lat, s.Lng, s.HasCoords = lat, lng, true
	}
	return s
}

// extractObject pulls the outermost {...} out of a reply that may carry
// prose around the JSON.
func extractObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func joinPlace(city, country string) string {
	city = strings.TrimSpace(city)
	country = strings.TrimSpace(country)
	switch {
	case city != "" && country != "":
		return city + ", " + country
	case city != "":
		return city
	default:
		return country
	}
}

// toFloat accepts a JSON number or a numeric string.
func toFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func inRange(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
