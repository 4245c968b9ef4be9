// Package geocode reconciles coordinates for a story from three sources:
// a knowledge-base lookup on the place string, an independent model
// estimate over the raw event text, and a model estimate over the place
// string when the knowledge base misses.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/htmlfarmer/pulse/internal/llm"
	"github.com/htmlfarmer/pulse/internal/story"
)

// Decision records which source supplied the final coordinate.
type Decision string

const (
	DecisionLLM       Decision = "llm"
	DecisionKnowledge Decision = "knowledge_base"
	DecisionFallback  Decision = "fallback"
	DecisionUnknown   Decision = "unknown"
)

// Two sources corroborate when they agree within this many degrees on
// both axes.
const corroborationTolerance = 2.0

type Coord struct {
	Lat float64
	Lng float64
}

// Asker is the slice of the model client the resolver needs.
type Asker interface {
	Ask(ctx context.Context, prompt, systemPrompt string) llm.Result
}

// KnowledgeBase looks up coordinates for a named place.
type KnowledgeBase interface {
	Coordinates(ctx context.Context, name string) (lat, lng float64, found bool)
}

// Result is the reconciled coordinate plus diagnostics for the debug log.
type Result struct {
	Lat      float64
	Lng      float64
	Decision Decision
	OK       bool

	// Place-geocode diagnostics: the raw model reply for the place
	// string and, when a strategy parsed it, the parsed coordinate.
	PlaceReply  string
	PlaceParsed *Coord
}

type Resolver struct {
	model  Asker
	kb     KnowledgeBase
	logger *slog.Logger
}

func NewResolver(model Asker, kb KnowledgeBase, logger *slog.Logger) *Resolver {
	return &Resolver{model: model, kb: kb, logger: logger}
}

// Resolve runs the three coordinate sources for one story and reconciles
// them. Not OK means the item has no usable coordinate and should be
// dropped by the caller.
func (r *Resolver) Resolve(ctx context.Context, s story.Story) Result {
	res := Result{Decision: DecisionUnknown}

	// Estimate from the event text alone, before anything place-derived,
	// so a knowledge-base miss cannot bias this prompt.
	indep, indepOK := r.estimateFromText(ctx, s.EventText)

	var kbCoord Coord
	kbOK := false
	if s.Place != "" {
		if lat, lng, ok := r.kb.Coordinates(ctx, s.Place); ok {
			kbCoord, kbOK = Coord{lat, lng}, true
			r.logger.Info("Knowledge base resolved place", "place", s.Place, "lat", lat, "lng", lng)
		}
	}
	if !kbOK && s.Place != "" {
		if c, raw, ok := r.estimateFromPlace(ctx, s.Place); ok {
			kbCoord, kbOK = c, true
			res.PlaceReply = raw
			res.PlaceParsed = &c
		} else {
			res.PlaceReply = raw
		}
	}

	var final Coord
	haveFinal := false
	switch {
	case s.HasCoords && kbOK:
		if agree(Coord{s.Lat, s.Lng}, kbCoord) {
			final, res.Decision = Coord{s.Lat, s.Lng}, DecisionLLM
		} else {
			final, res.Decision = kbCoord, DecisionKnowledge
		}
		haveFinal = true
	case s.HasCoords:
		final, res.Decision, haveFinal = Coord{s.Lat, s.Lng}, DecisionLLM, true
	case kbOK:
		final, res.Decision, haveFinal = kbCoord, DecisionKnowledge, true
	default:
		if indepOK {
			if s.Raw != "" {
				res.Decision = DecisionLLM
			} else {
				res.Decision = DecisionFallback
			}
		}
	}

	// The event-text-only estimate always wins the coordinate when it
	// parsed, while the decision keeps recording what the reconciliation
	// above picked. Asymmetric on purpose: that estimate is the one least
	// contaminated by the extraction step's own guess.
	if indepOK {
		final, haveFinal = indep, true
	}

	if !haveFinal {
		return res
	}
	res.Lat, res.Lng, res.OK = final.Lat, final.Lng, true
	return res
}

func agree(a, b Coord) bool {
	return math.Abs(a.Lat-b.Lat) <= corroborationTolerance &&
		math.Abs(a.Lng-b.Lng) <= corroborationTolerance
}

// estimateFromText asks for coordinates of the story from its raw event
// text. Only the JSON and float-pair parsers apply here.
func (r *Resolver) estimateFromText(ctx context.Context, text string) (Coord, bool) {
	if text == "" {
		return Coord{}, false
	}
	reply := r.model.Ask(ctx, textGeocodePrompt(text), "")
	if !reply.OK() {
		return Coord{}, false
	}
	cleaned := story.Clean(reply.Text)
	if c, ok := parseJSONCoord(cleaned); ok {
		return c, true
	}
	return parseFloatPair(cleaned)
}

// estimateFromPlace asks for coordinates of the place string and feeds
// the reply through the parser strategies in order; the first success
// wins. The raw reply is returned either way for the debug log.
func (r *Resolver) estimateFromPlace(ctx context.Context, place string) (Coord, string, bool) {
	reply := r.model.Ask(ctx, placeGeocodePrompt(place), "")
	if !reply.OK() {
		return Coord{}, "", false
	}
	cleaned := story.Clean(reply.Text)

	strategies := []func(string) (Coord, bool){
		parseJSONCoord,
		parseDMSPair,
		parseFloatPair,
		parseLabeledPair,
		func(s string) (Coord, bool) { return r.lookupPlaceShaped(ctx, s) },
	}
	for _, parse := range strategies {
		if c, ok := parse(cleaned); ok {
			return c, reply.Text, true
		}
	}
	r.logger.Warn("Could not parse geocode reply for place", "place", place, "reply", truncate(cleaned, 200))
	return Coord{}, reply.Text, false
}

func textGeocodePrompt(text string) string {
	return "You are a geocoder. Read the news item below and estimate the most likely coordinates " +
		"(latitude and longitude) of the main location associated with this story. " +
		"Respond ONLY with a JSON object containing numeric 'lat' and 'lng' fields, or the single word 'Unknown'.\n\n" +
		"News Item: " + text
}

func placeGeocodePrompt(place string) string {
	return fmt.Sprintf("You are a geocoder. Given the place name or descriptor: '%s'. "+
		"Respond ONLY with a JSON object containing numeric fields 'lat' and 'lng', or the single word 'Unknown'. "+
		"If you are unsure, respond with 'Unknown'.", place)
}

func parseJSONCoord(s string) (Coord, bool) {
	var obj struct {
		Lat json.RawMessage `json:"lat"`
		Lng json.RawMessage `json:"lng"`
	}
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return Coord{}, false
	}
	lat, latOK := rawFloat(obj.Lat)
	lng, lngOK := rawFloat(obj.Lng)
	if !latOK || !lngOK {
		return Coord{}, false
	}
	return checked(Coord{lat, lng})
}

// checked gates every parser result. ParseFloat accepts "NaN" and
// "Infinity" spellings, and json.Marshal later refuses non-finite
// values, so anything outside the valid ranges is a miss. NaN fails
// the inclusive comparisons.
func checked(c Coord) (Coord, bool) {
	ok := c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
	if !ok {
		return Coord{}, false
	}
	return c, true
}

var dmsPattern = regexp.MustCompile(`([0-9]{1,3})°\s*([0-9]{1,2})['′]\s*([0-9]{1,2}(?:\.[0-9]+)?)"?\s*([NnSsEeWw])`)

// parseDMSPair reads two degree-minute-second coordinates with
// hemisphere letters, latitude first.
func parseDMSPair(s string) (Coord, bool) {
	if !strings.ContainsAny(s, `°′"`) {
		return Coord{}, false
	}
	matches := dmsPattern.FindAllStringSubmatch(s, -1)
	if len(matches) < 2 {
		return Coord{}, false
	}
	lat, ok1 := dmsToDecimal(matches[0])
	lng, ok2 := dmsToDecimal(matches[1])
	if !ok1 || !ok2 {
		return Coord{}, false
	}
	return checked(Coord{lat, lng})
}

func dmsToDecimal(m []string) (float64, bool) {
	deg, err1 := strconv.ParseFloat(m[1], 64)
	min, err2 := strconv.ParseFloat(m[2], 64)
	sec, err3 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	val := deg + min/60.0 + sec/3600.0
	switch strings.ToUpper(m[4]) {
	case "S", "W":
		val = -math.Abs(val)
	}
	return val, true
}

var floatPairPattern = regexp.MustCompile(`([-+]?[0-9]{1,3}\.?[0-9]*)\D+([-+]?[0-9]{1,3}\.?[0-9]*)`)

func parseFloatPair(s string) (Coord, bool) {
	m := floatPairPattern.FindStringSubmatch(s)
	if m == nil {
		return Coord{}, false
	}
	lat, err1 := strconv.ParseFloat(m[1], 64)
	lng, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil {
		return Coord{}, false
	}
	return checked(Coord{lat, lng})
}

var labeledPattern = regexp.MustCompile(`(?i)lat[^0-9-]*([-+]?[0-9]{1,3}\.?[0-9]*)[^0-9-]+lng[^0-9-]*([-+]?[0-9]{1,3}\.?[0-9]*)`)

func parseLabeledPair(s string) (Coord, bool) {
	m := labeledPattern.FindStringSubmatch(s)
	if m == nil {
		return Coord{}, false
	}
	lat, err1 := strconv.ParseFloat(m[1], 64)
	lng, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil {
		return Coord{}, false
	}
	return checked(Coord{lat, lng})
}

var placeShapedPattern = regexp.MustCompile(`^\s*([\w\-.'\s]{2,}),\s*([\w\-.'\s]{2,})\s*$`)

// lookupPlaceShaped treats a "City, Country" shaped reply as a new place
// name and retries the knowledge base on it.
func (r *Resolver) lookupPlaceShaped(ctx context.Context, s string) (Coord, bool) {
	m := placeShapedPattern.FindStringSubmatch(s)
	if m == nil {
		return Coord{}, false
	}
	guess := strings.TrimSpace(m[1]) + ", " + strings.TrimSpace(m[2])
	if lat, lng, ok := r.kb.Coordinates(ctx, guess); ok {
		return Coord{lat, lng}, true
	}
	return Coord{}, false
}

func rawFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, finite(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, finite(f)
		}
	}
	return 0, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
