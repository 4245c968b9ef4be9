// Package pipeline runs one end-to-end pass: fetch the current-events
// listing, extract a story per item, resolve coordinates and persist
// features incrementally.
package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/htmlfarmer/pulse/internal/geocode"
	"github.com/htmlfarmer/pulse/internal/geojson"
	"github.com/htmlfarmer/pulse/internal/listing"
	"github.com/htmlfarmer/pulse/internal/story"
)

const featureSource = "Wikipedia Current Events"

// ItemSource supplies the raw event items for a run.
type ItemSource interface {
	Fetch(ctx context.Context) ([]listing.EventItem, error)
}

type Pipeline struct {
	source    ItemSource
	model     geocode.Asker
	resolver  *geocode.Resolver
	writer    *geojson.Writer
	clock     clockwork.Clock
	logger    *slog.Logger
	itemDelay time.Duration
}

func New(source ItemSource, model geocode.Asker, resolver *geocode.Resolver,
	writer *geojson.Writer, clock clockwork.Clock, logger *slog.Logger,
	itemDelay time.Duration) *Pipeline {
	return &Pipeline{
		source:    source,
		model:     model,
		resolver:  resolver,
		writer:    writer,
		clock:     clock,
		logger:    logger,
		itemDelay: itemDelay,
	}
}

// Run processes every listing item strictly in order. A listing fetch
// failure is fatal; any single item failing is logged and skipped so one
// bad item never loses the rest of the run. Output is flushed after
// every resolved item, so partial results survive a crash.
func (p *Pipeline) Run(ctx context.Context) error {
	items, err := p.source.Fetch(ctx)
	if err != nil {
		return err
	}
	p.logger.Info("Listing fetched", "items", len(items))

	if err := p.writer.Start(); err != nil {
		return err
	}

	var features []geojson.Feature
	for idx, item := range items {
		if ctx.Err() != nil {
			p.logger.Warn("Run cancelled", "processed", idx, "total", len(items))
			break
		}
		if f, ok := p.processItem(ctx, idx, item); ok {
			features = append(features, f)
			if err := p.writer.Flush(geojson.Collection(features)); err != nil {
				p.logger.Warn("Incremental write failed", "error", err)
			}
		}
		if idx < len(items)-1 {
			p.clock.Sleep(p.itemDelay)
		}
	}

	return p.writer.Finish(geojson.Collection(features))
}

func (p *Pipeline) processItem(ctx context.Context, idx int, item listing.EventItem) (geojson.Feature, bool) {
	reply := p.model.Ask(ctx, story.Prompt(item.Text, item.Links), story.SystemPrompt)
	raw := ""
	if reply.OK() {
		raw = reply.Text
	} else {
		p.logger.Warn("Story extraction failed", "index", idx, "kind", reply.Kind.String())
	}
	s := story.Parse(raw, item.Text)

	res := p.resolver.Resolve(ctx, s)
	if !res.OK {
		p.logger.Warn("Could not geolocate story", "title", s.Title, "place", s.Place)
		return geojson.Feature{}, false
	}

	id := geojson.StableID(s.Title, s.Place, idx)
	props := geojson.Properties{
		ID:         id,
		Title:      displayTitle(s.Title, item.Text),
		Summary:    s.Summary,
		Place:      s.Place,
		Lat:        res.Lat,
		Lng:        res.Lng,
		EventText:  s.EventText,
		EventLinks: item.Links,
		Decision:   string(res.Decision),
		Diagnostics: geojson.Diagnostics{
			StoryReply:   truncateRunes(s.Raw, 1000),
			GeocodeReply: truncateRunes(res.PlaceReply, 1000),
		},
		Source: featureSource,
	}
	if res.PlaceParsed != nil {
		props.Diagnostics.GeocodeParsed = formatCoord(res.PlaceParsed.Lat, res.PlaceParsed.Lng)
	}
	if len(item.Links) > 0 {
		props.URL = item.Links[0]
	}

	p.writer.AppendDebug(geojson.DebugEntry{
		ID:       id,
		Decision: string(res.Decision),
		Place:    s.Place,
		Lat:      res.Lat,
		Lng:      res.Lng,
		Geocode:  geocodeDiagnostic(res),
		Title:    props.Title,
	})
	return geojson.NewFeature(props), true
}

func displayTitle(title, itemText string) string {
	if title != "" {
		return title
	}
	if r := []rune(itemText); len(r) > 100 {
		return string(r[:100]) + "..."
	}
	return itemText
}

// truncateRunes caps a string on a rune boundary so multibyte text
// never ends up cut mid-sequence in the output file.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// geocodeDiagnostic is the place-geocode column of the debug log: the
// parsed coordinate when a strategy succeeded, the raw reply otherwise.
func geocodeDiagnostic(res geocode.Result) string {
	if res.PlaceParsed != nil {
		return formatCoord(res.PlaceParsed.Lat, res.PlaceParsed.Lng)
	}
	return res.PlaceReply
}

func formatCoord(lat, lng float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + "," +
		strconv.FormatFloat(lng, 'f', -1, 64)
}
