// Package geojson assembles event features and persists them
// incrementally as a GeoJSON FeatureCollection.
package geojson

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonboulle/clockwork"
)

type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

type Properties struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Summary     string      `json:"summary"`
	Place       string      `json:"place"`
	Lat         float64     `json:"lat"`
	Lng         float64     `json:"lng"`
	EventText   string      `json:"event_text"`
	URL         string      `json:"url,omitempty"`
	EventLinks  []string    `json:"event_links,omitempty"`
	Decision    string      `json:"decision"`
	Diagnostics Diagnostics `json:"diagnostics"`
	Source      string      `json:"source"`
}

// Diagnostics keeps the model replies behind a feature so a bad
// coordinate can be traced without the debug log. Replies are truncated
// by the caller before they land here.
type Diagnostics struct {
	StoryReply    string `json:"story_reply,omitempty"`
	GeocodeReply  string `json:"geocode_reply,omitempty"`
	GeocodeParsed string `json:"geocode_parsed,omitempty"`
}

type Feature struct {
	Type       string     `json:"type"`
	ID         string     `json:"id"`
	Properties Properties `json:"properties"`
	Geometry   Geometry   `json:"geometry"`
}

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// NewFeature builds a Point feature. GeoJSON orders coordinates
// longitude first.
func NewFeature(p Properties) Feature {
	return Feature{
		Type:       "Feature",
		ID:         p.ID,
		Properties: p,
		Geometry: Geometry{
			Type:        "Point",
			Coordinates: [2]float64{p.Lng, p.Lat},
		},
	}
}

func Collection(features []Feature) FeatureCollection {
	if features == nil {
		features = []Feature{}
	}
	return FeatureCollection{Type: "FeatureCollection", Features: features}
}

// StableID derives a feature id that stays fixed across runs for the
// same title, place and position in the listing.
func StableID(title, place string, index int) string {
	sum := md5.Sum([]byte(title + "|" + place + "|" + strconv.Itoa(index)))
	return hex.EncodeToString(sum[:])
}

// Writer persists a collection to one output path. Every flush goes
// through a temp file and a rename so a crash mid-write leaves the
// previous complete file in place. A marker file next to the output
// signals an in-progress run.
type Writer struct {
	path   string
	clock  clockwork.Clock
	logger *slog.Logger
}

func NewWriter(path string, clock clockwork.Clock, logger *slog.Logger) *Writer {
	return &Writer{path: path, clock: clock, logger: logger}
}

func (w *Writer) MarkerPath() string {
	base := strings.TrimSuffix(w.path, filepath.Ext(w.path))
	return base + ".running"
}

func (w *Writer) debugPath() string {
	return filepath.Join(filepath.Dir(w.path), "current_events_debug.log")
}

// Start creates the output directory and the run marker.
func (w *Writer) Start() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(w.MarkerPath(), []byte("1"), 0o644); err != nil {
		return fmt.Errorf("write run marker: %w", err)
	}
	return nil
}

// Running reports whether a run marker is present.
func (w *Writer) Running() bool {
	_, err := os.Stat(w.MarkerPath())
	return err == nil
}

// Flush atomically replaces the output file with the given collection.
func (w *Writer) Flush(fc FeatureCollection) error {
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode feature collection: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return fmt.Errorf("replace %s: %w", w.path, err)
	}
	return nil
}

// Finish writes the final collection and clears the run marker.
func (w *Writer) Finish(fc FeatureCollection) error {
	if err := w.Flush(fc); err != nil {
		return err
	}
	if err := os.Remove(w.MarkerPath()); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("Could not remove run marker", "path", w.MarkerPath(), "error", err)
	}
	return nil
}

// DebugEntry is one line of the tab-separated diagnostic log.
type DebugEntry struct {
	ID       string
	Decision string
	Place    string
	Lat      float64
	Lng      float64
	Geocode  string
	Title    string
}

// AppendDebug appends a diagnostic line, best effort. The log must never
// block feature writing.
func (w *Writer) AppendDebug(e DebugEntry) {
	f, err := os.OpenFile(w.debugPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		w.logger.Warn("Could not open debug log", "path", w.debugPath(), "error", err)
		return
	}
	defer f.Close()

	line := fmt.Sprintf("%d\t%s\t%s\t%s\t%s,%s\t%s\t%s\n",
		w.clock.Now().Unix(), e.ID, e.Decision, e.Place,
		strconv.FormatFloat(e.Lat, 'f', -1, 64),
		strconv.FormatFloat(e.Lng, 'f', -1, 64),
		flatten(e.Geocode, 200), e.Title)
	if _, err := f.WriteString(line); err != nil {
		w.logger.Warn("Could not append to debug log", "error", err)
	}
}

// flatten collapses newlines and caps length for one log field. The cap
// counts runes so a multibyte character is never cut mid-sequence.
func flatten(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	if r := []rune(s); len(r) > n {
		s = string(r[:n])
	}
	return s
}

// ReadCollection loads a previously written output file.
func ReadCollection(path string) (FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FeatureCollection{}, err
	}
	var fc FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return FeatureCollection{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return fc, nil
}
