// Package cities loads the tracked-city list used for per-city news
// rotation.
package cities

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type City struct {
	Name       string
	Lat        float64
	Lng        float64
	Country    string
	Population int
}

// Load reads a cities CSV with a header row. Rows missing a name or
// with unparseable coordinates are skipped, not fatal. Population is
// optional and defaults to zero.
func Load(path string, logger *slog.Logger) ([]City, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cities file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read cities header: %w", err)
	}
	col := map[string]int{}
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	var out []City
	skipped := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		c, ok := cityFromRow(row, col)
		if !ok {
			skipped++
			continue
		}
		out = append(out, c)
	}
	logger.Info("Loaded cities", "path", path, "count", len(out), "skipped", skipped)
	return out, nil
}

func cityFromRow(row []string, col map[string]int) (City, bool) {
	name := strings.TrimSpace(field(row, col, "city"))
	if name == "" {
		return City{}, false
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(field(row, col, "lat")), 64)
	lng, err2 := strconv.ParseFloat(strings.TrimSpace(field(row, col, "lng")), 64)
	if err1 != nil || err2 != nil {
		return City{}, false
	}
	pop, _ := strconv.Atoi(strings.TrimSpace(field(row, col, "population")))
	return City{
		Name:       name,
		Lat:        lat,
		Lng:        lng,
		Country:    strings.TrimSpace(field(row, col, "country")),
		Population: pop,
	}, true
}

func field(row []string, col map[string]int, name string) string {
	i, ok := col[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

// Clean drops cities below minPopulation and dedupes by name, keeping
// the entry with the larger population. Input order is preserved for
// the survivors.
func Clean(cs []City, minPopulation int) []City {
	keep := make(map[string]City, len(cs))
	var order []string
	for _, c := range cs {
		if c.Population < minPopulation {
			continue
		}
		key := strings.ToLower(c.Name)
		prev, seen := keep[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || c.Population > prev.Population {
			keep[key] = c
		}
	}
	out := make([]City, 0, len(order))
	for _, key := range order {
		out = append(out, keep[key])
	}
	return out
}
