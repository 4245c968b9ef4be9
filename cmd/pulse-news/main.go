package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/htmlfarmer/pulse/internal/cities"
	"github.com/htmlfarmer/pulse/internal/config"
	"github.com/htmlfarmer/pulse/internal/geojson"
	"github.com/htmlfarmer/pulse/internal/gnews"
	"github.com/htmlfarmer/pulse/internal/history"
	"github.com/htmlfarmer/pulse/internal/logger"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	citiesCSV := flag.String("cities-csv", "", "Cities CSV path (overrides config)")
	outPath := flag.String("out", "", "Output GeoJSON path (overrides config)")
	maxCities := flag.Int("max-cities", 0, "Process at most this many cities (0 = all)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pulse-news %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *citiesCSV != "" {
		cfg.News.CitiesCSV = *citiesCSV
	}
	if *outPath != "" {
		cfg.News.Out = *outPath
	}

	log := logger.New("pulse-news", cfg.Logging.Level)
	log.Info("Starting pulse-news", "version", version, "cities", cfg.News.CitiesCSV)

	all, err := cities.Load(cfg.News.CitiesCSV, log)
	if err != nil {
		log.Error("Failed to load cities", "error", err)
		os.Exit(1)
	}
	tracked := cities.Clean(all, 0)
	byName := make(map[string]cities.City, len(tracked))
	var names []string
	for _, c := range tracked {
		byName[c.Name] = c
		names = append(names, c.Name)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.News.DBPath), 0o755); err != nil {
		log.Error("Failed to create state directory", "error", err)
		os.Exit(1)
	}
	store, err := history.Open(cfg.News.DBPath)
	if err != nil {
		log.Error("Failed to open history store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Graceful shutdown initiated, saving results...")
		cancel()
	}()

	clock := clockwork.NewRealClock()
	feed := gnews.New("pulse/1.0 (+https://github.com/htmlfarmer/pulse)", 15*time.Second, clock, log)

	queue, err := store.CityQueue()
	if err != nil {
		log.Error("Failed to read city queue", "error", err)
		os.Exit(1)
	}
	if len(queue) == 0 {
		rng := rand.New(rand.NewSource(clock.Now().UnixNano()))
		if err := store.PopulateQueue(names, rng); err != nil {
			log.Error("Failed to populate city queue", "error", err)
			os.Exit(1)
		}
		queue, err = store.CityQueue()
		if err != nil {
			log.Error("Failed to read city queue", "error", err)
			os.Exit(1)
		}
		log.Info("Created a new randomized city queue", "count", len(queue))
	}
	log.Info("Starting run", "queued", len(queue))

	processed := 0
	for _, name := range queue {
		if ctx.Err() != nil {
			break
		}
		if *maxCities > 0 && processed >= *maxCities {
			break
		}
		processed++

		processCity(ctx, name, byName, feed, store, clock, log)

		if err := store.RemoveFromQueue(name); err != nil {
			log.Warn("Failed to dequeue city", "city", name, "error", err)
		}
		clock.Sleep(500 * time.Millisecond)
	}

	features, err := store.AllFeatures()
	if err != nil {
		log.Error("Failed to read stored features", "error", err)
		os.Exit(1)
	}
	writer := geojson.NewWriter(cfg.News.Out, clock, log)
	if err := os.MkdirAll(filepath.Dir(cfg.News.Out), 0o755); err != nil {
		log.Error("Failed to create output directory", "error", err)
		os.Exit(1)
	}
	if err := writer.Flush(geojson.Collection(features)); err != nil {
		log.Error("Failed to write output", "error", err)
		os.Exit(1)
	}
	log.Info("Run finished", "features", len(features), "out", cfg.News.Out)
}

func processCity(ctx context.Context, name string, byName map[string]cities.City,
	feed *gnews.Client, store *history.Store, clock clockwork.Clock, log *slog.Logger) {
	city, ok := byName[name]
	if !ok {
		log.Warn("Queued city no longer tracked", "city", name)
		return
	}
	log.Info("Processing city", "city", name)

	entries, err := feed.Search(ctx, name)
	if err != nil {
		log.Error("Failed to fetch news", "city", name, "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	entry := entries[0]

	feature := geojson.NewFeature(geojson.Properties{
		ID:        geojson.StableID(entry.Title, name, 0),
		Title:     entry.Title,
		Summary:   entry.Summary,
		Place:     name,
		Lat:       city.Lat,
		Lng:       city.Lng,
		EventText: entry.Title,
		URL:       entry.Link,
		Source:    entry.Source,
	})
	err = store.StoreArticle(history.Article{
		Link:        entry.Link,
		City:        name,
		Title:       entry.Title,
		Source:      entry.Source,
		Summary:     entry.Summary,
		PublishedTS: entry.PublishedTS,
		Feature:     feature,
	})
	if err != nil {
		log.Error("Failed to store article", "city", name, "error", err)
		return
	}
	if err := store.SetLastChecked(name, "news", clock.Now()); err != nil {
		log.Warn("Failed to record last check", "city", name, "error", err)
	}
	log.Info("Stored article", "city", name, "title", truncate(entry.Title, 60))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
