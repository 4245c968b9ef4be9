package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/htmlfarmer/pulse/internal/config"
	"github.com/htmlfarmer/pulse/internal/geocode"
	"github.com/htmlfarmer/pulse/internal/geojson"
	"github.com/htmlfarmer/pulse/internal/listing"
	"github.com/htmlfarmer/pulse/internal/llm"
	"github.com/htmlfarmer/pulse/internal/logger"
	"github.com/htmlfarmer/pulse/internal/pipeline"
	"github.com/htmlfarmer/pulse/internal/wikidata"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	outPath := flag.String("out", "", "Output GeoJSON path (overrides config)")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pulse %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *outPath != "" {
		cfg.Run.Out = *outPath
	}

	log := logger.New("pulse", cfg.Logging.Level)
	log.Info("Starting pulse", "version", version, "out", cfg.Run.Out)

	if cfg.LLM.LocalFallback.ModelPath != "" {
		log.Warn("local_fallback.model_path is ignored; inference is always remote",
			"path", cfg.LLM.LocalFallback.ModelPath)
	}

	clock := clockwork.NewRealClock()

	remote := llm.NewRemote(cfg.LLM, clock, log)
	if !remote.Available() {
		log.Warn("Remote LLM server is not reachable; runs will rely on the fallback",
			"url", cfg.LLM.ServerURL)
	}
	var fallback llm.Provider
	if cfg.LLM.LocalFallback.Enabled {
		if err := llm.TestConnection(context.Background(), cfg.LLM.LocalFallback.OllamaURL); err != nil {
			log.Warn("Ollama fallback is not reachable", "error", err)
		}
		fallback = llm.NewOllama(cfg.LLM.LocalFallback.OllamaURL, cfg.LLM.LocalFallback.Model, log)
		log.Info("Local fallback enabled", "url", cfg.LLM.LocalFallback.OllamaURL,
			"model", cfg.LLM.LocalFallback.Model)
	}
	client := llm.NewClient(remote, fallback, log)

	kb := wikidata.New(cfg.Run.UserAgent, secs(cfg.Run.WikidataTimeoutSeconds), log)
	extractor := listing.New(cfg.Run.ListingURL, cfg.Run.UserAgent,
		secs(cfg.Run.FetchTimeoutSeconds), clock, log)
	writer := geojson.NewWriter(cfg.Run.Out, clock, log)
	resolver := geocode.NewResolver(client, kb, log)

	p := pipeline.New(extractor, client, resolver, writer, clock, log,
		time.Duration(cfg.Run.ItemDelaySeconds*float64(time.Second)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Graceful shutdown initiated, saving results...")
		cancel()
	}()

	if err := p.Run(ctx); err != nil {
		log.Error("Run failed", "error", err)
		os.Exit(1)
	}
	log.Info("Run complete", "out", cfg.Run.Out)
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}
