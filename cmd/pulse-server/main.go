package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
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
	"github.com/htmlfarmer/pulse/internal/server"
	"github.com/htmlfarmer/pulse/internal/wikidata"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pulse-server %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New("pulse-server", cfg.Logging.Level)

	clock := clockwork.NewRealClock()
	remote := llm.NewRemote(cfg.LLM, clock, log)
	var fallback llm.Provider
	if cfg.LLM.LocalFallback.Enabled {
		fallback = llm.NewOllama(cfg.LLM.LocalFallback.OllamaURL, cfg.LLM.LocalFallback.Model, log)
	}
	client := llm.NewClient(remote, fallback, log)

	kb := wikidata.New(cfg.Run.UserAgent, time.Duration(cfg.Run.WikidataTimeoutSeconds)*time.Second, log)
	extractor := listing.New(cfg.Run.ListingURL, cfg.Run.UserAgent,
		time.Duration(cfg.Run.FetchTimeoutSeconds)*time.Second, clock, log)
	writer := geojson.NewWriter(cfg.Run.Out, clock, log)
	resolver := geocode.NewResolver(client, kb, log)
	p := pipeline.New(extractor, client, resolver, writer, clock, log,
		time.Duration(cfg.Run.ItemDelaySeconds*float64(time.Second)))

	srv, err := server.New(cfg, os.Getenv("TRIGGER_SECRET"), p, writer, log)
	if err != nil {
		log.Error("Server misconfigured", "error", err)
		os.Exit(2)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	log.Info("Server listening", "addr",
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), "version", version)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Server error", "error", err)
		os.Exit(1)
	}
}
