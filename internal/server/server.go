// Package server exposes the trigger-and-status HTTP API: start a
// background run, serve the latest output and tail the run log.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/htmlfarmer/pulse/internal/cities"
	"github.com/htmlfarmer/pulse/internal/config"
	"github.com/htmlfarmer/pulse/internal/geojson"
)

// Runner starts one pipeline pass.
type Runner interface {
	Run(ctx context.Context) error
}

type Server struct {
	cfg    config.Config
	secret string
	runner Runner
	writer *geojson.Writer
	logger *slog.Logger

	// LogPath is the run log served by /log. Defaults next to the
	// output file.
	LogPath string

	httpSrv *http.Server

	mu      sync.Mutex
	running bool
}

// New builds the server. An empty trigger secret is a configuration
// error: the endpoint must never run open.
func New(cfg config.Config, secret string, runner Runner, writer *geojson.Writer, logger *slog.Logger) (*Server, error) {
	if secret == "" {
		return nil, errors.New("TRIGGER_SECRET is not set")
	}
	return &Server{
		cfg:     cfg,
		secret:  secret,
		runner:  runner,
		writer:  writer,
		logger:  logger,
		LogPath: "data/pulse.log",
	}, nil
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// The map page is served from localhost; nothing else may call the
	// trigger endpoint cross-origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*", "https://localhost:*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Trigger-Token"},
		MaxAge:         300,
	}))

	r.Post("/trigger", s.handleTrigger)
	r.Get("/log", s.handleLog)
	r.Get("/api/current_events", s.handleCurrentEvents)
	r.Get("/api/current_events_status", s.handleStatus)
	r.Get("/api/cities", s.handleCities)
	return r
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Trigger-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "unauthorized"})
		return
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "message": "already-running"})
		return
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()
		s.logger.Info("Triggered background run")
		if err := s.runner.Run(context.Background()); err != nil {
			s.logger.Error("Triggered run failed", "error", err)
			return
		}
		s.logger.Info("Triggered run finished")
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "message": "triggered"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	inFlight := s.running
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"running": inFlight || s.writer.Running()})
}

// handleCurrentEvents serves the latest output, or an empty collection
// before the first successful run.
func (s *Server) handleCurrentEvents(w http.ResponseWriter, r *http.Request) {
	path := s.cfg.Run.Out
	if _, err := os.Stat(path); err != nil {
		writeJSON(w, http.StatusOK, geojson.Collection(nil))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, path)
}

func (s *Server) handleCities(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("cities") != "all" {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	loaded, err := cities.Load(s.cfg.News.CitiesCSV, s.logger)
	if err != nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	type cityOut struct {
		City       string  `json:"city"`
		Lat        float64 `json:"lat"`
		Lng        float64 `json:"lng"`
		Population int     `json:"population"`
	}
	out := make([]cityOut, 0, len(loaded))
	for _, c := range loaded {
		out = append(out, cityOut{City: c.Name, Lat: c.Lat, Lng: c.Lng, Population: c.Population})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLog tails the run log with the trigger secret redacted.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	data, err := os.ReadFile(s.LogPath)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"ok": false, "error": "no log"})
		return
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	out := strings.ReplaceAll(strings.Join(all, "\n"), s.secret, "[REDACTED]")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "log": out})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
