package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM     LLMConfig     `yaml:"llm"`
	Run     RunConfig     `yaml:"run"`
	Server  ServerConfig  `yaml:"server"`
	News    NewsConfig    `yaml:"news"`
	Logging LoggingConfig `yaml:"logging"`
}

type LLMConfig struct {
	ServerURL             string  `yaml:"server_url"`
	Provider              string  `yaml:"provider"`
	RetryCount            int     `yaml:"retry_count"`
	BackoffBaseSeconds    float64 `yaml:"backoff_base_seconds"`
	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	HealthTimeoutSeconds  int     `yaml:"health_timeout_seconds"`
	StreamTimeoutSeconds  int     `yaml:"stream_timeout_seconds"`

	LocalFallback LocalFallbackConfig `yaml:"local_fallback"`
}

type LocalFallbackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OllamaURL string `yaml:"ollama_url"`
	Model     string `yaml:"model"`
	// ModelPath is accepted for compatibility with older configs that
	// pointed at an on-disk GGUF file. Inference is always remote; a set
	// path only produces a startup warning.
	ModelPath string `yaml:"model_path"`
}

type RunConfig struct {
	ListingURL             string  `yaml:"listing_url"`
	Out                    string  `yaml:"out"`
	UserAgent              string  `yaml:"user_agent"`
	ItemDelaySeconds       float64 `yaml:"item_delay_seconds"`
	FetchTimeoutSeconds    int     `yaml:"fetch_timeout_seconds"`
	WikidataTimeoutSeconds int     `yaml:"wikidata_timeout_seconds"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type NewsConfig struct {
	CitiesCSV          string `yaml:"cities_csv"`
	Out                string `yaml:"out"`
	DBPath             string `yaml:"db_path"`
	MaxArticlesPerCity int    `yaml:"max_articles_per_city"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

func Default() Config {
	return Config{
		LLM: LLMConfig{
			ServerURL:             "http://127.0.0.1:5005/ask",
			Provider:              "gemini-2.5-flash-lite",
			RetryCount:            2,
			BackoffBaseSeconds:    0.5,
			RequestTimeoutSeconds: 30,
			HealthTimeoutSeconds:  5,
			StreamTimeoutSeconds:  60,
			LocalFallback: LocalFallbackConfig{
				Enabled:   false,
				OllamaURL: "http://localhost:11434",
				Model:     "mistral-nemo",
			},
		},
		Run: RunConfig{
			ListingURL:             "https://en.wikipedia.org/wiki/Portal:Current_events",
			Out:                    "data/current_events.geojson",
			UserAgent:              "pulse/1.0 (+https://github.com/htmlfarmer/pulse)",
			ItemDelaySeconds:       0.5,
			FetchTimeoutSeconds:    15,
			WikidataTimeoutSeconds: 10,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 5050,
		},
		News: NewsConfig{
			CitiesCSV:          "cities.csv",
			Out:                "web/data/articles.geojson",
			DBPath:             ".cache/pulse_state.sqlite",
			MaxArticlesPerCity: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, merges it over defaults, and finally
// applies environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("No config file found, using defaults", "path", path)
			cfg.applyEnv()
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LLM_SERVER_URL"); v != "" {
		c.LLM.ServerURL = v
	}
	if v := os.Getenv("LLM_SERVER_PROVIDER"); v != "" {
		c.LLM.Provider = v
	} else if v := os.Getenv("LLM_DEFAULT_PROVIDER"); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv("LLM_RETRY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.LLM.RetryCount = n
		}
	}
	if v := os.Getenv("LLM_RETRY_BACKOFF"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			c.LLM.BackoffBaseSeconds = f
		}
	}
	if v := os.Getenv("ALLOW_LOCAL_LLM"); v != "" {
		c.LLM.LocalFallback.Enabled = isTruthy(v)
	}
	if v := os.Getenv("OLLAMA_URL"); v != "" {
		c.LLM.LocalFallback.OllamaURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		c.LLM.LocalFallback.Model = v
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
