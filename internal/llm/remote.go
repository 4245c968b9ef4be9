package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/htmlfarmer/pulse/internal/config"
)

// LocalProvider is the provider id the remote service routes to its own
// locally hosted model. It is the failover target when an upstream API key
// is rejected.
const LocalProvider = "local"

// Remote talks to the model-relay service: POST {prompt, system_prompt?,
// provider} to the /ask endpoint, with retry, exponential backoff,
// provider failover on upstream auth failures, and a last-resort SSE
// streaming re-request.
type Remote struct {
	askURL    string
	baseURL   string
	provider  string
	available bool

	retryCount  int
	backoffBase time.Duration

	httpClient   *http.Client
	streamClient *http.Client
	clock        clockwork.Clock
	logger       *slog.Logger
}

type askRequest struct {
	Prompt       string   `json:"prompt"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Provider     string   `json:"provider"`
	Conversation []string `json:"conversation"`
}

type askResponse struct {
	Response string `json:"response"`
}

// NewRemote builds the remote provider and probes the service base URL.
// Any 2xx on the probe marks the provider available; anything else leaves
// it constructed but refusing calls.
func NewRemote(cfg config.LLMConfig, clock clockwork.Clock, logger *slog.Logger) *Remote {
	askURL := strings.TrimRight(cfg.ServerURL, "/")
	if !strings.HasSuffix(askURL, "/ask") {
		askURL += "/ask"
	}
	baseURL := strings.TrimSuffix(askURL, "/ask")

	r := &Remote{
		askURL:      askURL,
		baseURL:     baseURL,
		provider:    cfg.Provider,
		retryCount:  cfg.RetryCount,
		backoffBase: time.Duration(cfg.BackoffBaseSeconds * float64(time.Second)),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
		},
		streamClient: &http.Client{
			Timeout: time.Duration(cfg.StreamTimeoutSeconds) * time.Second,
		},
		clock:  clock,
		logger: logger,
	}

	probe := &http.Client{Timeout: time.Duration(cfg.HealthTimeoutSeconds) * time.Second}
	resp, err := probe.Get(baseURL)
	if err != nil {
		logger.Warn("Remote LLM health check failed", "url", baseURL, "error", err)
		return r
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	r.available = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !r.available {
		logger.Warn("Remote LLM health check returned non-2xx", "url", baseURL, "status", resp.StatusCode)
	}
	return r
}

func (r *Remote) Name() string { return "remote" }

// Available reports whether the construction-time health probe succeeded.
func (r *Remote) Available() bool { return r.available }

func (r *Remote) Ask(ctx context.Context, prompt, systemPrompt string) Result {
	if !r.available {
		return failure(KindUnavailable, "remote LLM server %s not available", r.baseURL)
	}

	payload := askRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		Provider:     r.provider,
		Conversation: []string{},
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		text, status, err := r.post(ctx, payload)
		if err == nil {
			if looksLikeAuthFailure(text) && payload.Provider != LocalProvider {
				r.logger.Warn("Detected upstream API key failure; retrying once with the local provider",
					"provider", payload.Provider)
				failover := payload
				failover.Provider = LocalProvider
				if text2, _, err2 := r.post(ctx, failover); err2 == nil {
					return ok(text2)
				} else {
					r.logger.Warn("Retry with local provider failed", "error", err2)
				}
			}
			return ok(text)
		}

		lastErr = err
		retryable := status == 0 || (status >= 500 && status < 600)
		if !retryable {
			return failure(KindExhausted, "remote LLM returned status %d: %w", status, err)
		}

		if attempt < r.retryCount {
			wait := r.backoffBase * (1 << attempt)
			r.logger.Warn("Remote LLM request failed, retrying",
				"attempt", attempt, "retries", r.retryCount, "wait", wait, "error", err)
			r.clock.Sleep(wait)
			continue
		}

		// Retries exhausted on a server-side failure: one streaming
		// re-request before giving up.
		if text, serr := r.stream(ctx, payload); serr == nil {
			return ok(text)
		} else {
			r.logger.Warn("Streaming fallback failed", "error", serr)
			lastErr = serr
		}
		break
	}

	return failure(KindExhausted, "remote request failed after %d attempts: %w", r.retryCount+1, lastErr)
}

// post issues one POST and decodes the reply. status is 0 for transport
// failures. A non-2xx status is returned as an error alongside the status.
func (r *Remote) post(ctx context.Context, payload askRequest) (string, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.askURL, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("remote LLM request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", resp.StatusCode, fmt.Errorf("remote LLM returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "application/json") {
		var ar askResponse
		if jerr := json.Unmarshal(raw, &ar); jerr == nil {
			return strings.TrimSpace(ar.Response), resp.StatusCode, nil
		}
	}
	return strings.TrimSpace(string(raw)), resp.StatusCode, nil
}

// stream re-issues the request with streaming enabled and reconstructs the
// answer from SSE frames. Frames arrive as "data: <chunk>" lines; a
// literal [DONE] payload or a done/error event terminates the stream.
// Chunks are joined with newlines in arrival order.
func (r *Remote) stream(ctx context.Context, payload askRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	streamURL := r.askURL
	if !strings.Contains(streamURL, "?stream=1") {
		streamURL += "?stream=1"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, streamURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.streamClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("streaming request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("streaming request returned status %d", resp.StatusCode)
	}

	var parts []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if data, isData := strings.CutPrefix(line, "data:"); isData {
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				break
			}
			parts = append(parts, data)
			continue
		}
		if event, isEvent := strings.CutPrefix(line, "event:"); isEvent {
			event = strings.TrimSpace(event)
			if event == "done" || event == "error" {
				break
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}

	final := strings.TrimSpace(strings.Join(parts, "\n"))
	if final == "" {
		return "Unknown", nil
	}
	return final, nil
}

// looksLikeAuthFailure spots upstream API key rejections that come back
// inside an otherwise successful reply body.
func looksLikeAuthFailure(text string) bool {
	if strings.Contains(text, "Your API key") || strings.Contains(text, "leaked") {
		return true
	}
	return strings.Contains(text, "403") && strings.Contains(text, "API key")
}
