package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// OpenAI-compatible request/response types for Ollama (unexported).

type ollamaChatRequest struct {
	Model       string          `json:"model"`
	Messages    []ollamaMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Choices []ollamaChoice `json:"choices"`
	Model   string         `json:"model"`
}

type ollamaChoice struct {
	Message ollamaMessage `json:"message"`
}

// Ollama is the locally hosted fallback model, reached through Ollama's
// OpenAI-compatible API. It stands in when the remote relay is down or
// keeps failing mid-run.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewOllama(baseURL, model string, logger *slog.Logger) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "mistral-nemo"
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		logger:     logger,
	}
}

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Ask(ctx context.Context, prompt, systemPrompt string) Result {
	msgs := make([]ollamaMessage, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: systemPrompt})
	}
	msgs = append(msgs, ollamaMessage{Role: "user", Content: prompt})

	body := ollamaChatRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: 0.2,
		MaxTokens:   1024,
		Stream:      false,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return failure(KindExhausted, "marshal request: %w", err)
	}

	url := o.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return failure(KindExhausted, "create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return failure(KindExhausted, "ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return failure(KindExhausted, "read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errMsg := extractOllamaError(respBody)
		if errMsg == "" {
			errMsg = strings.TrimSpace(string(respBody))
		}
		o.logger.Error("Ollama API error", "status", resp.StatusCode, "model", o.model, "error", errMsg)
		return failure(KindExhausted, "ollama returned status %d: %s", resp.StatusCode, errMsg)
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return failure(KindExhausted, "parse ollama response: %w", err)
	}

	content := ""
	if len(chatResp.Choices) > 0 {
		content = strings.TrimSpace(chatResp.Choices[0].Message.Content)
	}
	return ok(content)
}

// TestConnection checks if an Ollama server is reachable.
func TestConnection(ctx context.Context, baseURL string) error {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot connect to Ollama at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Ollama returned status %d", resp.StatusCode)
	}
	return nil
}

// extractOllamaError parses Ollama's JSON error responses to extract a
// human-readable message. Ollama can return either {"error":"message"} or
// {"error":{"message":"text","type":"api_error"}}.
func extractOllamaError(body []byte) string {
	var flat struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &flat) == nil && flat.Error != "" {
		return flat.Error
	}

	var nested struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &nested) == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}

	return ""
}
