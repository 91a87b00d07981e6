// Package summarize talks to the summarization LLM. It extracts durable
// observations from completed prompt batches and produces session summaries
// and titles. Model output is never trusted: JSON is unwrapped from prose,
// unknown memory types are dropped, and importance is clamped downstream.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"oakci/internal/config"
	"oakci/internal/logging"
)

// Client completes chat prompts against a summarization provider.
type Client interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Name() string
}

// HTTPClient calls an OpenAI-compatible /chat/completions endpoint.
type HTTPClient struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClient creates a summarization client from configuration.
func NewClient(cfg config.SummarizerConfig, timeout time.Duration) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("summarizer base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("summarizer model is required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}, nil
}

// Complete sends one system+user exchange and returns the assistant text.
func (c *HTTPClient) Complete(ctx context.Context, system, user string) (string, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Summarize.Complete")
	defer timer.Stop()

	messages := []chatMessage{}
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Temperature: 0.2})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarizer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("summarizer returned status %d: %s", resp.StatusCode, string(raw))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("summarizer error: %s", result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("summarizer returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}

// Name returns the client name.
func (c *HTTPClient) Name() string {
	return fmt.Sprintf("chat:%s", c.model)
}
