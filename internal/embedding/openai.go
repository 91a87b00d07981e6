package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIEngine calls an OpenAI-compatible /embeddings endpoint. Ollama,
// llama.cpp, vLLM, and the hosted OpenAI API all speak this shape.
type OpenAIEngine struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	model     string
	dimension int
	batchSize int
}

// OpenAIOptions configures the OpenAI-compatible engine.
type OpenAIOptions struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
	BatchSize int
}

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

type openaiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIEngine creates an OpenAI-compatible embedding engine.
func NewOpenAIEngine(opts OpenAIOptions) (*OpenAIEngine, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("embedding base URL is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if opts.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	return &OpenAIEngine{
		client:    &http.Client{Timeout: opts.Timeout},
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:    opts.APIKey,
		model:     opts.Model,
		dimension: opts.Dimension,
		batchSize: opts.BatchSize,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch generates embeddings for multiple texts, chunked to the
// configured batch size.
func (e *OpenAIEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embed(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed batch at offset %d: %w", start, err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (e *OpenAIEngine) embed(ctx context.Context, input []string) ([][]float32, error) {
	body, err := json.Marshal(openaiEmbedRequest{Model: e.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr openaiErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("embedding API error (%d): %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, string(raw))
	}

	var result openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) != len(input) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(input), len(result.Data))
	}

	// The API may return items out of order; the index field is authoritative.
	out := make([][]float32, len(input))
	for _, d := range result.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		if len(d.Embedding) != e.dimension {
			return nil, fmt.Errorf("model returned dimension %d, expected %d", len(d.Embedding), e.dimension)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// HealthCheck embeds a trivial string to verify the endpoint is reachable
// and the model is loaded.
func (e *OpenAIEngine) HealthCheck(ctx context.Context) error {
	_, err := e.Embed(ctx, "ping")
	return err
}

// Dimensions returns the dimensionality of embeddings.
func (e *OpenAIEngine) Dimensions() int {
	return e.dimension
}

// Name returns the engine name.
func (e *OpenAIEngine) Name() string {
	return fmt.Sprintf("openai:%s", e.model)
}
