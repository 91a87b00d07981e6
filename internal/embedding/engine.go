// Package embedding generates vector embeddings for semantic search.
// Supports OpenAI-compatible HTTP endpoints (including Ollama's /v1 surface)
// and Ollama's native embeddings API.
package embedding

import (
	"context"
	"fmt"
	"time"

	"oakci/internal/config"
	"oakci/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for engines that support health
// checks, used before large batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewEngine creates an embedding engine from configuration.
func NewEngine(cfg config.EmbeddingConfig, timeout time.Duration) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine: provider=%s, model=%s, dim=%d",
		cfg.Provider, cfg.Model, cfg.Dimension)

	var engine Engine
	var err error
	switch cfg.Provider {
	case "openai", "":
		engine, err = NewOpenAIEngine(OpenAIOptions{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   timeout,
		})
	case "ollama":
		engine, err = NewOllamaEngine(cfg.BaseURL, cfg.Model, cfg.Dimension, timeout)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'openai' or 'ollama')", cfg.Provider)
	}
	if err != nil {
		logging.Get(logging.CategoryEmbedding).Error("Failed to create embedding engine: %v", err)
		return nil, err
	}

	logging.Embedding("Embedding engine ready: name=%s, dimensions=%d", engine.Name(), engine.Dimensions())
	return engine, nil
}
