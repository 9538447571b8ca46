// Package embedding turns policy text into vectors for semantic retrieval.
//
// A Provider abstracts the embedding backend so retrieval code never knows
// whether vectors came from a local Ollama server, the OpenAI API, or the
// deterministic fallback used in tests and keyless deployments.
package embedding

import (
	"context"
	"log/slog"

	"github.com/pgvector/pgvector-go"

	"github.com/anzen-health/anzen/internal/config"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int

	// Name identifies the provider in audit records and logs.
	Name() string
}

// FromConfig selects a provider based on configuration. Explicit
// ANZEN_EMBEDDING_PROVIDER settings win; otherwise the choice falls through
// OpenAI (when a key is present) to the deterministic local provider, so the
// service always starts.
func FromConfig(cfg *config.Config, logger *slog.Logger) Provider {
	switch cfg.EmbeddingProvider {
	case "ollama":
		return NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, cfg.EmbeddingDimensions)
	case "openai":
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	case "local":
		return NewLocalProvider(cfg.EmbeddingDimensions)
	}

	if cfg.OpenAIAPIKey != "" {
		return NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	}
	logger.Warn("no embedding provider configured, falling back to deterministic local embeddings")
	return NewLocalProvider(cfg.EmbeddingDimensions)
}
