package anzen

import "context"

// EmbeddingProvider is the public extension point for custom embedding
// backends. Implementations must be safe for concurrent use; the pipeline
// embeds queries and documents from multiple goroutines.
//
// No internal types appear here so external implementations need only the
// standard library.
type EmbeddingProvider interface {
	// Embed returns the embedding vector for the given text. The returned
	// slice length must equal Dimensions().
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed embedding size.
	Dimensions() int

	// Name identifies the provider in logs and audit records.
	Name() string
}
