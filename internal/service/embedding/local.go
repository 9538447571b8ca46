package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/pgvector/pgvector-go"
)

// LocalProvider produces deterministic embeddings from token hashes. It has
// no semantic understanding, but identical texts always map to identical
// vectors and overlapping vocabularies land near each other, which is enough
// for tests and keyless development environments.
type LocalProvider struct {
	dims int
}

// NewLocalProvider creates a deterministic hashing provider.
func NewLocalProvider(dims int) *LocalProvider {
	if dims <= 0 {
		dims = 1536
	}
	return &LocalProvider{dims: dims}
}

// Name identifies the provider in audit records.
func (p *LocalProvider) Name() string { return "local" }

// Dimensions returns the embedding vector size.
func (p *LocalProvider) Dimensions() int { return p.dims }

// Embed hashes each whitespace token into a bucket and L2-normalizes the
// resulting histogram.
func (p *LocalProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	vec := make([]float32, p.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%uint32(p.dims)]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return pgvector.NewVector(vec), nil
}

// EmbedBatch embeds each text independently.
func (p *LocalProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}
