// Package search provides evidence retrieval over the policy corpus, backed
// by a Qdrant vector index with transparent fallback to pgvector in Postgres.
package search

import (
	"context"
	"sort"

	"github.com/pgvector/pgvector-go"

	"github.com/anzen-health/anzen/internal/model"
)

// Backend is a vector search index over policy documents.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the backend in audit records ("qdrant", "pgvector").
	Name() string

	// Search returns evidence items matching the query vector, best first.
	// Filters may constrain by model.ConstraintDepartment / ConstraintLocation.
	Search(ctx context.Context, embedding pgvector.Vector, filters map[string]string, limit int) ([]model.EvidenceItem, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Merge combines result sets from multiple backends, deduplicates by content
// hash keeping the highest score, sorts descending, and truncates to limit.
func Merge(sets [][]model.EvidenceItem, limit int) []model.EvidenceItem {
	best := make(map[string]model.EvidenceItem)
	for _, set := range sets {
		for _, item := range set {
			if prev, ok := best[item.DocHash]; !ok || item.Score > prev.Score {
				best[item.DocHash] = item
			}
		}
	}

	merged := make([]model.EvidenceItem, 0, len(best))
	for _, item := range best {
		merged = append(merged, item)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
