// Package retrieval gathers evidence for a policy question by fanning out
// across the configured vector search backends.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/anzen-health/anzen/internal/model"
	"github.com/anzen-health/anzen/internal/search"
	"github.com/anzen-health/anzen/internal/service/embedding"
)

// Agent retrieves evidence. Backends are queried concurrently; a failing
// backend is logged and skipped rather than failing the whole retrieval, so
// a Qdrant outage degrades to pgvector-only results.
type Agent struct {
	embedder embedding.Provider
	backends []search.Backend
	topK     int
	logger   *slog.Logger
}

// New creates a retrieval agent over the given backends.
func New(embedder embedding.Provider, backends []search.Backend, topK int, logger *slog.Logger) *Agent {
	if topK <= 0 {
		topK = 10
	}
	return &Agent{
		embedder: embedder,
		backends: backends,
		topK:     topK,
		logger:   logger,
	}
}

// Retrieve embeds the query, fans out across all backends, and merges the
// results best-first. Filters carry the intake constraints (department,
// location). An error is returned only when no backend produced results and
// at least one failed.
func (a *Agent) Retrieve(ctx context.Context, query string, filters map[string]string) (model.RetrievalResult, error) {
	if len(a.backends) == 0 {
		return model.RetrievalResult{}, fmt.Errorf("retrieval: no search backends configured")
	}

	queryVec, err := a.embedder.Embed(ctx, query)
	if err != nil {
		return model.RetrievalResult{}, fmt.Errorf("retrieval: embed query: %w", err)
	}

	var (
		mu      sync.Mutex
		sets    [][]model.EvidenceItem
		queried []string
		failed  int
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, backend := range a.backends {
		g.Go(func() error {
			items, err := backend.Search(gctx, queryVec, filters, a.topK)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				a.logger.Warn("retrieval: backend failed",
					"backend", backend.Name(), "error", err)
				// Abort the fan-out only on caller cancellation; a single
				// backend outage must not fail the run.
				return gctx.Err()
			}
			queried = append(queried, backend.Name())
			sets = append(sets, items)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.RetrievalResult{}, fmt.Errorf("retrieval: %w", err)
	}
	if len(queried) == 0 {
		return model.RetrievalResult{}, fmt.Errorf("retrieval: all %d backends failed", failed)
	}

	merged := search.Merge(sets, a.topK)

	// The backend that produced the best hit is the one the answer leans on.
	selected := queried[0]
	if len(merged) > 0 {
		selected = merged[0].Backend
	}

	return model.RetrievalResult{
		Query:           query,
		Evidence:        merged,
		BackendsQueried: queried,
		SelectedBackend: selected,
		TotalResults:    len(merged),
	}, nil
}
