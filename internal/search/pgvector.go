package search

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/anzen-health/anzen/internal/model"
	"github.com/anzen-health/anzen/internal/storage"
)

// PgVectorBackend searches the documents table in Postgres via pgvector.
// It is the always-available fallback: every ingested document lives in
// Postgres even when Qdrant is down or unconfigured.
type PgVectorBackend struct {
	db *storage.DB
}

// NewPgVectorBackend creates a backend over the Postgres document corpus.
func NewPgVectorBackend(db *storage.DB) *PgVectorBackend {
	return &PgVectorBackend{db: db}
}

// Name identifies the backend in audit records.
func (b *PgVectorBackend) Name() string { return "pgvector" }

// Search runs a cosine-distance query over the documents table.
func (b *PgVectorBackend) Search(ctx context.Context, embedding pgvector.Vector, filters map[string]string, limit int) ([]model.EvidenceItem, error) {
	items, err := b.db.SearchDocuments(ctx, embedding, filters, limit)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Backend = b.Name()
	}
	return items, nil
}

// Healthy pings the underlying Postgres pool.
func (b *PgVectorBackend) Healthy(ctx context.Context) error {
	if err := b.db.Pool().Ping(ctx); err != nil {
		return fmt.Errorf("search: pgvector unhealthy: %w", err)
	}
	return nil
}
