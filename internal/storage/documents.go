package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/anzen-health/anzen/internal/model"
)

// UpsertDocument inserts a policy document with its embedding, or refreshes
// an existing one matched by content hash.
func (db *DB) UpsertDocument(ctx context.Context, doc *model.Document, embedding pgvector.Vector) error {
	if doc.Metadata == nil {
		doc.Metadata = map[string]string{}
	}
	var department, location *string
	if doc.Department != "" {
		department = &doc.Department
	}
	if doc.Location != "" {
		location = &doc.Location
	}
	// Concurrent ingests of the same doc_hash can deadlock on the unique
	// index; retry the transient conflicts.
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		_, execErr := db.pool.Exec(ctx,
			`INSERT INTO documents (id, title, text, doc_hash, department, location, metadata, embedding, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (doc_hash) DO UPDATE SET
			     title = EXCLUDED.title,
			     text = EXCLUDED.text,
			     department = EXCLUDED.department,
			     location = EXCLUDED.location,
			     metadata = EXCLUDED.metadata,
			     embedding = EXCLUDED.embedding`,
			doc.ID, doc.Title, doc.Text, doc.DocHash, department, location,
			doc.Metadata, embedding, doc.CreatedAt,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("storage: upsert document: %w", err)
	}
	return nil
}

// GetDocument loads a document by ID. Returns ErrNotFound for unknown IDs.
func (db *DB) GetDocument(ctx context.Context, id uuid.UUID) (*model.Document, error) {
	var doc model.Document
	var department, location *string
	err := db.pool.QueryRow(ctx,
		`SELECT id, title, text, doc_hash, department, location, metadata, created_at
		 FROM documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.Title, &doc.Text, &doc.DocHash, &department, &location,
		&doc.Metadata, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("storage: document %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: get document: %w", err)
	}
	if department != nil {
		doc.Department = *department
	}
	if location != nil {
		doc.Location = *location
	}
	return &doc, nil
}

// SearchDocuments performs a cosine-distance vector search over the document
// corpus, optionally constrained by department/location filters. Documents
// without an embedding are skipped.
func (db *DB) SearchDocuments(ctx context.Context, embedding pgvector.Vector, filters map[string]string, limit int) ([]model.EvidenceItem, error) {
	if limit <= 0 {
		limit = 10
	}

	query := `SELECT id, text, doc_hash, metadata, 1 - (embedding <=> $1) AS score
	          FROM documents WHERE embedding IS NOT NULL`
	args := []any{embedding}
	if dep, ok := filters[model.ConstraintDepartment]; ok && dep != "" {
		args = append(args, dep)
		query += fmt.Sprintf(" AND department = $%d", len(args))
	}
	if loc, ok := filters[model.ConstraintLocation]; ok && loc != "" {
		args = append(args, loc)
		query += fmt.Sprintf(" AND location = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: search documents: %w", err)
	}
	defer rows.Close()

	var items []model.EvidenceItem
	for rows.Next() {
		var item model.EvidenceItem
		var id uuid.UUID
		if err := rows.Scan(&id, &item.Text, &item.DocHash, &item.Metadata, &item.Score); err != nil {
			return nil, fmt.Errorf("storage: scan document match: %w", err)
		}
		item.DocumentID = id.String()
		items = append(items, item)
	}
	return items, rows.Err()
}
