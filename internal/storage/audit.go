package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/anzen-health/anzen/internal/model"
)

// ToolCallEntry is an append-only record of one capability invocation.
type ToolCallEntry struct {
	RunID      uuid.UUID
	ToolName   string
	Backend    string
	Inputs     map[string]any
	Outputs    map[string]any
	DurationMS float64
	Error      *string
}

// InsertToolCall appends a tool-call audit record.
func (db *DB) InsertToolCall(ctx context.Context, e ToolCallEntry) error {
	if e.Inputs == nil {
		e.Inputs = map[string]any{}
	}
	var backend *string
	if e.Backend != "" {
		backend = &e.Backend
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tool_calls (id, run_id, tool_name, backend, inputs, outputs, duration_ms, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), e.RunID, e.ToolName, backend, e.Inputs, e.Outputs, e.DurationMS, e.Error,
	)
	if err != nil {
		return fmt.Errorf("storage: insert tool call: %w", err)
	}
	return nil
}

// InsertEvidenceRetrievals appends one audit row per retrieved evidence item.
func (db *DB) InsertEvidenceRetrievals(ctx context.Context, runID uuid.UUID, query string, evidence []model.EvidenceItem) error {
	for _, ev := range evidence {
		if _, err := db.pool.Exec(ctx,
			`INSERT INTO evidence_retrievals (id, run_id, query, doc_hash, score, backend)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), runID, query, ev.DocHash, ev.Score, ev.Backend,
		); err != nil {
			return fmt.Errorf("storage: insert evidence retrieval: %w", err)
		}
	}
	return nil
}

// InsertCitations appends the citations produced by synthesis for a run.
func (db *DB) InsertCitations(ctx context.Context, runID uuid.UUID, citations []model.Citation) error {
	for _, c := range citations {
		if _, err := db.pool.Exec(ctx,
			`INSERT INTO citations (id, run_id, claim, document_id, doc_hash, score)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), runID, c.Claim, c.DocumentID, c.DocHash, c.Score,
		); err != nil {
			return fmt.Errorf("storage: insert citation: %w", err)
		}
	}
	return nil
}

// InsertVerification appends the verifier's judgement for a run.
func (db *DB) InsertVerification(ctx context.Context, runID uuid.UUID, v model.VerificationResult) error {
	issues := v.Issues
	if issues == nil {
		issues = []model.VerificationIssue{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO verifications (id, run_id, passed, phi_detected, phi_count, injection, grounding_score, issues, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		uuid.New(), runID, v.Passed, v.PHIDetected, v.PHICount,
		v.InjectionDetected, v.GroundingScore, issues, v.Reason,
	)
	if err != nil {
		return fmt.Errorf("storage: insert verification: %w", err)
	}
	return nil
}

// EvidenceTrailEntry is one row of a run's retrieval audit trail.
type EvidenceTrailEntry struct {
	Query   string  `json:"query"`
	DocHash string  `json:"doc_hash"`
	Score   float64 `json:"score"`
	Backend string  `json:"backend"`
}

// EvidenceTrail returns the evidence-retrieval audit rows for a run, highest
// score first.
func (db *DB) EvidenceTrail(ctx context.Context, runID uuid.UUID) ([]EvidenceTrailEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT query, doc_hash, score, backend
		 FROM evidence_retrievals WHERE run_id = $1 ORDER BY score DESC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: evidence trail: %w", err)
	}
	defer rows.Close()

	var trail []EvidenceTrailEntry
	for rows.Next() {
		var e EvidenceTrailEntry
		if err := rows.Scan(&e.Query, &e.DocHash, &e.Score, &e.Backend); err != nil {
			return nil, fmt.Errorf("storage: scan evidence trail: %w", err)
		}
		trail = append(trail, e)
	}
	return trail, rows.Err()
}
