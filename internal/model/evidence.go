package model

import (
	"time"

	"github.com/google/uuid"
)

// EvidenceItem is one scored document candidate returned by a vector backend.
type EvidenceItem struct {
	DocumentID string            `json:"document_id"`
	Text       string            `json:"text"`
	Score      float64           `json:"score"`
	DocHash    string            `json:"doc_hash"`
	Backend    string            `json:"backend"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RetrievalResult is the retrieval stage's output: evidence ordered by
// descending score, plus which backends answered.
type RetrievalResult struct {
	Query           string         `json:"query"`
	Evidence        []EvidenceItem `json:"evidence"`
	BackendsQueried []string       `json:"backends_queried"`
	SelectedBackend string         `json:"selected_backend,omitempty"`
	TotalResults    int            `json:"total_results"`
}

// Citation links a claim in the draft answer to a source document.
type Citation struct {
	Claim      string  `json:"claim"`
	DocumentID string  `json:"document_id"`
	DocHash    string  `json:"doc_hash"`
	Score      float64 `json:"score"`
	Snippet    string  `json:"snippet,omitempty"`
}

// SynthesisResult is the synthesis stage's output.
type SynthesisResult struct {
	DraftAnswer string     `json:"draft_answer"`
	Citations   []Citation `json:"citations"`
	Confidence  float64    `json:"confidence"`
}

// Document is a policy document held in the audit database and indexed for
// vector search.
type Document struct {
	ID         uuid.UUID         `json:"id"`
	Title      string            `json:"title"`
	Text       string            `json:"text"`
	DocHash    string            `json:"doc_hash"`
	Department string            `json:"department,omitempty"`
	Location   string            `json:"location,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
