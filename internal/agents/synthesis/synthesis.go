// Package synthesis drafts an answer from retrieved evidence, with one
// citation per evidence item so the verifier can judge grounding.
package synthesis

import (
	"context"
	"fmt"
	"strings"

	"github.com/anzen-health/anzen/internal/model"
)

// NoEvidenceAnswer is returned verbatim when retrieval found nothing.
const NoEvidenceAnswer = "I could not find relevant information to answer your question."

const (
	// maxEvidenceInAnswer caps how many evidence texts feed the draft body.
	maxEvidenceInAnswer = 3
	// maxAnswerExcerpt caps the evidence excerpt embedded in the draft.
	maxAnswerExcerpt = 500
	claimLen         = 100
	snippetLen       = 200
)

// Agent drafts answers. Stateless and safe for concurrent use.
type Agent struct{}

// New creates a synthesis agent.
func New() *Agent {
	return &Agent{}
}

// Synthesize builds a draft answer grounded in the evidence. With no
// evidence it returns the fixed fallback at zero confidence, which the
// verifier then rejects for lack of citations.
func (a *Agent) Synthesize(_ context.Context, requestText string, evidence []model.EvidenceItem) (model.SynthesisResult, error) {
	if len(evidence) == 0 {
		return model.SynthesisResult{
			DraftAnswer: NoEvidenceAnswer,
			Citations:   []model.Citation{},
			Confidence:  0,
		}, nil
	}

	return model.SynthesisResult{
		DraftAnswer: draftAnswer(requestText, evidence),
		Citations:   buildCitations(evidence),
		Confidence:  confidence(evidence),
	}, nil
}

func draftAnswer(requestText string, evidence []model.EvidenceItem) string {
	texts := make([]string, 0, maxEvidenceInAnswer)
	for _, item := range evidence {
		texts = append(texts, item.Text)
		if len(texts) == maxEvidenceInAnswer {
			break
		}
	}
	combined := truncate(strings.Join(texts, "\n\n"), maxAnswerExcerpt)

	return fmt.Sprintf("Based on the available documentation:\n\n%s...\n\nThis information addresses your question: %q\n", combined, requestText)
}

func buildCitations(evidence []model.EvidenceItem) []model.Citation {
	citations := make([]model.Citation, len(evidence))
	for i, item := range evidence {
		citations[i] = model.Citation{
			Claim:      truncate(item.Text, claimLen),
			DocumentID: item.DocumentID,
			DocHash:    item.DocHash,
			Score:      item.Score,
			Snippet:    truncate(item.Text, snippetLen),
		}
	}
	return citations
}

// confidence weights the mean evidence score against evidence volume,
// saturating at five items.
func confidence(evidence []model.EvidenceItem) float64 {
	var sum float64
	for _, item := range evidence {
		sum += item.Score
	}
	avg := sum / float64(len(evidence))
	volume := min(float64(len(evidence))/5.0, 1.0)
	return min(avg*0.7+volume*0.3, 1.0)
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
