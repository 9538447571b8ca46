// Package verifier is the safety gate for draft answers. It screens for
// PHI/PII leakage and prompt-injection artifacts and scores how well the
// answer is grounded in its citations. An answer that fails any check never
// reaches the caller.
package verifier

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/anzen-health/anzen/internal/model"
)

// GroundingThreshold is the minimum grounding score a draft must reach.
const GroundingThreshold = 0.7

// phiPatterns flag identifiers that must never appear in an answer. They err
// on the side of false positives: a blocked answer is recoverable, a leaked
// SSN is not.
var phiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),     // SSN
	regexp.MustCompile(`\b\d{3}\.\d{2}\.\d{4}\b`),   // SSN with dots
	regexp.MustCompile(`\b\d{10}\b`),                // bare 10-digit identifier
	regexp.MustCompile(`\b[A-Z]{2}\d{6}\b`),         // medical record number
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),     // ISO date, possible DOB
	regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`), // slash date
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(?:previous|above|all)\s+instructions?`),
	regexp.MustCompile(`(?i)forget\s+(?:previous|above|all)`),
	regexp.MustCompile(`(?i)system\s*:\s*`),
	regexp.MustCompile(`(?i)assistant\s*:\s*`),
	regexp.MustCompile(`(?i)user\s*:\s*`),
}

// citationTerms are the phrases that signal the answer is referring back to
// its sources. Grounding counts how many appear.
var citationTerms = []string{"according to", "based on", "per", "as stated", "document", "source"}

// Agent verifies draft answers. Stateless and safe for concurrent use.
type Agent struct{}

// New creates a verifier agent.
func New() *Agent {
	return &Agent{}
}

// Verify screens the draft for PHI and injection artifacts and scores its
// grounding. When multiple checks fail, the recorded reason follows severity
// order: PHI first, then injection, then weak grounding.
func (a *Agent) Verify(_ context.Context, draftAnswer string, citations []model.Citation) (model.VerificationResult, error) {
	var issues []model.VerificationIssue

	phiCount := countMatches(draftAnswer, phiPatterns)
	if phiCount > 0 {
		issues = append(issues, model.VerificationIssue{
			Type:        model.IssuePHIDetection,
			Severity:    model.SeverityHigh,
			Description: fmt.Sprintf("Potential PHI/PII detected: %d matches", phiCount),
			Suggestion:  "Review and redact sensitive information",
		})
	}

	injectionCount := countMatches(draftAnswer, injectionPatterns)
	if injectionCount > 0 {
		issues = append(issues, model.VerificationIssue{
			Type:        model.IssuePromptInjection,
			Severity:    model.SeverityHigh,
			Description: "Potential prompt injection detected",
			Suggestion:  "Review answer for embedded instructions",
		})
	}

	groundingScore := groundingScore(draftAnswer, citations)
	if groundingScore < GroundingThreshold {
		issues = append(issues, model.VerificationIssue{
			Type:        model.IssueWeakGrounding,
			Severity:    model.SeverityMedium,
			Description: fmt.Sprintf("Grounding score %.2f below threshold %.2f", groundingScore, GroundingThreshold),
			Suggestion:  "Retrieve more evidence or cite sources explicitly",
		})
	}

	passed := phiCount == 0 && injectionCount == 0 && groundingScore >= GroundingThreshold

	status := "pass"
	var reason *string
	if !passed {
		status = "fail"
		r := failureReason(phiCount, injectionCount)
		reason = &r
	}

	return model.VerificationResult{
		Passed:            passed,
		Status:            status,
		Issues:            issues,
		PHIDetected:       phiCount > 0,
		PHICount:          phiCount,
		InjectionDetected: injectionCount > 0,
		GroundingScore:    groundingScore,
		Reason:            reason,
	}, nil
}

func failureReason(phiCount, injectionCount int) string {
	switch {
	case phiCount > 0:
		return "PHI/PII detected in answer"
	case injectionCount > 0:
		return "Prompt injection detected"
	default:
		return "Insufficient grounding (low citation coverage)"
	}
}

func countMatches(text string, patterns []*regexp.Regexp) int {
	count := 0
	for _, p := range patterns {
		count += len(p.FindAllString(text, -1))
	}
	return count
}

// groundingScore blends citation-term coverage (60%) with citation volume
// (40%, saturating at five citations). No citations means zero.
func groundingScore(answer string, citations []model.Citation) float64 {
	if len(citations) == 0 {
		return 0
	}

	lower := strings.ToLower(answer)
	mentions := 0
	for _, term := range citationTerms {
		if strings.Contains(lower, term) {
			mentions++
		}
	}

	coverage := min(float64(mentions)/float64(len(citations)), 1.0)
	volume := min(float64(len(citations))/5.0, 1.0)
	return coverage*0.6 + volume*0.4
}
