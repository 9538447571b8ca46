package model

// IssueType categorizes a verification finding.
type IssueType string

const (
	IssuePHIDetection    IssueType = "phi_detection"
	IssuePromptInjection IssueType = "prompt_injection"
	IssueWeakGrounding   IssueType = "weak_grounding"
)

// IssueSeverity grades a verification finding.
type IssueSeverity string

const (
	SeverityLow    IssueSeverity = "low"
	SeverityMedium IssueSeverity = "medium"
	SeverityHigh   IssueSeverity = "high"
)

// VerificationIssue is one finding from the verifier.
type VerificationIssue struct {
	Type        IssueType     `json:"type"`
	Severity    IssueSeverity `json:"severity"`
	Description string        `json:"description"`
	Suggestion  string        `json:"suggestion,omitempty"`
}

// VerificationResult is the verifier's judgement on a draft answer.
//
// All three checks (PHI, injection, grounding) are always evaluated, even
// when an earlier one fails. Reason carries only the highest-priority failure
// cause: PHI first, then injection, then weak grounding.
type VerificationResult struct {
	Passed            bool                `json:"passed"`
	Status            string              `json:"status"` // "pass" or "fail"
	Issues            []VerificationIssue `json:"issues"`
	PHIDetected       bool                `json:"phi_detected"`
	PHICount          int                 `json:"phi_count"`
	InjectionDetected bool                `json:"injection_detected"`
	GroundingScore    float64             `json:"grounding_score"`
	Reason            *string             `json:"reason,omitempty"`
}
