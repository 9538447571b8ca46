package model

// RequestType classifies what kind of policy question a request is.
type RequestType string

const (
	RequestTypePolicyLookup       RequestType = "policy_lookup"
	RequestTypeSummarizeGuideline RequestType = "summarize_guideline"
	RequestTypeCompareProtocols   RequestType = "compare_protocols"
	RequestTypeExplainPolicy      RequestType = "explain_policy"
	RequestTypeUnknown            RequestType = "unknown"
)

// RiskLabel grades the clinical risk of answering a request.
type RiskLabel string

const (
	RiskLow    RiskLabel = "low"
	RiskMedium RiskLabel = "medium"
	RiskHigh   RiskLabel = "high"
)

// Constraint keys extracted from request text by the intake classifier.
const (
	ConstraintDepartment = "department"
	ConstraintLocation   = "location"
	ConstraintTimeframe  = "timeframe"
)

// RequestPlan is the intake classifier's output: what the request asks for,
// how risky answering it is, and any retrieval constraints found in the text.
//
// RequiredTools is advisory metadata only — it never alters the pipeline
// shape. The four stages always run in order regardless of its contents.
type RequestPlan struct {
	RequestType   RequestType       `json:"request_type"`
	RiskLabel     RiskLabel         `json:"risk_label"`
	RequiredTools []string          `json:"required_tools"`
	Constraints   map[string]string `json:"constraints"`
	Confidence    float64           `json:"confidence"`
}
