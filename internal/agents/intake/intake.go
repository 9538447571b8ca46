// Package intake classifies incoming policy questions and assesses their
// clinical risk before any retrieval happens.
package intake

import (
	"context"
	"regexp"
	"strings"

	"github.com/anzen-health/anzen/internal/model"
)

// requestTypeKeywords maps each request type to the phrases that signal it.
// Classification picks the type with the most keyword hits.
var requestTypeKeywords = map[model.RequestType][]string{
	model.RequestTypePolicyLookup: {
		"policy", "protocol", "procedure", "guideline", "standard",
		"what is", "how to", "what are", "show me",
	},
	model.RequestTypeSummarizeGuideline: {
		"summarize", "summary", "overview", "brief", "outline",
	},
	model.RequestTypeCompareProtocols: {
		"compare", "difference", "versus", "vs", "contrast",
		"which is better", "what's the difference",
	},
	model.RequestTypeExplainPolicy: {
		"explain", "describe", "walk through", "step by step",
		"how does", "why", "what does",
	},
}

// classifyOrder fixes tie-breaking: earlier types win equal scores.
var classifyOrder = []model.RequestType{
	model.RequestTypePolicyLookup,
	model.RequestTypeSummarizeGuideline,
	model.RequestTypeCompareProtocols,
	model.RequestTypeExplainPolicy,
}

var riskKeywords = map[model.RiskLabel][]string{
	model.RiskHigh: {
		"diagnosis", "treat", "treatment", "prescribe", "medication",
		"patient", "diagnose", "cure", "therapy",
	},
	model.RiskMedium: {
		"recommend", "suggest", "advise", "guidance", "best practice",
	},
	model.RiskLow: {
		"policy", "procedure", "protocol", "guideline", "standard",
		"documentation", "process",
	},
}

var departmentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:in|for|from)\s+(?:the\s+)?(?:ER|ED|ICU|OR|department|dept)`),
	regexp.MustCompile(`(?i)(?:ER|ED|ICU|OR)\s+(?:department|dept)?`),
}

// locationPattern is intentionally case sensitive: it matches capitalized
// place names ("in Ontario"), not arbitrary mid-sentence words.
var locationPattern = regexp.MustCompile(`(?:in|for|at)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)

var timeframePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:in|within|by)\s+(\d+)\s+(?:days?|weeks?|months?|years?)`),
	regexp.MustCompile(`(?i)(?:since|after|before)\s+(\d{4}-\d{2}-\d{2})`),
}

// Agent classifies requests. Stateless and safe for concurrent use.
type Agent struct{}

// New creates an intake agent.
func New() *Agent {
	return &Agent{}
}

// Classify determines the request type, risk label, constraints, advisory
// tool hints, and classification confidence for a request.
func (a *Agent) Classify(_ context.Context, requestText string) (model.RequestPlan, error) {
	lower := strings.ToLower(requestText)

	requestType := classifyRequestType(lower)
	riskLabel := assessRisk(lower)
	constraints := extractConstraints(requestText)
	requiredTools := determineTools(requestType, riskLabel)
	confidence := calculateConfidence(lower, requestType, constraints)

	return model.RequestPlan{
		RequestType:   requestType,
		RiskLabel:     riskLabel,
		RequiredTools: requiredTools,
		Constraints:   constraints,
		Confidence:    confidence,
	}, nil
}

func classifyRequestType(lower string) model.RequestType {
	best := model.RequestTypeUnknown
	bestScore := 0
	for _, rt := range classifyOrder {
		score := 0
		for _, kw := range requestTypeKeywords[rt] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best = rt
			bestScore = score
		}
	}
	return best
}

func assessRisk(lower string) model.RiskLabel {
	for _, kw := range riskKeywords[model.RiskHigh] {
		if strings.Contains(lower, kw) {
			return model.RiskHigh
		}
	}
	for _, kw := range riskKeywords[model.RiskMedium] {
		if strings.Contains(lower, kw) {
			return model.RiskMedium
		}
	}
	// Policy and procedure lookups default to low risk.
	return model.RiskLow
}

func extractConstraints(requestText string) map[string]string {
	constraints := map[string]string{}

	for _, p := range departmentPatterns {
		if m := p.FindString(requestText); m != "" {
			constraints[model.ConstraintDepartment] = m
			break
		}
	}
	if m := locationPattern.FindStringSubmatch(requestText); m != nil {
		constraints[model.ConstraintLocation] = m[1]
	}
	for _, p := range timeframePatterns {
		if m := p.FindString(requestText); m != "" {
			constraints[model.ConstraintTimeframe] = m
			break
		}
	}
	return constraints
}

// determineTools produces advisory tool hints. The engine runs every stage
// regardless; these only surface in the audit trail.
func determineTools(requestType model.RequestType, riskLabel model.RiskLabel) []string {
	tools := []string{"retrieve_evidence"}
	if riskLabel == model.RiskHigh {
		tools = append(tools, "redact_phi", "verify_grounding")
	}
	if requestType == model.RequestTypeCompareProtocols {
		tools = append(tools, "compare_documents")
	}
	return tools
}

func calculateConfidence(lower string, requestType model.RequestType, constraints map[string]string) float64 {
	confidence := 0.5
	if requestType != model.RequestTypeUnknown {
		confidence += 0.2
	}

	riskFound := false
	for _, keywords := range riskKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				riskFound = true
				break
			}
		}
	}
	if riskFound {
		confidence += 0.2
	}
	if len(constraints) > 0 {
		confidence += 0.1
	}
	return min(confidence, 1.0)
}
