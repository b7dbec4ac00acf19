package domain

// ReliableConfidence is the fixed threshold above which a classification is trusted.
const ReliableConfidence = 0.7

// IntentUnknown is the label used when no pattern matches.
const IntentUnknown = "unknown"

// IntentScore is one ranked alternative intent.
type IntentScore struct {
	Intent string  `json:"intent"`
	Score  float64 `json:"score"`
}

// IntentClassification is the labeled result of classifying a prompt.
type IntentClassification struct {
	Intent             string         `json:"intent"`
	Confidence         float64        `json:"confidence"`
	Language           string         `json:"language"`
	SuggestedAgentType AgentType      `json:"suggested_agent_type"`
	Keywords           []string       `json:"keywords,omitempty"`
	Alternatives       []IntentScore  `json:"alternatives,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
}

// IsReliable reports whether confidence meets ReliableConfidence.
func (c *IntentClassification) IsReliable() bool {
	return c != nil && c.Confidence >= ReliableConfidence
}
