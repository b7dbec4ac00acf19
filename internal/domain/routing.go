package domain

// ConditionOperator compares a classification field with a rule value.
type ConditionOperator string

const (
	OpEquals     ConditionOperator = "Equals"
	OpContains   ConditionOperator = "Contains"
	OpStartsWith ConditionOperator = "StartsWith"
	OpEndsWith   ConditionOperator = "EndsWith"
	OpIn         ConditionOperator = "In"
	OpNotIn      ConditionOperator = "NotIn"
)

// RoutingCondition is one AND-ed clause of a RoutingRule.
type RoutingCondition struct {
	Field    string            `json:"field"    yaml:"field"`
	Operator ConditionOperator `json:"operator" yaml:"operator"`
	Value    string            `json:"value"    yaml:"value"`
}

// RoutingRule maps a classification to a target agent type. Higher priority rules
// are evaluated first.
type RoutingRule struct {
	ID              string             `json:"id"                yaml:"id"`
	Name            string             `json:"name"              yaml:"name"`
	Priority        int                `json:"priority"          yaml:"priority"`
	Conditions      []RoutingCondition `json:"conditions"        yaml:"conditions"`
	TargetAgentType AgentType          `json:"target_agent_type" yaml:"target_agent_type"`
	ConfidenceBoost float64            `json:"confidence_boost"  yaml:"confidence_boost"`
	IsFallback      bool               `json:"is_fallback"       yaml:"is_fallback"`
	Disabled        bool               `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// RoutingDecision names the agent selected for a request and why.
type RoutingDecision struct {
	AgentName  string    `json:"agent_name"`
	AgentType  AgentType `json:"agent_type"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	RuleID     string    `json:"rule_id,omitempty"`
	IsFallback bool      `json:"is_fallback"`
}
