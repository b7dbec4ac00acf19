package routing

import (
	"fmt"
	"strings"

	"a3sist/internal/domain"
)

// Condition fields with special meaning. Any other field is looked up in the
// classification's Context map.
const (
	FieldIntent     = "intent"
	FieldLanguage   = "language"
	FieldSuggested  = "suggested_agent_type"
	FieldKeyword    = "keyword"
	FieldConfidence = "confidence"
)

var validOperators = map[domain.ConditionOperator]bool{
	domain.OpEquals:     true,
	domain.OpContains:   true,
	domain.OpStartsWith: true,
	domain.OpEndsWith:   true,
	domain.OpIn:         true,
	domain.OpNotIn:      true,
}

// normalizeRule returns rule with operator names in canonical case, so rule
// files may spell them "equals" or "in".
func normalizeRule(rule domain.RoutingRule) domain.RoutingRule {
	conds := make([]domain.RoutingCondition, len(rule.Conditions))
	for i, c := range rule.Conditions {
		for op := range validOperators {
			if strings.EqualFold(string(op), string(c.Operator)) {
				c.Operator = op
				break
			}
		}
		conds[i] = c
	}
	rule.Conditions = conds
	return rule
}

// fieldValues extracts the lower-cased values of field from cls. Keyword is
// multi-valued; a missing context key yields nil.
func fieldValues(cls *domain.IntentClassification, field string) []string {
	switch strings.ToLower(field) {
	case FieldIntent:
		return []string{strings.ToLower(cls.Intent)}
	case FieldLanguage:
		return []string{strings.ToLower(cls.Language)}
	case FieldSuggested:
		return []string{strings.ToLower(string(cls.SuggestedAgentType))}
	case FieldKeyword:
		out := make([]string, len(cls.Keywords))
		for i, k := range cls.Keywords {
			out[i] = strings.ToLower(k)
		}
		return out
	case FieldConfidence:
		return []string{fmt.Sprintf("%.2f", cls.Confidence)}
	}
	v, ok := cls.Context[field]
	if !ok || v == nil {
		return nil
	}
	return []string{strings.ToLower(fmt.Sprint(v))}
}

// matches reports whether cond holds for cls. All comparisons are case-insensitive.
func matches(cond domain.RoutingCondition, cls *domain.IntentClassification) bool {
	values := fieldValues(cls, cond.Field)
	want := strings.ToLower(strings.TrimSpace(cond.Value))

	if cond.Operator == domain.OpNotIn {
		set := splitList(want)
		for _, v := range values {
			if set[v] {
				return false
			}
		}
		return true
	}

	for _, v := range values {
		if compare(cond.Operator, v, want) {
			return true
		}
	}
	return false
}

func compare(op domain.ConditionOperator, got, want string) bool {
	switch op {
	case domain.OpEquals:
		return got == want
	case domain.OpContains:
		return strings.Contains(got, want)
	case domain.OpStartsWith:
		return strings.HasPrefix(got, want)
	case domain.OpEndsWith:
		return strings.HasSuffix(got, want)
	case domain.OpIn:
		return splitList(want)[got]
	default:
		return false
	}
}

// splitList parses a comma-separated value list into a set.
func splitList(s string) map[string]bool {
	set := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			set[part] = true
		}
	}
	return set
}

// ruleMatches reports whether every condition of rule holds.
func ruleMatches(rule domain.RoutingRule, cls *domain.IntentClassification) bool {
	for _, cond := range rule.Conditions {
		if !matches(cond, cls) {
			return false
		}
	}
	return true
}
