// Package routing picks the agent that should handle a classified request.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"a3sist/internal/domain"
	"a3sist/internal/infra/logger"
)

const defaultRoutingPenalty = 0.05

// AvailabilityFunc reports whether the named agent may receive work. The
// orchestrator supplies one backed by its circuit breakers.
type AvailabilityFunc func(agentName string) bool

// Service evaluates prioritized routing rules against a classification.
// It is safe for concurrent use.
type Service struct {
	mu        sync.RWMutex
	rules     []domain.RoutingRule
	available AvailabilityFunc
	logger    *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithoutBuiltinRules starts the service with an empty rule set.
func WithoutBuiltinRules() Option {
	return func(s *Service) { s.rules = nil }
}

// WithAvailability installs fn as the fallback availability check.
func WithAvailability(fn AvailabilityFunc) Option {
	return func(s *Service) { s.available = fn }
}

// NewService creates a routing service preloaded with BuiltinRules.
func NewService(log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		rules:  BuiltinRules(),
		logger: logger.Component(log, "routing"),
	}
	for _, opt := range opts {
		opt(s)
	}
	sortRules(s.rules)
	return s
}

// BuiltinRules returns the default rule set.
func BuiltinRules() []domain.RoutingRule {
	return []domain.RoutingRule{
		{
			ID: "fix-error", Name: "Fix errors", Priority: 100, ConfidenceBoost: 0.1,
			Conditions:      []domain.RoutingCondition{{Field: FieldIntent, Operator: domain.OpEquals, Value: "fix_error"}},
			TargetAgentType: domain.AgentTypeFixer,
		},
		{
			ID: "refactor", Name: "Refactoring", Priority: 90, ConfidenceBoost: 0.1,
			Conditions:      []domain.RoutingCondition{{Field: FieldIntent, Operator: domain.OpEquals, Value: "refactor"}},
			TargetAgentType: domain.AgentTypeRefactor,
		},
		{
			ID: "lang-csharp", Name: "C# code", Priority: 50, ConfidenceBoost: 0.05,
			Conditions:      []domain.RoutingCondition{{Field: FieldLanguage, Operator: domain.OpEquals, Value: "csharp"}},
			TargetAgentType: domain.AgentTypeCSharp,
		},
		{
			ID: "lang-javascript", Name: "JavaScript/TypeScript code", Priority: 50, ConfidenceBoost: 0.05,
			Conditions:      []domain.RoutingCondition{{Field: FieldLanguage, Operator: domain.OpIn, Value: "javascript,typescript"}},
			TargetAgentType: domain.AgentTypeJavaScript,
		},
		{
			ID: "lang-python", Name: "Python code", Priority: 50, ConfidenceBoost: 0.05,
			Conditions:      []domain.RoutingCondition{{Field: FieldLanguage, Operator: domain.OpEquals, Value: "python"}},
			TargetAgentType: domain.AgentTypePython,
		},
	}
}

// SetAvailability replaces the fallback availability check.
func (s *Service) SetAvailability(fn AvailabilityFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = fn
}

// Evaluate selects an agent among candidates for cls.
func (s *Service) Evaluate(_ context.Context, cls *domain.IntentClassification, candidates []domain.Agent) (*domain.RoutingDecision, error) {
	if cls == nil {
		return nil, domain.NewDomainError("RoutingRuleService.Evaluate", domain.ErrValidation, "classification is nil")
	}
	if len(candidates) == 0 {
		return nil, domain.NewSubSystemError("routing", "RoutingRuleService.Evaluate", domain.ErrNoAgentsAvailable, "no candidate agents")
	}

	s.mu.RLock()
	rules := s.rules
	available := s.available
	s.mu.RUnlock()

	for _, rule := range rules {
		if rule.Disabled || !ruleMatches(rule, cls) {
			continue
		}
		agent := firstOfType(candidates, rule.TargetAgentType)
		if agent == nil {
			continue
		}
		d := &domain.RoutingDecision{
			AgentName:  agent.Name(),
			AgentType:  agent.Type(),
			Confidence: clamp(cls.Confidence + rule.ConfidenceBoost),
			Reason:     "Matched rule: " + rule.Name,
			RuleID:     rule.ID,
			IsFallback: rule.IsFallback,
		}
		s.logger.Debug("routing rule matched", "rule", rule.ID, "agent", d.AgentName, "confidence", d.Confidence)
		return d, nil
	}

	if agent := firstOfType(candidates, cls.SuggestedAgentType); agent != nil {
		s.logger.Debug("default routing", "agent", agent.Name(), "type", string(cls.SuggestedAgentType))
		return &domain.RoutingDecision{
			AgentName:  agent.Name(),
			AgentType:  agent.Type(),
			Confidence: clamp(cls.Confidence - defaultRoutingPenalty),
			Reason:     "Default routing",
		}, nil
	}

	for _, agent := range candidates {
		if available != nil && !available(agent.Name()) {
			continue
		}
		s.logger.Debug("fallback routing", "agent", agent.Name())
		return &domain.RoutingDecision{
			AgentName:  agent.Name(),
			AgentType:  agent.Type(),
			Confidence: clamp(cls.Confidence),
			Reason:     "Fallback routing",
			IsFallback: true,
		}, nil
	}

	return nil, domain.NewSubSystemError("routing", "RoutingRuleService.Evaluate", domain.ErrNoAgentsAvailable,
		fmt.Sprintf("all %d candidates are unavailable", len(candidates)))
}

// AddRule inserts rule or replaces the rule with the same ID.
func (s *Service) AddRule(rule domain.RoutingRule) error {
	rule = normalizeRule(rule)
	if err := validateRule(rule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]domain.RoutingRule, 0, len(s.rules)+1)
	for _, r := range s.rules {
		if r.ID != rule.ID {
			next = append(next, r)
		}
	}
	next = append(next, rule)
	sortRules(next)
	s.rules = next
	return nil
}

// RemoveRule deletes the rule with id and reports whether it existed.
func (s *Service) RemoveRule(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, r := range s.rules {
		if r.ID == id {
			next := make([]domain.RoutingRule, 0, len(s.rules)-1)
			next = append(next, s.rules[:i]...)
			s.rules = append(next, s.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns the rules in evaluation order.
func (s *Service) Rules() []domain.RoutingRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.RoutingRule, len(s.rules))
	copy(out, s.rules)
	return out
}

// rulesFile is the on-disk layout read by LoadRulesFile.
type rulesFile struct {
	Rules []domain.RoutingRule `yaml:"rules"`
}

// LoadRulesFile upserts every rule in a YAML rules file. Nothing is applied
// if any rule is invalid. It returns the number of rules loaded.
func (s *Service) LoadRulesFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read rules file: %w", err)
	}

	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return 0, fmt.Errorf("parse rules file: %w", err)
	}
	for i, r := range rf.Rules {
		if err := validateRule(normalizeRule(r)); err != nil {
			return 0, fmt.Errorf("rules file %s: rule %d: %w", path, i, err)
		}
	}
	for _, r := range rf.Rules {
		if err := s.AddRule(r); err != nil {
			return 0, err
		}
	}
	s.logger.Info("routing rules loaded", "path", path, "count", len(rf.Rules))
	return len(rf.Rules), nil
}

func validateRule(rule domain.RoutingRule) error {
	invalid := func(detail string) error {
		return domain.NewSubSystemError("routing", "RoutingRuleService.AddRule", domain.ErrInvalidInput, detail)
	}
	if rule.ID == "" {
		return invalid("rule id is required")
	}
	if rule.TargetAgentType == "" {
		return invalid(fmt.Sprintf("rule %q has no target agent type", rule.ID))
	}
	for _, c := range rule.Conditions {
		if c.Field == "" {
			return invalid(fmt.Sprintf("rule %q has a condition without a field", rule.ID))
		}
		if !validOperators[c.Operator] {
			return invalid(fmt.Sprintf("rule %q uses unknown operator %q", rule.ID, c.Operator))
		}
	}
	return nil
}

func sortRules(rules []domain.RoutingRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

func firstOfType(agents []domain.Agent, t domain.AgentType) domain.Agent {
	if t == "" || t == domain.AgentTypeUnknown {
		return nil
	}
	for _, a := range agents {
		if a.Type() == t {
			return a
		}
	}
	return nil
}

func clamp(v float64) float64 {
	return max(0, min(1, v))
}
