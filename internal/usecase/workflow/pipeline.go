package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"a3sist/internal/domain"
)

// Pipeline is the YAML layout of a pipeline file.
type Pipeline struct {
	Steps []StepDefinition `yaml:"steps"`
}

// LoadPipeline reads a pipeline file and builds its steps.
func LoadPipeline(path string, d Dispatcher) ([]*AgentStep, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline: %w", err)
	}
	return ParsePipeline(data, d)
}

// ParsePipeline builds steps from YAML. Every step is validated before any
// is returned.
func ParsePipeline(data []byte, d Dispatcher) ([]*AgentStep, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, domain.NewSubSystemError("workflow", "ParsePipeline", domain.ErrInvalidInput, err.Error())
	}
	if len(p.Steps) == 0 {
		return nil, domain.NewSubSystemError("workflow", "ParsePipeline", domain.ErrInvalidInput, "pipeline has no steps")
	}

	seen := make(map[string]bool, len(p.Steps))
	steps := make([]*AgentStep, 0, len(p.Steps))
	for i, def := range p.Steps {
		if seen[def.Name] {
			return nil, domain.NewSubSystemError("workflow", "ParsePipeline", domain.ErrInvalidInput,
				fmt.Sprintf("duplicate step name %q", def.Name))
		}
		seen[def.Name] = true

		step, err := NewAgentStep(def, d)
		if err != nil {
			return nil, fmt.Errorf("step[%d]: %w", i, err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// RegisterPipeline loads path and registers every step with s.
func (s *Service) RegisterPipeline(path string, d Dispatcher) (int, error) {
	steps, err := LoadPipeline(path, d)
	if err != nil {
		return 0, err
	}
	for _, step := range steps {
		if err := s.RegisterStep(step); err != nil {
			return 0, err
		}
	}
	s.logger.Info("pipeline loaded", "path", path, "steps", len(steps))
	return len(steps), nil
}
