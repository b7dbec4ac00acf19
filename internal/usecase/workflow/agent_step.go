package workflow

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"

	"a3sist/internal/domain"
)

// Dispatcher sends a request to an agent of the given type.
type Dispatcher interface {
	Dispatch(ctx context.Context, agentType domain.AgentType, req *domain.Request) (*domain.Result, error)
}

// CtxWorkflowStep names the step that produced a dispatched request.
const CtxWorkflowStep = "WorkflowStep"

// StepDefinition describes an AgentStep. It is the unit of a pipeline file.
type StepDefinition struct {
	Name      string           `yaml:"name"`
	Order     int              `yaml:"order"`
	AgentType domain.AgentType `yaml:"agent_type"`
	// Prompt is a text/template rendered with PromptData. Empty means the
	// original prompt.
	Prompt   string   `yaml:"prompt,omitempty"`
	Keywords []string `yaml:"keywords,omitempty"`
	// StopOn ends the workflow successfully when the step's output contains
	// any of these markers.
	StopOn []string `yaml:"stop_on,omitempty"`
}

// PromptData is the template input for an AgentStep prompt.
type PromptData struct {
	Prompt   string
	Content  string
	FilePath string
	Previous string // content of the previous step's result
	Step     string
	Data     map[string]any
}

// AgentStep is a workflow step that dispatches to an agent type.
type AgentStep struct {
	def        StepDefinition
	prompt     *template.Template
	keywords   []string
	dispatcher Dispatcher
}

// NewAgentStep validates def and compiles its prompt template.
func NewAgentStep(def StepDefinition, d Dispatcher) (*AgentStep, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, domain.NewSubSystemError("workflow", "NewAgentStep", domain.ErrInvalidInput, "step name is required")
	}
	if def.AgentType == "" {
		return nil, domain.NewSubSystemError("workflow", "NewAgentStep", domain.ErrInvalidInput,
			fmt.Sprintf("step %q requires agent_type", def.Name))
	}
	if d == nil {
		return nil, domain.NewSubSystemError("workflow", "NewAgentStep", domain.ErrInvalidInput,
			fmt.Sprintf("step %q has no dispatcher", def.Name))
	}
	src := def.Prompt
	if src == "" {
		src = "{{.Prompt}}"
	}
	tmpl, err := template.New(def.Name).Option("missingkey=zero").Parse(src)
	if err != nil {
		return nil, domain.NewSubSystemError("workflow", "NewAgentStep", domain.ErrInvalidInput,
			fmt.Sprintf("step %q prompt: %v", def.Name, err))
	}
	keywords := make([]string, 0, len(def.Keywords))
	for _, k := range def.Keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keywords = append(keywords, k)
		}
	}
	return &AgentStep{def: def, prompt: tmpl, keywords: keywords, dispatcher: d}, nil
}

func (s *AgentStep) Name() string { return s.def.Name }
func (s *AgentStep) Order() int   { return s.def.Order }

// AgentType returns the agent type this step dispatches to.
func (s *AgentStep) AgentType() domain.AgentType { return s.def.AgentType }

// CanHandle accepts every request when no keywords are configured, otherwise
// requests whose prompt mentions one of them.
func (s *AgentStep) CanHandle(req *domain.Request) bool {
	if req == nil {
		return false
	}
	if len(s.keywords) == 0 {
		return true
	}
	prompt := strings.ToLower(req.Prompt)
	for _, k := range s.keywords {
		if strings.Contains(prompt, k) {
			return true
		}
	}
	return false
}

// Execute renders the prompt, dispatches it and records the output in
// wc.Data under the step name.
func (s *AgentStep) Execute(ctx context.Context, wc *domain.WorkflowContext) domain.WorkflowStepResult {
	prompt, err := s.render(wc)
	if err != nil {
		return domain.WorkflowStepResult{Err: err}
	}

	req := wc.Request.WithContext(wc.Request.ID+"/"+s.def.Name, map[string]any{CtxWorkflowStep: s.def.Name})
	req.Prompt = prompt

	res, err := s.dispatcher.Dispatch(ctx, s.def.AgentType, req)
	if err != nil {
		return domain.WorkflowStepResult{Result: res, Err: err}
	}
	if res == nil || !res.Success {
		return domain.WorkflowStepResult{Result: res}
	}

	wc.Data[s.def.Name] = res.Content
	if marker, ok := s.stopMarker(res); ok {
		wc.Stop(fmt.Sprintf("step %s output matched %q", s.def.Name, marker))
	}
	return domain.WorkflowStepResult{Success: true, Result: res}
}

func (s *AgentStep) render(wc *domain.WorkflowContext) (string, error) {
	data := PromptData{
		Prompt:   wc.Request.Prompt,
		Content:  wc.Request.Content,
		FilePath: wc.Request.FilePath,
		Step:     s.def.Name,
		Data:     wc.Data,
	}
	if last := wc.LastResult(); last != nil {
		data.Previous = last.Content
		if data.Previous == "" {
			data.Previous = last.Message
		}
	}
	var buf bytes.Buffer
	if err := s.prompt.Execute(&buf, data); err != nil {
		return "", domain.NewSubSystemError("workflow", "AgentStep.render", domain.ErrInvalidInput,
			fmt.Sprintf("step %q prompt: %v", s.def.Name, err))
	}
	return buf.String(), nil
}

func (s *AgentStep) stopMarker(res *domain.Result) (string, bool) {
	text := strings.ToLower(res.Content + "\n" + res.Message)
	for _, m := range s.def.StopOn {
		if m != "" && strings.Contains(text, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}
