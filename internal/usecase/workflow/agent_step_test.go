package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"a3sist/internal/domain"
)

type fakeDispatcher struct {
	calls    []*domain.Request
	types    []domain.AgentType
	dispatch func(req *domain.Request) (*domain.Result, error)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, t domain.AgentType, req *domain.Request) (*domain.Result, error) {
	d.calls = append(d.calls, req)
	d.types = append(d.types, t)
	if d.dispatch != nil {
		return d.dispatch(req)
	}
	return domain.NewSuccessResult("ok", "out:"+req.Prompt), nil
}

func mustStep(t *testing.T, def StepDefinition, d Dispatcher) *AgentStep {
	t.Helper()
	s, err := NewAgentStep(def, d)
	require.NoError(t, err)
	return s
}

func TestAgentStepRendersPrompt(t *testing.T) {
	d := &fakeDispatcher{}
	step := mustStep(t, StepDefinition{
		Name:      "review",
		Order:     2,
		AgentType: domain.AgentTypeValidator,
		Prompt:    "Review this change to {{.FilePath}}: {{.Previous}}",
	}, d)

	wc := domain.NewWorkflowContext(&domain.Request{ID: "r1", Prompt: "fix it", FilePath: "main.py"})
	wc.PreviousResults = append(wc.PreviousResults, domain.WorkflowStepResult{
		StepName: "fix", Success: true, Result: domain.NewSuccessResult("fixed", "patched code"),
	})

	sr := step.Execute(context.Background(), wc)
	require.True(t, sr.Success)
	require.Len(t, d.calls, 1)
	assert.Equal(t, "Review this change to main.py: patched code", d.calls[0].Prompt)
	assert.Equal(t, domain.AgentTypeValidator, d.types[0])
	assert.Equal(t, "r1/review", d.calls[0].ID)
	assert.Equal(t, "review", d.calls[0].Context[CtxWorkflowStep])
	assert.Equal(t, "fix it", wc.Request.Prompt, "original request untouched")
	assert.Equal(t, "out:Review this change to main.py: patched code", wc.Data["review"])
}

func TestAgentStepDefaultPromptIsOriginal(t *testing.T) {
	d := &fakeDispatcher{}
	step := mustStep(t, StepDefinition{Name: "fix", AgentType: domain.AgentTypeFixer}, d)

	step.Execute(context.Background(), domain.NewWorkflowContext(&domain.Request{ID: "r", Prompt: "fix the bug"}))
	require.Len(t, d.calls, 1)
	assert.Equal(t, "fix the bug", d.calls[0].Prompt)
}

func TestAgentStepCanHandle(t *testing.T) {
	d := &fakeDispatcher{}
	all := mustStep(t, StepDefinition{Name: "a", AgentType: domain.AgentTypeFixer}, d)
	kw := mustStep(t, StepDefinition{Name: "b", AgentType: domain.AgentTypeFixer, Keywords: []string{" Test ", ""}}, d)

	assert.True(t, all.CanHandle(&domain.Request{Prompt: "whatever"}))
	assert.False(t, all.CanHandle(nil))
	assert.True(t, kw.CanHandle(&domain.Request{Prompt: "write a TEST please"}))
	assert.False(t, kw.CanHandle(&domain.Request{Prompt: "refactor"}))
}

func TestAgentStepStopOn(t *testing.T) {
	d := &fakeDispatcher{dispatch: func(*domain.Request) (*domain.Result, error) {
		return domain.NewSuccessResult("No issues found", ""), nil
	}}
	step := mustStep(t, StepDefinition{Name: "check", AgentType: domain.AgentTypeValidator, StopOn: []string{"no issues"}}, d)

	wc := domain.NewWorkflowContext(&domain.Request{ID: "r", Prompt: "p"})
	sr := step.Execute(context.Background(), wc)
	assert.True(t, sr.Success)
	assert.False(t, wc.ShouldContinue)
	assert.Contains(t, wc.StopReason, "no issues")
}

func TestAgentStepFailures(t *testing.T) {
	boom := errors.New("agent down")
	d := &fakeDispatcher{dispatch: func(*domain.Request) (*domain.Result, error) { return nil, boom }}
	step := mustStep(t, StepDefinition{Name: "fix", AgentType: domain.AgentTypeFixer}, d)

	sr := step.Execute(context.Background(), domain.NewWorkflowContext(&domain.Request{ID: "r", Prompt: "p"}))
	assert.False(t, sr.Success)
	assert.ErrorIs(t, sr.Err, boom)

	d.dispatch = func(*domain.Request) (*domain.Result, error) { return &domain.Result{Message: "nope"}, nil }
	wc := domain.NewWorkflowContext(&domain.Request{ID: "r", Prompt: "p"})
	sr = step.Execute(context.Background(), wc)
	assert.False(t, sr.Success)
	assert.Equal(t, "nope", sr.Result.Message)
	assert.NotContains(t, wc.Data, "fix")
}

func TestNewAgentStepValidation(t *testing.T) {
	d := &fakeDispatcher{}
	tests := []struct {
		name string
		def  StepDefinition
		disp Dispatcher
	}{
		{"no name", StepDefinition{AgentType: domain.AgentTypeFixer}, d},
		{"no type", StepDefinition{Name: "x"}, d},
		{"no dispatcher", StepDefinition{Name: "x", AgentType: domain.AgentTypeFixer}, nil},
		{"bad template", StepDefinition{Name: "x", AgentType: domain.AgentTypeFixer, Prompt: "{{.Prompt"}, d},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAgentStep(tt.def, tt.disp)
			require.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Equal(t, domain.CodeWorkflowInvalid, domain.ErrorCodeOf(err))
		})
	}
}

const pipelineYAML = `
steps:
  - name: fix
    order: 1
    agent_type: Fixer
  - name: test
    order: 2
    agent_type: TestGenerator
    prompt: "Write tests for: {{.Previous}}"
    keywords: [test]
  - name: review
    order: 3
    agent_type: Validator
    stop_on: ["LGTM"]
`

func TestParsePipeline(t *testing.T) {
	steps, err := ParsePipeline([]byte(pipelineYAML), &fakeDispatcher{})
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "test", steps[1].Name())
	assert.Equal(t, 2, steps[1].Order())
	assert.Equal(t, domain.AgentTypeTestGenerator, steps[1].AgentType())
	assert.Equal(t, []string{"LGTM"}, steps[2].def.StopOn)
}

func TestParsePipelineErrors(t *testing.T) {
	d := &fakeDispatcher{}
	for name, src := range map[string]string{
		"malformed":  "steps: [",
		"empty":      "steps: []",
		"duplicate":  "steps:\n  - {name: a, agent_type: Fixer}\n  - {name: a, agent_type: Fixer}\n",
		"no type":    "steps:\n  - {name: a}\n",
		"bad prompt": "steps:\n  - {name: a, agent_type: Fixer, prompt: '{{'}\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePipeline([]byte(src), d)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestRegisterPipeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pipelineYAML), 0o600))

	d := &fakeDispatcher{}
	svc := NewService(nil, nil, nil)
	n, err := svc.RegisterPipeline(path, d)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := svc.Execute(context.Background(), &domain.Request{ID: "r", Prompt: "fix and test this"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, d.calls, 3)
	assert.Equal(t, "Write tests for: out:fix and test this", d.calls[1].Prompt)

	_, err = svc.RegisterPipeline(filepath.Join(t.TempDir(), "missing.yaml"), d)
	assert.Error(t, err)
}
