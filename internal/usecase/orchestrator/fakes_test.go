package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"a3sist/internal/domain"
	"a3sist/internal/usecase/agentmanager"
)

type fakeAgent struct {
	name      string
	typ       domain.AgentType
	canHandle func(*domain.Request) bool
	handle    func(ctx context.Context, req *domain.Request) (*domain.Result, error)

	initCalls atomic.Int32
	stopCalls atomic.Int32
	calls     atomic.Int32

	mu       sync.Mutex
	requests []*domain.Request
}

func newFakeAgent(name string, typ domain.AgentType) *fakeAgent {
	return &fakeAgent{name: name, typ: typ}
}

func (a *fakeAgent) Name() string               { return a.name }
func (a *fakeAgent) Type() domain.AgentType     { return a.typ }
func (a *fakeAgent) Status() domain.AgentStatus { return domain.AgentStatusReady }

func (a *fakeAgent) Initialize(context.Context) error {
	a.initCalls.Add(1)
	return nil
}

func (a *fakeAgent) Shutdown(context.Context) error {
	a.stopCalls.Add(1)
	return nil
}

func (a *fakeAgent) CanHandle(req *domain.Request) bool {
	if a.canHandle != nil {
		return a.canHandle(req)
	}
	return true
}

func (a *fakeAgent) Handle(ctx context.Context, req *domain.Request) (*domain.Result, error) {
	a.calls.Add(1)
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	if a.handle != nil {
		return a.handle(ctx, req)
	}
	return domain.NewSuccessResult("handled by "+a.name, a.name), nil
}

func (a *fakeAgent) lastRequest() *domain.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.requests) == 0 {
		return nil
	}
	return a.requests[len(a.requests)-1]
}

func failWith(err error) func(context.Context, *domain.Request) (*domain.Result, error) {
	return func(context.Context, *domain.Request) (*domain.Result, error) { return nil, err }
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeWorkflow struct {
	calls  atomic.Int32
	result *domain.WorkflowResult
	err    error
}

func (w *fakeWorkflow) Execute(context.Context, *domain.Request) (*domain.WorkflowResult, error) {
	w.calls.Add(1)
	return w.result, w.err
}

type recordedFailure struct {
	agent   string
	err     error
	retries int
}

type fakeFailures struct {
	mu      sync.Mutex
	records []recordedFailure
}

func (f *fakeFailures) Record(agent string, err error, _ string, retries int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedFailure{agent: agent, err: err, retries: retries})
	return "id"
}

func testConfig() Config {
	c := DefaultConfig()
	c.RetryDelay = 0
	return c
}

func newManager(agents ...domain.Agent) *agentmanager.Manager {
	m := agentmanager.New(nil)
	for _, a := range agents {
		if err := m.Register(a); err != nil {
			panic(err)
		}
	}
	return m
}

func newRequest(prompt string) *domain.Request {
	return &domain.Request{ID: "req-1", Prompt: prompt, CreatedAt: time.Now()}
}
