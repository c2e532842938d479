package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually-advanced clock shared by services under test.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingNotifier captures published events for assertions.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Publish(_ context.Context, ev Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) byType(t EventType) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, ev := range n.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// failingNotifier rejects every publish with the configured error.
type failingNotifier struct{ err error }

func (n failingNotifier) Publish(context.Context, Event) error { return n.err }

func mustRegistry(t *testing.T, defs ...*Definition) *Registry {
	t.Helper()
	reg, err := NewRegistry(defs...)
	require.NoError(t, err)
	return reg
}

// threeStepDefinition is the default pipeline used across tests: a plain
// first step, a schema-validated second step, and a skippable last step.
func threeStepDefinition() *Definition {
	return &Definition{
		ID:   "content-pipeline",
		Name: "Content pipeline",
		Steps: []StepDefinition{
			{ID: "draft", Name: "Draft", AgentID: "writer"},
			{ID: "review", Name: "Review", AgentID: "reviewer",
				OutputSchema: map[string]any{"required": []any{"verdict"}}},
			{ID: "publish", Name: "Publish", AgentID: "publisher", CanSkip: true},
		},
	}
}

// engineFixture wires the engine services over one MemoryStore with a fake
// clock and a recording notifier.
type engineFixture struct {
	store     *MemoryStore
	clock     *fakeClock
	notifier  *recordingNotifier
	registry  *Registry
	lifecycle *InstanceService
	contexts  *ContextService
	router    *AgentRouter
	executor  *Executor
}

func newEngineFixture(t *testing.T, defs ...*Definition) *engineFixture {
	t.Helper()
	if len(defs) == 0 {
		defs = []*Definition{threeStepDefinition()}
	}
	store := NewMemoryStore()
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	registry := mustRegistry(t, defs...)

	lifecycle := NewInstanceService(registry, store.Instances(), store.History(), store.Contexts(), notifier, nil)
	lifecycle.now = clock.Now

	contexts := NewContextService(store.Contexts(), store.Instances(), nil, ContextBudget{}, nil)
	contexts.now = clock.Now

	router := NewAgentRouter()
	executor := NewExecutor(registry, store.Instances(), contexts, router, nil, notifier, nil)
	executor.now = clock.Now

	return &engineFixture{
		store:     store,
		clock:     clock,
		notifier:  notifier,
		registry:  registry,
		lifecycle: lifecycle,
		contexts:  contexts,
		router:    router,
		executor:  executor,
	}
}

// startedInstance creates and starts an instance on the given definition.
func (f *engineFixture) startedInstance(t *testing.T, definitionID, ownerID string) *Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := f.lifecycle.CreateInstance(ctx, definitionID, ownerID)
	require.NoError(t, err)
	require.NoError(t, f.lifecycle.Start(ctx, inst.ID))
	inst, err = f.lifecycle.Get(ctx, inst.ID)
	require.NoError(t, err)
	return inst
}
