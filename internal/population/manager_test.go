package population

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jehmal/darwin/internal/evaluator"
	"github.com/jehmal/darwin/internal/events"
	"github.com/jehmal/darwin/internal/selection"
	"github.com/jehmal/darwin/internal/types"
	"github.com/jehmal/darwin/internal/worker"
)

// fakeMutator produces deterministic commit ids, optionally failing for a
// specific parent.
type fakeMutator struct {
	counter    atomic.Int64
	failParent string
}

func (f *fakeMutator) CreateVariant(ctx context.Context, parentCommitID string, entry types.SelfImprove) (string, error) {
	if parentCommitID == f.failParent {
		return "", errors.New("patch did not apply")
	}
	return fmt.Sprintf("%s-child-%d", parentCommitID, f.counter.Add(1)), nil
}

type fakeBackend struct {
	accuracy float64
	err      error
}

func (f *fakeBackend) Run(ctx context.Context, task types.EvaluationTask) (*types.FitnessScore, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.FitnessScore{Accuracy: f.accuracy, CompilationSuccess: true}, nil
}

func newTestManager(t *testing.T, mut Mutator, backend evaluator.Backend) (*Manager, *worker.Pool) {
	t.Helper()

	pool, err := worker.NewPool(2, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	eval, err := evaluator.New(backend, 2, time.Minute, nil)
	if err != nil {
		t.Fatalf("evaluator.New: %v", err)
	}
	taskFor := func(agentID, commitID string) (types.EvaluationTask, error) {
		return types.EvaluationTask{AgentID: agentID, CommitID: commitID, EvaluationType: "test"}, nil
	}
	m, err := NewManager(pool, mut, eval, taskFor, events.NewBus("run-1", 8, nil), "run-1", nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, pool
}

func entriesFor(parents ...string) []selection.Entry {
	out := make([]selection.Entry, len(parents))
	for i, p := range parents {
		out[i] = selection.Entry{
			ParentCommitID: p,
			Improve:        types.SelfImprove{Kind: types.ImproveStochasticity},
		}
	}
	return out
}

func TestGenerationLifecycle(t *testing.T) {
	m, pool := newTestManager(t, &fakeMutator{}, &fakeBackend{accuracy: 0.6})
	ctx := context.Background()
	pool.Start(ctx)
	defer pool.Stop()

	ids, err := m.CreateNewGeneration(ctx, entriesFor("p1", "p1", "p2"), 1)
	if err != nil {
		t.Fatalf("CreateNewGeneration: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("dispatched %d offspring, want 3", len(ids))
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.WaitForGeneration(waitCtx, 1); err != nil {
		t.Fatalf("WaitForGeneration: %v", err)
	}
	if !m.IsGenerationComplete(1) {
		t.Error("generation not complete after wait")
	}

	completed := m.CompletedAgents(1)
	if len(completed) != 3 {
		t.Fatalf("completed = %d, want 3", len(completed))
	}
	for _, a := range completed {
		if a.Status != types.StatusEvaluated {
			t.Errorf("agent %s status = %s, want evaluated", a.ID, a.Status)
		}
		if a.Fitness == nil || a.Fitness.Accuracy != 0.6 {
			t.Errorf("agent %s fitness = %+v", a.ID, a.Fitness)
		}
		if a.CommitID == a.ID {
			t.Errorf("agent %s commit id never replaced by the mutation backend", a.ID)
		}
		if a.EvaluatedAt.IsZero() {
			t.Errorf("agent %s has no evaluation time", a.ID)
		}
	}
}

func TestFailedMutationStillCompletesGeneration(t *testing.T) {
	m, pool := newTestManager(t, &fakeMutator{failParent: "bad"}, &fakeBackend{accuracy: 0.5})
	ctx := context.Background()
	pool.Start(ctx)
	defer pool.Stop()

	if _, err := m.CreateNewGeneration(ctx, entriesFor("good", "bad"), 1); err != nil {
		t.Fatalf("CreateNewGeneration: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.WaitForGeneration(waitCtx, 1); err != nil {
		t.Fatalf("WaitForGeneration: %v", err)
	}

	var evaluated, failed int
	for _, a := range m.CompletedAgents(1) {
		switch a.Status {
		case types.StatusEvaluated:
			evaluated++
		case types.StatusFailed:
			failed++
		}
	}
	if evaluated != 1 || failed != 1 {
		t.Errorf("evaluated = %d, failed = %d; want 1 and 1", evaluated, failed)
	}
}

func TestFailedEvaluationMarksAgentFailed(t *testing.T) {
	m, pool := newTestManager(t, &fakeMutator{}, &fakeBackend{err: errors.New("harness down")})
	ctx := context.Background()
	pool.Start(ctx)
	defer pool.Stop()

	if _, err := m.CreateNewGeneration(ctx, entriesFor("p1"), 1); err != nil {
		t.Fatalf("CreateNewGeneration: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.WaitForGeneration(waitCtx, 1); err != nil {
		t.Fatalf("WaitForGeneration: %v", err)
	}

	completed := m.CompletedAgents(1)
	if len(completed) != 1 || completed[0].Status != types.StatusFailed {
		t.Errorf("completed = %+v, want one failed agent", completed)
	}
}

func TestUpdateAgentStatusIsForwardOnly(t *testing.T) {
	m, _ := newTestManager(t, &fakeMutator{}, &fakeBackend{})

	if _, err := m.CreateNewGeneration(context.Background(), nil, 1); err != nil {
		t.Fatalf("CreateNewGeneration: %v", err)
	}

	// Track one agent by hand without running the pool.
	m.mu.Lock()
	state := m.generations[1]
	agent := &types.Agent{ID: "a1", CommitID: "a1", Generation: 1, Status: types.StatusPending}
	state.agents["a1"] = agent
	state.order = append(state.order, "a1")
	state.pending++
	m.mu.Unlock()

	m.UpdateAgentStatus("a1", types.StatusEvaluated, &types.FitnessScore{Accuracy: 0.7, CompilationSuccess: true})

	// Late, duplicate, and backwards updates are all ignored.
	m.UpdateAgentStatus("a1", types.StatusEvaluated, &types.FitnessScore{Accuracy: 0.1})
	m.UpdateAgentStatus("a1", types.StatusRunning, nil)
	m.UpdateAgentStatus("unknown", types.StatusFailed, nil)

	completed := m.CompletedAgents(1)
	if len(completed) != 1 {
		t.Fatalf("completed = %d, want 1", len(completed))
	}
	if completed[0].Fitness.Accuracy != 0.7 {
		t.Errorf("accuracy = %v, duplicate update must not overwrite", completed[0].Fitness.Accuracy)
	}
	if !m.IsGenerationComplete(1) {
		t.Error("generation should be complete exactly once")
	}
}

func TestTransitionGenerationClearsBookkeeping(t *testing.T) {
	m, pool := newTestManager(t, &fakeMutator{}, &fakeBackend{accuracy: 0.5})
	ctx := context.Background()
	pool.Start(ctx)
	defer pool.Stop()

	m.SetGeneration(1)
	if _, err := m.CreateNewGeneration(ctx, entriesFor("p1"), 1); err != nil {
		t.Fatalf("CreateNewGeneration: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.WaitForGeneration(waitCtx, 1); err != nil {
		t.Fatalf("WaitForGeneration: %v", err)
	}

	if next := m.TransitionGeneration(); next != 2 {
		t.Errorf("next generation = %d, want 2", next)
	}
	if got := m.CompletedAgents(1); got != nil {
		t.Errorf("generation 1 bookkeeping survived transition: %v", got)
	}
}

func TestHealthFlags(t *testing.T) {
	m, _ := newTestManager(t, &fakeMutator{}, &fakeBackend{})
	m.SetGeneration(1)

	// Build a cohort by hand: one parent for everyone, most of them failed.
	m.mu.Lock()
	state := &genState{agents: make(map[string]*types.Agent), done: make(chan struct{})}
	m.generations[1] = state
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("a%d", i)
		status := types.StatusFailed
		if i == 0 {
			status = types.StatusEvaluated
		}
		state.agents[id] = &types.Agent{
			ID:             id,
			ParentCommitID: "the-one-parent",
			Generation:     1,
			Status:         status,
		}
		state.order = append(state.order, id)
	}
	m.mu.Unlock()

	h := m.Health()
	if h.Total != 4 || h.Failed != 3 {
		t.Fatalf("health = %+v", h)
	}
	if h.ParentDiversity != 0.25 {
		t.Errorf("diversity = %v, want 0.25", h.ParentDiversity)
	}
	if h.FailureRate != 0.75 {
		t.Errorf("failure rate = %v, want 0.75", h.FailureRate)
	}

	flags := map[string]bool{}
	for _, f := range h.Flags {
		flags[f] = true
	}
	if !flags["low-diversity"] || !flags["high-failure-rate"] {
		t.Errorf("flags = %v, want low-diversity and high-failure-rate", h.Flags)
	}
	if len(h.Recommendations) == 0 {
		t.Error("flagged health must carry recommendations")
	}
}
