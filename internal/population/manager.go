// Package population manages the active generation's in-flight agents.
// Offspring creation is dispatched asynchronously to the worker pool;
// completion is observed later through status updates that tolerate the
// task queue's at-least-once delivery.
package population

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jehmal/darwin/internal/events"
	"github.com/jehmal/darwin/internal/evaluator"
	"github.com/jehmal/darwin/internal/selection"
	"github.com/jehmal/darwin/internal/types"
	"github.com/jehmal/darwin/internal/worker"
)

// Mutator is the external collaborator that produces a new variant from a
// parent commit and a self-improve instruction. The core is agnostic to how
// mutation is performed.
type Mutator interface {
	CreateVariant(ctx context.Context, parentCommitID string, entry types.SelfImprove) (string, error)
}

// TaskBuilder maps a new variant onto the evaluation task that scores it.
type TaskBuilder func(agentID, commitID string) (types.EvaluationTask, error)

// Manager tracks per-generation dispatch and completion.
type Manager struct {
	pool      *worker.Pool
	mutator   Mutator
	evaluator *evaluator.Evaluator
	taskFor   TaskBuilder
	bus       *events.Bus
	runID     string
	logger    *slog.Logger

	mu          sync.Mutex
	generation  int
	generations map[int]*genState
}

type genState struct {
	agents  map[string]*types.Agent // agent id -> tracked agent
	order   []string
	pending int
	done    chan struct{}
}

// NewManager wires the population manager to its collaborators.
func NewManager(pool *worker.Pool, mutator Mutator, eval *evaluator.Evaluator, taskFor TaskBuilder, bus *events.Bus, runID string, logger *slog.Logger) (*Manager, error) {
	if pool == nil || mutator == nil || eval == nil || taskFor == nil {
		return nil, fmt.Errorf("population: pool, mutator, evaluator, and task builder are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		pool:        pool,
		mutator:     mutator,
		evaluator:   eval,
		taskFor:     taskFor,
		bus:         bus,
		runID:       runID,
		logger:      logger.With("component", "population"),
		generations: make(map[int]*genState),
	}
	pool.SetResultFunc(m.handleResult)
	return m, nil
}

// Generation returns the active generation counter.
func (m *Manager) Generation() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// SetGeneration resets the counter, used after checkpoint recovery.
func (m *Manager) SetGeneration(gen int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation = gen
}

// CreateNewGeneration submits one offspring work item per entry and returns
// the new agent ids immediately. Dispatch is asynchronous; callers observe
// completion via WaitForGeneration.
func (m *Manager) CreateNewGeneration(ctx context.Context, entries []selection.Entry, generation int) ([]string, error) {
	m.mu.Lock()
	state, ok := m.generations[generation]
	if !ok {
		state = &genState{
			agents: make(map[string]*types.Agent),
			done:   make(chan struct{}),
		}
		m.generations[generation] = state
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		id := uuid.NewString()
		agent := &types.Agent{
			ID:             id,
			CommitID:       id, // replaced once the mutation backend reports its commit
			ParentCommitID: entry.ParentCommitID,
			Generation:     generation,
			Status:         types.StatusPending,
			Metadata:       types.AgentMetadata{RunID: m.runID},
			CreatedAt:      time.Now().UTC(),
		}
		state.agents[id] = agent
		state.order = append(state.order, id)
		state.pending++
		ids = append(ids, id)
	}
	if state.pending == 0 {
		m.closeDoneLocked(state)
	}
	m.mu.Unlock()

	for i, entry := range entries {
		entry := entry
		agentID := ids[i]
		item := worker.Item{
			ID:      agentID,
			Type:    "offspring",
			Payload: entry,
			Run: func(runCtx context.Context) error {
				return m.runOffspring(runCtx, agentID, generation, entry)
			},
		}
		if err := m.pool.Submit(item); err != nil {
			m.logger.Error("failed to dispatch offspring", "agent", agentID, "error", err)
			m.UpdateAgentStatus(agentID, types.StatusFailed, nil)
		}
	}

	m.logger.Info("generation dispatched", "generation", generation, "offspring", len(ids))
	return ids, nil
}

// runOffspring is the full offspring pipeline executed on a pool worker:
// mutate, then evaluate, ending in a terminal status either way.
func (m *Manager) runOffspring(ctx context.Context, agentID string, generation int, entry selection.Entry) error {
	m.UpdateAgentStatus(agentID, types.StatusRunning, nil)

	commitID, err := m.mutator.CreateVariant(ctx, entry.ParentCommitID, entry.Improve)
	if err != nil {
		m.logger.Warn("mutation failed", "agent", agentID, "parent", entry.ParentCommitID, "error", err)
		m.publish(events.KindError, generation, map[string]any{
			"agentId": agentID,
			"phase":   "mutation",
			"error":   err.Error(),
		})
		m.UpdateAgentStatus(agentID, types.StatusFailed, nil)
		return fmt.Errorf("create variant for %s: %w", agentID, err)
	}

	m.setCommitID(agentID, generation, commitID)
	m.publish(events.KindMutationApplied, generation, map[string]any{
		"agentId":  agentID,
		"commitId": commitID,
		"parent":   entry.ParentCommitID,
		"target":   string(entry.Improve.Kind),
	})
	m.UpdateAgentStatus(agentID, types.StatusEvaluating, nil)

	task, err := m.taskFor(agentID, commitID)
	if err != nil {
		m.UpdateAgentStatus(agentID, types.StatusFailed, nil)
		return fmt.Errorf("build task for %s: %w", agentID, err)
	}

	score, err := m.evaluator.Evaluate(ctx, task)
	if err != nil {
		// Timeouts and backend failures are terminal failed results; the
		// generation still completes.
		m.UpdateAgentStatus(agentID, types.StatusFailed, score)
		return nil
	}
	m.UpdateAgentStatus(agentID, types.StatusEvaluated, score)
	return nil
}

// UpdateAgentStatus applies a forward-only status transition. Out-of-order
// or duplicate updates are logged and ignored, tolerating at-least-once
// delivery from the task queue.
func (m *Manager) UpdateAgentStatus(agentID string, status types.AgentStatus, score *types.FitnessScore) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, agent := m.findLocked(agentID)
	if agent == nil {
		m.logger.Warn("status update for unknown agent", "agent", agentID, "status", status)
		return
	}
	if !agent.Status.CanTransition(status) {
		m.logger.Debug("ignoring out-of-order status update",
			"agent", agentID, "from", agent.Status, "to", status)
		return
	}

	wasTerminal := agent.Status.Terminal()
	agent.Status = status
	if score != nil {
		agent.Fitness = score.Clone()
	}
	if status == types.StatusEvaluated {
		agent.EvaluatedAt = time.Now().UTC()
	}

	if !wasTerminal && status.Terminal() {
		state.pending--
		if state.pending <= 0 {
			m.closeDoneLocked(state)
		}
	}
}

func (m *Manager) setCommitID(agentID string, generation int, commitID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.generations[generation]; ok {
		if agent, ok := state.agents[agentID]; ok {
			agent.CommitID = commitID
		}
	}
}

// handleResult is the pool's terminal-status callback. Results may arrive
// more than once; anything still non-terminal after a failed item is marked
// failed so no agent is ever left in flight.
func (m *Manager) handleResult(res worker.Result) {
	if res.Err == nil {
		return
	}
	m.mu.Lock()
	_, agent := m.findLocked(res.ItemID)
	terminal := agent == nil || agent.Status.Terminal()
	m.mu.Unlock()
	if !terminal {
		m.UpdateAgentStatus(res.ItemID, types.StatusFailed, nil)
	}
}

func (m *Manager) findLocked(agentID string) (*genState, *types.Agent) {
	for _, state := range m.generations {
		if agent, ok := state.agents[agentID]; ok {
			return state, agent
		}
	}
	return nil, nil
}

func (m *Manager) closeDoneLocked(state *genState) {
	select {
	case <-state.done:
	default:
		close(state.done)
	}
}

// IsGenerationComplete reports whether every dispatched task for the
// generation has reached a terminal status. A generation with no dispatches
// is trivially complete.
func (m *Manager) IsGenerationComplete(generation int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.generations[generation]
	if !ok {
		return true
	}
	return state.pending <= 0
}

// WaitForGeneration blocks until the generation completes or ctx is done.
func (m *Manager) WaitForGeneration(ctx context.Context, generation int) error {
	m.mu.Lock()
	state, ok := m.generations[generation]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-state.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for generation %d: %w", generation, ctx.Err())
	}
}

// CompletedAgents returns clones of the generation's terminal agents, in
// dispatch order.
func (m *Manager) CompletedAgents(generation int) []*types.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.generations[generation]
	if !ok {
		return nil
	}
	var out []*types.Agent
	for _, id := range state.order {
		if a := state.agents[id]; a.Status.Terminal() {
			out = append(out, a.Clone())
		}
	}
	return out
}

// TransitionGeneration advances the generation counter and clears the
// completed generation's bookkeeping. Called only after archival completes.
func (m *Manager) TransitionGeneration() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.generations, m.generation)
	m.generation++
	return m.generation
}

func (m *Manager) publish(kind events.Kind, generation int, payload map[string]any) {
	if m.bus != nil {
		m.bus.Publish(kind, generation, payload)
	}
}
