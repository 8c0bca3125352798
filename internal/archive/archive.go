// Package archive is the durable, append-only registry of evaluated agents.
// The in-memory archive is the authoritative state; it is mutated only
// through Manager methods and mirrored to disk via an append-only log.
package archive

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jehmal/darwin/internal/events"
	"github.com/jehmal/darwin/internal/types"
)

// RootCommitID is the commit id of the seeded generation-0 agent.
const RootCommitID = "initial"

// stagnationConvergenceThreshold is the stagnation count at which a
// convergence-detected event fires.
const stagnationConvergenceThreshold = 5

// Convergence tracks archive-wide improvement metrics.
type Convergence struct {
	// GenerationalImprovement holds the mean cohort accuracy per generation,
	// in generation order.
	GenerationalImprovement []float64 `json:"generationalImprovement"`
	DiversityScore          float64   `json:"diversityScore"`
	StagnationCount         int       `json:"stagnationCount"`
}

// Metadata is archive-wide bookkeeping.
type Metadata struct {
	StartTime        time.Time   `json:"startTime"`
	LastUpdateTime   time.Time   `json:"lastUpdateTime"`
	TotalEvaluations int         `json:"totalEvaluations"`
	Convergence      Convergence `json:"convergence"`
}

// Snapshot is a structural export of the archive, used by checkpoints.
type Snapshot struct {
	Agents   []*types.Agent `json:"agents"`
	Metadata Metadata       `json:"metadata"`
}

// Manager owns the archive. All access goes through its methods so multiple
// concurrent runs stay isolated.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*types.Agent
	order  []string
	meta   Metadata

	dataDir string
	logger  *slog.Logger
	bus     *events.Bus
	mirror  Mirror

	lastGeneration int

	// convergence bookkeeping for idempotent per-generation recomputation
	trackedGen       int
	stagnationBase   int
	convergenceFired bool
}

// NewManager creates an archive manager rooted at dataDir. The bus and
// mirror are optional; a nil mirror becomes a no-op.
func NewManager(dataDir string, bus *events.Bus, mirror Mirror, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if mirror == nil {
		mirror = NoopMirror{}
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "agents"), 0750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	return &Manager{
		agents:     make(map[string]*types.Agent),
		meta:       Metadata{StartTime: time.Now().UTC()},
		dataDir:    dataDir,
		logger:     logger.With("component", "archive"),
		bus:        bus,
		mirror:     mirror,
		trackedGen: -1,
	}, nil
}

// Initialize loads a prior run's archive from previousRunDir, or seeds the
// generation-0 root agent when previousRunDir is empty or holds no log.
func (m *Manager) Initialize(previousRunDir string) error {
	if previousRunDir != "" {
		rec, err := lastLogRecord(filepath.Join(previousRunDir, archiveLogName))
		if err != nil {
			return fmt.Errorf("load previous run: %w", err)
		}
		if rec != nil {
			return m.loadPreviousRun(previousRunDir, rec)
		}
		m.logger.Warn("previous run dir has no archive log, seeding fresh", "dir", previousRunDir)
	}
	m.seedRoot()
	return nil
}

func (m *Manager) seedRoot() {
	m.mu.Lock()
	defer m.mu.Unlock()

	root := &types.Agent{
		ID:         RootCommitID,
		CommitID:   RootCommitID,
		Generation: 0,
		// The root starts with an empty but compiled fitness so it is an
		// eligible parent for the first generation.
		Fitness:   &types.FitnessScore{CompilationSuccess: true},
		Status:    types.StatusArchived,
		CreatedAt: time.Now().UTC(),
	}
	m.insertLocked(root)
	m.lastGeneration = 0
	m.logger.Info("seeded root agent", "commit", RootCommitID)
}

func (m *Manager) loadPreviousRun(dir string, rec *logRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agentsDir := filepath.Join(dir, "agents")
	for _, id := range rec.Archive {
		data, err := os.ReadFile(filepath.Join(agentsDir, id+".json"))
		if err != nil {
			m.logger.Warn("missing agent snapshot, skipping", "commit", id, "error", err)
			continue
		}
		var a types.Agent
		if err := json.Unmarshal(data, &a); err != nil {
			m.logger.Warn("corrupt agent snapshot, skipping", "commit", id, "error", err)
			continue
		}
		m.agents[a.CommitID] = &a
		m.order = append(m.order, a.CommitID)
	}

	m.meta = rec.Metadata
	m.lastGeneration = rec.Generation
	m.logger.Info("loaded previous run",
		"dir", dir,
		"agents", len(m.order),
		"generation", rec.Generation,
	)
	return nil
}

// LastGeneration returns the generation recorded by Initialize.
func (m *Manager) LastGeneration() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastGeneration
}

// AddAgent inserts or overwrites an agent by commit id. A set parent commit
// id has its children count incremented; a missing parent is logged but not
// fatal, tolerating at-least-once delivery of admission batches.
func (m *Manager) AddAgent(agent *types.Agent) error {
	if agent == nil || agent.CommitID == "" {
		return fmt.Errorf("add agent: empty commit id")
	}

	m.mu.Lock()
	m.insertLocked(agent.Clone())
	stored := m.agents[agent.CommitID]
	if stored.Fitness != nil {
		m.recomputeConvergenceLocked(stored.Generation)
	}
	m.mu.Unlock()

	m.publish(events.KindArchiveUpdated, agent.Generation, map[string]any{
		"commitId": agent.CommitID,
		"action":   "add",
	})
	m.mirrorAgent(agent)
	return nil
}

// insertLocked performs the raw insert plus parent and metadata bookkeeping.
func (m *Manager) insertLocked(agent *types.Agent) {
	prev, exists := m.agents[agent.CommitID]
	if exists {
		// Re-insert of a known commit: keep accumulated lineage bookkeeping
		// and do not double-count.
		if agent.Metadata.ChildrenCount < prev.Metadata.ChildrenCount {
			agent.Metadata.ChildrenCount = prev.Metadata.ChildrenCount
		}
	} else {
		if agent.ParentCommitID != "" {
			if parent, ok := m.agents[agent.ParentCommitID]; ok {
				parent.Metadata.ChildrenCount++
			} else {
				m.logger.Warn("parent not in archive", "commit", agent.CommitID, "parent", agent.ParentCommitID)
			}
		}
		m.order = append(m.order, agent.CommitID)
		m.meta.TotalEvaluations++
	}
	m.agents[agent.CommitID] = agent

	m.meta.LastUpdateTime = time.Now().UTC()
	m.saveAgentLocked(agent)
}

// UpdateAgentFitness records an evaluation result. Unknown commit ids return
// ErrNotFound. Re-delivering an identical result is a no-op, so archive
// writes stay idempotent under at-least-once task delivery.
func (m *Manager) UpdateAgentFitness(commitID string, fitness *types.FitnessScore) error {
	m.mu.Lock()

	agent, ok := m.agents[commitID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update fitness for %s: %w", commitID, types.ErrNotFound)
	}

	if agent.Fitness.Equal(fitness) && !agent.EvaluatedAt.IsZero() {
		m.mu.Unlock()
		return nil
	}

	agent.Fitness = fitness.Clone()
	agent.EvaluatedAt = time.Now().UTC()
	if agent.Status.CanTransition(types.StatusEvaluated) {
		agent.Status = types.StatusEvaluated
	}
	m.meta.LastUpdateTime = time.Now().UTC()
	m.saveAgentLocked(agent)
	m.recomputeConvergenceLocked(agent.Generation)
	gen := agent.Generation
	snapshot := agent.Clone()
	m.mu.Unlock()

	m.publish(events.KindAgentEvaluated, gen, map[string]any{
		"commitId": commitID,
		"accuracy": fitness.Accuracy,
	})
	m.mirrorAgent(snapshot)
	return nil
}

// RecordCohortMetrics folds one generation's full evaluation cohort into the
// convergence history. The cohort covers every evaluated offspring, including
// those the admission policy rejects, so stagnation tracks what actually ran
// rather than only what the archive accepted.
func (m *Manager) RecordCohortMetrics(generation int, cohort []*types.Agent) {
	var sum float64
	var n int
	parents := make(map[string]struct{})
	for _, a := range cohort {
		if a == nil || a.Fitness == nil || a.Status != types.StatusEvaluated {
			continue
		}
		sum += a.Fitness.Accuracy
		n++
		if a.ParentCommitID != "" {
			parents[a.ParentCommitID] = struct{}{}
		}
	}
	if n == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyCohortLocked(generation, sum/float64(n), float64(len(parents))/float64(n))
}

// recomputeConvergenceLocked recomputes convergence metrics over the archive
// members of one generation, used when agents are added or re-evaluated
// outside a full cohort fold.
func (m *Manager) recomputeConvergenceLocked(generation int) {
	var sum float64
	var cohort int
	parents := make(map[string]struct{})
	for _, id := range m.order {
		a := m.agents[id]
		if a.Generation != generation || a.Fitness == nil {
			continue
		}
		sum += a.Fitness.Accuracy
		cohort++
		if a.ParentCommitID != "" {
			parents[a.ParentCommitID] = struct{}{}
		}
	}
	if cohort == 0 {
		return
	}
	m.applyCohortLocked(generation, sum/float64(cohort), float64(len(parents))/float64(cohort))
}

// applyCohortLocked updates the convergence history with one generation's
// mean accuracy and parent diversity. Repeated calls for the tracked
// generation replace its entry rather than appending, so the update is
// idempotent within a generation; cohorts older than the tracked generation
// are stale re-deliveries and are dropped to keep the history in generation
// order.
func (m *Manager) applyCohortLocked(generation int, avg, diversity float64) {
	if generation < m.trackedGen {
		m.logger.Warn("ignoring stale cohort update",
			"generation", generation, "trackedGeneration", m.trackedGen)
		return
	}

	conv := &m.meta.Convergence
	if m.trackedGen == generation && len(conv.GenerationalImprovement) > 0 {
		conv.GenerationalImprovement[len(conv.GenerationalImprovement)-1] = avg
	} else {
		m.trackedGen = generation
		m.stagnationBase = conv.StagnationCount
		conv.GenerationalImprovement = append(conv.GenerationalImprovement, avg)
	}

	if n := len(conv.GenerationalImprovement); n >= 2 {
		lastAvg := conv.GenerationalImprovement[n-2]
		if avg <= lastAvg*1.01 {
			conv.StagnationCount = m.stagnationBase + 1
		} else {
			conv.StagnationCount = 0
			m.convergenceFired = false
		}
	}

	conv.DiversityScore = diversity

	if conv.StagnationCount >= stagnationConvergenceThreshold && !m.convergenceFired {
		m.convergenceFired = true
		m.publish(events.KindConvergenceDetected, generation, map[string]any{
			"stagnationCount": conv.StagnationCount,
			"avgFitness":      avg,
		})
	}
}

// EligibleParents returns, in insertion order, agents that can seed offspring:
// fitness present, compiled, and evaluated or archived.
func (m *Manager) EligibleParents() []*types.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Agent
	for _, id := range m.order {
		a := m.agents[id]
		if eligible(a) {
			out = append(out, a.Clone())
		}
	}
	return out
}

func eligible(a *types.Agent) bool {
	return a.Fitness != nil &&
		a.Fitness.CompilationSuccess &&
		(a.Status == types.StatusEvaluated || a.Status == types.StatusArchived)
}

// BestAgent returns the eligible parent with maximum accuracy. Ties break
// by insertion order, so the result is deterministic.
func (m *Manager) BestAgent() (*types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *types.Agent
	for _, id := range m.order {
		a := m.agents[id]
		if !eligible(a) {
			continue
		}
		if best == nil || a.Fitness.Accuracy > best.Fitness.Accuracy {
			best = a
		}
	}
	if best == nil {
		return nil, fmt.Errorf("best agent: %w", types.ErrNotFound)
	}
	return best.Clone(), nil
}

// LatestArchived returns the most recently archived eligible agent,
// the "no_darwin" baseline parent.
func (m *Manager) LatestArchived() (*types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.order) - 1; i >= 0; i-- {
		a := m.agents[m.order[i]]
		if a.Status == types.StatusArchived && eligible(a) {
			return a.Clone(), nil
		}
	}
	return nil, fmt.Errorf("latest archived: %w", types.ErrNotFound)
}

// Get returns one agent by commit id.
func (m *Manager) Get(commitID string) (*types.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[commitID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", commitID, types.ErrNotFound)
	}
	return a.Clone(), nil
}

// Size returns the number of archived registry entries.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// ConvergenceMetrics returns a copy of the current convergence state.
func (m *Manager) ConvergenceMetrics() Convergence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := m.meta.Convergence
	c.GenerationalImprovement = append([]float64(nil), c.GenerationalImprovement...)
	return c
}

// MetadataSnapshot returns a copy of the archive metadata.
func (m *Manager) MetadataSnapshot() Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta := m.meta
	meta.Convergence.GenerationalImprovement = append([]float64(nil), meta.Convergence.GenerationalImprovement...)
	return meta
}

// Export produces a structural snapshot for checkpointing.
func (m *Manager) Export() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{Metadata: m.meta}
	snap.Metadata.Convergence.GenerationalImprovement = append([]float64(nil), m.meta.Convergence.GenerationalImprovement...)
	for _, id := range m.order {
		snap.Agents = append(snap.Agents, m.agents[id].Clone())
	}
	return snap
}

// Restore replaces the in-memory archive with a checkpoint snapshot.
func (m *Manager) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.agents = make(map[string]*types.Agent, len(snap.Agents))
	m.order = m.order[:0]
	for _, a := range snap.Agents {
		clone := a.Clone()
		m.agents[clone.CommitID] = clone
		m.order = append(m.order, clone.CommitID)
	}
	m.meta = snap.Metadata
	m.trackedGen = -1
	m.convergenceFired = m.meta.Convergence.StagnationCount >= stagnationConvergenceThreshold
}

// saveAgentLocked writes the per-agent JSON snapshot used by Initialize on
// a later run. Failures are logged; the in-memory archive stays authoritative.
func (m *Manager) saveAgentLocked(a *types.Agent) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		m.logger.Error("failed to marshal agent", "commit", a.CommitID, "error", err)
		return
	}
	path := filepath.Join(m.dataDir, "agents", a.CommitID+".json")
	if err := os.WriteFile(path, data, 0640); err != nil {
		m.logger.Error("failed to write agent snapshot", "commit", a.CommitID, "error", err)
	}
}

func (m *Manager) publish(kind events.Kind, generation int, payload map[string]any) {
	if m.bus != nil {
		m.bus.Publish(kind, generation, payload)
	}
}
