// Package engine drives the evolution loop: select parents, spawn a
// generation, wait for evaluation, admit survivors, checkpoint, repeat
// until a stop condition fires.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jehmal/darwin/internal/archive"
	"github.com/jehmal/darwin/internal/bench"
	"github.com/jehmal/darwin/internal/config"
	"github.com/jehmal/darwin/internal/events"
	"github.com/jehmal/darwin/internal/population"
	"github.com/jehmal/darwin/internal/selection"
	"github.com/jehmal/darwin/internal/types"
	"github.com/jehmal/darwin/internal/worker"
)

// State is the engine lifecycle phase.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateStopping      State = "stopping"
	StateFinalized     State = "finalized"
)

// Engine owns the evolution run.
type Engine struct {
	cfg      *config.Config
	arch     *archive.Manager
	selector *selection.Selector
	pop      *population.Manager
	pool     *worker.Pool
	bus      *events.Bus
	// validator is optional; nil disables improvement validation
	validator *bench.Validator
	logger    *slog.Logger

	// now is injectable for deterministic time-limit tests
	now func() time.Time

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	stopAsked  bool
	stopReason string
	// lastCompleted is the highest generation that ran to completion; it is
	// what checkpoints record so recovery resumes at the right place
	lastCompleted int
	// baselines caches benchmark series per commit so a parent is only
	// measured once per run
	baselines map[string]*bench.Series
	// knownInstances come from the active benchmark suite
	knownInstances []string
}

// Options carries optional collaborators for New.
type Options struct {
	Validator      *bench.Validator
	KnownInstances []string
	Now            func() time.Time
}

// New wires the engine. All collaborators except those in opts are required.
func New(cfg *config.Config, arch *archive.Manager, sel *selection.Selector, pop *population.Manager, pool *worker.Pool, bus *events.Bus, logger *slog.Logger, opts Options) (*Engine, error) {
	if cfg == nil || arch == nil || sel == nil || pop == nil || pool == nil {
		return nil, fmt.Errorf("engine: config, archive, selector, population, and pool are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:            cfg,
		arch:           arch,
		selector:       sel,
		pop:            pop,
		pool:           pool,
		bus:            bus,
		validator:      opts.Validator,
		logger:         logger.With("component", "engine"),
		now:            now,
		state:          StateUninitialized,
		baselines:      make(map[string]*bench.Series),
		knownInstances: opts.KnownInstances,
	}, nil
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) transition(to State, from ...State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, f := range from {
		if e.state == f {
			e.state = to
			return nil
		}
	}
	return fmt.Errorf("engine: cannot transition from %s to %s", e.state, to)
}

// Initialize seeds the archive (optionally from a previous run) and starts
// the worker pool.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.transition(StateInitializing, StateUninitialized); err != nil {
		return err
	}

	if err := e.arch.Initialize(e.cfg.Run.PreviousRunDir); err != nil {
		return fmt.Errorf("initialize archive: %w", err)
	}
	e.pop.SetGeneration(e.arch.LastGeneration() + 1)
	e.pool.Start(ctx)

	e.mu.Lock()
	e.startedAt = e.now()
	e.lastCompleted = e.arch.LastGeneration()
	e.mu.Unlock()

	e.logger.Info("engine initialized",
		"archiveSize", e.arch.Size(),
		"startGeneration", e.pop.Generation(),
		"selectionMethod", e.cfg.Evolution.SelectionMethod,
		"archiveStrategy", e.cfg.Evolution.ArchiveStrategy)
	return nil
}

// RunEvolution runs generations until a stop condition fires, then
// finalizes. It always returns a Report, even when stopped early.
func (e *Engine) RunEvolution(ctx context.Context) (*Report, error) {
	if err := e.transition(StateRunning, StateInitializing); err != nil {
		return nil, err
	}

	var runErr error
	for {
		if err := e.waitWhilePaused(ctx); err != nil {
			e.setStopReason("context cancelled")
			break
		}

		gen := e.pop.Generation()
		if stop, reason := e.shouldStop(gen); stop {
			e.setStopReason(reason)
			e.logger.Info("stopping evolution", "reason", reason, "generation", gen)
			break
		}

		if err := e.RunGeneration(ctx, gen); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				e.setStopReason("context cancelled")
				break
			}
			runErr = fmt.Errorf("generation %d: %w", gen, err)
			e.setStopReason("generation error")
			break
		}
	}

	e.transition(StateStopping, StateRunning, StatePaused) //nolint:errcheck

	if _, err := e.Checkpoint(); err != nil {
		e.logger.Warn("final checkpoint failed", "error", err)
	}
	e.pool.Stop()

	report := e.buildReport()
	e.transition(StateFinalized, StateStopping) //nolint:errcheck
	e.logger.Info("evolution finalized", "reason", report.StopReason,
		"generations", report.GenerationsRun, "archiveSize", report.ArchiveSize)
	return report, runErr
}

// RunGeneration executes one full generation cycle.
func (e *Engine) RunGeneration(ctx context.Context, gen int) error {
	e.publish(events.KindGenerationStart, gen, map[string]any{
		"populationSize": e.cfg.Evolution.PopulationSize,
	})

	parents, err := e.selector.SelectParents(
		selection.Method(e.cfg.Evolution.SelectionMethod),
		e.cfg.Evolution.PopulationSize,
		e.cfg.Evolution.RunBaseline,
	)
	if err != nil {
		return fmt.Errorf("select parents: %w", err)
	}

	parentIDs := make([]string, len(parents))
	for i, p := range parents {
		parentIDs[i] = p.Agent.CommitID
	}
	e.publish(events.KindSelectionComplete, gen, map[string]any{
		"parents": parentIDs,
		"method":  e.cfg.Evolution.SelectionMethod,
	})

	entries := e.selector.ChooseSelfImproveEntries(parents, e.cfg.Evolution.PolyglotMode, e.knownInstances)

	if _, err := e.pop.CreateNewGeneration(ctx, entries, gen); err != nil {
		return fmt.Errorf("create generation: %w", err)
	}
	if err := e.pop.WaitForGeneration(ctx, gen); err != nil {
		return err
	}

	admitted := e.updateArchive(ctx, gen)

	// Fold the whole evaluated cohort into the convergence history, not just
	// the admitted survivors: a plateau must count as stagnant even when the
	// admission policy rejects every offspring.
	completed := e.pop.CompletedAgents(gen)
	e.arch.RecordCohortMetrics(gen, completed)

	e.mu.Lock()
	e.lastCompleted = gen
	e.mu.Unlock()

	conv := e.arch.ConvergenceMetrics()
	best, avg := cohortStats(completed)
	e.arch.RecordGeneration(archive.GenerationRecord{
		Generation:      gen,
		BestFitness:     best,
		AvgFitness:      avg,
		DiversityScore:  conv.DiversityScore,
		StagnationCount: conv.StagnationCount,
		Timestamp:       e.now().UTC(),
	})

	if interval := e.cfg.Evolution.CheckpointInterval; interval > 0 && gen%interval == 0 {
		if _, err := e.Checkpoint(); err != nil {
			e.logger.Warn("periodic checkpoint failed", "generation", gen, "error", err)
		}
	}
	if err := e.arch.PersistToDisk(gen); err != nil {
		e.logger.Error("archive persistence failed", "generation", gen, "error", err)
	}

	e.publish(events.KindGenerationComplete, gen, map[string]any{
		"admitted":    admitted,
		"bestFitness": best,
		"avgFitness":  avg,
		"stagnation":  conv.StagnationCount,
	})

	e.pop.TransitionGeneration()
	return nil
}

// updateArchive admits the generation's survivors, optionally gated by
// benchmark validation. Returns the number of admitted agents.
func (e *Engine) updateArchive(ctx context.Context, gen int) int {
	strategy := archive.Strategy(e.cfg.Evolution.ArchiveStrategy)
	admitted := 0
	for _, agent := range e.pop.CompletedAgents(gen) {
		if agent.Status != types.StatusEvaluated {
			continue
		}
		if agent.Fitness != nil {
			if err := e.arch.UpdateAgentFitness(agent.CommitID, agent.Fitness); err != nil && !errors.Is(err, types.ErrNotFound) {
				e.logger.Warn("fitness update failed", "commit", agent.CommitID, "error", err)
			}
		}

		if e.validator != nil && e.cfg.Evolution.ValidateImprovements {
			cmp, err := e.validateImprovement(ctx, agent)
			if err != nil {
				// Validation failure excludes the agent from admission, the
				// run continues.
				e.logger.Warn("improvement validation failed, excluding agent",
					"commit", agent.CommitID, "error", err)
				continue
			}
			if cmp.Verdict == bench.VerdictDegraded {
				e.logger.Info("candidate rejected by benchmark comparison",
					"commit", agent.CommitID, "score", cmp.Score, "perfDeltaPct", cmp.PerfDeltaPct)
				continue
			}
		}

		ok, reason := e.arch.ShouldAdmit(agent, strategy)
		if !ok {
			e.logger.Debug("agent not admitted", "commit", agent.CommitID, "reason", reason)
			continue
		}
		if err := e.arch.Admit(agent); err != nil {
			e.logger.Warn("admission failed", "commit", agent.CommitID, "error", err)
			continue
		}
		admitted++
	}
	return admitted
}

// validateImprovement benchmarks the candidate against its parent. Parent
// series are cached per run.
func (e *Engine) validateImprovement(ctx context.Context, agent *types.Agent) (*bench.Comparison, error) {
	e.mu.Lock()
	baseline := e.baselines[agent.ParentCommitID]
	e.mu.Unlock()

	if baseline == nil {
		var err error
		baseline, err = e.validator.Measure(ctx, agent.ParentCommitID)
		if err != nil {
			return nil, fmt.Errorf("baseline %s: %w", agent.ParentCommitID, err)
		}
		e.mu.Lock()
		e.baselines[agent.ParentCommitID] = baseline
		e.mu.Unlock()
	}

	candidate, err := e.validator.Measure(ctx, agent.CommitID)
	if err != nil {
		return nil, fmt.Errorf("candidate %s: %w", agent.CommitID, err)
	}
	cmp := bench.Compare(baseline, candidate)
	return &cmp, nil
}

// shouldStop evaluates the four stop conditions. Each is independent and
// disabled when its config knob is zero.
func (e *Engine) shouldStop(gen int) (bool, string) {
	e.mu.Lock()
	asked := e.stopAsked
	started := e.startedAt
	e.mu.Unlock()

	if asked {
		return true, "stop requested"
	}
	if max := e.cfg.Evolution.MaxGenerations; max > 0 && gen > max {
		return true, fmt.Sprintf("max generations reached (%d)", max)
	}
	if threshold := e.cfg.Evolution.FitnessThreshold; threshold > 0 {
		if best, err := e.arch.BestAgent(); err == nil && best.Fitness != nil && best.Fitness.Accuracy >= threshold {
			return true, fmt.Sprintf("fitness threshold reached (%.3f >= %.3f)", best.Fitness.Accuracy, threshold)
		}
	}
	if limit := e.cfg.Evolution.MaxStagnationGenerations; limit > 0 {
		if conv := e.arch.ConvergenceMetrics(); conv.StagnationCount >= limit {
			return true, fmt.Sprintf("stagnation limit reached (%d)", conv.StagnationCount)
		}
	}
	if sec := e.cfg.Evolution.TimeLimitSec; sec > 0 && !started.IsZero() {
		if e.now().Sub(started) >= time.Duration(sec)*time.Second {
			return true, "time limit reached"
		}
	}
	return false, ""
}

// Stop requests a cooperative stop. The current generation drains before
// the run finalizes.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopAsked = true
	e.mu.Unlock()
	e.logger.Info("stop requested")
}

// Pause suspends the loop between generations.
func (e *Engine) Pause() error {
	return e.transition(StatePaused, StateRunning)
}

// Resume continues a paused run.
func (e *Engine) Resume() error {
	return e.transition(StateRunning, StatePaused)
}

func (e *Engine) waitWhilePaused(ctx context.Context) error {
	for e.State() == StatePaused {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return ctx.Err()
}

func (e *Engine) setStopReason(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopReason == "" {
		e.stopReason = reason
	}
}

// ImprovementStrategy is the coarse heuristic recommendation derived from
// one agent's failure profile. A nil parent falls back to the archive's
// current best. Coarser than the per-parent self-improve targeting.
func (e *Engine) ImprovementStrategy(parent *types.Agent) string {
	if parent == nil {
		best, err := e.arch.BestAgent()
		if err != nil {
			return "broad-exploration"
		}
		parent = best
	}
	if parent.Fitness == nil {
		return "broad-exploration"
	}
	f := parent.Fitness
	attempted := f.ResolvedCount + f.UnresolvedCount + f.EmptyPatchCount
	if attempted == 0 {
		return "broad-exploration"
	}

	if float64(f.EmptyPatchCount)/float64(attempted) > 0.1 {
		return "reduce-empty-patches"
	}
	if f.ContextLengthExceeded {
		return "manage-context-length"
	}
	if float64(f.UnresolvedCount)/float64(attempted) > 0.5 {
		return "target-unresolved-instances"
	}
	return "broad-exploration"
}

func cohortStats(agents []*types.Agent) (best, avg float64) {
	n := 0
	for _, a := range agents {
		if a.Fitness == nil || a.Status != types.StatusEvaluated {
			continue
		}
		n++
		avg += a.Fitness.Accuracy
		if a.Fitness.Accuracy > best {
			best = a.Fitness.Accuracy
		}
	}
	if n > 0 {
		avg /= float64(n)
	}
	return best, avg
}

func (e *Engine) publish(kind events.Kind, gen int, payload map[string]any) {
	if e.bus != nil {
		e.bus.Publish(kind, gen, payload)
	}
}
