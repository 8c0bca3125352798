package engine

import (
	"time"

	"github.com/jehmal/darwin/internal/archive"
	"github.com/jehmal/darwin/internal/types"
)

// Report is the run summary produced at finalization, also emitted when the
// run is stopped early.
type Report struct {
	RunID          string              `json:"runId,omitempty"`
	StartedAt      time.Time           `json:"startedAt"`
	FinishedAt     time.Time           `json:"finishedAt"`
	GenerationsRun int                 `json:"generationsRun"`
	ArchiveSize    int                 `json:"archiveSize"`
	Best           *types.Agent        `json:"best,omitempty"`
	Convergence    archive.Convergence `json:"convergence"`
	StopReason     string              `json:"stopReason"`
	// Strategy is the recommended focus for a follow-up run
	Strategy string `json:"strategy"`
}

func (e *Engine) buildReport() *Report {
	e.mu.Lock()
	started := e.startedAt
	reason := e.stopReason
	e.mu.Unlock()

	r := &Report{
		RunID:          e.cfg.Run.ID,
		StartedAt:      started,
		FinishedAt:     e.now().UTC(),
		GenerationsRun: e.pop.Generation() - 1,
		ArchiveSize:    e.arch.Size(),
		Convergence:    e.arch.ConvergenceMetrics(),
		StopReason:     reason,
		Strategy:       e.ImprovementStrategy(nil),
	}
	if best, err := e.arch.BestAgent(); err == nil {
		r.Best = best
	}
	if r.GenerationsRun < 0 {
		r.GenerationsRun = 0
	}
	if r.StopReason == "" {
		r.StopReason = "completed"
	}
	return r
}
