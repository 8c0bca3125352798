package archive

import (
	"fmt"
	"math"

	"github.com/jehmal/darwin/internal/types"
)

// Strategy selects the archive admission policy.
type Strategy string

const (
	// StrategyAll admits any compiled, evaluated offspring.
	StrategyAll Strategy = "all"
	// StrategyBest admits only offspring above the archive's current
	// average fitness.
	StrategyBest Strategy = "best"
	// StrategyDiverse rejects offspring when three or more archived members
	// already sit within a 0.05 fitness band of it.
	StrategyDiverse Strategy = "diverse"
)

// diverseBand is the accuracy band used by StrategyDiverse.
const diverseBand = 0.05

// ValidStrategy reports whether s names a known admission strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyAll, StrategyBest, StrategyDiverse:
		return true
	}
	return false
}

// ShouldAdmit applies the admission policy to a completed offspring. It does
// not mutate the archive; callers that get true follow up with Admit.
func (m *Manager) ShouldAdmit(agent *types.Agent, strategy Strategy) (bool, string) {
	if agent.Fitness == nil || agent.Status != types.StatusEvaluated {
		return false, "not evaluated"
	}
	if !agent.Fitness.CompilationSuccess {
		return false, "compilation failed"
	}

	switch strategy {
	case StrategyAll, "":
		return true, "admit all"

	case StrategyBest:
		avg, n := m.archivedAverage()
		if n == 0 || agent.Fitness.Accuracy > avg {
			return true, fmt.Sprintf("above archive average %.4f", avg)
		}
		return false, fmt.Sprintf("at or below archive average %.4f", avg)

	case StrategyDiverse:
		within := m.countWithinBand(agent.Fitness.Accuracy)
		if within >= 3 {
			return false, fmt.Sprintf("%d members within %.2f fitness band", within, diverseBand)
		}
		return true, "fitness band open"
	}

	return false, fmt.Sprintf("unknown strategy %q", strategy)
}

// Admit marks the agent archived and inserts it into the permanent archive.
// Admission is keyed by commit id and idempotent, so at-least-once completion
// delivery cannot duplicate archive entries.
func (m *Manager) Admit(agent *types.Agent) error {
	admitted := agent.Clone()
	admitted.Status = types.StatusArchived
	return m.AddAgent(admitted)
}

func (m *Manager) archivedAverage() (float64, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum float64
	var n int
	for _, id := range m.order {
		a := m.agents[id]
		if a.Status == types.StatusArchived && a.Fitness != nil {
			sum += a.Fitness.Accuracy
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}

func (m *Manager) countWithinBand(accuracy float64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, id := range m.order {
		a := m.agents[id]
		if a.Status == types.StatusArchived && a.Fitness != nil &&
			math.Abs(a.Fitness.Accuracy-accuracy) <= diverseBand {
			count++
		}
	}
	return count
}
