package population

import "github.com/jehmal/darwin/internal/types"

// Health summarizes the active generation for operators and the engine's
// improvement heuristics.
type Health struct {
	Generation      int      `json:"generation"`
	Total           int      `json:"total"`
	Pending         int      `json:"pending"`
	Failed          int      `json:"failed"`
	Evaluated       int      `json:"evaluated"`
	FailureRate     float64  `json:"failureRate"`
	ParentDiversity float64  `json:"parentDiversity"`
	Flags           []string `json:"flags,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

const (
	lowDiversityFloor = 0.30
	highFailureCeil   = 0.50
)

// Health reports on the active generation. Diversity is the fraction of
// distinct parents among dispatched offspring; a population descended from
// one or two parents is flagged even before evaluation finishes.
func (m *Manager) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := Health{Generation: m.generation}
	state, ok := m.generations[m.generation]
	if !ok {
		return h
	}

	parents := make(map[string]struct{})
	for _, id := range state.order {
		agent := state.agents[id]
		h.Total++
		if agent.ParentCommitID != "" {
			parents[agent.ParentCommitID] = struct{}{}
		}
		switch {
		case !agent.Status.Terminal():
			h.Pending++
		case agent.Status == types.StatusFailed:
			h.Failed++
		default:
			h.Evaluated++
		}
	}
	if h.Total == 0 {
		return h
	}

	h.ParentDiversity = float64(len(parents)) / float64(h.Total)
	completed := h.Total - h.Pending
	if completed > 0 {
		h.FailureRate = float64(h.Failed) / float64(completed)
	}

	if h.ParentDiversity < lowDiversityFloor {
		h.Flags = append(h.Flags, "low-diversity")
		h.Recommendations = append(h.Recommendations,
			"switch selection method to score_child_prop or diverse archive admission")
	}
	if completed > 0 && h.FailureRate > highFailureCeil {
		h.Flags = append(h.Flags, "high-failure-rate")
		h.Recommendations = append(h.Recommendations,
			"inspect mutation backend logs; consider reducing parallel evaluations")
	}
	return h
}
