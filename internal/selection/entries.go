package selection

import (
	"github.com/jehmal/darwin/internal/types"
)

// rollProbability gates each step of the standard-mode improvement chain.
// A parent whose rolls all miss contributes no entry this cycle; that gap is
// intentional throttling, not an error.
const rollProbability = 0.25

// emptyPatchRatioThreshold is the share of known instances that must be
// empty-patch failures before the empty-patches entry can fire.
const emptyPatchRatioThreshold = 0.10

// Entry pairs a parent with the weakness its offspring should target.
type Entry struct {
	ParentCommitID string            `json:"parentCommitId"`
	Improve        types.SelfImprove `json:"improve"`
}

// ChooseSelfImproveEntries decides, per parent, what the offspring attempt
// should fix.
//
// Polyglot mode draws uniformly from the parent's empty-patch and unresolved
// instance ids, falling back to the full known-instance pool when both are
// empty. Standard mode walks a first-match chain where every step is gated
// by an independent 25% roll:
//
//  1. empty-patch failures cover ≥10% of known instances → empty_patches
//  2. otherwise → stochasticity
//  3. fitness flags context-length overruns → context_length
//  4. one random unresolved instance
func (s *Selector) ChooseSelfImproveEntries(parents []Selection, polyglotMode bool, knownInstances []string) []Entry {
	var entries []Entry
	for _, sel := range parents {
		parent := sel.Agent
		if parent == nil || parent.Fitness == nil {
			continue
		}

		var improve *types.SelfImprove
		if polyglotMode {
			improve = s.polyglotEntry(parent.Fitness, knownInstances)
		} else {
			improve = s.standardEntry(parent.Fitness, knownInstances)
		}
		if improve == nil {
			s.logger.Debug("no self-improve entry this cycle", "parent", parent.CommitID)
			continue
		}

		entries = append(entries, Entry{
			ParentCommitID: parent.CommitID,
			Improve:        *improve,
		})
	}
	return entries
}

func (s *Selector) polyglotEntry(f *types.FitnessScore, knownInstances []string) *types.SelfImprove {
	pool := make([]string, 0, len(f.EmptyPatchIDs)+len(f.UnresolvedIDs))
	seen := make(map[string]struct{})
	for _, id := range f.EmptyPatchIDs {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			pool = append(pool, id)
		}
	}
	for _, id := range f.UnresolvedIDs {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			pool = append(pool, id)
		}
	}
	if len(pool) == 0 {
		pool = knownInstances
	}
	if len(pool) == 0 {
		return nil
	}
	return &types.SelfImprove{
		Kind:       types.ImproveInstance,
		InstanceID: pool[s.rng.Intn(len(pool))],
	}
}

func (s *Selector) standardEntry(f *types.FitnessScore, knownInstances []string) *types.SelfImprove {
	total := len(knownInstances)

	if s.rng.Float64() < rollProbability && total > 0 &&
		float64(f.EmptyPatchCount)/float64(total) >= emptyPatchRatioThreshold {
		return &types.SelfImprove{Kind: types.ImproveEmptyPatches}
	}
	if s.rng.Float64() < rollProbability {
		return &types.SelfImprove{Kind: types.ImproveStochasticity}
	}
	if s.rng.Float64() < rollProbability && f.ContextLengthExceeded {
		return &types.SelfImprove{Kind: types.ImproveContextLength}
	}
	if s.rng.Float64() < rollProbability && len(f.UnresolvedIDs) > 0 {
		return &types.SelfImprove{
			Kind:       types.ImproveInstance,
			InstanceID: f.UnresolvedIDs[s.rng.Intn(len(f.UnresolvedIDs))],
		}
	}
	return nil
}
