// Package selection chooses which archived agents seed the next generation
// and what each chosen parent should attempt to fix.
package selection

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"github.com/jehmal/darwin/internal/types"
)

// Method names a parent-selection algorithm.
type Method string

const (
	// MethodRandom samples uniformly with replacement.
	MethodRandom Method = "random"
	// MethodScoreProp samples proportionally to sigmoid-transformed accuracy.
	MethodScoreProp Method = "score_prop"
	// MethodScoreChildProp adds a fecundity penalty of 1/(1+children) to
	// score_prop, explicit exploration pressure against overexploited lineages.
	MethodScoreChildProp Method = "score_child_prop"
	// MethodBest takes the top-k by accuracy, deterministic.
	MethodBest Method = "best"
)

// BaselineNoDarwin disables evolutionary selection: the single most recently
// archived eligible agent is always the parent.
const BaselineNoDarwin = "no_darwin"

// ValidMethod reports whether m names a known selection method.
func ValidMethod(m Method) bool {
	switch m {
	case MethodRandom, MethodScoreProp, MethodScoreChildProp, MethodBest:
		return true
	}
	return false
}

// Archive is the selector's read-only view of the archive.
type Archive interface {
	EligibleParents() []*types.Agent
	LatestArchived() (*types.Agent, error)
}

// Selection is one chosen parent with its audit trail.
type Selection struct {
	Agent           *types.Agent
	SelectionScore  float64
	SelectionMethod Method
	// CandidateScores maps every candidate commit id to its normalized
	// selection probability at pick time.
	CandidateScores map[string]float64
}

// Selector implements the selection methods over an archive view. The random
// source is injected so tests and replays stay deterministic.
type Selector struct {
	arch   Archive
	rng    *rand.Rand
	logger *slog.Logger
}

// NewSelector creates a selector. rng is required.
func NewSelector(arch Archive, rng *rand.Rand, logger *slog.Logger) (*Selector, error) {
	if rng == nil {
		return nil, fmt.Errorf("selection: random source is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		arch:   arch,
		rng:    rng,
		logger: logger.With("component", "selection"),
	}, nil
}

// SelectParents chooses count parents using the given method. When
// runBaseline is "no_darwin" the method is ignored and the most recently
// archived eligible agent is returned alone.
func (s *Selector) SelectParents(method Method, count int, runBaseline string) ([]Selection, error) {
	if runBaseline == BaselineNoDarwin {
		latest, err := s.arch.LatestArchived()
		if err != nil {
			return nil, fmt.Errorf("no_darwin baseline: %w", err)
		}
		return []Selection{{
			Agent:           latest,
			SelectionScore:  1,
			SelectionMethod: method,
			CandidateScores: map[string]float64{latest.CommitID: 1},
		}}, nil
	}

	if count <= 0 {
		return nil, fmt.Errorf("selection: count must be positive, got %d", count)
	}
	candidates := s.arch.EligibleParents()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("selection: no eligible parents: %w", types.ErrNotFound)
	}

	switch method {
	case MethodBest:
		return s.selectBest(candidates, count), nil
	case MethodRandom:
		return s.sample(candidates, uniformWeights(candidates), count, method), nil
	case MethodScoreProp:
		return s.sample(candidates, sigmoidWeights(candidates, false), count, method), nil
	case MethodScoreChildProp:
		return s.sample(candidates, sigmoidWeights(candidates, true), count, method), nil
	}
	return nil, fmt.Errorf("selection: unknown method %q: %w", method, types.ErrInvalidConfig)
}

// sigmoid squashes raw accuracy so mid-range differences dominate selection
// pressure: 1/(1+e^(-10(x-0.5))).
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-10*(x-0.5)))
}

func uniformWeights(candidates []*types.Agent) []float64 {
	w := make([]float64, len(candidates))
	for i := range w {
		w[i] = 1
	}
	return w
}

func sigmoidWeights(candidates []*types.Agent, childPenalty bool) []float64 {
	w := make([]float64, len(candidates))
	for i, c := range candidates {
		score := sigmoid(c.Fitness.Accuracy)
		if childPenalty {
			score /= 1 + float64(c.Metadata.ChildrenCount)
		}
		w[i] = score
	}
	return w
}

// sample draws count candidates with replacement from the normalized weight
// distribution.
func (s *Selector) sample(candidates []*types.Agent, weights []float64, count int, method Method) []Selection {
	var total float64
	for _, w := range weights {
		total += w
	}

	probs := make([]float64, len(weights))
	scores := make(map[string]float64, len(candidates))
	for i, w := range weights {
		if total > 0 {
			probs[i] = w / total
		} else {
			probs[i] = 1 / float64(len(weights))
		}
		scores[candidates[i].CommitID] = probs[i]
	}

	out := make([]Selection, 0, count)
	for range count {
		idx := s.pick(probs)
		out = append(out, Selection{
			Agent:           candidates[idx].Clone(),
			SelectionScore:  probs[idx],
			SelectionMethod: method,
			CandidateScores: scores,
		})
	}
	return out
}

func (s *Selector) pick(probs []float64) int {
	r := s.rng.Float64()
	var cum float64
	for i, p := range probs {
		cum += p
		if r < cum {
			return i
		}
	}
	return len(probs) - 1
}

// selectBest takes the top count by accuracy descending, breaking ties by
// insertion order. When fewer candidates exist than count, the top slice is
// resampled round-robin so exactly count parents are always returned.
func (s *Selector) selectBest(candidates []*types.Agent, count int) []Selection {
	ranked := make([]*types.Agent, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Fitness.Accuracy > ranked[j].Fitness.Accuracy
	})

	top := ranked
	if count < len(ranked) {
		top = ranked[:count]
	}

	scores := make(map[string]float64, len(top))
	for _, c := range top {
		scores[c.CommitID] = c.Fitness.Accuracy
	}

	out := make([]Selection, 0, count)
	for i := range count {
		c := top[i%len(top)]
		out = append(out, Selection{
			Agent:           c.Clone(),
			SelectionScore:  c.Fitness.Accuracy,
			SelectionMethod: MethodBest,
			CandidateScores: scores,
		})
	}
	return out
}
