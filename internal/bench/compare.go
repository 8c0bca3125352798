package bench

import (
	"math"
	"sort"
)

// Verdict is the comparator's overall call on a candidate.
type Verdict string

const (
	VerdictImproved Verdict = "improved"
	VerdictNeutral  Verdict = "neutral"
	VerdictDegraded Verdict = "degraded"
)

// significanceLevel is the p-value cutoff for calling a throughput
// difference real.
const significanceLevel = 0.05

// leakSlopeFraction: a per-run memory growth trend steeper than this
// fraction of the mean is treated as a leak.
const leakSlopeFraction = 0.01

// Comparison is the full statistical comparison of candidate vs baseline.
type Comparison struct {
	Baseline  Aggregate `json:"baseline"`
	Candidate Aggregate `json:"candidate"`

	// Throughput
	PerfDeltaPct    float64 `json:"perfDeltaPct"`
	TStat           float64 `json:"tStat"`
	PValue          float64 `json:"pValue"`
	PerfSignificant bool    `json:"perfSignificant"`

	// Memory
	MemDeltaPct float64 `json:"memDeltaPct"`
	LeakSlope   float64 `json:"leakSlope"`
	MemoryLeak  bool    `json:"memoryLeak"`

	// Reliability
	NewErrorKinds  []string `json:"newErrorKinds,omitempty"`
	ErrorRateDelta float64  `json:"errorRateDelta"`

	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Verdict    Verdict `json:"verdict"`
}

// Compare scores a candidate series against a baseline series. Throughput
// uses Welch's t-test, memory uses a trend regression on the candidate's
// per-run samples, and reliability compares error populations.
func Compare(baseline, candidate *Series) Comparison {
	c := Comparison{
		Baseline:  Summarize(baseline.Ops),
		Candidate: Summarize(candidate.Ops),
	}

	if c.Baseline.Mean != 0 {
		c.PerfDeltaPct = (c.Candidate.Mean - c.Baseline.Mean) / c.Baseline.Mean * 100
	}
	c.TStat, c.PValue = welch(candidate.Ops, baseline.Ops)
	c.PerfSignificant = c.PValue < significanceLevel

	baseMem := Summarize(baseline.Memory)
	candMem := Summarize(candidate.Memory)
	if baseMem.Mean != 0 {
		c.MemDeltaPct = (candMem.Mean - baseMem.Mean) / baseMem.Mean * 100
	}
	c.LeakSlope = slope(candidate.Memory)
	c.MemoryLeak = candMem.Mean > 0 && c.LeakSlope > leakSlopeFraction*candMem.Mean

	c.NewErrorKinds = newKinds(baseline.ErrorKinds, candidate.ErrorKinds)
	c.ErrorRateDelta = candidate.ErrorRate - baseline.ErrorRate

	c.Score = score(&c)
	c.Confidence = confidence(&c, len(candidate.Ops))
	c.Verdict = verdict(c.Score)
	return c
}

// score folds the three dimensions into one signed number. Throughput gains
// count at full weight only when statistically significant; memory growth
// counts double when the trend looks like a leak; any reliability
// regression dominates.
func score(c *Comparison) float64 {
	perfWeight := 0.5
	if c.PerfSignificant {
		perfWeight = 1.0
	}
	memWeight := 1.0
	if c.MemoryLeak {
		memWeight = 2.0
	}
	reliability := c.ErrorRateDelta*100 + 5*float64(len(c.NewErrorKinds))

	return perfWeight*c.PerfDeltaPct - memWeight*c.MemDeltaPct - 10*reliability
}

const verdictBand = 5.0

func verdict(score float64) Verdict {
	switch {
	case score >= verdictBand:
		return VerdictImproved
	case score <= -verdictBand:
		return VerdictDegraded
	default:
		return VerdictNeutral
	}
}

// confidence discounts the statistical evidence by sample size and by how
// noisy the two series are.
func confidence(c *Comparison, n int) float64 {
	base := 1 - c.PValue
	sizeFactor := float64(n) / (float64(n) + 5)

	noise := 0.0
	if c.Baseline.Mean != 0 {
		noise += c.Baseline.StdDev / math.Abs(c.Baseline.Mean)
	}
	if c.Candidate.Mean != 0 {
		noise += c.Candidate.StdDev / math.Abs(c.Candidate.Mean)
	}
	conf := base * sizeFactor / (1 + noise)
	return math.Max(0, math.Min(1, conf))
}

// welch computes Welch's two-sample t statistic and a two-sided p-value.
// The p-value uses the normal approximation to the t distribution, which
// is within a few percent for the df this protocol produces.
func welch(a, b []float64) (tStat, pValue float64) {
	n1, n2 := float64(len(a)), float64(len(b))
	if n1 < 2 || n2 < 2 {
		return 0, 1
	}
	m1, m2 := mean(a), mean(b)
	v1 := stddev(a) * stddev(a)
	v2 := stddev(b) * stddev(b)

	se := math.Sqrt(v1/n1 + v2/n2)
	if se == 0 {
		if m1 == m2 {
			return 0, 1
		}
		return math.Inf(int(math.Copysign(1, m1-m2))), 0
	}
	tStat = (m1 - m2) / se

	// Welch-Satterthwaite degrees of freedom
	num := (v1/n1 + v2/n2) * (v1/n1 + v2/n2)
	den := (v1*v1)/(n1*n1*(n1-1)) + (v2*v2)/(n2*n2*(n2-1))
	df := num / den

	// Normal approximation to the t CDF
	t := math.Abs(tStat)
	z := t * (1 - 1/(4*df)) / math.Sqrt(1+t*t/(2*df))
	pValue = 2 * (1 - phi(z))
	return tStat, pValue
}

// phi is the standard normal CDF.
func phi(z float64) float64 {
	return 0.5 * (1 + math.Erf(z/math.Sqrt2))
}

// newKinds returns error identifiers observed in the candidate but never in
// the baseline, sorted for stable reporting.
func newKinds(base, cand map[string]int) []string {
	var out []string
	for kind := range cand {
		if _, ok := base[kind]; !ok {
			out = append(out, kind)
		}
	}
	sort.Strings(out)
	return out
}
