// Package bench validates that a candidate variant is a genuine improvement
// over the agent it would replace, using a repeated-run benchmark protocol
// and statistical comparison rather than a single noisy measurement.
package bench

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sample is one benchmark pass's measurements for a commit.
type Sample struct {
	OpsPerSec   float64       `json:"opsPerSec"`
	MemoryBytes float64       `json:"memoryBytes"`
	Errors      []string      `json:"errors,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Runner executes a single benchmark pass against a commit. The protocol
// is agnostic to what the benchmark actually exercises.
type Runner interface {
	RunOnce(ctx context.Context, commitID string) (Sample, error)
}

// Series is the measured samples for one commit, warmups excluded.
type Series struct {
	CommitID string    `json:"commitId"`
	Ops      []float64 `json:"ops"`
	Memory   []float64 `json:"memory"`
	// ErrorKinds counts each distinct error identifier across runs
	ErrorKinds map[string]int `json:"errorKinds,omitempty"`
	ErrorRate  float64        `json:"errorRate"`
}

// Validator drives the repeated-run protocol.
type Validator struct {
	runner Runner
	runs   int
	warmup int
	logger *slog.Logger
}

// NewValidator creates a validator. runs must be at least 2 so variance is
// defined; warmup passes are executed but discarded.
func NewValidator(runner Runner, runs, warmup int, logger *slog.Logger) (*Validator, error) {
	if runner == nil {
		return nil, fmt.Errorf("bench: runner is required")
	}
	if runs < 2 {
		return nil, fmt.Errorf("bench: need at least 2 measured runs, got %d", runs)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		runner: runner,
		runs:   runs,
		warmup: warmup,
		logger: logger.With("component", "bench"),
	}, nil
}

// Measure runs the full protocol for one commit: warmups first, then the
// measured passes. A failed pass counts toward the error rate but still
// contributes its partial measurements when present.
func (v *Validator) Measure(ctx context.Context, commitID string) (*Series, error) {
	for i := 0; i < v.warmup; i++ {
		if _, err := v.runner.RunOnce(ctx, commitID); err != nil {
			v.logger.Debug("warmup pass failed", "commit", commitID, "pass", i, "error", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("bench %s: %w", commitID, err)
		}
	}

	series := &Series{
		CommitID:   commitID,
		ErrorKinds: make(map[string]int),
	}
	failed := 0
	for i := 0; i < v.runs; i++ {
		sample, err := v.runner.RunOnce(ctx, commitID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("bench %s: %w", commitID, ctx.Err())
			}
			failed++
			series.ErrorKinds[err.Error()]++
			continue
		}
		series.Ops = append(series.Ops, sample.OpsPerSec)
		series.Memory = append(series.Memory, sample.MemoryBytes)
		for _, kind := range sample.Errors {
			series.ErrorKinds[kind]++
		}
	}
	series.ErrorRate = float64(failed) / float64(v.runs)

	if len(series.Ops) < 2 {
		return nil, fmt.Errorf("bench %s: only %d of %d passes produced measurements",
			commitID, len(series.Ops), v.runs)
	}

	v.logger.Info("benchmark series complete",
		"commit", commitID, "runs", v.runs, "failed", failed,
		"opsMean", mean(series.Ops))
	return series, nil
}
