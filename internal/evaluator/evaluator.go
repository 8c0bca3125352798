// Package evaluator runs benchmark evaluations against candidate agents
// with bounded concurrency. A timeout or backend failure always produces a
// terminal failed result, never a stuck pending agent, so a generation can
// always complete.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jehmal/darwin/internal/types"
)

// Backend executes one evaluation task. EvaluationType is opaque to the
// core; the backend names and interprets benchmark suites.
type Backend interface {
	Run(ctx context.Context, task types.EvaluationTask) (*types.FitnessScore, error)
}

// Evaluator bounds concurrent evaluations and normalizes failures.
type Evaluator struct {
	backend        Backend
	sem            *semaphore.Weighted
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// New creates an evaluator allowing parallel concurrent evaluations.
func New(backend Backend, parallel int, defaultTimeout time.Duration, logger *slog.Logger) (*Evaluator, error) {
	if backend == nil {
		return nil, fmt.Errorf("evaluator: backend is required")
	}
	if parallel <= 0 {
		return nil, fmt.Errorf("evaluator: parallel must be positive, got %d: %w", parallel, types.ErrInvalidConfig)
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		backend:        backend,
		sem:            semaphore.NewWeighted(int64(parallel)),
		defaultTimeout: defaultTimeout,
		logger:         logger.With("component", "evaluator"),
	}, nil
}

// Evaluate runs one task under its timeout. The returned score is always
// terminal: on timeout or backend failure it carries
// CompilationSuccess=false, and the error describes why for the caller's
// status bookkeeping. Excess tasks queue on the semaphore.
func (e *Evaluator) Evaluate(ctx context.Context, task types.EvaluationTask) (*types.FitnessScore, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return failedScore(), fmt.Errorf("evaluate %s: %w", task.CommitID, err)
	}
	defer e.sem.Release(1)

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	score, err := e.backend.Run(runCtx, task)
	elapsed := time.Since(start)

	switch {
	case err == nil && score != nil:
		e.logger.Info("evaluation complete",
			"commit", task.CommitID,
			"suite", task.EvaluationType,
			"accuracy", score.Accuracy,
			"elapsed", elapsed,
		)
		return score, nil

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded):
		e.logger.Warn("evaluation timed out",
			"commit", task.CommitID,
			"suite", task.EvaluationType,
			"timeout", timeout,
		)
		return failedScore(), fmt.Errorf("evaluate %s: %w", task.CommitID, types.ErrEvaluationTimeout)

	default:
		if err == nil {
			err = fmt.Errorf("backend returned no score")
		}
		e.logger.Warn("evaluation failed",
			"commit", task.CommitID,
			"suite", task.EvaluationType,
			"error", err,
		)
		return failedScore(), fmt.Errorf("evaluate %s: %w: %v", task.CommitID, types.ErrBackendUnavailable, err)
	}
}

// failedScore is the terminal result for a failed or timed-out evaluation.
func failedScore() *types.FitnessScore {
	return &types.FitnessScore{CompilationSuccess: false}
}
