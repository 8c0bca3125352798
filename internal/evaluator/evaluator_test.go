package evaluator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jehmal/darwin/internal/types"
)

// fakeBackend runs a configurable function per task.
type fakeBackend struct {
	run func(ctx context.Context, task types.EvaluationTask) (*types.FitnessScore, error)
}

func (f *fakeBackend) Run(ctx context.Context, task types.EvaluationTask) (*types.FitnessScore, error) {
	return f.run(ctx, task)
}

func TestEvaluateSuccess(t *testing.T) {
	backend := &fakeBackend{
		run: func(ctx context.Context, task types.EvaluationTask) (*types.FitnessScore, error) {
			return &types.FitnessScore{Accuracy: 0.8, CompilationSuccess: true}, nil
		},
	}
	e, err := New(backend, 2, time.Minute, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	score, err := e.Evaluate(context.Background(), types.EvaluationTask{CommitID: "c1"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if score.Accuracy != 0.8 || !score.CompilationSuccess {
		t.Errorf("score = %+v", score)
	}
}

func TestEvaluateTimeoutProducesTerminalFailure(t *testing.T) {
	backend := &fakeBackend{
		run: func(ctx context.Context, task types.EvaluationTask) (*types.FitnessScore, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e, err := New(backend, 1, time.Minute, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	start := time.Now()
	score, err := e.Evaluate(context.Background(), types.EvaluationTask{
		CommitID: "slow",
		Timeout:  50 * time.Millisecond,
	})
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("timeout not enforced, took %v", elapsed)
	}

	if !errors.Is(err, types.ErrEvaluationTimeout) {
		t.Errorf("err = %v, want ErrEvaluationTimeout", err)
	}
	if score == nil || score.CompilationSuccess {
		t.Errorf("score = %+v, want terminal failed score", score)
	}
}

func TestEvaluateBackendFailure(t *testing.T) {
	backend := &fakeBackend{
		run: func(ctx context.Context, task types.EvaluationTask) (*types.FitnessScore, error) {
			return nil, errors.New("harness exploded")
		},
	}
	e, err := New(backend, 1, time.Minute, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	score, err := e.Evaluate(context.Background(), types.EvaluationTask{CommitID: "c1"})
	if !errors.Is(err, types.ErrBackendUnavailable) {
		t.Errorf("err = %v, want ErrBackendUnavailable", err)
	}
	if score == nil || score.CompilationSuccess {
		t.Errorf("score = %+v, want terminal failed score", score)
	}
}

func TestEvaluateBoundsConcurrency(t *testing.T) {
	var active, peak int64
	var mu sync.Mutex

	backend := &fakeBackend{
		run: func(ctx context.Context, task types.EvaluationTask) (*types.FitnessScore, error) {
			cur := atomic.AddInt64(&active, 1)
			mu.Lock()
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return &types.FitnessScore{CompilationSuccess: true}, nil
		},
	}
	e, err := New(backend, 2, time.Minute, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Evaluate(context.Background(), types.EvaluationTask{CommitID: "c"}) //nolint:errcheck
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}
