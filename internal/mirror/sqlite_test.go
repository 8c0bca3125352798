package mirror

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jehmal/darwin/internal/archive"
	"github.com/jehmal/darwin/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAgentInsertAndUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := &types.Agent{
		ID:             "c1",
		CommitID:       "c1",
		ParentCommitID: "initial",
		Generation:     1,
		Status:         types.StatusEvaluating,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("insert: %v", err)
	}

	n, err := s.AgentCount(ctx)
	if err != nil {
		t.Fatalf("AgentCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	// Re-upserting the same commit updates in place instead of duplicating.
	agent.Status = types.StatusArchived
	agent.Fitness = &types.FitnessScore{
		Accuracy:           0.75,
		ResolvedCount:      3,
		UnresolvedCount:    1,
		CompilationSuccess: true,
	}
	agent.EvaluatedAt = time.Now().UTC()
	if err := s.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("update: %v", err)
	}

	n, err = s.AgentCount(ctx)
	if err != nil {
		t.Fatalf("AgentCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("count after update = %d, want 1", n)
	}

	var status string
	var accuracy float64
	err = s.db.QueryRowContext(ctx,
		`SELECT status, accuracy FROM agents WHERE commit_id = ?`, "c1").Scan(&status, &accuracy)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if status != string(types.StatusArchived) {
		t.Errorf("status = %q, want archived", status)
	}
	if accuracy != 0.75 {
		t.Errorf("accuracy = %v, want 0.75", accuracy)
	}
}

func TestUpsertAgentWithoutFitness(t *testing.T) {
	s := openTestStore(t)

	agent := &types.Agent{
		ID:         "c2",
		CommitID:   "c2",
		Generation: 1,
		Status:     types.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.UpsertAgent(context.Background(), agent); err != nil {
		t.Fatalf("insert without fitness: %v", err)
	}

	var accuracy *float64
	err := s.db.QueryRow(`SELECT accuracy FROM agents WHERE commit_id = ?`, "c2").Scan(&accuracy)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if accuracy != nil {
		t.Errorf("accuracy = %v, want NULL", *accuracy)
	}
}

func TestRecordGeneration(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := archive.GenerationRecord{
		Generation:      2,
		BestFitness:     0.8,
		AvgFitness:      0.6,
		DiversityScore:  0.5,
		StagnationCount: 1,
		Timestamp:       time.Now().UTC(),
	}
	if err := s.RecordGeneration(ctx, rec); err != nil {
		t.Fatalf("RecordGeneration: %v", err)
	}

	// Replaying the same generation overwrites the row.
	rec.BestFitness = 0.85
	if err := s.RecordGeneration(ctx, rec); err != nil {
		t.Fatalf("replay: %v", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM generations`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("generation rows = %d, want 1", count)
	}
	var best float64
	if err := s.db.QueryRow(`SELECT best FROM generations WHERE generation = 2`).Scan(&best); err != nil {
		t.Fatalf("query best: %v", err)
	}
	if best != 0.85 {
		t.Errorf("best = %v, want 0.85", best)
	}
}

func TestStoreSatisfiesMirror(t *testing.T) {
	var _ archive.Mirror = openTestStore(t)
}
