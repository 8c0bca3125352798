package archive

import (
	"context"
	"time"

	"github.com/jehmal/darwin/internal/types"
)

// GenerationRecord summarizes one completed generation for observers.
type GenerationRecord struct {
	Generation      int       `json:"generation"`
	BestFitness     float64   `json:"bestFitness"`
	AvgFitness      float64   `json:"avgFitness"`
	DiversityScore  float64   `json:"diversityScore"`
	StagnationCount int       `json:"stagnationCount"`
	Timestamp       time.Time `json:"timestamp"`
}

// Mirror is an optional external copy of archive state used only for
// observability. It is best-effort cache, never authoritative: every error
// is logged and swallowed, and recovery never reads from it.
type Mirror interface {
	UpsertAgent(ctx context.Context, agent *types.Agent) error
	RecordGeneration(ctx context.Context, rec GenerationRecord) error
	Close() error
}

// NoopMirror is the default Mirror.
type NoopMirror struct{}

func (NoopMirror) UpsertAgent(context.Context, *types.Agent) error          { return nil }
func (NoopMirror) RecordGeneration(context.Context, GenerationRecord) error { return nil }
func (NoopMirror) Close() error                                             { return nil }

// mirrorAgent pushes one agent to the mirror, best-effort.
func (m *Manager) mirrorAgent(agent *types.Agent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.mirror.UpsertAgent(ctx, agent); err != nil {
		m.logger.Warn("mirror upsert failed", "commit", agent.CommitID, "error", err)
	}
}

// RecordGeneration pushes a generation summary to the mirror, best-effort.
func (m *Manager) RecordGeneration(rec GenerationRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.mirror.RecordGeneration(ctx, rec); err != nil {
		m.logger.Warn("mirror generation record failed", "generation", rec.Generation, "error", err)
	}
}
