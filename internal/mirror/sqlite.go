// Package mirror provides a SQLite-backed observability mirror of the
// archive. The mirror is best-effort: the in-process archive plus its
// append-only log remain the authoritative state.
package mirror

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/jehmal/darwin/internal/archive"
	"github.com/jehmal/darwin/internal/types"
)

// Store implements archive.Mirror on a local SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the mirror database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("mirror: open db: %w", err)
	}

	// WAL mode for better concurrency with external readers.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("mirror: wal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mirror: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			commit_id        TEXT PRIMARY KEY,
			parent_commit_id TEXT NOT NULL DEFAULT '',
			generation       INTEGER NOT NULL,
			status           TEXT NOT NULL,
			accuracy         REAL,
			resolved         INTEGER,
			unresolved       INTEGER,
			empty_patches    INTEGER,
			compiled         INTEGER,
			children         INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			evaluated_at     TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS generations (
			generation  INTEGER PRIMARY KEY,
			best        REAL NOT NULL,
			avg         REAL NOT NULL,
			diversity   REAL NOT NULL,
			stagnation  INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_generation ON agents(generation)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertAgent implements archive.Mirror.
func (s *Store) UpsertAgent(ctx context.Context, agent *types.Agent) error {
	var accuracy, resolved, unresolved, emptyPatches, compiled any
	if f := agent.Fitness; f != nil {
		accuracy = f.Accuracy
		resolved = f.ResolvedCount
		unresolved = f.UnresolvedCount
		emptyPatches = f.EmptyPatchCount
		compiled = f.CompilationSuccess
	}

	var evaluatedAt any
	if !agent.EvaluatedAt.IsZero() {
		evaluatedAt = agent.EvaluatedAt.UTC().Format("2006-01-02T15:04:05Z")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (commit_id, parent_commit_id, generation, status,
			accuracy, resolved, unresolved, empty_patches, compiled,
			children, created_at, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(commit_id) DO UPDATE SET
			status        = excluded.status,
			accuracy      = excluded.accuracy,
			resolved      = excluded.resolved,
			unresolved    = excluded.unresolved,
			empty_patches = excluded.empty_patches,
			compiled      = excluded.compiled,
			children      = excluded.children,
			evaluated_at  = excluded.evaluated_at`,
		agent.CommitID, agent.ParentCommitID, agent.Generation, string(agent.Status),
		accuracy, resolved, unresolved, emptyPatches, compiled,
		agent.Metadata.ChildrenCount,
		agent.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), evaluatedAt,
	)
	return err
}

// RecordGeneration implements archive.Mirror.
func (s *Store) RecordGeneration(ctx context.Context, rec archive.GenerationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generations (generation, best, avg, diversity, stagnation, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(generation) DO UPDATE SET
			best        = excluded.best,
			avg         = excluded.avg,
			diversity   = excluded.diversity,
			stagnation  = excluded.stagnation,
			recorded_at = excluded.recorded_at`,
		rec.Generation, rec.BestFitness, rec.AvgFitness,
		rec.DiversityScore, rec.StagnationCount,
		rec.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
	)
	return err
}

// AgentCount returns the number of mirrored agents, for health checks.
func (s *Store) AgentCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n)
	return n, err
}

// Close implements archive.Mirror.
func (s *Store) Close() error {
	return s.db.Close()
}
