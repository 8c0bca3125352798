package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jehmal/darwin/internal/archive"
	"github.com/jehmal/darwin/internal/config"
	"github.com/jehmal/darwin/internal/types"
)

const checkpointDirName = "checkpoints"

// CheckpointData is the full recoverable state of a run.
type CheckpointData struct {
	Version    int              `json:"version"`
	Generation int              `json:"generation"`
	Archive    archive.Snapshot `json:"archive"`
	Config     *config.Config   `json:"config"`
	StopReason string           `json:"stopReason,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Checkpoint writes the current run state atomically and returns the
// checkpoint file name. Write goes to a temp file first so a crash mid-write
// never corrupts an existing checkpoint.
func (e *Engine) Checkpoint() (string, error) {
	dir := filepath.Join(e.cfg.Run.DataDir, checkpointDirName)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}

	// Record the last completed generation: the population counter may
	// already point at the next unrun one, and recovery resumes one past
	// whatever is recorded here.
	e.mu.Lock()
	gen := e.lastCompleted
	reason := e.stopReason
	e.mu.Unlock()

	data := CheckpointData{
		Version:    1,
		Generation: gen,
		Archive:    e.arch.Export(),
		Config:     e.cfg,
		StopReason: reason,
		Timestamp:  e.now().UTC(),
	}

	name := fmt.Sprintf("checkpoint-%06d-%s.json", gen, data.Timestamp.Format("20060102T150405Z"))
	path := filepath.Join(dir, name)

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0640); err != nil {
		return "", fmt.Errorf("%w: write checkpoint: %v", types.ErrPersistence, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return "", fmt.Errorf("%w: finalize checkpoint: %v", types.ErrPersistence, err)
	}

	e.logger.Info("checkpoint written", "name", name, "generation", gen, "agents", len(data.Archive.Agents))
	return name, nil
}

// Recover restores engine state from a named checkpoint. The archive is
// replaced wholesale and the generation counter resumes after the
// checkpointed generation.
func (e *Engine) Recover(name string) error {
	path := filepath.Join(e.cfg.Run.DataDir, checkpointDirName, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("checkpoint %q: %w", name, types.ErrNotFound)
		}
		return fmt.Errorf("read checkpoint %q: %w", name, err)
	}

	var data CheckpointData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse checkpoint %q: %w", name, err)
	}
	if data.Version != 1 {
		return fmt.Errorf("checkpoint %q: unsupported version %d", name, data.Version)
	}

	e.arch.Restore(data.Archive)
	e.pop.SetGeneration(data.Generation + 1)
	e.mu.Lock()
	e.lastCompleted = data.Generation
	e.mu.Unlock()

	e.logger.Info("recovered from checkpoint",
		"name", name, "generation", data.Generation, "agents", len(data.Archive.Agents))
	return nil
}

// LatestCheckpoint returns the most recent checkpoint file name, or
// ErrNotFound when none exist. Names sort lexically by generation then
// timestamp.
func (e *Engine) LatestCheckpoint() (string, error) {
	dir := filepath.Join(e.cfg.Run.DataDir, checkpointDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", types.ErrNotFound
		}
		return "", fmt.Errorf("list checkpoints: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, "checkpoint-") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", types.ErrNotFound
	}
	sort.Strings(names)
	return names[len(names)-1], nil
}
