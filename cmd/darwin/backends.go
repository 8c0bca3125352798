package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/jehmal/darwin/internal/bench"
	"github.com/jehmal/darwin/internal/types"
)

// ScriptMutator shells out to the configured mutate command. The command
// receives the parent commit and the improvement target as arguments plus
// DARWIN_* environment variables, and prints the new commit id on stdout.
type ScriptMutator struct {
	command string
	workDir string
	logger  *slog.Logger
}

func NewScriptMutator(command, workDir string, logger *slog.Logger) (*ScriptMutator, error) {
	if command == "" {
		return nil, fmt.Errorf("mutate command is required")
	}
	return &ScriptMutator{
		command: command,
		workDir: workDir,
		logger:  logger.With("component", "mutator"),
	}, nil
}

func (m *ScriptMutator) CreateVariant(ctx context.Context, parentCommitID string, improve types.SelfImprove) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", m.command+" \"$@\"", "darwin-mutate", parentCommitID, string(improve.Kind))
	cmd.Dir = m.workDir
	cmd.Env = append(cmd.Environ(),
		"DARWIN_PARENT_COMMIT="+parentCommitID,
		"DARWIN_IMPROVE_KIND="+string(improve.Kind),
		"DARWIN_IMPROVE_INSTANCE="+improve.InstanceID,
		"DARWIN_IMPROVE_INSTANCES="+strings.Join(improve.InstanceIDs, ","),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("mutate command: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	commitID := strings.TrimSpace(stdout.String())
	if commitID == "" {
		return "", fmt.Errorf("mutate command produced no commit id")
	}
	// Only the last line matters; the script may log above it.
	if i := strings.LastIndexByte(commitID, '\n'); i >= 0 {
		commitID = strings.TrimSpace(commitID[i+1:])
	}
	m.logger.Debug("variant created", "parent", parentCommitID, "commit", commitID)
	return commitID, nil
}

// ScriptEvaluator shells out to the configured evaluate command, passing the
// task as JSON on stdin and parsing a fitness JSON from stdout.
type ScriptEvaluator struct {
	command string
	workDir string
	logger  *slog.Logger
}

func NewScriptEvaluator(command, workDir string, logger *slog.Logger) (*ScriptEvaluator, error) {
	if command == "" {
		return nil, fmt.Errorf("evaluate command is required")
	}
	return &ScriptEvaluator{
		command: command,
		workDir: workDir,
		logger:  logger.With("component", "evaluator-backend"),
	}, nil
}

func (e *ScriptEvaluator) Run(ctx context.Context, task types.EvaluationTask) (*types.FitnessScore, error) {
	input, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", e.command)
	cmd.Dir = e.workDir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(cmd.Environ(), "DARWIN_COMMIT="+task.CommitID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("evaluate command: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	var score types.FitnessScore
	if err := json.Unmarshal(stdout.Bytes(), &score); err != nil {
		return nil, fmt.Errorf("parse fitness output: %w", err)
	}
	return &score, nil
}

// ScriptBenchRunner runs one benchmark pass per invocation for the
// improvement validator. The command prints a sample JSON on stdout.
type ScriptBenchRunner struct {
	command string
	workDir string
}

func NewScriptBenchRunner(command, workDir string) (*ScriptBenchRunner, error) {
	if command == "" {
		return nil, fmt.Errorf("bench command is required")
	}
	return &ScriptBenchRunner{command: command, workDir: workDir}, nil
}

func (r *ScriptBenchRunner) RunOnce(ctx context.Context, commitID string) (bench.Sample, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", r.command+" \"$@\"", "darwin-bench", commitID)
	cmd.Dir = r.workDir
	cmd.Env = append(cmd.Environ(), "DARWIN_COMMIT="+commitID)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return bench.Sample{}, fmt.Errorf("bench command: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	var sample bench.Sample
	if err := json.Unmarshal(stdout.Bytes(), &sample); err != nil {
		return bench.Sample{}, fmt.Errorf("parse bench output: %w", err)
	}
	return sample, nil
}
