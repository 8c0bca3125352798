// Package types provides the shared data model for the evolution engine
// to avoid import cycles between the archive, population, and engine packages.
package types

import (
	"errors"
	"time"
)

// Sentinel errors shared across packages. Callers use errors.Is to branch
// on the failure class.
var (
	// ErrNotFound is returned when a commit id or checkpoint is unknown.
	ErrNotFound = errors.New("not found")
	// ErrInvalidConfig is returned for construction-time configuration errors.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrEvaluationTimeout marks an evaluation that exceeded its deadline.
	// It is always converted into a terminal failed result, never propagated
	// into the generation loop.
	ErrEvaluationTimeout = errors.New("evaluation timeout")
	// ErrPersistence marks a checkpoint or log write failure. It aborts only
	// the attempt that raised it.
	ErrPersistence = errors.New("persistence failure")
	// ErrBackendUnavailable marks an unreachable mutation or evaluation backend.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// AgentStatus is the lifecycle state of an agent. Transitions are
// forward-only; out-of-order updates from the task queue are rejected.
type AgentStatus string

const (
	StatusPending    AgentStatus = "pending"
	StatusRunning    AgentStatus = "running"
	StatusEvaluating AgentStatus = "evaluating"
	StatusEvaluated  AgentStatus = "evaluated"
	StatusFailed     AgentStatus = "failed"
	StatusArchived   AgentStatus = "archived"
)

var statusRank = map[AgentStatus]int{
	StatusPending:    0,
	StatusRunning:    1,
	StatusEvaluating: 2,
	StatusEvaluated:  3,
	StatusFailed:     3,
	StatusArchived:   4,
}

// CanTransition reports whether moving from s to next is a forward transition.
// Failed is a dead end: a failed agent is never archived or re-evaluated.
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	if s == StatusFailed {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// Terminal reports whether the status ends an agent's active lifecycle.
func (s AgentStatus) Terminal() bool {
	return s == StatusEvaluated || s == StatusFailed || s == StatusArchived
}

// FitnessScore is the structured benchmark result for one agent.
type FitnessScore struct {
	Accuracy              float64  `json:"accuracy"`
	ResolvedCount         int      `json:"resolvedCount"`
	UnresolvedCount       int      `json:"unresolvedCount"`
	EmptyPatchCount       int      `json:"emptyPatchCount"`
	CompilationSuccess    bool     `json:"compilationSuccess"`
	ContextLengthExceeded bool     `json:"contextLengthExceeded"`
	ExecutionTimeMs       int64    `json:"executionTimeMs,omitempty"`
	MemoryUsageBytes      int64    `json:"memoryUsageBytes,omitempty"`
	TestsPassed           int      `json:"testsPassed,omitempty"`
	TotalTests            int      `json:"totalTests,omitempty"`
	ResolvedIDs           []string `json:"resolvedIds,omitempty"`
	UnresolvedIDs         []string `json:"unresolvedIds,omitempty"`
	EmptyPatchIDs         []string `json:"emptyPatchIds,omitempty"`
}

// Equal compares the scalar fields that admission and convergence care about.
// Instance id lists are compared by length only; they are derived data.
func (f *FitnessScore) Equal(other *FitnessScore) bool {
	if f == nil || other == nil {
		return f == other
	}
	return f.Accuracy == other.Accuracy &&
		f.ResolvedCount == other.ResolvedCount &&
		f.UnresolvedCount == other.UnresolvedCount &&
		f.EmptyPatchCount == other.EmptyPatchCount &&
		f.CompilationSuccess == other.CompilationSuccess &&
		f.ContextLengthExceeded == other.ContextLengthExceeded &&
		len(f.ResolvedIDs) == len(other.ResolvedIDs) &&
		len(f.UnresolvedIDs) == len(other.UnresolvedIDs) &&
		len(f.EmptyPatchIDs) == len(other.EmptyPatchIDs)
}

// Clone returns a deep copy.
func (f *FitnessScore) Clone() *FitnessScore {
	if f == nil {
		return nil
	}
	c := *f
	c.ResolvedIDs = append([]string(nil), f.ResolvedIDs...)
	c.UnresolvedIDs = append([]string(nil), f.UnresolvedIDs...)
	c.EmptyPatchIDs = append([]string(nil), f.EmptyPatchIDs...)
	return &c
}

// AgentMetadata carries lineage bookkeeping for an agent.
type AgentMetadata struct {
	ChildrenCount int                `json:"childrenCount"`
	RunID         string             `json:"runId,omitempty"`
	Counters      map[string]float64 `json:"counters,omitempty"`
}

// Agent is one candidate program variant.
type Agent struct {
	ID             string        `json:"id"`
	CommitID       string        `json:"commitId"`
	ParentCommitID string        `json:"parentCommitId,omitempty"`
	Generation     int           `json:"generation"`
	Fitness        *FitnessScore `json:"fitness,omitempty"`
	Status         AgentStatus   `json:"status"`
	Metadata       AgentMetadata `json:"metadata"`
	CreatedAt      time.Time     `json:"createdAt"`
	EvaluatedAt    time.Time     `json:"evaluatedAt,omitempty"`
}

// Clone returns a deep copy so archive internals never leak to callers.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	c.Fitness = a.Fitness.Clone()
	if a.Metadata.Counters != nil {
		c.Metadata.Counters = make(map[string]float64, len(a.Metadata.Counters))
		for k, v := range a.Metadata.Counters {
			c.Metadata.Counters[k] = v
		}
	}
	return &c
}

// SelfImproveKind enumerates what weakness an offspring attempt targets.
type SelfImproveKind string

const (
	// ImproveInstance targets a single named benchmark instance.
	ImproveInstance SelfImproveKind = "instance"
	// ImproveEmptyPatches targets runs that produced no patch at all.
	ImproveEmptyPatches SelfImproveKind = "empty_patches"
	// ImproveStochasticity targets run-to-run result instability.
	ImproveStochasticity SelfImproveKind = "stochasticity"
	// ImproveContextLength targets context-window overruns.
	ImproveContextLength SelfImproveKind = "context_length"
	// ImproveInstances targets an explicit set of instances.
	ImproveInstances SelfImproveKind = "instances"
)

// SelfImprove describes what a new offspring should attempt to fix.
// Kind selects the variant; InstanceID and InstanceIDs are populated only
// for the instance and instances kinds respectively.
type SelfImprove struct {
	Kind        SelfImproveKind `json:"kind"`
	InstanceID  string          `json:"instanceId,omitempty"`
	InstanceIDs []string        `json:"instanceIds,omitempty"`
}

// EvaluationTask names one benchmark run against one candidate.
// EvaluationType is opaque to the core; the evaluation backend interprets it.
type EvaluationTask struct {
	AgentID        string        `json:"agentId"`
	CommitID       string        `json:"commitId"`
	EvaluationType string        `json:"evaluationType"`
	Instances      []string      `json:"instances,omitempty"`
	Timeout        time.Duration `json:"timeout"`
	Priority       int           `json:"priority"`
}
