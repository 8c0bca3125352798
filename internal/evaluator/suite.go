package evaluator

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jehmal/darwin/internal/types"
)

// Suite is one named benchmark suite from the manifest.
type Suite struct {
	Instances   []string `toml:"instances"`
	TimeoutSecs int      `toml:"timeout_secs"`
	Priority    int      `toml:"priority"`
}

// suiteManifest is the on-disk shape:
//
//	[suites.swe_lite]
//	instances = ["astropy__astropy-12907", "django__django-10914"]
//	timeout_secs = 600
//	priority = 5
type suiteManifest struct {
	Suites map[string]Suite `toml:"suites"`
}

// LoadSuites parses a TOML suite manifest.
func LoadSuites(path string) (map[string]Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite manifest: %w", err)
	}
	var manifest suiteManifest
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse suite manifest %s: %w", path, err)
	}
	if len(manifest.Suites) == 0 {
		return nil, fmt.Errorf("suite manifest %s defines no suites: %w", path, types.ErrInvalidConfig)
	}
	for name, s := range manifest.Suites {
		if len(s.Instances) == 0 {
			return nil, fmt.Errorf("suite %q has no instances: %w", name, types.ErrInvalidConfig)
		}
	}
	return manifest.Suites, nil
}

// TaskFor builds an evaluation task for one agent against a named suite.
func TaskFor(agentID, commitID, suiteName string, suites map[string]Suite) (types.EvaluationTask, error) {
	s, ok := suites[suiteName]
	if !ok {
		return types.EvaluationTask{}, fmt.Errorf("suite %q: %w", suiteName, types.ErrNotFound)
	}
	return types.EvaluationTask{
		AgentID:        agentID,
		CommitID:       commitID,
		EvaluationType: suiteName,
		Instances:      append([]string(nil), s.Instances...),
		Timeout:        time.Duration(s.TimeoutSecs) * time.Second,
		Priority:       s.Priority,
	}, nil
}
