package evaluator

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jehmal/darwin/internal/types"
)

const manifestTOML = `
[suites.swe_lite]
instances = ["django-101", "requests-202", "flask-303"]
timeout_secs = 120
priority = 5

[suites.smoke]
instances = ["hello-1"]
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "suites.toml")
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadSuites(t *testing.T) {
	suites, err := LoadSuites(writeManifest(t, manifestTOML))
	if err != nil {
		t.Fatalf("LoadSuites: %v", err)
	}

	if len(suites) != 2 {
		t.Fatalf("loaded %d suites, want 2", len(suites))
	}
	lite := suites["swe_lite"]
	if len(lite.Instances) != 3 || lite.TimeoutSecs != 120 || lite.Priority != 5 {
		t.Errorf("swe_lite = %+v", lite)
	}
	if len(suites["smoke"].Instances) != 1 {
		t.Errorf("smoke = %+v", suites["smoke"])
	}
}

func TestLoadSuitesRejectsBadManifests(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"empty manifest", ""},
		{"suite without instances", "[suites.empty]\ntimeout_secs = 5\n"},
		{"not toml at all", "{\"suites\": {}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadSuites(writeManifest(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := LoadSuites(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file should error")
	}
}

func TestTaskFor(t *testing.T) {
	suites, err := LoadSuites(writeManifest(t, manifestTOML))
	if err != nil {
		t.Fatalf("LoadSuites: %v", err)
	}

	task, err := TaskFor("agent-1", "commit-1", "swe_lite", suites)
	if err != nil {
		t.Fatalf("TaskFor: %v", err)
	}
	if task.AgentID != "agent-1" || task.CommitID != "commit-1" {
		t.Errorf("task identity = %+v", task)
	}
	if task.EvaluationType != "swe_lite" || len(task.Instances) != 3 {
		t.Errorf("task suite = %+v", task)
	}
	if task.Timeout != 120*time.Second || task.Priority != 5 {
		t.Errorf("task timing = %+v", task)
	}

	if _, err := TaskFor("a", "c", "nope", suites); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("unknown suite: err = %v, want ErrNotFound", err)
	}
}
