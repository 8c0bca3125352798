package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jehmal/darwin/internal/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadJSONOverridesDefaults(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "run")
	path := writeFile(t, "darwin.json", `{
  "run": {"dataDir": "`+dataDir+`", "logLevel": "debug"},
  "evolution": {"populationSize": 8, "maxGenerations": 50}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Evolution.PopulationSize != 8 {
		t.Errorf("populationSize = %d, want 8", cfg.Evolution.PopulationSize)
	}
	if cfg.Evolution.MaxGenerations != 50 {
		t.Errorf("maxGenerations = %d, want 50", cfg.Evolution.MaxGenerations)
	}
	// Untouched fields keep their defaults.
	if cfg.Evolution.SelectionMethod != "score_child_prop" {
		t.Errorf("selectionMethod = %q, want default", cfg.Evolution.SelectionMethod)
	}
	if cfg.Bench.Runs != 10 {
		t.Errorf("bench.runs = %d, want default 10", cfg.Bench.Runs)
	}
	if _, err := os.Stat(dataDir); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "run")
	path := writeFile(t, "darwin.yaml", `
run:
  dataDir: `+dataDir+`
evolution:
  populationSize: 3
  selectionMethod: best
evaluator:
  suiteName: swe_lite
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Evolution.PopulationSize != 3 {
		t.Errorf("populationSize = %d, want 3", cfg.Evolution.PopulationSize)
	}
	if cfg.Evolution.SelectionMethod != "best" {
		t.Errorf("selectionMethod = %q, want best", cfg.Evolution.SelectionMethod)
	}
	if cfg.Evaluator.SuiteName != "swe_lite" {
		t.Errorf("suiteName = %q, want swe_lite", cfg.Evaluator.SuiteName)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty data dir", func(c *Config) { c.Run.DataDir = "" }},
		{"zero population", func(c *Config) { c.Evolution.PopulationSize = 0 }},
		{"zero parallelism", func(c *Config) { c.Evolution.ParallelEvaluations = 0 }},
		{"unknown selection method", func(c *Config) { c.Evolution.SelectionMethod = "tournament" }},
		{"unknown archive strategy", func(c *Config) { c.Evolution.ArchiveStrategy = "elitist" }},
		{"unknown baseline", func(c *Config) { c.Evolution.RunBaseline = "half_darwin" }},
		{"mqtt without broker", func(c *Config) { c.Events.MQTT.Enabled = true }},
		{"validation without enough runs", func(c *Config) {
			c.Evolution.ValidateImprovements = true
			c.Bench.Runs = 1
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Run.DataDir = t.TempDir()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, types.ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Error("missing config file must error")
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	path := writeFile(t, "bad.json", `{"run": `)
	if _, err := Load(path); err == nil {
		t.Error("malformed config must error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Run.DataDir = filepath.Join(t.TempDir(), "run")
	cfg.Evolution.PopulationSize = 6

	path := filepath.Join(t.TempDir(), "saved", "darwin.json")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if loaded.Evolution.PopulationSize != 6 {
		t.Errorf("populationSize = %d, want 6", loaded.Evolution.PopulationSize)
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := writeFile(t, "darwin.json", `{"v":1}`)

	var fired atomic.Int32
	w := NewWatcher(path, 10*time.Millisecond, nil, func() {
		fired.Add(1)
	})
	w.Start()
	defer w.Stop()

	// Let the watcher record the initial state, then rewrite the file with
	// different content so size or mtime moves.
	time.Sleep(30 * time.Millisecond)
	if err := os.WriteFile(path, []byte(`{"v":2,"changed":true}`), 0640); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("watcher never reported the change")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := writeFile(t, "darwin.json", `{}`)
	w := NewWatcher(path, 10*time.Millisecond, nil, func() {})
	w.Start()
	w.Stop()
	w.Stop()
}
