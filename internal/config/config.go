package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jehmal/darwin/internal/archive"
	"github.com/jehmal/darwin/internal/selection"
	"github.com/jehmal/darwin/internal/types"
)

// Config holds all Darwin configuration.
type Config struct {
	// Run identity and filesystem layout
	Run RunConfig `json:"run" yaml:"run"`

	// Evolution engine knobs
	Evolution EvolutionConfig `json:"evolution" yaml:"evolution"`

	// Fitness evaluation settings
	Evaluator EvaluatorConfig `json:"evaluator" yaml:"evaluator"`

	// Event bus and MQTT fan-out
	Events EventsConfig `json:"events" yaml:"events"`

	// Optional SQLite observability mirror
	Mirror MirrorConfig `json:"mirror,omitempty" yaml:"mirror,omitempty"`

	// Background maintenance jobs
	Maintenance MaintenanceConfig `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`

	// External mutation/evaluation commands
	Backends BackendsConfig `json:"backends" yaml:"backends"`

	// Benchmark protocol for improvement validation
	Bench BenchConfig `json:"bench,omitempty" yaml:"bench,omitempty"`
}

type RunConfig struct {
	ID string `json:"id,omitempty" yaml:"id,omitempty"`
	// DataDir is the run's root: archive.log, agents/, checkpoints/
	DataDir string `json:"dataDir" yaml:"dataDir"`
	// PreviousRunDir, when set, seeds the archive from an earlier run
	PreviousRunDir string `json:"previousRunDir,omitempty" yaml:"previousRunDir,omitempty"`
	LogLevel       string `json:"logLevel" yaml:"logLevel"`
}

type EvolutionConfig struct {
	// Offspring per generation
	PopulationSize int `json:"populationSize" yaml:"populationSize"`
	// Stop conditions; zero disables the corresponding check
	MaxGenerations           int     `json:"maxGenerations" yaml:"maxGenerations"`
	FitnessThreshold         float64 `json:"fitnessThreshold,omitempty" yaml:"fitnessThreshold,omitempty"`
	MaxStagnationGenerations int     `json:"maxStagnationGenerations,omitempty" yaml:"maxStagnationGenerations,omitempty"`
	TimeLimitSec             int     `json:"timeLimitSec,omitempty" yaml:"timeLimitSec,omitempty"`

	// Checkpoint every N generations; zero disables periodic checkpoints
	CheckpointInterval  int `json:"checkpointInterval" yaml:"checkpointInterval"`
	ParallelEvaluations int `json:"parallelEvaluations" yaml:"parallelEvaluations"`

	SelectionMethod string `json:"selectionMethod" yaml:"selectionMethod"`
	ArchiveStrategy string `json:"archiveStrategy" yaml:"archiveStrategy"`

	PolyglotMode bool `json:"polyglotMode,omitempty" yaml:"polyglotMode,omitempty"`
	// RunBaseline "no_darwin" disables evolutionary selection
	RunBaseline          string `json:"runBaseline,omitempty" yaml:"runBaseline,omitempty"`
	ValidateImprovements bool   `json:"validateImprovements,omitempty" yaml:"validateImprovements,omitempty"`
	// Seed for the selection random source; zero means time-seeded
	SelectionSeed int64 `json:"selectionSeed,omitempty" yaml:"selectionSeed,omitempty"`
}

type EvaluatorConfig struct {
	// SuitePath is a TOML manifest of named benchmark suites
	SuitePath string `json:"suitePath" yaml:"suitePath"`
	SuiteName string `json:"suiteName" yaml:"suiteName"`
	// Fallback timeout when a suite does not set one
	DefaultTimeoutSec int `json:"defaultTimeoutSec" yaml:"defaultTimeoutSec"`
}

type EventsConfig struct {
	// Per-subscriber channel depth; zero selects the default
	Buffer int        `json:"buffer,omitempty" yaml:"buffer,omitempty"`
	MQTT   MQTTConfig `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	BrokerURL   string `json:"brokerUrl" yaml:"brokerUrl"`
	ClientID    string `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty" yaml:"topicPrefix,omitempty"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
}

type MirrorConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

type MaintenanceConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Cron expressions (standard five-field) or @every durations
	PersistSchedule string `json:"persistSchedule,omitempty" yaml:"persistSchedule,omitempty"`
	HealthSchedule  string `json:"healthSchedule,omitempty" yaml:"healthSchedule,omitempty"`
}

type BackendsConfig struct {
	// MutateCommand receives the parent commit and the improvement target,
	// prints the new commit id on stdout
	MutateCommand string `json:"mutateCommand" yaml:"mutateCommand"`
	// EvaluateCommand receives a task JSON on stdin, prints a fitness JSON
	EvaluateCommand string `json:"evaluateCommand" yaml:"evaluateCommand"`
	WorkDir         string `json:"workDir,omitempty" yaml:"workDir,omitempty"`
}

type BenchConfig struct {
	// Repeated-run protocol sizes
	Runs       int `json:"runs" yaml:"runs"`
	WarmupRuns int `json:"warmupRuns" yaml:"warmupRuns"`
	// BenchCommand runs one benchmark pass for a commit, prints a sample JSON
	BenchCommand string `json:"benchCommand,omitempty" yaml:"benchCommand,omitempty"`
}

// DefaultConfig returns a runnable config for local experiments.
func DefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			DataDir:  "./data",
			LogLevel: "info",
		},
		Evolution: EvolutionConfig{
			PopulationSize:           4,
			MaxGenerations:           20,
			MaxStagnationGenerations: 5,
			CheckpointInterval:       5,
			ParallelEvaluations:      2,
			SelectionMethod:          string(selection.MethodScoreChildProp),
			ArchiveStrategy:          string(archive.StrategyAll),
		},
		Evaluator: EvaluatorConfig{
			SuiteName:         "default",
			DefaultTimeoutSec: 600,
		},
		Events: EventsConfig{
			MQTT: MQTTConfig{
				TopicPrefix: "darwin/events",
			},
		},
		Bench: BenchConfig{
			Runs:       10,
			WarmupRuns: 2,
		},
	}
}

// Load reads config from a JSON or YAML file, decided by extension, applied
// over defaults. The run data directory is created as a side effect.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Run.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return cfg, nil
}

// Save writes config to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// Validate rejects configs the engine cannot run with.
func (c *Config) Validate() error {
	if c.Run.DataDir == "" {
		return fmt.Errorf("run.dataDir is required: %w", types.ErrInvalidConfig)
	}
	if c.Evolution.PopulationSize <= 0 {
		return fmt.Errorf("evolution.populationSize must be positive: %w", types.ErrInvalidConfig)
	}
	if c.Evolution.ParallelEvaluations <= 0 {
		return fmt.Errorf("evolution.parallelEvaluations must be positive: %w", types.ErrInvalidConfig)
	}
	if !selection.ValidMethod(selection.Method(c.Evolution.SelectionMethod)) {
		return fmt.Errorf("evolution.selectionMethod %q is unknown: %w",
			c.Evolution.SelectionMethod, types.ErrInvalidConfig)
	}
	if !archive.ValidStrategy(archive.Strategy(c.Evolution.ArchiveStrategy)) {
		return fmt.Errorf("evolution.archiveStrategy %q is unknown: %w",
			c.Evolution.ArchiveStrategy, types.ErrInvalidConfig)
	}
	if b := c.Evolution.RunBaseline; b != "" && b != selection.BaselineNoDarwin {
		return fmt.Errorf("evolution.runBaseline %q is unknown: %w", b, types.ErrInvalidConfig)
	}
	if c.Events.MQTT.Enabled && c.Events.MQTT.BrokerURL == "" {
		return fmt.Errorf("events.mqtt.brokerUrl is required when mqtt is enabled: %w", types.ErrInvalidConfig)
	}
	if c.Evolution.ValidateImprovements && c.Bench.Runs < 2 {
		return fmt.Errorf("bench.runs must be at least 2 to validate improvements: %w", types.ErrInvalidConfig)
	}
	return nil
}
