package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jehmal/darwin/internal/archive"
	"github.com/jehmal/darwin/internal/bench"
	"github.com/jehmal/darwin/internal/config"
	"github.com/jehmal/darwin/internal/engine"
	"github.com/jehmal/darwin/internal/evaluator"
	"github.com/jehmal/darwin/internal/events"
	"github.com/jehmal/darwin/internal/maintenance"
	"github.com/jehmal/darwin/internal/mirror"
	"github.com/jehmal/darwin/internal/population"
	"github.com/jehmal/darwin/internal/selection"
	"github.com/jehmal/darwin/internal/types"
	"github.com/jehmal/darwin/internal/worker"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Bus         *events.Bus
	MQTTClient  events.MQTTClient
	Mirror      *mirror.Store
	Archive     *archive.Manager
	Pool        *worker.Pool
	Population  *population.Manager
	Engine      *engine.Engine
	Maintenance *maintenance.Scheduler
	Watcher     *config.Watcher
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("darwin", flag.ExitOnError)
	configPath := fs.String("config", "darwin.json", "Path to config file (JSON or YAML)")
	resume := fs.String("resume", "", "Checkpoint to resume from (file name or \"latest\")")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("Darwin v%s (built %s)\n", version, buildTime)
		fmt.Println("Evolutionary program-variant orchestration engine")
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer teardown(app)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Engine.Initialize(ctx); err != nil {
		app.Logger.Error("initialization failed", "error", err)
		return 1
	}

	if *resume != "" {
		name := *resume
		if name == "latest" {
			name, err = app.Engine.LatestCheckpoint()
			if err != nil {
				app.Logger.Error("no checkpoint to resume from", "error", err)
				return 1
			}
		}
		if err := app.Engine.Recover(name); err != nil {
			app.Logger.Error("recovery failed", "checkpoint", name, "error", err)
			return 1
		}
	}

	app.Maintenance.Start(ctx)
	if app.Watcher != nil {
		app.Watcher.Start()
	}

	// First signal asks the engine to stop after the current generation;
	// second one cancels outright.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		app.Logger.Info("shutdown signal received, draining current generation")
		app.Engine.Stop()
		<-sigCh
		app.Logger.Warn("second signal received, aborting")
		cancel()
	}()

	report, runErr := app.Engine.RunEvolution(ctx)
	if report != nil {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
	if runErr != nil {
		app.Logger.Error("evolution run failed", "error", runErr)
		return 1
	}
	return 0
}

// setup wires every component from config.
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	app.Logger.Info("starting Darwin", "version", version, "config", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Run.ID == "" {
		cfg.Run.ID = uuid.NewString()
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Run.LogLevel),
	}))

	app.Bus = events.NewBus(cfg.Run.ID, cfg.Events.Buffer, app.Logger)
	if cfg.Events.MQTT.Enabled {
		clientID := cfg.Events.MQTT.ClientID
		if clientID == "" {
			clientID = "darwin-" + cfg.Run.ID[:8]
		}
		app.MQTTClient = events.NewMQTTClient(cfg.Events.MQTT.BrokerURL, clientID,
			cfg.Events.MQTT.Username, cfg.Events.MQTT.Password)
		token := app.MQTTClient.Connect()
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			app.Logger.Warn("mqtt connect failed, events stay local", "error", token.Error())
		} else {
			app.Bus.AddSink(events.NewMQTTSink(app.MQTTClient, cfg.Events.MQTT.TopicPrefix, app.Logger))
		}
	}

	var archiveMirror archive.Mirror = archive.NoopMirror{}
	if cfg.Mirror.Enabled {
		path := cfg.Mirror.Path
		if path == "" {
			path = cfg.Run.DataDir + "/darwin.db"
		}
		store, err := mirror.Open(path)
		if err != nil {
			app.Logger.Warn("mirror unavailable, continuing without it", "error", err)
		} else {
			app.Mirror = store
			archiveMirror = store
		}
	}

	app.Archive, err = archive.NewManager(cfg.Run.DataDir, app.Bus, archiveMirror, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}

	seed := cfg.Evolution.SelectionSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec
	selector, err := selection.NewSelector(app.Archive, rng, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create selector: %w", err)
	}

	suites := map[string]evaluator.Suite{}
	if cfg.Evaluator.SuitePath != "" {
		suites, err = evaluator.LoadSuites(cfg.Evaluator.SuitePath)
		if err != nil {
			return nil, fmt.Errorf("load benchmark suites: %w", err)
		}
	}
	var knownInstances []string
	if suite, ok := suites[cfg.Evaluator.SuiteName]; ok {
		knownInstances = suite.Instances
	}

	evalBackend, err := NewScriptEvaluator(cfg.Backends.EvaluateCommand, cfg.Backends.WorkDir, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create evaluate backend: %w", err)
	}
	eval, err := evaluator.New(evalBackend, cfg.Evolution.ParallelEvaluations,
		time.Duration(cfg.Evaluator.DefaultTimeoutSec)*time.Second, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create evaluator: %w", err)
	}

	mutator, err := NewScriptMutator(cfg.Backends.MutateCommand, cfg.Backends.WorkDir, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create mutate backend: %w", err)
	}

	app.Pool, err = worker.NewPool(cfg.Evolution.ParallelEvaluations, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	taskFor := func(agentID, commitID string) (types.EvaluationTask, error) {
		if len(suites) == 0 {
			// No manifest: the evaluate command decides what to run.
			return types.EvaluationTask{
				AgentID:        agentID,
				CommitID:       commitID,
				EvaluationType: cfg.Evaluator.SuiteName,
			}, nil
		}
		return evaluator.TaskFor(agentID, commitID, cfg.Evaluator.SuiteName, suites)
	}
	app.Population, err = population.NewManager(app.Pool, mutator, eval, taskFor, app.Bus, cfg.Run.ID, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("create population: %w", err)
	}

	var opts engine.Options
	opts.KnownInstances = knownInstances
	if cfg.Evolution.ValidateImprovements && cfg.Bench.BenchCommand != "" {
		runner, err := NewScriptBenchRunner(cfg.Bench.BenchCommand, cfg.Backends.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("create bench runner: %w", err)
		}
		opts.Validator, err = bench.NewValidator(runner, cfg.Bench.Runs, cfg.Bench.WarmupRuns, app.Logger)
		if err != nil {
			return nil, fmt.Errorf("create validator: %w", err)
		}
	}

	app.Engine, err = engine.New(cfg, app.Archive, selector, app.Population, app.Pool, app.Bus, app.Logger, opts)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	app.Maintenance = maintenance.NewScheduler(app.Logger)
	if err := registerMaintenanceJobs(app); err != nil {
		return nil, fmt.Errorf("register maintenance jobs: %w", err)
	}

	app.Watcher = config.NewWatcher(configPath, 30*time.Second, app.Logger, func() {
		app.Logger.Info("config changed on disk; restart to apply")
	})

	return app, nil
}

// registerMaintenanceJobs wires the housekeeping jobs from config. Defaults
// keep the archive flushed even when generations run long.
func registerMaintenanceJobs(app *App) error {
	if !app.Config.Maintenance.Enabled {
		return nil
	}

	persistExpr := app.Config.Maintenance.PersistSchedule
	if persistExpr == "" {
		persistExpr = "@every 5m"
	}
	persistSched, err := maintenance.ScheduleFor(persistExpr)
	if err != nil {
		return err
	}
	if err := app.Maintenance.AddJob(&maintenance.Job{
		ID:       "persist-archive",
		Schedule: persistSched,
		Run: func(ctx context.Context) error {
			return app.Archive.PersistToDisk(app.Population.Generation())
		},
	}); err != nil {
		return err
	}

	healthExpr := app.Config.Maintenance.HealthSchedule
	if healthExpr == "" {
		healthExpr = "@every 1m"
	}
	healthSched, err := maintenance.ScheduleFor(healthExpr)
	if err != nil {
		return err
	}
	return app.Maintenance.AddJob(&maintenance.Job{
		ID:       "health-report",
		Schedule: healthSched,
		Run: func(ctx context.Context) error {
			health := app.Population.Health()
			app.Logger.Info("population health",
				"generation", health.Generation,
				"pending", health.Pending,
				"failureRate", health.FailureRate,
				"diversity", health.ParentDiversity,
				"flags", health.Flags)
			return nil
		},
	})
}

func teardown(app *App) {
	if app == nil {
		return
	}
	if app.Watcher != nil {
		app.Watcher.Stop()
	}
	if app.Maintenance != nil {
		app.Maintenance.Stop()
	}
	if app.Bus != nil {
		app.Bus.Close()
	}
	if app.MQTTClient != nil && app.MQTTClient.IsConnected() {
		app.MQTTClient.Disconnect(250)
	}
	if app.Mirror != nil {
		if err := app.Mirror.Close(); err != nil {
			app.Logger.Warn("mirror close failed", "error", err)
		}
	}
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
