package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lucasnoah/autopr/internal/classifier"
	"github.com/lucasnoah/autopr/internal/config"
	"github.com/lucasnoah/autopr/internal/db"
	"github.com/lucasnoah/autopr/internal/events"
	"github.com/lucasnoah/autopr/internal/github"
	"github.com/lucasnoah/autopr/internal/knowledge"
	"github.com/lucasnoah/autopr/internal/orchestrator"
	"github.com/lucasnoah/autopr/internal/pipeline"
	"github.com/lucasnoah/autopr/internal/runner"
	"github.com/lucasnoah/autopr/internal/workspace"
)

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	return config.LoadDefault()
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stateStore is an open pipeline store plus its health probe.
type stateStore struct {
	pipeline.Store
	db    *db.DB
	ping  func(ctx context.Context) error
	close func() error
}

// openStore opens the store selected by database.driver.
func openStore(cfg config.DatabaseConfig) (*stateStore, error) {
	switch cfg.Driver {
	case "file":
		var fs *pipeline.FileStore
		if cfg.Path != "" {
			fs = pipeline.NewFileStore(cfg.Path)
		} else {
			var err error
			if fs, err = pipeline.DefaultFileStore(); err != nil {
				return nil, err
			}
		}
		return &stateStore{
			Store: fs,
			ping: func(context.Context) error {
				_, err := os.Stat(fs.BaseDir())
				if os.IsNotExist(err) {
					return nil
				}
				return err
			},
			close: func() error { return nil },
		}, nil

	case "postgres", "sqlite":
		database, err := openDB(cfg)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(); err != nil {
			database.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &stateStore{Store: database, db: database, ping: database.Ping, close: database.Close}, nil

	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

// openDB opens the SQL database without migrating it.
func openDB(cfg config.DatabaseConfig) (*db.DB, error) {
	switch cfg.Driver {
	case "postgres":
		return db.Open(db.Postgres, cfg.URL)
	case "sqlite":
		path := cfg.Path
		if path == "" {
			path = strings.TrimPrefix(cfg.URL, "sqlite://")
		}
		if path == "" {
			var err error
			if path, err = db.DefaultDBPath(); err != nil {
				return nil, fmt.Errorf("db path: %w", err)
			}
		}
		return db.Open(db.SQLite, path)
	default:
		return nil, fmt.Errorf("database driver %q is not a SQL database", cfg.Driver)
	}
}

// app holds every wired collaborator of the pipeline.
type app struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       *stateStore
	machine     *pipeline.Machine
	github      *github.Client
	knowledge   *knowledge.Provider
	provisioner *workspace.Provisioner
	registry    *prometheus.Registry
	emitter     events.Emitter
	metrics     *events.Metrics
	orch        *orchestrator.Orchestrator
}

// newApp wires the pipeline from cfg. close releases the store and sinks.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		machine:  pipeline.NewMachine(store, logger),
		github:   github.NewFromConfig(cfg.GitHub, logger),
		registry: prometheus.NewRegistry(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.knowledge = knowledge.New(cfg.Knowledge, logger)
	a.provisioner = workspace.NewProvisioner(&workspace.ExecGit{},
		a.knowledge,
		workspace.OptionsFromConfig(cfg.Workspace, cfg.GitHub, cfg.Knowledge),
		logger)

	llm, err := classifier.NewLLM(cfg.Classifier)
	if err != nil {
		store.close()
		return nil, err
	}

	a.emitter, a.metrics, err = events.New(cfg.Events, a.registry, logger)
	if err != nil {
		store.close()
		return nil, fmt.Errorf("event sinks: %w", err)
	}

	a.orch = orchestrator.New(orchestrator.Deps{
		Machine:     a.machine,
		Classifier:  classifier.New(llm, logger),
		Clarifier:   classifier.NewClarifier(a.github, logger),
		Provisioner: a.provisioner,
		Runner:      runner.NewFromConfig(cfg.Runner, logger),
		Publisher:   github.NewPusher(&workspace.ExecGit{}, cfg.GitHub.Token),
		GitHub:      a.github,
		Events:      a.emitter,
	}, orchestrator.Options{
		BaseBranch: cfg.GitHub.BaseBranch,
		PRLabels:   cfg.GitHub.PRLabels,
		Reviewers:  cfg.GitHub.Reviewers,
		RunTimeout: cfg.Runner.Timeout.Std(),
	}, logger)
	return a, nil
}

func (a *app) close() {
	if err := a.emitter.Close(); err != nil {
		a.logger.Warn("close event sinks", "error", err)
	}
	if err := a.store.close(); err != nil {
		a.logger.Warn("close state store", "error", err)
	}
}

// syncStageGauge loads every state and seeds the per-stage gauge.
func (a *app) syncStageGauge(ctx context.Context) error {
	var all []pipeline.State
	for _, stage := range pipeline.Stages {
		states, err := a.machine.ListByStage(ctx, stage)
		if err != nil {
			return fmt.Errorf("list %s: %w", stage, err)
		}
		all = append(all, states...)
	}
	a.metrics.Sync(all)
	return nil
}

// openMachine opens just the state store for read and admin commands.
func openMachine(cfg *config.Config, logger *slog.Logger) (*pipeline.Machine, func(), error) {
	store, err := openStore(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open state store: %w", err)
	}
	return pipeline.NewMachine(store, logger), func() { store.close() }, nil
}
