package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/api"
	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/journal"
	"github.com/jkaninda/runbox/internal/observability"
	"github.com/jkaninda/runbox/internal/sandbox"
	"github.com/jkaninda/runbox/internal/workspace"
)

// SharedComponents holds the subsystems every mode needs. Built once by
// initShared, torn down by Cleanup.
type SharedComponents struct {
	Config     *config.Config
	Logger     *slog.Logger
	Obs        *observability.Observability
	Runtime    *sandbox.DockerRuntime
	Workspaces *workspace.Provisioner
	Engine     *sandbox.Engine
	Journal    *journal.Store   // nil = journal disabled.
	Executor   sandbox.Executor // Engine wrapped by the journal and instrumentation.
	Service    *api.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared builds the execution stack: the runtime handle, the workspace
// provisioner, the engine, and its decorators. On error everything built so
// far is released.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *SharedComponents, err error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			sc.Cleanup()
		}
	}()

	// Observability.
	obs, err := observability.New(ctx, cfg.Observability, observability.ServiceInfo{
		Version: version,
		Runtime: cfg.Runtime,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// Workspace provisioner.
	ws, err := workspace.New(cfg.Workspace.StagingRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspaces = ws

	// Container runtime.
	rt, err := sandbox.NewDockerRuntime(cfg.Runtime.DockerHost, logger)
	if err != nil {
		return nil, err
	}
	sc.Runtime = rt
	sc.addCleanup(func() {
		if err := rt.Close(); err != nil {
			logger.Warn("closing docker client", slog.String("error", err.Error()))
		}
	})

	// Execution engine.
	metrics := obs.MetricsOrNil()
	engine, err := sandbox.NewEngine(ctx, rt, ws, runtimeConfig(cfg.Runtime), logger,
		sandbox.WithStateObserver(metrics.ObserveState),
		sandbox.WithCleanupObserver(metrics.ObserveCleanupFailure),
	)
	if err != nil {
		return nil, err
	}
	sc.Engine = engine

	var exec sandbox.Executor = engine

	// Journal.
	if cfg.Journal != nil && cfg.Journal.Enabled {
		store, err := journal.Open(cfg.Journal, logger)
		if err != nil {
			return nil, err
		}
		sc.Journal = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Warn("closing journal", slog.String("error", err.Error()))
			}
		})
		exec = journal.NewRecorder(exec, store, logger)
		logger.Debug("journal initialized", slog.String("driver", cfg.Journal.JournalDriver()))
	}

	exec = obs.Instrument(exec)
	sc.Executor = exec
	sc.Service = api.NewService(exec, logger)

	return sc, nil
}

// runtimeConfig maps the file configuration onto the engine's.
func runtimeConfig(r config.RuntimeConfig) sandbox.RuntimeConfig {
	return sandbox.RuntimeConfig{
		Image:          r.Image,
		DefaultTimeout: r.DefaultTimeout(),
		MaxTimeout:     r.MaxTimeout(),
		MemoryMB:       r.MemoryMB,
		CPUCores:       r.CPUCores,
		PIDsLimit:      r.PIDsLimit,
		NetworkMode:    r.NetworkMode,
		InstallNetwork: r.InstallNetwork,
		WorkingDir:     r.WorkingDir,
		MaxOutputBytes: r.MaxOutputBytes,
		ManifestFile:   r.ManifestFile,
		InstallCommand: r.InstallCommand,
		User:           r.User,
	}
}

// newLogger builds the process logger on stderr.
func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (use json or text)", format)
	}
}

// setup builds the logger from the global flags and loads the configuration.
// quietLevel, when set, replaces the default log level unless --log-level was given.
func setup(cmd *cobra.Command, quietLevel string) (*config.Config, *slog.Logger, error) {
	level := logLevel
	if quietLevel != "" && !cmd.Flags().Changed("log-level") {
		level = quietLevel
	}
	logger, err := newLogger(logFormat, level)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
