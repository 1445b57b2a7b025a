package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/runbox/internal/workspace"
)

const (
	// removeTimeout bounds container removal during cleanup.
	removeTimeout = 5 * time.Second
	// pingTimeout bounds the connectivity checks at construction and in Status.
	pingTimeout = 5 * time.Second
)

var errEmptyCommand = errors.New("empty command")

// Provisioner stages and disposes host workspaces. *workspace.Provisioner satisfies it.
type Provisioner interface {
	Stage(files map[string]string) (*workspace.Handle, error)
	WriteFile(h *workspace.Handle, name, content string) error
	Dispose(h *workspace.Handle) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithStateObserver registers a callback invoked on every lifecycle transition.
func WithStateObserver(fn func(executionID string, s State)) Option {
	return func(e *Engine) { e.onState = fn }
}

// WithCleanupObserver registers a callback invoked when a cleanup step fails.
// resource is "container" or "workspace".
func WithCleanupObserver(fn func(resource string, err error)) Option {
	return func(e *Engine) { e.onCleanupErr = fn }
}

// Engine runs execution requests in disposable containers.
//
// Guarantees, for every request:
//   - one staged workspace and one container, neither shared with another request
//   - a hard kill when the deadline passes
//   - stdout and stderr captured before the container is removed
//   - container and workspace removed before Run returns, each independently
//
// Engine is safe for concurrent use. The only state shared between calls is
// the set of executions currently in flight.
type Engine struct {
	rt     Runtime
	prov   Provisioner
	cfg    RuntimeConfig
	sup    *supervisor
	logger *slog.Logger

	onState      func(string, State)
	onCleanupErr func(string, error)

	mu     sync.Mutex
	active map[string]struct{}
}

// NewEngine verifies the runtime is reachable and returns a ready engine.
// An unreachable runtime yields a KindConfiguration error; the image is not
// checked here because its absence is reported per call.
func NewEngine(ctx context.Context, rt Runtime, prov Provisioner, cfg RuntimeConfig, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rt == nil || prov == nil {
		return nil, newError(KindConfiguration, "init", errors.New("runtime and provisioner are required"))
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rt.Ping(pingCtx); err != nil {
		return nil, newError(KindConfiguration, "init", fmt.Errorf("container runtime unreachable: %w", err))
	}

	cfg = cfg.withDefaults()
	e := &Engine{
		rt:     rt,
		prov:   prov,
		cfg:    cfg,
		logger: logger,
		sup:    &supervisor{rt: rt, maxOutput: cfg.MaxOutputBytes, logger: logger},
		active: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	logger.Info("execution engine ready",
		slog.String("image", cfg.Image),
		slog.Duration("default_timeout", cfg.DefaultTimeout),
		slog.Duration("max_timeout", cfg.MaxTimeout),
		slog.Int("memory_mb", cfg.MemoryMB),
		slog.Float64("cpu_cores", cfg.CPUCores),
		slog.String("network_mode", cfg.NetworkMode),
		slog.String("install_network", cfg.InstallNetwork),
	)
	return e, nil
}

// Config returns the engine's runtime configuration.
func (e *Engine) Config() RuntimeConfig { return e.cfg }

// Active reports whether the execution is still in flight, from the moment Run
// assigns its ID until its cleanup has finished.
func (e *Engine) Active(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[executionID]
	return ok
}

func (e *Engine) track(id string) func() {
	e.mu.Lock()
	e.active[id] = struct{}{}
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
	}
}

// Run executes one request. It never returns an error and never panics
// outward: every failure is reported in the result.
func (e *Engine) Run(ctx context.Context, req ExecutionRequest) (res ExecutionResult) {
	id := uuid.NewString()
	log := e.logger.With(slog.String("execution_id", id))
	o := outcome{ExecutionID: id, Started: time.Now(), ExitCode: -1}

	var (
		handle      *workspace.Handle
		containerID string
	)
	untrack := e.track(id)
	e.transition(log, id, StatePending)

	defer untrack()
	defer func() {
		e.cleanup(ctx, log, containerID, handle)
		e.transition(log, id, StateCleanedUp)
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("execution panicked", slog.Any("panic", r))
			o.Err = newError(KindUnexpected, "run", fmt.Errorf("internal fault: %v", r))
			o.Finished = time.Now()
			res = collect(o)
		}
	}()

	finish := func() ExecutionResult {
		o.Finished = time.Now()
		o.ContainerID = containerID
		return collect(o)
	}

	req, err := e.prepare(req)
	if err != nil {
		o.Err = newError(KindUnexpected, "validate", err)
		log.Warn("execution request rejected", slog.String("error", err.Error()))
		return finish()
	}

	handle, err = e.prov.Stage(req.Files)
	if err != nil {
		o.Err = newError(KindUnexpected, "stage", err)
		e.transition(log, id, StateLaunchFailed)
		log.Error("workspace staging failed", slog.String("error", err.Error()))
		return finish()
	}
	e.transition(log, id, StateStaged)

	install := ""
	if len(req.Dependencies) > 0 {
		rel, _ := workspaceRelative(e.cfg.WorkingDir, req.WorkingDir)
		manifest := path.Join(rel, e.cfg.ManifestFile)
		if err := e.prov.WriteFile(handle, manifest, manifestContent(req.Dependencies)); err != nil {
			o.Err = newError(KindUnexpected, "stage", fmt.Errorf("writing dependency manifest: %w", err))
			e.transition(log, id, StateLaunchFailed)
			return finish()
		}
		install = e.cfg.InstallCommand
	}

	spec, err := e.containerSpec(id, handle, req, composeScript(req.WorkingDir, install, req.Command))
	if err != nil {
		o.Err = newError(KindUnexpected, "create", err)
		e.transition(log, id, StateLaunchFailed)
		return finish()
	}

	containerID, err = e.rt.Create(ctx, spec)
	if err != nil {
		kind := KindUnexpected
		if errors.Is(err, ErrImageNotFound) {
			kind = KindImageNotFound
			err = fmt.Errorf("image %q is not present on the runtime host: %w", e.cfg.Image, err)
		}
		o.Err = newError(kind, "create", err)
		e.transition(log, id, StateLaunchFailed)
		log.Error("container create failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
		return finish()
	}
	log = log.With(slog.String("container_id", shortID(containerID)))

	if err := e.rt.Start(ctx, containerID); err != nil {
		kind := KindUnexpected
		if errors.Is(err, ErrImageNotFound) {
			kind = KindImageNotFound
		}
		o.Err = newError(kind, "start", err)
		e.transition(log, id, StateLaunchFailed)
		log.Error("container start failed", slog.String("error", err.Error()))
		return finish()
	}
	e.transition(log, id, StateRunning)

	ar := e.sup.await(ctx, containerID, req.Timeout)
	o.ExitCode = ar.ExitCode
	o.Stdout = ar.Stdout
	o.Stderr = ar.Stderr
	o.OOMKilled = ar.OOMKilled
	o.Truncated = ar.Truncated
	o.Err = ar.Err
	if ar.TimedOut {
		e.transition(log, id, StateTimedOut)
	} else {
		e.transition(log, id, StateCompleted)
	}

	res = finish()
	log.Info("execution finished",
		slog.Bool("success", res.Success),
		slog.Int("exit_code", res.ExitCode),
		slog.String("kind", string(res.Kind)),
		slog.Bool("oom_killed", res.OOMKilled),
		slog.Duration("duration", res.Duration),
		slog.Int("stdout_bytes", len(res.Stdout)),
		slog.Int("stderr_bytes", len(res.Stderr)),
	)
	return res
}

// Status checks the runtime and the image. It never launches a container.
func (e *Engine) Status(ctx context.Context) Status {
	st := Status{Config: e.cfg}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := e.rt.Ping(pingCtx); err != nil {
		st.Error = err.Error()
		return st
	}
	st.Reachable = true

	present, err := e.rt.ImagePresent(pingCtx, e.cfg.Image)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.ImagePresent = present
	return st
}

// prepare validates the request and applies defaults.
func (e *Engine) prepare(req ExecutionRequest) (ExecutionRequest, error) {
	if strings.TrimSpace(req.Command) == "" {
		return req, errEmptyCommand
	}
	if req.Timeout < 0 {
		return req, fmt.Errorf("timeout must not be negative")
	}
	if req.Timeout == 0 {
		req.Timeout = e.cfg.DefaultTimeout
	}
	if req.Timeout > e.cfg.MaxTimeout {
		return req, fmt.Errorf("timeout %s exceeds the maximum of %s", req.Timeout, e.cfg.MaxTimeout)
	}
	if req.WorkingDir == "" {
		req.WorkingDir = e.cfg.WorkingDir
	}
	if _, ok := workspaceRelative(e.cfg.WorkingDir, req.WorkingDir); !ok || !strings.HasPrefix(req.WorkingDir, "/") {
		return req, fmt.Errorf("working_dir %q must be inside %s", req.WorkingDir, e.cfg.WorkingDir)
	}
	for k := range req.Env {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			return req, fmt.Errorf("invalid environment variable name %q", k)
		}
	}
	return req, nil
}

func (e *Engine) containerSpec(id string, h *workspace.Handle, req ExecutionRequest, script string) (ContainerSpec, error) {
	name, err := generateContainerName()
	if err != nil {
		return ContainerSpec{}, fmt.Errorf("generating container name: %w", err)
	}
	network := e.cfg.NetworkMode
	if len(req.Dependencies) > 0 {
		network = e.cfg.InstallNetwork
	}
	return ContainerSpec{
		Name:  name,
		Image: e.cfg.Image,
		Cmd:   []string{"sh", "-c", script},
		Env:   req.Env,
		Labels: map[string]string{
			LabelManaged:     "true",
			LabelExecutionID: id,
		},
		HostDir:     h.Dir,
		MountTarget: e.cfg.WorkingDir,
		WorkingDir:  req.WorkingDir,
		MemoryBytes: int64(e.cfg.MemoryMB) * 1024 * 1024,
		NanoCPUs:    int64(e.cfg.CPUCores * 1e9),
		PIDsLimit:   int64(e.cfg.PIDsLimit),
		NetworkMode: network,
		User:        e.cfg.User,
	}, nil
}

// cleanup removes the container and the workspace. Each step is attempted
// regardless of the other and of the caller's context.
func (e *Engine) cleanup(ctx context.Context, log *slog.Logger, containerID string, h *workspace.Handle) {
	if containerID != "" {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		if err := e.rt.Remove(rmCtx, containerID); err != nil {
			log.Warn("container remove failed", slog.String("error", err.Error()))
			if e.onCleanupErr != nil {
				e.onCleanupErr("container", err)
			}
		}
		cancel()
	}
	if h != nil {
		if err := e.prov.Dispose(h); err != nil {
			log.Warn("workspace dispose failed",
				slog.String("workspace", h.ID),
				slog.String("error", err.Error()),
			)
			if e.onCleanupErr != nil {
				e.onCleanupErr("workspace", err)
			}
		}
	}
}

func (e *Engine) transition(log *slog.Logger, id string, s State) {
	log.Debug("execution state", slog.String("state", string(s)))
	if e.onState != nil {
		e.onState(id, s)
	}
}

var _ Executor = (*Engine)(nil)
