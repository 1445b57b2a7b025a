// Package janitor periodically removes what a crashed or killed process left
// behind: labelled execution containers, staging directories, and journal
// entries past their retention.
//
// The engine cleans up after every execution on its own; the janitor only
// catches resources whose owner never returned.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/runbox/internal/sandbox"
)

// sweepTimeout bounds one full sweep.
const sweepTimeout = 2 * time.Minute

// Containers lists and removes managed containers. sandbox.Runtime satisfies it.
type Containers interface {
	ListManaged(ctx context.Context) ([]sandbox.ManagedContainer, error)
	Remove(ctx context.Context, id string) error
}

// Workspaces removes stale staging directories. *workspace.Provisioner satisfies it.
type Workspaces interface {
	Sweep(maxAge time.Duration) ([]string, error)
}

// Journal drops old entries. *journal.Store satisfies it.
type Journal interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config configures a Janitor.
type Config struct {
	Schedule  string        // Cron spec, e.g. "@every 5m" or "*/10 * * * *".
	MaxAge    time.Duration // Containers and workspaces older than this are orphans. Must exceed the longest execution.
	Retention time.Duration // Journal entries older than this are pruned. 0 = keep.
}

// Report summarizes one sweep.
type Report struct {
	Containers int
	Workspaces int
	Entries    int64
	Err        error
}

// Janitor runs sweeps on a cron schedule.
type Janitor struct {
	containers Containers
	workspaces Workspaces
	journal    Journal
	cfg        Config
	logger     *slog.Logger
	onReaped   func(resource string, n int)
	active     func(executionID string) bool
	now        func() time.Time

	mu sync.Mutex // Serializes sweeps.
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithJournal enables pruning of j.
func WithJournal(j Journal) Option {
	return func(jn *Janitor) { jn.journal = j }
}

// WithReapedObserver registers a callback receiving per-resource removal counts.
func WithReapedObserver(fn func(resource string, n int)) Option {
	return func(jn *Janitor) { jn.onReaped = fn }
}

// WithActiveExecutions skips containers whose execution is still in flight in
// this process, whatever their age. *sandbox.Engine's Active method fits.
func WithActiveExecutions(fn func(executionID string) bool) Option {
	return func(jn *Janitor) { jn.active = fn }
}

// New creates a Janitor. Either of containers and workspaces may be nil.
func New(containers Containers, workspaces Workspaces, cfg Config, logger *slog.Logger, opts ...Option) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("janitor max age must be positive")
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", cfg.Schedule, err)
	}
	j := &Janitor{
		containers: containers,
		workspaces: workspaces,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Start schedules sweeps until ctx is done or the returned stop function is called.
// Stop waits for a running sweep to finish.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	c := cron.New()
	// Schedule was validated in New.
	_, _ = c.AddFunc(j.cfg.Schedule, func() { j.Sweep(ctx) })
	c.Start()

	j.logger.Info("janitor started",
		slog.String("schedule", j.cfg.Schedule),
		slog.Duration("max_age", j.cfg.MaxAge),
	)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-c.Stop().Done()
			j.logger.Info("janitor stopped")
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop
}

// Sweep runs one pass over every resource class. Each class is handled
// independently; a failure in one does not skip the others.
func (j *Janitor) Sweep(ctx context.Context) Report {
	j.mu.Lock()
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	var (
		rep  Report
		errs []error
	)
	now := j.now()

	if j.containers != nil {
		n, err := j.reapContainers(ctx, now)
		rep.Containers = n
		errs = append(errs, err)
	}
	if j.workspaces != nil {
		removed, err := j.workspaces.Sweep(j.cfg.MaxAge)
		rep.Workspaces = len(removed)
		errs = append(errs, err)
	}
	if j.journal != nil && j.cfg.Retention > 0 {
		n, err := j.journal.Prune(ctx, now.Add(-j.cfg.Retention))
		rep.Entries = n
		errs = append(errs, err)
	}
	rep.Err = errors.Join(errs...)

	j.report("container", rep.Containers)
	j.report("workspace", rep.Workspaces)
	j.report("journal_entry", int(rep.Entries))

	if rep.Err != nil {
		j.logger.Warn("janitor sweep incomplete", slog.String("error", rep.Err.Error()))
	}
	if rep.Containers > 0 || rep.Workspaces > 0 || rep.Entries > 0 {
		j.logger.Info("janitor sweep",
			slog.Int("containers", rep.Containers),
			slog.Int("workspaces", rep.Workspaces),
			slog.Int64("journal_entries", rep.Entries),
		)
	}
	return rep
}

func (j *Janitor) reapContainers(ctx context.Context, now time.Time) (int, error) {
	list, err := j.containers.ListManaged(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing managed containers: %w", err)
	}
	var (
		removed int
		errs    []error
	)
	for _, c := range list {
		if now.Sub(c.Created) < j.cfg.MaxAge {
			continue
		}
		if j.active != nil && c.ExecutionID != "" && j.active(c.ExecutionID) {
			j.logger.Debug("skipping container of a live execution",
				slog.String("container", c.Name),
				slog.String("execution_id", c.ExecutionID),
			)
			continue
		}
		if err := j.containers.Remove(ctx, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("removing container %s: %w", c.Name, err))
			continue
		}
		removed++
		j.logger.Debug("reaped orphaned container",
			slog.String("container", c.Name),
			slog.String("execution_id", c.ExecutionID),
			slog.String("state", c.State),
		)
	}
	return removed, errors.Join(errs...)
}

func (j *Janitor) report(resource string, n int) {
	if j.onReaped != nil && n > 0 {
		j.onReaped(resource, n)
	}
}
