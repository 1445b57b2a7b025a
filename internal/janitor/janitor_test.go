package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/runbox/internal/sandbox"
)

type fakeContainers struct {
	mu      sync.Mutex
	list    []sandbox.ManagedContainer
	listErr error
	failID  string
	removed []string
}

func (f *fakeContainers) ListManaged(ctx context.Context) ([]sandbox.ManagedContainer, error) {
	return f.list, f.listErr
}

func (f *fakeContainers) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.failID {
		return errors.New("device busy")
	}
	f.removed = append(f.removed, id)
	return nil
}

type fakeWorkspaces struct {
	maxAge  time.Duration
	removed []string
	err     error
}

func (f *fakeWorkspaces) Sweep(maxAge time.Duration) ([]string, error) {
	f.maxAge = maxAge
	return f.removed, f.err
}

type fakeJournal struct {
	cutoff time.Time
	n      int64
}

func (f *fakeJournal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, nil
}

func newTestJanitor(t *testing.T, c Containers, w Workspaces, opts ...Option) (*Janitor, time.Time) {
	t.Helper()
	j, err := New(c, w, Config{Schedule: "@every 1m", MaxAge: 10 * time.Minute, Retention: 24 * time.Hour}, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }
	return j, now
}

func TestSweep_ReapsOnlyOldContainers(t *testing.T) {
	c := &fakeContainers{}
	j, now := newTestJanitor(t, c, nil)
	c.list = []sandbox.ManagedContainer{
		{ID: "old", Name: "runbox-exec-old", Created: now.Add(-time.Hour), State: "exited"},
		{ID: "young", Name: "runbox-exec-young", Created: now.Add(-time.Minute), State: "running"},
		{ID: "edge", Name: "runbox-exec-edge", Created: now.Add(-10 * time.Minute), State: "running"},
	}

	rep := j.Sweep(context.Background())
	if rep.Err != nil {
		t.Fatalf("Sweep error: %v", rep.Err)
	}
	if rep.Containers != 2 {
		t.Errorf("containers = %d, want 2", rep.Containers)
	}
	for _, id := range c.removed {
		if id == "young" {
			t.Error("young container removed")
		}
	}
}

func TestSweep_SkipsActiveExecutions(t *testing.T) {
	c := &fakeContainers{}
	live := map[string]bool{"exec-live": true}
	j, now := newTestJanitor(t, c, nil, WithActiveExecutions(func(id string) bool { return live[id] }))
	c.list = []sandbox.ManagedContainer{
		{ID: "live", ExecutionID: "exec-live", Created: now.Add(-20 * time.Minute), State: "running"},
		{ID: "orphan", ExecutionID: "exec-gone", Created: now.Add(-20 * time.Minute), State: "running"},
		{ID: "unlabelled", Created: now.Add(-20 * time.Minute), State: "exited"},
	}

	rep := j.Sweep(context.Background())
	if rep.Err != nil {
		t.Fatalf("Sweep error: %v", rep.Err)
	}
	if rep.Containers != 2 {
		t.Errorf("containers = %d, want 2", rep.Containers)
	}
	for _, id := range c.removed {
		if id == "live" {
			t.Error("container of a live execution removed")
		}
	}
}

func TestSweep_IndependentFailures(t *testing.T) {
	c := &fakeContainers{listErr: errors.New("daemon down")}
	w := &fakeWorkspaces{removed: []string{"/tmp/runbox/exec-1"}}
	jr := &fakeJournal{n: 4}
	var reaped = map[string]int{}
	j, now := newTestJanitor(t, c, w, WithJournal(jr), WithReapedObserver(func(r string, n int) { reaped[r] += n }))

	rep := j.Sweep(context.Background())
	if rep.Err == nil {
		t.Error("expected the listing error to be reported")
	}
	if rep.Workspaces != 1 || rep.Entries != 4 {
		t.Errorf("report = %+v", rep)
	}
	if w.maxAge != 10*time.Minute {
		t.Errorf("workspace max age = %v", w.maxAge)
	}
	if !jr.cutoff.Equal(now.Add(-24 * time.Hour)) {
		t.Errorf("journal cutoff = %v", jr.cutoff)
	}
	if reaped["workspace"] != 1 || reaped["journal_entry"] != 4 || reaped["container"] != 0 {
		t.Errorf("reaped = %v", reaped)
	}
}

func TestSweep_RemoveFailureContinues(t *testing.T) {
	c := &fakeContainers{failID: "a"}
	j, now := newTestJanitor(t, c, nil)
	c.list = []sandbox.ManagedContainer{
		{ID: "a", Created: now.Add(-time.Hour)},
		{ID: "b", Created: now.Add(-time.Hour)},
	}
	rep := j.Sweep(context.Background())
	if rep.Err == nil {
		t.Error("expected removal error")
	}
	if rep.Containers != 1 || len(c.removed) != 1 || c.removed[0] != "b" {
		t.Errorf("removed = %v", c.removed)
	}
}

func TestSweep_NoRetentionSkipsJournal(t *testing.T) {
	jr := &fakeJournal{n: 9}
	j, err := New(nil, nil, Config{Schedule: "@every 1m", MaxAge: time.Minute}, nil, WithJournal(jr))
	if err != nil {
		t.Fatal(err)
	}
	if rep := j.Sweep(context.Background()); rep.Entries != 0 || !jr.cutoff.IsZero() {
		t.Errorf("journal pruned without retention: %+v", rep)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, nil, Config{Schedule: "@every 1m"}, nil); err == nil {
		t.Error("expected error for zero max age")
	}
	if _, err := New(nil, nil, Config{Schedule: "not a schedule", MaxAge: time.Minute}, nil); err == nil {
		t.Error("expected error for a bad schedule")
	}
	if _, err := New(nil, nil, Config{Schedule: "*/5 * * * *", MaxAge: time.Minute}, nil); err != nil {
		t.Errorf("standard cron spec rejected: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	j, _ := newTestJanitor(t, &fakeContainers{}, nil)
	stop := j.Start(context.Background())
	stop()
	stop() // Idempotent.
}
