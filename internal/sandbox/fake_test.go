package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// fakeRuntime is an in-memory Runtime. Each container "runs" by returning the
// configured script outcome; hang makes it block until killed.
type fakeRuntime struct {
	mu sync.Mutex

	pingErr      error
	imagePresent bool
	createErr    error
	startErr     error
	logsErr      error
	removeErr    error

	exitCode  int
	stdout    string
	stderr    string
	oomKilled bool
	hang      bool

	// onCreate, when set, runs with the ContainerSpec before the container is registered.
	onCreate func(ContainerSpec)

	nextID     int
	containers map[string]*fakeContainer
	specs      []ContainerSpec
	calls      []string
}

type fakeContainer struct {
	spec   ContainerSpec
	killed chan struct{}
	once   sync.Once
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{imagePresent: true, containers: make(map[string]*fakeContainer)}
}

func (f *fakeRuntime) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeRuntime) Ping(ctx context.Context) error {
	f.record("ping")
	return f.pingErr
}

func (f *fakeRuntime) ImagePresent(ctx context.Context, image string) (bool, error) {
	f.record("image")
	return f.imagePresent, nil
}

func (f *fakeRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	f.record("create")
	if f.createErr != nil {
		return "", f.createErr
	}
	if !f.imagePresent {
		return "", fmt.Errorf("%w: %s", ErrImageNotFound, spec.Image)
	}
	if _, err := os.Stat(spec.HostDir); err != nil {
		return "", fmt.Errorf("bind source missing: %w", err)
	}
	if f.onCreate != nil {
		f.onCreate(spec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("c%015d", f.nextID)
	f.containers[id] = &fakeContainer{spec: spec, killed: make(chan struct{})}
	f.specs = append(f.specs, spec)
	return id, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.record("start")
	return f.startErr
}

func (f *fakeRuntime) container(id string) (*fakeContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, errors.New("no such container")
	}
	return c, nil
}

func (f *fakeRuntime) Wait(ctx context.Context, id string) (int, error) {
	f.record("wait")
	c, err := f.container(id)
	if err != nil {
		return -1, err
	}
	if !f.hang {
		return f.exitCode, nil
	}
	select {
	case <-c.killed:
		return 137, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *fakeRuntime) Kill(ctx context.Context, id string) error {
	f.record("kill")
	c, err := f.container(id)
	if err != nil {
		return err
	}
	c.once.Do(func() { close(c.killed) })
	return nil
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, stdout, stderr io.Writer) error {
	f.record("logs")
	if _, err := f.container(id); err != nil {
		return err
	}
	if f.logsErr != nil {
		return f.logsErr
	}
	_, _ = io.WriteString(stdout, f.stdout)
	_, _ = io.WriteString(stderr, f.stderr)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (ExitStatus, error) {
	f.record("inspect")
	return ExitStatus{ExitCode: f.exitCode, OOMKilled: f.oomKilled}, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.record("remove")
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	delete(f.containers, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) ListManaged(ctx context.Context) ([]ManagedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ManagedContainer, 0, len(f.containers))
	for id, c := range f.containers {
		out = append(out, ManagedContainer{ID: id, Name: c.spec.Name, ExecutionID: c.spec.Labels[LabelExecutionID], Created: time.Now()})
	}
	return out, nil
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeRuntime) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRuntime) lastSpec() ContainerSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.specs) == 0 {
		return ContainerSpec{}
	}
	return f.specs[len(f.specs)-1]
}

var _ Runtime = (*fakeRuntime)(nil)
