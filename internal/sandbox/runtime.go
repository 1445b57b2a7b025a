package sandbox

import (
	"context"
	"io"
	"time"
)

// Labels attached to every container the engine creates.
const (
	LabelManaged     = "runbox.managed"
	LabelExecutionID = "runbox.execution_id"
)

// Runtime is the container backend the engine drives. The engine receives one
// at construction; tests substitute an in-memory fake.
//
// Implementations must be safe for concurrent use.
type Runtime interface {
	Ping(ctx context.Context) error
	ImagePresent(ctx context.Context, image string) (bool, error)
	// Create returns an error wrapping ErrImageNotFound when spec.Image is absent.
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	// Wait blocks until the container stops or ctx is done, and returns the exit code.
	Wait(ctx context.Context, id string) (int, error)
	// Kill sends SIGKILL. Killing a stopped container is not an error.
	Kill(ctx context.Context, id string) error
	// Logs copies the container's stdout and stderr into separate writers.
	Logs(ctx context.Context, id string, stdout, stderr io.Writer) error
	Inspect(ctx context.Context, id string) (ExitStatus, error)
	// Remove force-removes the container. Removing a missing container is not an error.
	Remove(ctx context.Context, id string) error
	ListManaged(ctx context.Context) ([]ManagedContainer, error)
	Close() error
}

// ContainerSpec describes one execution container.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         map[string]string
	Labels      map[string]string
	HostDir     string // Staged workspace on the host.
	MountTarget string // Where HostDir appears in the container.
	WorkingDir  string
	MemoryBytes int64
	NanoCPUs    int64
	PIDsLimit   int64
	NetworkMode string
	User        string
}

// ExitStatus is the terminal state reported by the runtime.
type ExitStatus struct {
	ExitCode  int
	OOMKilled bool
}

// ManagedContainer is a container carrying LabelManaged.
type ManagedContainer struct {
	ID          string
	Name        string
	ExecutionID string
	State       string
	Created     time.Time
}
